package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/menta2k/annotation-cropper/pkg/cropper"
	"github.com/menta2k/annotation-cropper/pkg/detection"
	"github.com/menta2k/annotation-cropper/pkg/types"
)

// Config holds the application configuration
type Config struct {
	Debug    bool           `json:"debug"`
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Cropper  CropperConfig  `json:"cropper"`
	Detector DetectorConfig `json:"detector"`
	Output   OutputConfig   `json:"output"`
}

// ServerConfig holds configuration for the two HTTP services
type ServerConfig struct {
	AnnotateAddr           string   `json:"annotate_addr"`
	DetectAddr             string   `json:"detect_addr"`
	AllowedOrigins         []string `json:"allowed_origins"`
	MaxUploadMB            int      `json:"max_upload_mb"`
	ReadTimeoutSeconds     int      `json:"read_timeout_seconds"`
	WriteTimeoutSeconds    int      `json:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int      `json:"shutdown_timeout_seconds"`
}

// StorageConfig holds the upload and crop directories
type StorageConfig struct {
	UploadDir      string `json:"upload_dir"`
	AnnotationsDir string `json:"annotations_dir"`
}

// CropperConfig holds configuration for fixed-size cropping
type CropperConfig struct {
	BoxSize int    `json:"box_size"`
	Policy  string `json:"small_image_policy"`
}

// DetectorConfig holds configuration for the detector backend
type DetectorConfig struct {
	Backend               string   `json:"backend"`
	ModelPath             string   `json:"model_path"`
	LibraryPath           string   `json:"onnxruntime_lib"`
	InputSize             int      `json:"input_size"`
	PoolSize              int      `json:"pool_size"`
	Threshold             float64  `json:"conf_threshold"`
	IoUThreshold          float64  `json:"iou_threshold"`
	AcquireTimeoutSeconds int      `json:"acquire_timeout_seconds"`
	URL                   string   `json:"url"`
	Model                 string   `json:"model"`
	Prompt                string   `json:"prompt,omitempty"`
	Labels                []string `json:"labels,omitempty"`
}

// OutputConfig holds configuration for crop encoding
type OutputConfig struct {
	Format   string `json:"format"`
	Quality  int    `json:"quality"`
	Lossless bool   `json:"lossless"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AnnotateAddr:           ":8888",
			DetectAddr:             ":9999",
			AllowedOrigins:         []string{"*"},
			MaxUploadMB:            32,
			ReadTimeoutSeconds:     30,
			WriteTimeoutSeconds:    300,
			ShutdownTimeoutSeconds: 10,
		},
		Storage: StorageConfig{
			UploadDir:      "static/uploads",
			AnnotationsDir: "static/annotations",
		},
		Cropper: CropperConfig{
			BoxSize: cropper.DefaultBoxSize,
			Policy:  cropper.PolicyReject.String(),
		},
		Detector: DetectorConfig{
			Backend:               detection.BackendNone,
			InputSize:             640,
			PoolSize:              2,
			Threshold:             0.25,
			IoUThreshold:          0.45,
			AcquireTimeoutSeconds: 5,
			URL:                   "http://localhost:11434",
			Model:                 "llava",
		},
		Output: OutputConfig{
			Format:  "png",
			Quality: 90,
		},
	}
}

// LoadFromFile loads configuration from a JSON file. Fields missing from the
// file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Load reads filename when it exists and falls back to defaults otherwise
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return Default(), nil
	}
	return LoadFromFile(filename)
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides configuration values from the environment
func (c *Config) ApplyEnv() {
	if v, ok := os.LookupEnv("DEBUG"); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			c.Debug = true
		default:
			c.Debug = false
		}
	}
	if v := os.Getenv("ADDR"); v != "" {
		c.Server.AnnotateAddr = v
		c.Server.DetectAddr = v
	}
	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		c.Storage.UploadDir = v
	}
	if v := os.Getenv("ANNOTATIONS_DIR"); v != "" {
		c.Storage.AnnotationsDir = v
	}
	if v := os.Getenv("DETECTOR_BACKEND"); v != "" {
		c.Detector.Backend = v
	}
	if v := os.Getenv("MODEL_PATH"); v != "" {
		c.Detector.ModelPath = v
	}
	if v := os.Getenv("ONNXRUNTIME_LIB"); v != "" {
		c.Detector.LibraryPath = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Cropper.BoxSize < 1 {
		return fmt.Errorf("cropper.box_size must be positive")
	}

	if _, err := cropper.ParsePolicy(c.Cropper.Policy); err != nil {
		return fmt.Errorf("cropper.small_image_policy: %w", err)
	}

	if c.Storage.UploadDir == "" || c.Storage.AnnotationsDir == "" {
		return fmt.Errorf("storage directories cannot be empty")
	}

	if c.Server.MaxUploadMB < 1 {
		return fmt.Errorf("server.max_upload_mb must be positive")
	}

	switch strings.ToLower(c.Output.Format) {
	case "png", "jpg", "jpeg", "webp":
	default:
		return fmt.Errorf("output.format must be one of png, jpg, webp")
	}

	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}

	if c.Detector.Threshold < 0 || c.Detector.Threshold > 1 {
		return fmt.Errorf("detector.conf_threshold must be between 0 and 1")
	}

	if c.Detector.IoUThreshold < 0 || c.Detector.IoUThreshold > 1 {
		return fmt.Errorf("detector.iou_threshold must be between 0 and 1")
	}

	switch strings.ToLower(c.Detector.Backend) {
	case "", detection.BackendNone, detection.BackendOllama, detection.BackendLlamaCpp:
	case detection.BackendONNX:
		if c.Detector.ModelPath == "" {
			return fmt.Errorf("detector.model_path is required for the onnx backend")
		}
	default:
		return fmt.Errorf("detector.backend %q is not supported", c.Detector.Backend)
	}

	return nil
}

// CropConfig converts the cropper section for the cropper package
func (c *Config) CropConfig() (cropper.CropConfig, error) {
	policy, err := cropper.ParsePolicy(c.Cropper.Policy)
	if err != nil {
		return cropper.CropConfig{}, err
	}
	return cropper.CropConfig{BoxSize: c.Cropper.BoxSize, Policy: policy}, nil
}

// DetectionConfig converts the detector section for detection.New
func (c *Config) DetectionConfig() detection.Config {
	d := c.Detector
	return detection.Config{
		Backend:        d.Backend,
		ModelPath:      d.ModelPath,
		LibraryPath:    d.LibraryPath,
		InputSize:      d.InputSize,
		PoolSize:       d.PoolSize,
		IoUThreshold:   d.IoUThreshold,
		AcquireTimeout: time.Duration(d.AcquireTimeoutSeconds) * time.Second,
		URL:            d.URL,
		Model:          d.Model,
		Prompt:         d.Prompt,
		Threshold:      d.Threshold,
		Labels:         d.Labels,
	}
}

// OutputOptions converts the output section
func (c *Config) OutputOptions() types.OutputConfig {
	return types.OutputConfig{
		Format:   c.Output.Format,
		Quality:  c.Output.Quality,
		Lossless: c.Output.Lossless,
	}
}

// ReadTimeout and the other timeout helpers feed http.Server
func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSeconds) * time.Second
}

func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "annotation-cropper", "config.json")
}
