package detection

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/annotation-cropper/pkg/client"
	"github.com/menta2k/annotation-cropper/pkg/llamacpp"
	"github.com/menta2k/annotation-cropper/pkg/ollama"
	"github.com/menta2k/annotation-cropper/pkg/onnx"
)

// Backend names accepted by New
const (
	BackendNone     = "none"
	BackendONNX     = "onnx"
	BackendOllama   = "ollama"
	BackendLlamaCpp = "llamacpp"
)

// ErrUnknownBackend is returned by New for an unrecognised backend name
var ErrUnknownBackend = errors.New("unknown detector backend")

// Config selects and configures a detector backend
type Config struct {
	Backend string

	// ONNX backend
	ModelPath      string
	LibraryPath    string
	InputSize      int
	PoolSize       int
	IoUThreshold   float64
	AcquireTimeout time.Duration

	// Vision model backends
	URL    string
	Model  string
	Prompt string

	Threshold float64
	Labels    []string
}

// New builds the detector named by cfg.Backend. The "none" backend (and an
// empty name) returns a nil Detector and no error; callers treat that as
// "no model loaded".
func New(cfg Config, logger *zap.Logger) (Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendNone:
		return nil, nil
	case BackendONNX:
		det, err := onnx.NewDetector(onnx.Config{
			ModelPath:      cfg.ModelPath,
			LibraryPath:    cfg.LibraryPath,
			InputSize:      cfg.InputSize,
			PoolSize:       cfg.PoolSize,
			ConfThreshold:  float32(cfg.Threshold),
			IoUThreshold:   float32(cfg.IoUThreshold),
			AcquireTimeout: cfg.AcquireTimeout,
			Labels:         cfg.Labels,
		}, logger.Named("onnx"))
		if err != nil {
			return nil, err
		}
		return det, nil
	case BackendOllama:
		c, err := ollama.NewClient(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
		return newVision(c, cfg, logger.Named("ollama")), nil
	case BackendLlamaCpp:
		c, err := llamacpp.NewClient(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		return newVision(c, cfg, logger.Named("llamacpp")), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

func newVision(c client.VisionClient, cfg Config, logger *zap.Logger) *VisionDetector {
	return NewVisionDetector(c, cfg.Model,
		WithPrompt(cfg.Prompt),
		WithThreshold(cfg.Threshold),
		WithLabels(cfg.Labels),
		WithLogger(logger))
}
