// Package onnx runs YOLOv8/YOLO11 object detection models exported to ONNX
// through onnxruntime.
package onnx

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/menta2k/annotation-cropper/pkg/types"
)

// Defaults applied by NewDetector
const (
	DefaultInputSize     = 640
	DefaultConfThreshold = 0.25
	DefaultIoUThreshold  = 0.45
	DefaultNumClasses    = 80
	RetryAttempts        = 3
	RetryDelay           = 100 * time.Millisecond
)

// Config configures an ONNX detector
type Config struct {
	ModelPath   string
	LibraryPath string // onnxruntime shared library; empty uses the platform default

	InputSize      int
	PoolSize       int
	Threads        int
	ConfThreshold  float32
	IoUThreshold   float32
	AcquireTimeout time.Duration

	// Labels names the model classes by index. Its length is also used as the
	// class count when the model declares a dynamic output shape.
	Labels []string
}

// Detector is a pooled YOLO inference engine
type Detector struct {
	config  Config
	shape   modelShape
	pool    *SessionPool
	ownsEnv bool
	logger  *zap.Logger

	buffers sync.Pool
}

// NewDetector initialises the onnxruntime environment (once per process),
// reads the model geometry and builds the session pool
func NewDetector(cfg Config, logger *zap.Logger) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ModelPath == "" {
		return nil, errors.New("onnx: model path is required")
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = DefaultInputSize
	}
	if cfg.ConfThreshold <= 0 {
		cfg.ConfThreshold = DefaultConfThreshold
	}
	if cfg.IoUThreshold <= 0 {
		cfg.IoUThreshold = DefaultIoUThreshold
	}

	d := &Detector{config: cfg, logger: logger}

	if !ort.IsInitialized() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, errors.Wrap(err, "failed to initialize onnxruntime")
		}
		d.ownsEnv = true
	}

	numClasses := len(cfg.Labels)
	if numClasses == 0 {
		numClasses = DefaultNumClasses
	}
	shape, err := readModelShape(cfg.ModelPath, cfg.InputSize, numClasses)
	if err != nil {
		return nil, multierr.Append(err, d.destroyEnv())
	}
	d.shape = shape

	d.buffers.New = func() any {
		return make([]float32, 3*shape.inputSize*shape.inputSize)
	}

	d.pool, err = newSessionPool(cfg.PoolSize, cfg.AcquireTimeout, func() (*modelSession, error) {
		return newModelSession(cfg.ModelPath, shape, cfg.Threads)
	})
	if err != nil {
		return nil, multierr.Append(err, d.destroyEnv())
	}

	logger.Info("onnx model loaded",
		zap.String("model", cfg.ModelPath),
		zap.Int("input_size", shape.inputSize),
		zap.Int("classes", shape.numClasses()),
		zap.Int("predictions", shape.predictions),
		zap.Int("pool_size", d.pool.size))

	return d, nil
}

// Detect runs the model on img and returns detections in img's pixel space,
// highest confidence first
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	if img == nil {
		return nil, errors.New("nil image")
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, errors.Errorf("empty image %v", b)
	}

	session, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to acquire session")
	}
	defer func() {
		if err := d.pool.Release(session); err != nil {
			d.logger.Warn("failed to release session", zap.Error(err))
		}
	}()

	buf := d.buffers.Get().([]float32)
	defer d.buffers.Put(buf)

	start := time.Now()
	scaleX, scaleY := prepareInput(img, d.shape.inputSize, buf)
	copy(session.input.GetData(), buf)

	var lastErr error
	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if lastErr = session.session.Run(); lastErr == nil {
			break
		}
		d.logger.Warn("inference failed", zap.Int("attempt", attempt), zap.Error(lastErr))
		if attempt < RetryAttempts {
			time.Sleep(time.Duration(attempt) * RetryDelay)
		}
	}
	if lastErr != nil {
		return nil, errors.Wrap(lastErr, "model inference")
	}

	candidates := decodePredictions(session.output.GetData(),
		d.shape.attributes, d.shape.predictions,
		scaleX, scaleY, b.Dx(), b.Dy(), d.config.ConfThreshold)
	kept := nonMaxSuppression(candidates, d.config.IoUThreshold)

	detections := make([]types.Detection, len(kept))
	for i, c := range kept {
		conf := float64(c.score)
		detections[i] = types.Detection{
			Box: types.Corners{
				TLX: float64(c.box[0]),
				TLY: float64(c.box[1]),
				BRX: float64(c.box[2]),
				BRY: float64(c.box[3]),
			},
			Confidence: &conf,
			Label:      d.label(c.class),
			ClassID:    c.class,
		}
	}

	d.logger.Debug("onnx detection finished",
		zap.Int("candidates", len(candidates)),
		zap.Int("kept", len(detections)),
		zap.Duration("took", time.Since(start)))

	return detections, nil
}

// Metrics reports session pool usage
func (d *Detector) Metrics() PoolMetrics {
	return d.pool.Metrics()
}

// Close destroys the session pool and, if this detector created it, the
// onnxruntime environment
func (d *Detector) Close() error {
	return multierr.Append(d.pool.Destroy(), d.destroyEnv())
}

func (d *Detector) label(class int) string {
	if class >= 0 && class < len(d.config.Labels) {
		return d.config.Labels[class]
	}
	return ""
}

func (d *Detector) destroyEnv() error {
	if !d.ownsEnv {
		return nil
	}
	d.ownsEnv = false
	return ort.DestroyEnvironment()
}
