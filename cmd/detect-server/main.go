package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/menta2k/annotation-cropper/internal/config"
	"github.com/menta2k/annotation-cropper/internal/logging"
	"github.com/menta2k/annotation-cropper/internal/server"
	"github.com/menta2k/annotation-cropper/pkg/cropper"
	"github.com/menta2k/annotation-cropper/pkg/detection"
	"github.com/menta2k/annotation-cropper/pkg/store"
)

func main() {
	var configPath, addr, backend, model string

	flag.StringVar(&configPath, "config", "", "JSON config file (defaults apply when missing)")
	flag.StringVar(&addr, "addr", "", "listen address (default from config, :9999)")
	flag.StringVar(&backend, "backend", "", "detector backend: onnx|ollama|llamacpp|none")
	flag.StringVar(&model, "model", "", "ONNX model path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}
	cfg.ApplyEnv()
	if addr != "" {
		cfg.Server.DetectAddr = addr
	}
	if backend != "" {
		cfg.Detector.Backend = backend
	}
	if model != "" {
		cfg.Detector.ModelPath = model
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := logging.New(cfg.Debug)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	st, err := store.NewDiskStore(cfg.Storage.UploadDir, cfg.Storage.AnnotationsDir)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}

	cropCfg, err := cfg.CropConfig()
	if err != nil {
		logger.Fatal("invalid cropper configuration", zap.Error(err))
	}

	// A detector that fails to load leaves the service up and reporting
	// model_loaded false
	det, err := detection.New(cfg.DetectionConfig(), logger)
	if err != nil {
		logger.Error("error loading detector", zap.String("backend", cfg.Detector.Backend), zap.Error(err))
		det = nil
	} else if det != nil {
		logger.Info("detector loaded", zap.String("backend", cfg.Detector.Backend))
		defer func() {
			if err := det.Close(); err != nil {
				logger.Warn("failed to close detector", zap.Error(err))
			}
		}()
	}

	svc := server.NewDetectService(det, st, cropper.NewWithConfig(cropCfg),
		int64(cfg.Server.MaxUploadMB)<<20, logger.Named("detect"))
	handler := server.NewHandler(logger, cfg.Server.AllowedOrigins, svc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.ListenAndServe(ctx, cfg.Server.DetectAddr, handler, cfg.Server, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
