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
	"github.com/menta2k/annotation-cropper/pkg/store"
)

func main() {
	var configPath, addr, policy string
	var size int

	flag.StringVar(&configPath, "config", "", "JSON config file (defaults apply when missing)")
	flag.StringVar(&addr, "addr", "", "listen address (default from config, :8888)")
	flag.IntVar(&size, "size", 0, "crop side length in pixels")
	flag.StringVar(&policy, "policy", "", "small image policy: reject|anchor")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}
	cfg.ApplyEnv()
	if addr != "" {
		cfg.Server.AnnotateAddr = addr
	}
	if size > 0 {
		cfg.Cropper.BoxSize = size
	}
	if policy != "" {
		cfg.Cropper.Policy = policy
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

	svc := server.NewAnnotateService(st, cropper.NewWithConfig(cropCfg), cfg.OutputOptions(),
		int64(cfg.Server.MaxUploadMB)<<20, logger.Named("annotate"))
	handler := server.NewHandler(logger, cfg.Server.AllowedOrigins, svc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("annotation service starting",
		zap.String("uploads", st.UploadDir),
		zap.String("annotations", st.CropDir),
		zap.Int("box_size", cropCfg.BoxSize),
		zap.Stringer("policy", cropCfg.Policy))

	if err := server.ListenAndServe(ctx, cfg.Server.AnnotateAddr, handler, cfg.Server, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
