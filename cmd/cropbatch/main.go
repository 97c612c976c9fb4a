package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/annotation-cropper/internal/config"
	"github.com/menta2k/annotation-cropper/internal/logging"
	"github.com/menta2k/annotation-cropper/internal/utils"
	"github.com/menta2k/annotation-cropper/pkg/annotation"
	"github.com/menta2k/annotation-cropper/pkg/cropper"
	"github.com/menta2k/annotation-cropper/pkg/detection"
	"github.com/menta2k/annotation-cropper/pkg/processing"
	"github.com/menta2k/annotation-cropper/pkg/types"
)

// boxReport is one line of boxes.json
type boxReport struct {
	Index      int               `json:"index"`
	Source     string            `json:"source"`
	Box        types.BoundingBox `json:"box"`
	Confidence *float64          `json:"confidence,omitempty"`
	Region     *types.CropRegion `json:"region,omitempty"`
	Crop       string            `json:"crop,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func main() {
	var configPath, in, csvPath, outDir, backend, model, url, ext, policy string
	var size, quality int
	var lossless, debug bool

	flag.StringVar(&configPath, "config", "", "JSON config file (defaults apply when missing)")
	flag.StringVar(&in, "in", "", "input image path or URL (jpg/png/webp)")
	flag.StringVar(&csvPath, "csv", "", "CSV with TL_x,TL_y,BR_x,BR_y columns")
	flag.StringVar(&backend, "detect", "", "detector backend: onnx|ollama|llamacpp|none (overrides config)")
	flag.StringVar(&model, "model", "", "ONNX model path, or model name for ollama/llamacpp")
	flag.StringVar(&url, "url", "", "server URL for ollama/llamacpp")
	flag.StringVar(&outDir, "out", "out", "output directory")
	flag.IntVar(&size, "size", 0, "crop side length in pixels (default from config, 96)")
	flag.StringVar(&policy, "policy", "", "small image policy: reject|anchor")

	flag.StringVar(&ext, "ext", "", "output format for crops: png|jpg|webp")
	flag.IntVar(&quality, "quality", 0, "JPEG/WebP output quality for crops (1-100)")
	flag.BoolVar(&lossless, "lossless", false, "WebP output lossless mode for crops")
	flag.BoolVar(&debug, "debug", false, "write a debug overlay and log at debug level")

	flag.Parse()
	if in == "" {
		log.Fatalf("usage: %s -in input.png|URL [-csv boxes.csv] [-detect onnx|ollama|llamacpp] [-model path|name] [-size 96] [-policy reject|anchor] [-out outdir] [-ext png|jpg|webp]", filepath.Base(os.Args[0]))
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}
	cfg.ApplyEnv()
	applyFlags(cfg, backend, model, url, size, policy, ext, quality, lossless, debug)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := logging.New(cfg.Debug)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := utils.EnsureDir(outDir); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	processor := processing.NewProcessor()
	img, err := processor.LoadImageSmart(in)
	if err != nil {
		log.Fatal(err)
	}
	dims := types.DimensionsOf(img)
	log.Printf("loaded %s (%dx%d)", in, dims.Width, dims.Height)

	var reports []boxReport
	var boxes []types.BoundingBox

	if csvPath != "" {
		f, err := os.Open(csvPath)
		if err != nil {
			log.Fatal(err)
		}
		batch, err := annotation.ParseCSV(f, logger)
		f.Close()
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("csv: %d boxes, %d rows skipped", len(batch.Boxes), len(batch.Skipped))
		for _, box := range batch.Boxes {
			reports = append(reports, boxReport{Source: "csv", Box: box})
			boxes = append(boxes, box)
		}
	}

	det, err := detection.New(cfg.DetectionConfig(), logger)
	if err != nil {
		log.Fatalf("failed to create detector: %v", err)
	}
	if det != nil {
		defer det.Close()

		dets, err := det.Detect(ctx, img)
		if err != nil {
			log.Fatalf("detection failed: %v", err)
		}
		log.Printf("detector %s: %d objects", cfg.Detector.Backend, len(dets))
		for i, box := range annotation.FromDetections(dets) {
			reports = append(reports, boxReport{Source: "detector", Box: box, Confidence: dets[i].Confidence})
			boxes = append(boxes, box)
		}
	}

	cropCfg, err := cfg.CropConfig()
	if err != nil {
		log.Fatal(err)
	}
	c := cropper.NewWithConfig(cropCfg)
	c.SetProcessor(processor)
	out := cfg.OutputOptions()
	source := utils.SecureFilename(utils.Stem(in))
	if source == "" {
		source = "image"
	}

	results, cropErr := c.CropAll(img, boxes)
	var regions []types.CropRegion
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for _, res := range results {
		region := res.Region
		reports[res.Index].Region = &region
		regions = append(regions, region)

		// each goroutine owns reports[res.Index]
		g.Go(func() error {
			name := utils.CropFilename(res.Index, source, processing.FormatExtension(out.Format))
			cropPath := filepath.Join(outDir, name)
			if err := processor.SaveImage(res.Image, cropPath, out.Format, out.Quality, out.Lossless); err != nil {
				reports[res.Index].Error = err.Error()
				return fmt.Errorf("save %s: %w", cropPath, err)
			}
			reports[res.Index].Crop = name
			log.Printf("wrote %s", cropPath)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("saving crops failed: %v", err)
	}
	for _, err := range multierr.Errors(cropErr) {
		var boxErr *cropper.BoxError
		if errors.As(err, &boxErr) {
			reports[boxErr.Index].Error = boxErr.Err.Error()
		}
		log.Printf("crop failed: %v", err)
	}

	for i := range reports {
		reports[i].Index = i
	}

	if debug {
		overlay := processor.CreateDebugOverlay(img, boxes, regions)
		dbgPath := filepath.Join(outDir, "000_original_with_boxes.png")
		if err := processor.SaveImage(overlay, dbgPath, "png", 0, false); err != nil {
			log.Printf("debug overlay save failed: %v", err)
		} else {
			log.Printf("wrote %s", dbgPath)
		}
	}

	js, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		log.Fatal(err)
	}
	reportPath := filepath.Join(outDir, "boxes.json")
	if err := os.WriteFile(reportPath, js, 0o644); err != nil {
		log.Fatal(err)
	}
	logger.Info("batch finished",
		zap.Int("boxes", len(boxes)),
		zap.Int("crops", len(results)),
		zap.String("report", reportPath))
	fmt.Println(reportPath)
}

func applyFlags(cfg *config.Config, backend, model, url string, size int, policy, ext string, quality int, lossless, debug bool) {
	if backend != "" {
		cfg.Detector.Backend = backend
	}
	if model != "" {
		if strings.EqualFold(cfg.Detector.Backend, detection.BackendONNX) {
			cfg.Detector.ModelPath = model
		} else {
			cfg.Detector.Model = model
		}
	}
	if url != "" {
		cfg.Detector.URL = url
	}
	if size > 0 {
		cfg.Cropper.BoxSize = size
	}
	if policy != "" {
		cfg.Cropper.Policy = policy
	}
	if ext != "" {
		cfg.Output.Format = ext
	}
	if quality > 0 {
		cfg.Output.Quality = quality
	}
	if lossless {
		cfg.Output.Lossless = true
	}
	if debug {
		cfg.Debug = true
	}
}
