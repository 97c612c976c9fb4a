// Package annotator crops fixed-size squares around annotated or detected
// bounding boxes.
//
// Basic usage:
//
//	a := annotator.New()
//	img, err := a.LoadImage("slide.png")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	box := types.NewCorners(types.Corners{TLX: 100, TLY: 100, BRX: 140, BRY: 140})
//	crops, err := a.CropImage(img, []types.BoundingBox{box})
//	if err != nil {
//		log.Printf("some boxes were skipped: %v", err)
//	}
//
// Every crop is BoxSize pixels square (96 by default), centred on the box
// centroid and shifted to stay inside the image. Images smaller than the box
// are rejected unless the anchor policy is configured, in which case the crop
// is anchored at the origin and padded with black.
//
// The package combines four components:
//
// 1. Processing (pkg/processing): image loading, region extraction and encoding
// 2. Cropper (pkg/cropper): box normalisation and fixed-size cropping
// 3. Annotation (pkg/annotation): CSV and JSON box parsing
// 4. Detection (pkg/detection): pluggable detectors (ONNX, Ollama, llama.cpp)
package annotator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"go.uber.org/multierr"

	"github.com/menta2k/annotation-cropper/internal/utils"
	"github.com/menta2k/annotation-cropper/pkg/annotation"
	"github.com/menta2k/annotation-cropper/pkg/cropper"
	"github.com/menta2k/annotation-cropper/pkg/detection"
	"github.com/menta2k/annotation-cropper/pkg/processing"
	"github.com/menta2k/annotation-cropper/pkg/types"
)

// Version of the annotation cropper library
const Version = "1.0.0"

// ErrNoDetector is returned by Detect when no detector was configured
var ErrNoDetector = errors.New("detector not initialized")

// Annotator provides a high-level interface for cropping around boxes
type Annotator struct {
	processor *processing.Processor
	cropper   *cropper.FixedCropper
	detector  detection.Detector
	output    types.OutputConfig
}

// New creates an Annotator with the default crop configuration, PNG output
// and no detector
func New() *Annotator {
	return NewWithConfig(cropper.DefaultConfig(), nil, types.OutputConfig{Format: "png", Quality: 90})
}

// NewWithConfig creates an Annotator with custom configuration. det may be nil
// when only annotated boxes are cropped.
func NewWithConfig(cropCfg cropper.CropConfig, det detection.Detector, output types.OutputConfig) *Annotator {
	processor := processing.NewProcessor()
	c := cropper.NewWithConfig(cropCfg)
	c.SetProcessor(processor)

	if output.Format == "" {
		output.Format = "png"
	}

	return &Annotator{
		processor: processor,
		cropper:   c,
		detector:  det,
		output:    output,
	}
}

// LoadImage loads an image from a file path or an http(s) URL
func (a *Annotator) LoadImage(source string) (image.Image, error) {
	return a.processor.LoadImageSmart(source)
}

// CropImage crops every box independently. Failed boxes are reported as
// *cropper.BoxError values combined into the returned error.
func (a *Annotator) CropImage(img image.Image, boxes []types.BoundingBox) ([]cropper.CropResult, error) {
	return a.cropper.CropAll(img, boxes)
}

// CropFile reads boxes from csvPath, crops them out of imagePath and writes
// crop_<index>_<stem>.<ext> files into outDir. It returns the written paths;
// a non-nil error may accompany a partial result.
func (a *Annotator) CropFile(imagePath, csvPath, outDir string) ([]string, error) {
	img, err := a.LoadImage(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}

	f, err := os.Open(csvPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV: %w", err)
	}
	defer f.Close()

	batch, err := annotation.ParseCSV(f, nil)
	if err != nil {
		return nil, err
	}

	results, cropErr := a.CropImage(img, batch.Boxes)
	paths, saveErr := a.save(results, imagePath, outDir)

	return paths, multierr.Combine(cropErr, saveErr)
}

// Detect runs the configured detector over img
func (a *Annotator) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	if a.detector == nil {
		return nil, ErrNoDetector
	}
	return a.detector.Detect(ctx, img)
}

// DetectAndCrop detects objects and crops a fixed-size square around each.
// Crop indexes refer to positions in the returned detections.
func (a *Annotator) DetectAndCrop(ctx context.Context, img image.Image) ([]types.Detection, []cropper.CropResult, error) {
	dets, err := a.Detect(ctx, img)
	if err != nil {
		return nil, nil, err
	}

	results, err := a.CropImage(img, annotation.FromDetections(dets))
	return dets, results, err
}

// Close releases the detector, if any
func (a *Annotator) Close() error {
	if a.detector == nil {
		return nil
	}
	return a.detector.Close()
}

func (a *Annotator) save(results []cropper.CropResult, source, outDir string) ([]string, error) {
	if err := utils.EnsureDir(outDir); err != nil {
		return nil, err
	}

	stem := utils.SecureFilename(utils.Stem(source))
	if stem == "" {
		stem = "image"
	}
	ext := processing.FormatExtension(a.output.Format)

	var paths []string
	var errs error
	for _, r := range results {
		p := filepath.Join(outDir, utils.CropFilename(r.Index, stem, ext))
		if err := a.processor.SaveImage(r.Image, p, a.output.Format, a.output.Quality, a.output.Lossless); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to save crop %d: %w", r.Index, err))
			continue
		}
		paths = append(paths, p)
	}
	return paths, errs
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
