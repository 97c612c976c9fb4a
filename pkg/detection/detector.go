// Package detection turns an image into pixel-space box predictions. The
// detector is an explicit dependency of its callers; nothing here is global.
package detection

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/menta2k/annotation-cropper/pkg/client"
	"github.com/menta2k/annotation-cropper/pkg/processing"
	"github.com/menta2k/annotation-cropper/pkg/types"
)

// Detector predicts boxes in the pixel space of the image it is given
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]types.Detection, error)
	Close() error
}

// SimpleTestPrompt for testing if the model can see images
const SimpleTestPrompt = `What do you see in this image? Describe it briefly.`

// DefaultPrompt asks a vision model for every object of interest as normalized boxes
const DefaultPrompt = `You are an object locator for annotation review.

Return JSON only:
{
  "objects": [
    {"label": "string", "confidence": 0.0, "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}}
  ],
  "description": "short neutral sentence (≤ 20 words)"
}

HARD RULES
- All coordinates are normalized to [0,1] (NOT pixels). x,y is the top-left corner.
- One entry per distinct object; boxes should tightly include the object.
- Confidence is your certainty in [0,1].
- If nothing is found, return {"objects": [], "description": "no objects"}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// VisionDetector locates objects with a vision language model
type VisionDetector struct {
	client    client.VisionClient
	processor *processing.Processor
	model     string
	prompt    string
	threshold float64
	maxDim    int
	labels    map[string]struct{}
	logger    *zap.Logger
}

// VisionOption customises a VisionDetector
type VisionOption func(*VisionDetector)

// WithPrompt replaces DefaultPrompt
func WithPrompt(prompt string) VisionOption {
	return func(d *VisionDetector) {
		if prompt != "" {
			d.prompt = prompt
		}
	}
}

// WithThreshold drops objects whose confidence is below t
func WithThreshold(t float64) VisionOption {
	return func(d *VisionDetector) { d.threshold = t }
}

// WithMaxDimension bounds the longer image side sent to the model
func WithMaxDimension(px int) VisionOption {
	return func(d *VisionDetector) { d.maxDim = px }
}

// WithLabels keeps only objects whose label is in the list
func WithLabels(labels []string) VisionOption {
	return func(d *VisionDetector) {
		if len(labels) == 0 {
			return
		}
		d.labels = make(map[string]struct{}, len(labels))
		for _, l := range labels {
			d.labels[normalizeLabel(l)] = struct{}{}
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) VisionOption {
	return func(d *VisionDetector) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewVisionDetector creates a detector backed by a vision client
func NewVisionDetector(c client.VisionClient, model string, opts ...VisionOption) *VisionDetector {
	d := &VisionDetector{
		client:    c,
		processor: processing.NewProcessor(),
		model:     model,
		prompt:    DefaultPrompt,
		maxDim:    1024,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect sends the image to the model and converts the returned normalized
// boxes to pixel corners of img
func (d *VisionDetector) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	if img == nil {
		return nil, errors.New("nil image")
	}

	imgB64, err := d.processor.PrepareImageForModel(img, "jpg", d.maxDim, 90)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	result, err := d.client.LocateObjects(ctx, d.model, d.prompt, imgB64)
	if err != nil {
		return nil, fmt.Errorf("vision model %s: %w", d.model, err)
	}

	dims := types.DimensionsOf(img)
	detections := make([]types.Detection, 0, len(result.Objects))
	for i, obj := range result.Objects {
		if d.labels != nil {
			if _, ok := d.labels[normalizeLabel(obj.Label)]; !ok {
				continue
			}
		}
		confidence := clamp(obj.Confidence, 0, 1)
		if math.IsNaN(confidence) || confidence < d.threshold {
			continue
		}

		corners, ok := toPixels(obj.Box, dims)
		if !ok {
			d.logger.Debug("dropping degenerate box",
				zap.Int("index", i),
				zap.String("label", obj.Label))
			continue
		}

		detections = append(detections, types.Detection{
			Box:        corners,
			Confidence: &confidence,
			Label:      normalizeLabel(obj.Label),
		})
	}

	d.logger.Debug("vision detection finished",
		zap.String("model", d.model),
		zap.Int("objects", len(result.Objects)),
		zap.Int("kept", len(detections)))

	return detections, nil
}

// TestVision tests if the model can actually see the image with a simple prompt
func (d *VisionDetector) TestVision(ctx context.Context, img image.Image) (string, error) {
	imgB64, err := d.processor.PrepareImageForModel(img, "jpg", d.maxDim, 90)
	if err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}
	return d.client.SimpleQuery(ctx, d.model, SimpleTestPrompt, imgB64)
}

// Close is a no-op; the HTTP clients hold no resources that need releasing
func (d *VisionDetector) Close() error {
	return nil
}

// toPixels clamps a normalized box to [0,1] and scales it to the image.
// Boxes with no area after clamping are rejected.
func toPixels(b types.Box, dims types.ImageDimensions) (types.Corners, bool) {
	for _, v := range [4]float64{b.X, b.Y, b.W, b.H} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return types.Corners{}, false
		}
	}
	x1 := clamp(b.X, 0, 1)
	y1 := clamp(b.Y, 0, 1)
	x2 := clamp(b.X+b.W, 0, 1)
	y2 := clamp(b.Y+b.H, 0, 1)
	if x2 <= x1 || y2 <= y1 {
		return types.Corners{}, false
	}

	w, h := float64(dims.Width), float64(dims.Height)
	return types.Corners{TLX: x1 * w, TLY: y1 * h, BRX: x2 * w, BRY: y2 * h}, true
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
