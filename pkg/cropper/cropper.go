package cropper

import (
	"fmt"
	"image"

	"go.uber.org/multierr"

	"github.com/menta2k/annotation-cropper/pkg/processing"
	"github.com/menta2k/annotation-cropper/pkg/types"
)

// FixedCropper extracts fixed-size square crops around bounding boxes
type FixedCropper struct {
	processor *processing.Processor
	config    CropConfig
}

// CropConfig holds configuration for fixed-size cropping
type CropConfig struct {
	BoxSize int
	Policy  SmallImagePolicy
}

// DefaultConfig returns the 96px, reject-small-images configuration
func DefaultConfig() CropConfig {
	return CropConfig{
		BoxSize: DefaultBoxSize,
		Policy:  PolicyReject,
	}
}

// New creates a new FixedCropper with default configuration
func New() *FixedCropper {
	return &FixedCropper{
		processor: processing.NewProcessor(),
		config:    DefaultConfig(),
	}
}

// NewWithConfig creates a new FixedCropper with custom configuration
func NewWithConfig(config CropConfig) *FixedCropper {
	if config.BoxSize <= 0 {
		config.BoxSize = DefaultBoxSize
	}
	return &FixedCropper{
		processor: processing.NewProcessor(),
		config:    config,
	}
}

// SetProcessor allows setting a custom image processor
func (c *FixedCropper) SetProcessor(processor *processing.Processor) {
	c.processor = processor
}

// Config returns the cropper configuration
func (c *FixedCropper) Config() CropConfig {
	return c.config
}

// CropResult contains the result of cropping around one box
type CropResult struct {
	Index  int
	Box    types.BoundingBox
	Region types.CropRegion
	Image  image.Image
}

// BoxError records why the box at Index could not be cropped
type BoxError struct {
	Index int
	Err   error
}

func (e *BoxError) Error() string {
	return fmt.Sprintf("box %d: %v", e.Index, e.Err)
}

func (e *BoxError) Unwrap() error {
	return e.Err
}

// Region computes the crop region for a box inside an image of the given dimensions
func (c *FixedCropper) Region(box types.BoundingBox, dims types.ImageDimensions) (types.CropRegion, error) {
	return NormalizeBox(box, dims, c.config.BoxSize, c.config.Policy)
}

// CenteredCorners returns the configured square around the box centroid in corner form
func (c *FixedCropper) CenteredCorners(box types.BoundingBox) types.Corners {
	return CenteredCorners(box, c.config.BoxSize)
}

// Crop extracts the fixed-size crop for one box
func (c *FixedCropper) Crop(img image.Image, box types.BoundingBox) (CropResult, error) {
	region, err := c.Region(box, types.DimensionsOf(img))
	if err != nil {
		return CropResult{}, err
	}
	return c.Extract(img, box, region)
}

// Extract cuts a region already computed by Region out of img
func (c *FixedCropper) Extract(img image.Image, box types.BoundingBox, region types.CropRegion) (CropResult, error) {
	cropped, err := c.processor.CropToRegion(img, region, c.config.Policy == PolicyAnchor)
	if err != nil {
		return CropResult{}, fmt.Errorf("failed to extract region: %w", err)
	}

	return CropResult{
		Box:    box,
		Region: region,
		Image:  cropped,
	}, nil
}

// CropAll crops every box independently. Boxes that fail are left out of the
// results and reported as *BoxError values combined into the returned error;
// a non-nil error therefore does not mean the results are empty.
func (c *FixedCropper) CropAll(img image.Image, boxes []types.BoundingBox) ([]CropResult, error) {
	results := make([]CropResult, 0, len(boxes))
	var errs error

	for i, box := range boxes {
		result, err := c.Crop(img, box)
		if err != nil {
			errs = multierr.Append(errs, &BoxError{Index: i, Err: err})
			continue
		}
		result.Index = i
		results = append(results, result)
	}

	return results, errs
}

// Regions computes crop regions for every box, skipping the ones that fail
func (c *FixedCropper) Regions(boxes []types.BoundingBox, dims types.ImageDimensions) ([]types.CropRegion, error) {
	regions := make([]types.CropRegion, 0, len(boxes))
	var errs error

	for i, box := range boxes {
		region, err := c.Region(box, dims)
		if err != nil {
			errs = multierr.Append(errs, &BoxError{Index: i, Err: err})
			continue
		}
		regions = append(regions, region)
	}

	return regions, errs
}
