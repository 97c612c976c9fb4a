package cropper

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/menta2k/annotation-cropper/pkg/types"
)

// DefaultBoxSize is the side length of every annotation crop
const DefaultBoxSize = 96

var (
	// ErrInvalidBoxFormat is returned for a box without a form or with non-finite coordinates
	ErrInvalidBoxFormat = errors.New("invalid box format")
	// ErrImageTooSmall is returned when the image cannot hold a full crop and the policy rejects it
	ErrImageTooSmall = errors.New("image too small for crop")
	// ErrInvalidBoxSize is returned for a non-positive crop size
	ErrInvalidBoxSize = errors.New("invalid crop size")
	// ErrInvalidDimensions is returned for non-positive image dimensions
	ErrInvalidDimensions = errors.New("invalid image dimensions")
)

// SmallImagePolicy decides what happens when the image is smaller than the crop
type SmallImagePolicy int

const (
	// PolicyReject fails the record with ErrImageTooSmall
	PolicyReject SmallImagePolicy = iota
	// PolicyAnchor pins the short axis at 0; the pixel crop is padded to full size
	PolicyAnchor
)

func (p SmallImagePolicy) String() string {
	if p == PolicyAnchor {
		return "anchor"
	}
	return "reject"
}

// ParsePolicy parses "reject" or "anchor"; the empty string means reject
func ParsePolicy(s string) (SmallImagePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return PolicyReject, nil
	case "anchor":
		return PolicyAnchor, nil
	default:
		return PolicyReject, fmt.Errorf("unknown small image policy: %q", s)
	}
}

// NormalizeBox computes the fixedSize square centred on the box centroid,
// clamped so that it lies inside an image of the given dimensions.
//
// The region may be off-centre near the image edges. Under PolicyAnchor an
// axis shorter than fixedSize gets origin 0 and the region overhangs the image.
func NormalizeBox(box types.BoundingBox, dims types.ImageDimensions, fixedSize int, policy SmallImagePolicy) (types.CropRegion, error) {
	if fixedSize <= 0 {
		return types.CropRegion{}, fmt.Errorf("%w: %d", ErrInvalidBoxSize, fixedSize)
	}
	if dims.Width <= 0 || dims.Height <= 0 {
		return types.CropRegion{}, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, dims.Width, dims.Height)
	}
	if box.Form() == types.FormNone {
		return types.CropRegion{}, fmt.Errorf("%w: box has no coordinates", ErrInvalidBoxFormat)
	}
	for _, v := range box.Values() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return types.CropRegion{}, fmt.Errorf("%w: non-finite coordinate in %s", ErrInvalidBoxFormat, box)
		}
	}

	if policy == PolicyReject && (dims.Width < fixedSize || dims.Height < fixedSize) {
		return types.CropRegion{}, fmt.Errorf("%w: %dx%d is smaller than %d", ErrImageTooSmall, dims.Width, dims.Height, fixedSize)
	}

	cx, cy := box.Centroid()
	half := float64(fixedSize) / 2

	return types.CropRegion{
		X:    clampOrigin(cx-half, dims.Width-fixedSize),
		Y:    clampOrigin(cy-half, dims.Height-fixedSize),
		Size: fixedSize,
	}, nil
}

// Normalize is NormalizeBox with the default box size and policy
func Normalize(box types.BoundingBox, width, height int) (types.CropRegion, error) {
	return NormalizeBox(box, types.ImageDimensions{Width: width, Height: height}, DefaultBoxSize, PolicyReject)
}

// CenteredCorners returns the unclamped size×size square around the box centroid
func CenteredCorners(box types.BoundingBox, size int) types.Corners {
	cx, cy := box.Centroid()
	half := float64(size) / 2
	return types.Corners{
		TLX: cx - half,
		TLY: cy - half,
		BRX: cx + half,
		BRY: cy + half,
	}
}

func clampOrigin(raw float64, hi int) int {
	if hi < 0 {
		hi = 0
	}
	return int(math.Floor(clamp(raw, 0, float64(hi))))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
