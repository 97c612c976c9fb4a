package types

import (
	"encoding/json"
	"fmt"
	"image"
)

// BoxForm identifies which encoding a BoundingBox was built from
type BoxForm int

const (
	// FormNone is the zero value; a box in this form is invalid
	FormNone BoxForm = iota
	// FormCorners is the TL/BR corner encoding
	FormCorners
	// FormOriginSize is the x/y/w/h encoding
	FormOriginSize
)

func (f BoxForm) String() string {
	switch f {
	case FormCorners:
		return "corners"
	case FormOriginSize:
		return "origin-size"
	default:
		return "none"
	}
}

// Corners is a box given by its top-left and bottom-right points, in pixels
type Corners struct {
	TLX float64 `json:"TL_x"`
	TLY float64 `json:"TL_y"`
	BRX float64 `json:"BR_x"`
	BRY float64 `json:"BR_y"`
}

// OriginSize is a box given by its top-left origin plus width and height, in pixels
type OriginSize struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// BoundingBox holds exactly one of the two box encodings.
// Build it with NewCorners or NewOriginSize.
type BoundingBox struct {
	form    BoxForm
	corners Corners
	origin  OriginSize
}

// NewCorners builds a corner-form box
func NewCorners(c Corners) BoundingBox {
	return BoundingBox{form: FormCorners, corners: c}
}

// NewOriginSize builds an origin-size box
func NewOriginSize(o OriginSize) BoundingBox {
	return BoundingBox{form: FormOriginSize, origin: o}
}

// Form reports which encoding the box carries
func (b BoundingBox) Form() BoxForm {
	return b.form
}

// Corners returns the corner encoding and whether the box is in that form
func (b BoundingBox) Corners() (Corners, bool) {
	return b.corners, b.form == FormCorners
}

// OriginSize returns the origin-size encoding and whether the box is in that form
func (b BoundingBox) OriginSize() (OriginSize, bool) {
	return b.origin, b.form == FormOriginSize
}

// Centroid returns the geometric centre of the box.
// The zero BoundingBox reports (0, 0).
func (b BoundingBox) Centroid() (float64, float64) {
	switch b.form {
	case FormOriginSize:
		return b.origin.X + b.origin.W/2, b.origin.Y + b.origin.H/2
	case FormCorners:
		return (b.corners.TLX + b.corners.BRX) / 2, (b.corners.TLY + b.corners.BRY) / 2
	default:
		return 0, 0
	}
}

// Values returns the four coordinates in the order of the box's own encoding
func (b BoundingBox) Values() [4]float64 {
	switch b.form {
	case FormOriginSize:
		return [4]float64{b.origin.X, b.origin.Y, b.origin.W, b.origin.H}
	case FormCorners:
		return [4]float64{b.corners.TLX, b.corners.TLY, b.corners.BRX, b.corners.BRY}
	default:
		return [4]float64{}
	}
}

// MarshalJSON writes the box in the encoding it was built from
func (b BoundingBox) MarshalJSON() ([]byte, error) {
	switch b.form {
	case FormOriginSize:
		return json.Marshal(b.origin)
	case FormCorners:
		return json.Marshal(b.corners)
	default:
		return nil, fmt.Errorf("cannot marshal bounding box without a form")
	}
}

func (b BoundingBox) String() string {
	v := b.Values()
	return fmt.Sprintf("%s(%.2f, %.2f, %.2f, %.2f)", b.form, v[0], v[1], v[2], v[3])
}

// ImageDimensions are the pixel dimensions of a source image
type ImageDimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DimensionsOf returns the dimensions of an in-memory image
func DimensionsOf(img image.Image) ImageDimensions {
	b := img.Bounds()
	return ImageDimensions{Width: b.Dx(), Height: b.Dy()}
}

// CropRegion is a square crop with an integer top-left origin
type CropRegion struct {
	X    int `json:"x"`
	Y    int `json:"y"`
	Size int `json:"size"`
}

// Rect returns the region as an image rectangle
func (r CropRegion) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Size, r.Y+r.Size)
}

// Detection is one raw prediction from an object detector, in pixels
type Detection struct {
	Box        Corners  `json:"box"`
	Confidence *float64 `json:"confidence"`
	Label      string   `json:"label,omitempty"`
	ClassID    int      `json:"class_id"`
}

// Box is a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// LocatedObject is one object reported by a vision model
type LocatedObject struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// LocateResult contains the object list returned by the vision model
type LocateResult struct {
	Objects     []LocatedObject `json:"objects"`
	Description string          `json:"description"`
}

// OutputConfig defines how crops are encoded
type OutputConfig struct {
	Format   string
	Quality  int
	Lossless bool
}
