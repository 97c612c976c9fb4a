package processing

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/menta2k/annotation-cropper/pkg/types"
)

// createTestImage creates an image whose red channel encodes x and green channel encodes y
func createTestImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{uint8(x), uint8(y), 200, 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func TestCropToRegionInside(t *testing.T) {
	p := NewProcessor()
	img := createTestImage(200, 150)

	cropped, err := p.CropToRegion(img, types.CropRegion{X: 30, Y: 40, Size: 96}, false)
	if err != nil {
		t.Fatalf("CropToRegion failed: %v", err)
	}

	bounds := cropped.Bounds()
	if bounds.Dx() != 96 || bounds.Dy() != 96 {
		t.Fatalf("Expected 96x96, got %dx%d", bounds.Dx(), bounds.Dy())
	}

	r, g, _, _ := cropped.At(0, 0).RGBA()
	if r>>8 != 30 || g>>8 != 40 {
		t.Errorf("Expected pixel from (30,40), got (%d,%d)", r>>8, g>>8)
	}
}

func TestCropToRegionOffsetBounds(t *testing.T) {
	p := NewProcessor()
	img := createTestImage(200, 200).SubImage(image.Rect(50, 50, 200, 200))

	cropped, err := p.CropToRegion(img, types.CropRegion{X: 0, Y: 0, Size: 96}, false)
	if err != nil {
		t.Fatalf("CropToRegion failed: %v", err)
	}

	r, g, _, _ := cropped.At(0, 0).RGBA()
	if r>>8 != 50 || g>>8 != 50 {
		t.Errorf("Expected region relative to image origin, got pixel (%d,%d)", r>>8, g>>8)
	}
}

func TestCropToRegionOverhang(t *testing.T) {
	p := NewProcessor()
	img := createTestImage(60, 200)
	region := types.CropRegion{X: 0, Y: 10, Size: 96}

	if _, err := p.CropToRegion(img, region, false); err == nil {
		t.Error("Expected error for overhanging region without padding")
	}

	padded, err := p.CropToRegion(img, region, true)
	if err != nil {
		t.Fatalf("CropToRegion with padding failed: %v", err)
	}
	if padded.Bounds().Dx() != 96 || padded.Bounds().Dy() != 96 {
		t.Fatalf("Expected padded 96x96, got %v", padded.Bounds())
	}

	r, g, _, _ := padded.At(0, 0).RGBA()
	if r>>8 != 0 || g>>8 != 10 {
		t.Errorf("Expected source pixel (0,10) at origin, got (%d,%d)", r>>8, g>>8)
	}
	r, g, b, _ := padded.At(80, 5).RGBA()
	if r != 0 || g != 0 || b != 0 {
		t.Errorf("Expected black padding, got (%d,%d,%d)", r>>8, g>>8, b>>8)
	}
}

func TestDecodeImageAndDimensions(t *testing.T) {
	p := NewProcessor()
	data := encodePNG(t, createTestImage(123, 45))

	img, err := p.DecodeImage(data)
	if err != nil {
		t.Fatalf("DecodeImage failed: %v", err)
	}
	if img.Bounds().Dx() != 123 || img.Bounds().Dy() != 45 {
		t.Errorf("unexpected bounds %v", img.Bounds())
	}

	dims, err := p.DecodeDimensions(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("DecodeDimensions failed: %v", err)
	}
	if dims != (types.ImageDimensions{Width: 123, Height: 45}) {
		t.Errorf("unexpected dimensions %+v", dims)
	}

	if _, err := p.DecodeImage([]byte("not an image")); err == nil {
		t.Error("Expected error for garbage input")
	}
}

func TestSaveAndLoadImage(t *testing.T) {
	p := NewProcessor()
	dir := t.TempDir()
	img := createTestImage(96, 96)

	for _, format := range []string{"png", "jpg", "webp"} {
		path := filepath.Join(dir, "crop."+FormatExtension(format))
		if err := p.SaveImage(img, path, format, 90, false); err != nil {
			t.Fatalf("SaveImage(%s) failed: %v", format, err)
		}

		loaded, err := p.LoadImage(path)
		if err != nil {
			t.Fatalf("LoadImage(%s) failed: %v", format, err)
		}
		if loaded.Bounds().Dx() != 96 || loaded.Bounds().Dy() != 96 {
			t.Errorf("%s: unexpected bounds %v", format, loaded.Bounds())
		}
	}

	if _, err := p.LoadImage(filepath.Join(dir, "missing.png")); err == nil {
		t.Error("Expected error for missing file")
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.png"), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := p.LoadImage(filepath.Join(dir, "bad.png")); err == nil {
		t.Error("Expected error for corrupt file")
	}
}

func TestSaveImageFallsBackToPNG(t *testing.T) {
	p := NewProcessor()
	path := filepath.Join(t.TempDir(), "crop.png")

	if err := p.SaveImage(createTestImage(12, 12), path, "tiff", 0, false); err != nil {
		t.Fatalf("SaveImage failed: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := png.Decode(f); err != nil {
		t.Errorf("Expected PNG output, got %v", err)
	}

	if err := p.SaveImage(createTestImage(2, 2), filepath.Join(t.TempDir(), "missing", "x.png"), "png", 0, false); err == nil {
		t.Error("Expected error for missing directory")
	}
}

func TestEncodeImage(t *testing.T) {
	p := NewProcessor()
	img := createTestImage(10, 10)

	var buf bytes.Buffer
	if err := p.EncodeImage(&buf, img, "png", 0, false); err != nil {
		t.Fatalf("EncodeImage failed: %v", err)
	}
	if buf.Len() == 0 {
		t.Error("Expected encoded bytes")
	}

	if err := p.EncodeImage(&buf, img, "tiff", 0, false); err == nil {
		t.Error("Expected error for unsupported format")
	}
}

func TestFormatExtension(t *testing.T) {
	tests := map[string]string{
		"jpeg": "jpg",
		"JPG":  "jpg",
		"webp": "webp",
		"png":  "png",
		"":     "png",
	}
	for input, expected := range tests {
		if got := FormatExtension(input); got != expected {
			t.Errorf("FormatExtension(%q) = %q, expected %q", input, got, expected)
		}
	}
}

func TestCreateDebugOverlay(t *testing.T) {
	p := NewProcessor()
	img := createTestImage(200, 200)

	boxes := []types.BoundingBox{
		types.NewCorners(types.Corners{TLX: 100, TLY: 100, BRX: 140, BRY: 140}),
		types.NewOriginSize(types.OriginSize{X: 10, Y: 10, W: 20, H: 20}),
	}
	regions := []types.CropRegion{{X: 72, Y: 72, Size: 96}}

	overlay := p.CreateDebugOverlay(img, boxes, regions)
	if overlay.Bounds() != img.Bounds() {
		t.Fatalf("overlay bounds %v differ from %v", overlay.Bounds(), img.Bounds())
	}

	if c := color.NRGBAModel.Convert(overlay.At(72, 150)).(color.NRGBA); c != (color.NRGBA{255, 204, 0, 255}) {
		t.Errorf("Expected gold region edge at (72,150), got %v", c)
	}
	if c := color.NRGBAModel.Convert(overlay.At(100, 120)).(color.NRGBA); c != (color.NRGBA{0, 255, 0, 255}) {
		t.Errorf("Expected green box edge at (100,120), got %v", c)
	}
	if img.At(72, 150) == overlay.At(72, 150) {
		t.Error("overlay must not modify the source image")
	}
}
