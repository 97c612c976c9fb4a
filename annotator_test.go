package annotator

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/annotation-cropper/pkg/cropper"
	"github.com/menta2k/annotation-cropper/pkg/types"
)

// createTestImage creates an image whose red channel encodes x and green channel encodes y
func createTestImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{uint8(x), uint8(y), 100, 255})
		}
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

type stubDetector struct {
	dets   []types.Detection
	err    error
	closed bool
}

func (s *stubDetector) Detect(context.Context, image.Image) ([]types.Detection, error) {
	return s.dets, s.err
}

func (s *stubDetector) Close() error {
	s.closed = true
	return nil
}

func TestNew(t *testing.T) {
	a := New()
	require.NotNil(t, a)
	assert.Equal(t, cropper.DefaultBoxSize, a.cropper.Config().BoxSize)
	assert.Equal(t, cropper.PolicyReject, a.cropper.Config().Policy)
	assert.Equal(t, "png", a.output.Format)
	assert.NoError(t, a.Close())
}

func TestCropImage(t *testing.T) {
	a := New()
	img := createTestImage(240, 200)

	boxes := []types.BoundingBox{
		types.NewCorners(types.Corners{TLX: 100, TLY: 100, BRX: 140, BRY: 140}),
		types.NewOriginSize(types.OriginSize{X: 0, Y: 0, W: 10, H: 10}),
	}

	results, err := a.CropImage(img, boxes)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, types.CropRegion{X: 72, Y: 72, Size: 96}, results[0].Region)
	assert.Equal(t, types.CropRegion{X: 0, Y: 0, Size: 96}, results[1].Region)
	assert.Equal(t, 96, results[0].Image.Bounds().Dx())
}

func TestCropImageSmallImage(t *testing.T) {
	img := createTestImage(50, 50)
	box := []types.BoundingBox{types.NewCorners(types.Corners{TLX: 10, TLY: 10, BRX: 20, BRY: 20})}

	_, err := New().CropImage(img, box)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cropper.ErrImageTooSmall))

	anchor := NewWithConfig(cropper.CropConfig{BoxSize: 96, Policy: cropper.PolicyAnchor}, nil, types.OutputConfig{})
	results, err := anchor.CropImage(img, box)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, image.Rect(0, 0, 96, 96), results[0].Image.Bounds())
}

func TestCropFile(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "slide.png")
	csvPath := filepath.Join(dir, "boxes.csv")
	outDir := filepath.Join(dir, "out")

	writePNG(t, imgPath, createTestImage(200, 200))
	csv := "TL_x,TL_y,BR_x,BR_y\n100,100,140,140\nbad,1,2,3\n0,0,4,4\n"
	require.NoError(t, os.WriteFile(csvPath, []byte(csv), 0o644))

	paths, err := New().CropFile(imgPath, csvPath, outDir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(outDir, "crop_0_slide.png"),
		filepath.Join(outDir, "crop_1_slide.png"),
	}, paths)

	for _, p := range paths {
		assert.FileExists(t, p)
	}
}

func TestCropFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := New().CropFile(filepath.Join(dir, "missing.png"), filepath.Join(dir, "boxes.csv"), dir)
	assert.Error(t, err)

	imgPath := filepath.Join(dir, "slide.png")
	writePNG(t, imgPath, createTestImage(120, 120))
	_, err = New().CropFile(imgPath, filepath.Join(dir, "missing.csv"), dir)
	assert.Error(t, err)
}

func TestDetect(t *testing.T) {
	img := createTestImage(200, 200)

	_, err := New().Detect(context.Background(), img)
	assert.ErrorIs(t, err, ErrNoDetector)

	conf := 0.8
	det := &stubDetector{dets: []types.Detection{
		{Box: types.Corners{TLX: 90, TLY: 90, BRX: 110, BRY: 110}, Confidence: &conf, Label: "cell"},
		{Box: types.Corners{TLX: 180, TLY: 180, BRX: 200, BRY: 200}},
	}}
	a := NewWithConfig(cropper.DefaultConfig(), det, types.OutputConfig{})

	dets, results, err := a.DetectAndCrop(context.Background(), img)
	require.NoError(t, err)
	assert.Len(t, dets, 2)
	require.Len(t, results, 2)
	assert.Equal(t, types.CropRegion{X: 52, Y: 52, Size: 96}, results[0].Region)
	assert.Equal(t, types.CropRegion{X: 104, Y: 104, Size: 96}, results[1].Region)

	require.NoError(t, a.Close())
	assert.True(t, det.closed)
}

func TestDetectError(t *testing.T) {
	det := &stubDetector{err: errors.New("backend down")}
	a := NewWithConfig(cropper.DefaultConfig(), det, types.OutputConfig{})

	dets, results, err := a.DetectAndCrop(context.Background(), createTestImage(100, 100))
	assert.EqualError(t, err, "backend down")
	assert.Nil(t, dets)
	assert.Nil(t, results)
}

func TestGetVersion(t *testing.T) {
	assert.Equal(t, Version, GetVersion())
}
