package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/menta2k/annotation-cropper/pkg/cropper"
	"github.com/menta2k/annotation-cropper/pkg/detection"
	"github.com/menta2k/annotation-cropper/pkg/store"
	"github.com/menta2k/annotation-cropper/pkg/types"
)

const maxUpload = 10 << 20

type part struct {
	field    string
	filename string
	data     []byte
}

func multipartBody(t *testing.T, parts ...part) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		fw, err := mw.CreateFormFile(p.field, p.filename)
		require.NoError(t, err)
		_, err = fw.Write(p.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{uint8(x), uint8(y), 0, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newStore(t *testing.T) *store.DiskStore {
	t.Helper()
	root := t.TempDir()
	st, err := store.NewDiskStore(filepath.Join(root, "uploads"), filepath.Join(root, "annotations"))
	require.NoError(t, err)
	return st
}

func newAnnotateHandler(t *testing.T, st *store.DiskStore, logger *zap.Logger) http.Handler {
	t.Helper()
	svc := NewAnnotateService(st, cropper.New(), types.OutputConfig{Format: "png"}, maxUpload, logger)
	return NewHandler(logger, nil, svc)
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	decode(t, rec, &body)
	return body.Error
}

func TestIndexPage(t *testing.T) {
	h := newAnnotateHandler(t, newStore(t), nil)

	rec := do(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "/annotate")
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestUploadWithCSV(t *testing.T) {
	st := newStore(t)
	core, logs := observer.New(zap.InfoLevel)
	h := newAnnotateHandler(t, st, zap.New(core))

	csvData := "TL_x,TL_y,BR_x,BR_y\n100,100,140,140\nbad,1,2,3\n0,0,10,10\n"
	body, ct := multipartBody(t,
		part{"image", "my slide.png", pngBytes(t, 200, 200)},
		part{"csv", "boxes.csv", []byte(csvData)},
	)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)

	rec := do(h, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp uploadResponse
	decode(t, rec, &resp)
	assert.Equal(t, "my_slide.png", resp.Filename)
	require.Len(t, resp.BBoxes, 2)
	assert.Equal(t, types.Corners{TLX: 72, TLY: 72, BRX: 168, BRY: 168}, resp.BBoxes[0])
	assert.Equal(t, types.Corners{TLX: -43, TLY: -43, BRX: 53, BRY: 53}, resp.BBoxes[1])
	require.Len(t, resp.SkippedRows, 1)
	assert.Equal(t, 2, resp.SkippedRows[0].Row)

	assert.True(t, st.Exists("my_slide.png"))
	assert.Equal(t, 1, logs.FilterMessage("error processing CSV row").Len())
	assert.Equal(t, 1, logs.FilterMessage("request").Len())
}

func TestUploadWithoutCSV(t *testing.T) {
	h := newAnnotateHandler(t, newStore(t), nil)

	body, ct := multipartBody(t, part{"image", "a.png", pngBytes(t, 10, 10)})
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)

	rec := do(h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"filename": "a.png", "url": "/static/uploads/a.png", "width": 10, "height": 10, "bboxes": []}`, rec.Body.String())
}

func TestUploadErrors(t *testing.T) {
	h := newAnnotateHandler(t, newStore(t), nil)

	t.Run("no image part", func(t *testing.T) {
		body, ct := multipartBody(t, part{"csv", "boxes.csv", []byte("TL_x\n")})
		req := httptest.NewRequest(http.MethodPost, "/upload", body)
		req.Header.Set("Content-Type", ct)

		rec := do(h, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "No image uploaded", errorOf(t, rec))
	})

	t.Run("empty file name", func(t *testing.T) {
		body, ct := multipartBody(t, part{"image", "", nil})
		req := httptest.NewRequest(http.MethodPost, "/upload", body)
		req.Header.Set("Content-Type", ct)

		rec := do(h, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "No image file selected", errorOf(t, rec))
	})

	t.Run("not multipart", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("{}"))
		req.Header.Set("Content-Type", "application/json")

		rec := do(h, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "No image uploaded", errorOf(t, rec))
	})

	t.Run("not an image file name", func(t *testing.T) {
		body, ct := multipartBody(t, part{"image", "notes.txt", []byte("hello")})
		req := httptest.NewRequest(http.MethodPost, "/upload", body)
		req.Header.Set("Content-Type", ct)

		rec := do(h, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Unsupported image type", errorOf(t, rec))
	})

	t.Run("unreadable image", func(t *testing.T) {
		st := newStore(t)
		h := newAnnotateHandler(t, st, nil)
		body, ct := multipartBody(t, part{"image", "fake.png", []byte("hello")})
		req := httptest.NewRequest(http.MethodPost, "/upload", body)
		req.Header.Set("Content-Type", ct)

		rec := do(h, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Invalid image", errorOf(t, rec))
		assert.False(t, st.Exists("fake.png"))
	})

	t.Run("unusable file name", func(t *testing.T) {
		body, ct := multipartBody(t, part{"image", "../..", pngBytes(t, 4, 4)})
		req := httptest.NewRequest(http.MethodPost, "/upload", body)
		req.Header.Set("Content-Type", ct)

		rec := do(h, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func postJSON(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return do(h, req)
}

func TestAnnotate(t *testing.T) {
	st := newStore(t)
	_, err := st.SaveUpload("slide.png", bytes.NewReader(pngBytes(t, 200, 200)))
	require.NoError(t, err)
	h := newAnnotateHandler(t, st, nil)

	rec := postJSON(h, "/annotate", `{
		"filename": "slide.png",
		"bboxes": [
			{"TL_x": 100, "TL_y": 100, "BR_x": 140, "BR_y": 140},
			{"TL_x": "oops", "TL_y": 1, "BR_x": 2, "BR_y": 3},
			{"x": 0, "y": 0, "w": 10, "h": 10}
		]
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp annotateResponse
	decode(t, rec, &resp)
	assert.Equal(t, []string{
		"/static/annotations/crop_0_slide.png",
		"/static/annotations/crop_2_slide.png",
	}, resp.Crops)
	require.Len(t, resp.Skipped, 1)
	assert.Equal(t, 1, resp.Skipped[0].Index)

	crop, err := os.Open(filepath.Join(st.CropDir, "crop_0_slide.png"))
	require.NoError(t, err)
	defer crop.Close()
	img, err := png.Decode(crop)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 96, 96), img.Bounds())

	// The crop origin is (72, 72); the test image encodes x and y in red and green
	r, g, _, _ := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(72), r>>8)
	assert.Equal(t, uint32(72), g>>8)

	served := do(h, httptest.NewRequest(http.MethodGet, "/static/annotations/crop_0_slide.png", nil))
	assert.Equal(t, http.StatusOK, served.Code)
	assert.Equal(t, "image/png", served.Header().Get("Content-Type"))
}

func TestAnnotateNonObjectEntries(t *testing.T) {
	st := newStore(t)
	_, err := st.SaveUpload("slide.png", bytes.NewReader(pngBytes(t, 200, 200)))
	require.NoError(t, err)
	h := newAnnotateHandler(t, st, nil)

	rec := postJSON(h, "/annotate", `{
		"filename": "slide.png",
		"bboxes": [
			{"TL_x": 100, "TL_y": 100, "BR_x": 140, "BR_y": 140},
			"garbage",
			5,
			[1, 2, 3, 4],
			null,
			{"x": 0, "y": 0, "w": 10, "h": 10}
		]
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp annotateResponse
	decode(t, rec, &resp)
	assert.Equal(t, []string{
		"/static/annotations/crop_0_slide.png",
		"/static/annotations/crop_5_slide.png",
	}, resp.Crops)
	require.Len(t, resp.Skipped, 4)
	for k, want := range []int{1, 2, 3, 4} {
		assert.Equal(t, want, resp.Skipped[k].Index)
		assert.Contains(t, resp.Skipped[k].Error, cropper.ErrInvalidBoxFormat.Error())
	}
}

func TestAnnotateUsesHeaderDimensions(t *testing.T) {
	st := newStore(t)
	h := newAnnotateHandler(t, st, nil)

	// Signature plus IHDR only: the header is readable, the pixels are not
	full := pngBytes(t, 50, 50)
	require.NoError(t, os.WriteFile(filepath.Join(st.UploadDir, "header.png"), full[:33], 0o644))

	rec := postJSON(h, "/annotate", `{"filename": "header.png", "bboxes": [{"x": 0, "y": 0, "w": 10, "h": 10}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp annotateResponse
	decode(t, rec, &resp)
	assert.Empty(t, resp.Crops)
	require.Len(t, resp.Skipped, 1)
	assert.Contains(t, resp.Skipped[0].Error, cropper.ErrImageTooSmall.Error())

	big := pngBytes(t, 200, 200)
	require.NoError(t, os.WriteFile(filepath.Join(st.UploadDir, "broken.png"), big[:33], 0o644))

	rec = postJSON(h, "/annotate", `{"filename": "broken.png", "bboxes": [{"x": 0, "y": 0, "w": 10, "h": 10}]}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAnnotateSmallImage(t *testing.T) {
	st := newStore(t)
	_, err := st.SaveUpload("tiny.png", bytes.NewReader(pngBytes(t, 50, 50)))
	require.NoError(t, err)
	h := newAnnotateHandler(t, st, nil)

	rec := postJSON(h, "/annotate", `{"filename": "tiny.png", "bboxes": [{"x": 0, "y": 0, "w": 10, "h": 10}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp annotateResponse
	decode(t, rec, &resp)
	assert.Empty(t, resp.Crops)
	require.Len(t, resp.Skipped, 1)
	assert.Contains(t, resp.Skipped[0].Error, cropper.ErrImageTooSmall.Error())
}

func TestAnnotateErrors(t *testing.T) {
	st := newStore(t)
	_, err := st.SaveUpload("slide.png", bytes.NewReader(pngBytes(t, 100, 100)))
	require.NoError(t, err)
	h := newAnnotateHandler(t, st, nil)

	tests := []struct {
		name   string
		body   string
		status int
		msg    string
	}{
		{"malformed body", `{"filename":`, http.StatusBadRequest, "Invalid data"},
		{"missing filename", `{"bboxes": [{"x": 1, "y": 1, "w": 1, "h": 1}]}`, http.StatusBadRequest, "Invalid data"},
		{"empty bboxes", `{"filename": "slide.png", "bboxes": []}`, http.StatusBadRequest, "Invalid data"},
		{"unknown image", `{"filename": "nope.png", "bboxes": [{"x": 1, "y": 1, "w": 1, "h": 1}]}`, http.StatusNotFound, "Image not found"},
		{"path traversal", `{"filename": "../uploads/slide.png", "bboxes": [{"x": 1, "y": 1, "w": 1, "h": 1}]}`, http.StatusNotFound, "Image not found"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(h, "/annotate", tc.body)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.msg, errorOf(t, rec))
		})
	}
}

func TestStaticNoListing(t *testing.T) {
	h := newAnnotateHandler(t, newStore(t), nil)

	rec := do(h, httptest.NewRequest(http.MethodGet, "/static/uploads/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORS(t *testing.T) {
	h := newAnnotateHandler(t, newStore(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := do(h, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSExplicitOrigins(t *testing.T) {
	svc := NewAnnotateService(newStore(t), cropper.New(), types.OutputConfig{}, maxUpload, nil)
	h := NewHandler(nil, []string{"http://example.com"}, svc)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := do(h, req)
	assert.Equal(t, "http://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = do(h, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

type fakeDetector struct {
	dets []types.Detection
	err  error
	got  image.Rectangle
}

func (f *fakeDetector) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	f.got = img.Bounds()
	return f.dets, f.err
}

func (f *fakeDetector) Close() error { return nil }

func newDetectHandler(t *testing.T, det detection.Detector, st *store.DiskStore) http.Handler {
	t.Helper()
	svc := NewDetectService(det, st, cropper.New(), maxUpload, nil)
	return NewHandler(nil, nil, svc)
}

func detectRequest(t *testing.T, target string) *http.Request {
	t.Helper()
	body, ct := multipartBody(t, part{"image", "cells.png", pngBytes(t, 300, 200)})
	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set("Content-Type", ct)
	return req
}

func TestHealth(t *testing.T) {
	rec := do(newDetectHandler(t, nil, newStore(t)), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "healthy", "model_loaded": false}`, rec.Body.String())

	rec = do(newDetectHandler(t, &fakeDetector{}, newStore(t)), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.JSONEq(t, `{"status": "healthy", "model_loaded": true}`, rec.Body.String())
}

func TestDetect(t *testing.T) {
	conf := 0.87
	det := &fakeDetector{dets: []types.Detection{
		{Box: types.Corners{TLX: 10, TLY: 20, BRX: 30, BRY: 40}, Confidence: &conf, Label: "cell"},
		{Box: types.Corners{TLX: 250, TLY: 150, BRX: 290, BRY: 190}},
	}}
	st := newStore(t)
	h := newDetectHandler(t, det, st)

	rec := do(h, detectRequest(t, "/detect"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{
		"filename": "cells.png",
		"bboxes": [
			{"TL_x": 10, "TL_y": 20, "BR_x": 30, "BR_y": 40, "confidence": 0.87, "label": "cell"},
			{"TL_x": 250, "TL_y": 150, "BR_x": 290, "BR_y": 190, "confidence": null}
		]
	}`, rec.Body.String())
	assert.Equal(t, image.Rect(0, 0, 300, 200), det.got)

	entries, err := os.ReadDir(st.UploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary upload must be removed")
}

func TestDetectWithCrops(t *testing.T) {
	det := &fakeDetector{dets: []types.Detection{
		{Box: types.Corners{TLX: 0, TLY: 0, BRX: 10, BRY: 10}},
		{Box: types.Corners{TLX: 250, TLY: 150, BRX: 290, BRY: 190}},
	}}
	h := newDetectHandler(t, det, newStore(t))

	rec := do(h, detectRequest(t, "/detect?crops=true"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp detectResponse
	decode(t, rec, &resp)
	require.Len(t, resp.Regions, 2)
	assert.Equal(t, types.CropRegion{X: 0, Y: 0, Size: 96}, resp.Regions[0].CropRegion)
	assert.Equal(t, types.CropRegion{X: 204, Y: 104, Size: 96}, resp.Regions[1].CropRegion)
	assert.Equal(t, 1, resp.Regions[1].Index)
}

func TestDetectErrors(t *testing.T) {
	t.Run("no detector", func(t *testing.T) {
		st := newStore(t)
		rec := do(newDetectHandler(t, nil, st), detectRequest(t, "/detect"))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "detector not initialized", errorOf(t, rec))
	})

	t.Run("detector failure", func(t *testing.T) {
		st := newStore(t)
		det := &fakeDetector{err: errors.New("inference failed")}
		rec := do(newDetectHandler(t, det, st), detectRequest(t, "/detect"))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "inference failed", errorOf(t, rec))

		entries, err := os.ReadDir(st.UploadDir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("not an image", func(t *testing.T) {
		body, ct := multipartBody(t, part{"image", "notes.png", []byte("hello")})
		req := httptest.NewRequest(http.MethodPost, "/detect", body)
		req.Header.Set("Content-Type", ct)

		rec := do(newDetectHandler(t, &fakeDetector{}, newStore(t)), req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("no image", func(t *testing.T) {
		body, ct := multipartBody(t, part{"file", "a.png", []byte("x")})
		req := httptest.NewRequest(http.MethodPost, "/detect", body)
		req.Header.Set("Content-Type", ct)

		rec := do(newDetectHandler(t, &fakeDetector{}, newStore(t)), req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "No image uploaded", errorOf(t, rec))
	})
}
