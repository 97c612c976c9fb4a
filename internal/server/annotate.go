package server

import (
	"embed"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/menta2k/annotation-cropper/internal/utils"
	"github.com/menta2k/annotation-cropper/pkg/annotation"
	"github.com/menta2k/annotation-cropper/pkg/cropper"
	"github.com/menta2k/annotation-cropper/pkg/processing"
	"github.com/menta2k/annotation-cropper/pkg/store"
	"github.com/menta2k/annotation-cropper/pkg/types"
)

//go:embed web/annotate.html
var webFS embed.FS

// AnnotateService serves the annotation page, accepts uploads and cuts the
// fixed-size crops around user and CSV boxes
type AnnotateService struct {
	store     *store.DiskStore
	dims      store.DimensionsProvider
	cropper   *cropper.FixedCropper
	output    types.OutputConfig
	maxUpload int64
	logger    *zap.Logger
}

// NewAnnotateService wires the annotation endpoints
func NewAnnotateService(st *store.DiskStore, c *cropper.FixedCropper, output types.OutputConfig, maxUpload int64, logger *zap.Logger) *AnnotateService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if output.Format == "" {
		output.Format = "png"
	}
	return &AnnotateService{
		store:     st,
		dims:      st,
		cropper:   c,
		output:    output,
		maxUpload: maxUpload,
		logger:    logger,
	}
}

// Register implements Service
func (s *AnnotateService) Register(r *mux.Router) {
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/annotate", s.handleAnnotate).Methods(http.MethodPost)
	r.PathPrefix(store.UploadURLPrefix).Handler(staticDir(store.UploadURLPrefix, s.store.UploadDir)).Methods(http.MethodGet)
	r.PathPrefix(store.CropURLPrefix).Handler(staticDir(store.CropURLPrefix, s.store.CropDir)).Methods(http.MethodGet)
}

func (s *AnnotateService) handleIndex(w http.ResponseWriter, r *http.Request) {
	page, err := webFS.ReadFile("web/annotate.html")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

type rowSkip struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

type uploadResponse struct {
	Filename    string          `json:"filename"`
	URL         string          `json:"url"`
	Width       int             `json:"width"`
	Height      int             `json:"height"`
	BBoxes      []types.Corners `json:"bboxes"`
	SkippedRows []rowSkip       `json:"skipped_rows,omitempty"`
}

func (s *AnnotateService) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("upload request received")

	if err := parseUpload(w, r, s.maxUpload); err != nil {
		s.logger.Error("invalid upload", zap.Error(err))
		writeRequestError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := imageFile(r)
	if err != nil {
		s.logger.Error("no image in upload", zap.Error(err))
		writeRequestError(w, err)
		return
	}
	defer file.Close()

	resp := uploadResponse{BBoxes: []types.Corners{}}

	csvFile, _, _, err := formFile(r, "csv")
	if err != nil {
		writeRequestError(w, err)
		return
	}
	if csvFile != nil {
		defer csvFile.Close()
		s.logger.Info("processing CSV file")

		batch, err := annotation.ParseCSV(csvFile, s.logger)
		if err != nil {
			s.logger.Error("unreadable CSV", zap.Error(err))
			writeRequestError(w, badRequest("Invalid CSV: "+err.Error()))
			return
		}
		for _, box := range batch.Boxes {
			resp.BBoxes = append(resp.BBoxes, s.cropper.CenteredCorners(box))
		}
		for _, skip := range batch.Skipped {
			resp.SkippedRows = append(resp.SkippedRows, rowSkip{Row: skip.Row, Error: skip.Err.Error()})
		}
	}

	resp.Filename, err = s.store.SaveUpload(header.Filename, file)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInvalidName):
			writeRequestError(w, badRequest("Invalid file name"))
		case errors.Is(err, store.ErrUnsupportedType):
			writeRequestError(w, badRequest("Unsupported image type"))
		default:
			s.logger.Error("failed to save upload", zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	resp.URL = s.store.UploadURL(resp.Filename)

	dims, err := s.dims.Dimensions(resp.Filename)
	if err != nil {
		s.logger.Error("uploaded file is not a readable image", zap.String("filename", resp.Filename), zap.Error(err))
		if p, perr := s.store.UploadPath(resp.Filename); perr == nil {
			if rerr := s.store.Remove(p); rerr != nil {
				s.logger.Warn("failed to remove rejected upload", zap.String("path", p), zap.Error(rerr))
			}
		}
		writeRequestError(w, badRequest("Invalid image"))
		return
	}
	resp.Width, resp.Height = dims.Width, dims.Height

	s.logger.Info("files processed successfully",
		zap.String("filename", resp.Filename),
		zap.String("size", utils.FormatFileSize(header.Size)),
		zap.Int("bboxes", len(resp.BBoxes)))

	writeJSON(w, http.StatusOK, resp)
}

type annotateRequest struct {
	Filename string            `json:"filename"`
	BBoxes   []json.RawMessage `json:"bboxes"`
}

type boxSkip struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type annotateResponse struct {
	Crops   []string  `json:"crops"`
	Skipped []boxSkip `json:"skipped,omitempty"`
}

func (s *AnnotateService) handleAnnotate(w http.ResponseWriter, r *http.Request) {
	var req annotateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxUpload))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		s.logger.Error("invalid annotate body", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid data")
		return
	}

	s.logger.Info("annotation request received", zap.String("filename", req.Filename))

	if req.Filename == "" || len(req.BBoxes) == 0 {
		writeError(w, http.StatusBadRequest, "Invalid data")
		return
	}
	if !s.store.Exists(req.Filename) {
		writeError(w, http.StatusNotFound, "Image not found")
		return
	}

	// Regions come from the header alone so a batch of rejected boxes never
	// pays for a full decode
	dims, err := s.dims.Dimensions(req.Filename)
	if err != nil {
		s.logger.Error("failed to read image header", zap.String("filename", req.Filename), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := annotateResponse{Crops: []string{}}
	ext := processing.FormatExtension(s.output.Format)

	boxes, indexes, failed := annotation.FromRawRecords(req.BBoxes)
	var errs error
	skip := func(i int, err error) {
		errs = multierr.Append(errs, &cropper.BoxError{Index: i, Err: err})
		resp.Skipped = append(resp.Skipped, boxSkip{Index: i, Error: err.Error()})
	}
	for i := range failed {
		skip(failed[i].Index, failed[i].Err)
	}

	type pending struct {
		index  int
		box    types.BoundingBox
		region types.CropRegion
	}
	var todo []pending
	for k, box := range boxes {
		region, err := s.cropper.Region(box, dims)
		if err != nil {
			skip(indexes[k], err)
			continue
		}
		todo = append(todo, pending{index: indexes[k], box: box, region: region})
	}

	if len(todo) > 0 {
		img, err := s.store.Open(req.Filename)
		if err != nil {
			s.logger.Error("failed to open image", zap.String("filename", req.Filename), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		for _, p := range todo {
			result, err := s.cropper.Extract(img, p.box, p.region)
			if err == nil {
				name := utils.CropFilename(p.index, req.Filename, ext)
				if name, err = s.store.SaveCrop(name, result.Image, s.output); err == nil {
					resp.Crops = append(resp.Crops, s.store.CropURL(name))
					s.logger.Info("created crop",
						zap.Int("index", p.index),
						zap.String("crop", name),
						zap.Int("x", p.region.X),
						zap.Int("y", p.region.Y))
					continue
				}
			}
			skip(p.index, err)
		}
	}

	for _, err := range multierr.Errors(errs) {
		s.logger.Error("error creating crop", zap.Error(err))
	}
	sort.Slice(resp.Skipped, func(a, b int) bool {
		return resp.Skipped[a].Index < resp.Skipped[b].Index
	})

	writeJSON(w, http.StatusOK, resp)
}

// staticDir serves files from dir under prefix without directory listings
func staticDir(prefix, dir string) http.Handler {
	fs := http.StripPrefix(prefix, http.FileServer(http.Dir(dir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			writeError(w, http.StatusNotFound, "Not found")
			return
		}
		fs.ServeHTTP(w, r)
	})
}
