package server

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/menta2k/annotation-cropper/internal/utils"
	"github.com/menta2k/annotation-cropper/pkg/cropper"
	"github.com/menta2k/annotation-cropper/pkg/detection"
	"github.com/menta2k/annotation-cropper/pkg/processing"
	"github.com/menta2k/annotation-cropper/pkg/store"
	"github.com/menta2k/annotation-cropper/pkg/types"
)

// DetectService runs an injected detector on uploaded images
type DetectService struct {
	detector  detection.Detector
	store     *store.DiskStore
	processor *processing.Processor
	cropper   *cropper.FixedCropper
	maxUpload int64
	logger    *zap.Logger
}

// NewDetectService wires the detection endpoints. A nil detector is allowed;
// /health then reports model_loaded false and /detect answers 500.
func NewDetectService(det detection.Detector, st *store.DiskStore, c *cropper.FixedCropper, maxUpload int64, logger *zap.Logger) *DetectService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DetectService{
		detector:  det,
		store:     st,
		processor: processing.NewProcessor(),
		cropper:   c,
		maxUpload: maxUpload,
		logger:    logger,
	}
}

// Register implements Service
func (s *DetectService) Register(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

func (s *DetectService) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", ModelLoaded: s.detector != nil})
}

type detectedBox struct {
	types.Corners
	Confidence *float64 `json:"confidence"`
	Label      string   `json:"label,omitempty"`
}

type detectedRegion struct {
	Index int `json:"index"`
	types.CropRegion
}

type detectResponse struct {
	Filename string           `json:"filename"`
	BBoxes   []detectedBox    `json:"bboxes"`
	Regions  []detectedRegion `json:"regions,omitempty"`
	Skipped  []boxSkip        `json:"skipped,omitempty"`
}

func (s *DetectService) handleDetect(w http.ResponseWriter, r *http.Request) {
	if err := parseUpload(w, r, s.maxUpload); err != nil {
		writeRequestError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := imageFile(r)
	if err != nil {
		writeRequestError(w, err)
		return
	}
	defer file.Close()

	if s.detector == nil {
		writeError(w, http.StatusInternalServerError, "detector not initialized")
		return
	}

	withCrops, _ := strconv.ParseBool(r.URL.Query().Get("crops"))

	tmp, err := s.store.SaveTemp(header.Filename, file)
	if err != nil {
		s.logger.Error("failed to save upload", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer func() {
		if err := s.store.Remove(tmp); err != nil {
			s.logger.Warn("could not remove temporary file", zap.String("path", tmp), zap.Error(err))
		}
	}()

	img, err := s.processor.LoadImage(tmp)
	if err != nil {
		s.logger.Error("failed to decode upload", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid image: "+err.Error())
		return
	}

	dets, err := s.detector.Detect(r.Context(), img)
	if err != nil {
		s.logger.Error("error in detection", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := detectResponse{
		Filename: utils.SecureFilename(header.Filename),
		BBoxes:   make([]detectedBox, 0, len(dets)),
	}
	for _, d := range dets {
		resp.BBoxes = append(resp.BBoxes, detectedBox{Corners: d.Box, Confidence: d.Confidence, Label: d.Label})
	}

	if withCrops {
		dims := types.DimensionsOf(img)
		for i, d := range dets {
			region, err := s.cropper.Region(types.NewCorners(d.Box), dims)
			if err != nil {
				resp.Skipped = append(resp.Skipped, boxSkip{Index: i, Error: err.Error()})
				continue
			}
			resp.Regions = append(resp.Regions, detectedRegion{Index: i, CropRegion: region})
		}
	}

	s.logger.Info("detection completed",
		zap.String("filename", resp.Filename),
		zap.Int("objects", len(resp.BBoxes)))

	writeJSON(w, http.StatusOK, resp)
}
