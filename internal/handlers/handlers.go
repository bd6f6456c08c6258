package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/xerrors"

	"github.com/Brownie44l1/imgclf-api/internal/lgr"
	"github.com/Brownie44l1/imgclf-api/internal/model"
	"github.com/Brownie44l1/imgclf-api/internal/preprocess"
)

const defaultMaxUpload = 10 << 20

type Handler struct {
	modelServer    *model.Server
	maxUpload      int64
	allowPathInput bool
}

type Option func(*Handler)

// WithMaxUpload caps request bodies at n bytes.
func WithMaxUpload(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxUpload = n
		}
	}
}

// WithPathInput lets /run read images from the server's file system.
func WithPathInput(allow bool) Option {
	return func(h *Handler) { h.allowPathInput = allow }
}

func NewHandler(modelServer *model.Server, opts ...Option) *Handler {
	h := &Handler{
		modelServer: modelServer,
		maxUpload:   defaultMaxUpload,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes wires every endpoint behind the request id, logging and CORS middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", EnableCORS(h.Health))
	mux.HandleFunc("/load", EnableCORS(h.Load))
	mux.HandleFunc("/predict", EnableCORS(h.Predict))
	mux.HandleFunc("/predict/image", EnableCORS(h.PredictFromImage))
	mux.HandleFunc("/predict/base64", EnableCORS(h.PredictBase64))
	mux.HandleFunc("/run", EnableCORS(h.Run))
	return RequestID(AccessLog(mux))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"loaded": h.modelServer.Loaded(),
	})
}

// Load is the pre-load warm-up: it loads the model and runs a blank image.
func (h *Handler) Load(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	result, err := h.modelServer.Warmup(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	var req model.PredictionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	result, err := h.modelServer.Predict(req.Image)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type imageResponse struct {
	*model.Prediction
	Result []string `json:"result"`
}

func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	if r.ContentLength > h.maxUpload {
		writeError(w, http.StatusRequestEntityTooLarge, "Image too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "Image too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to parse form")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No image file provided. Use 'image' as the form field name")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read image")
		return
	}

	logger(r).Info("received file",
		slog.String("filename", header.Filename),
		slog.Int64("size", header.Size),
	)

	img, err := preprocess.Decode(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid image format. Supported: JPEG, PNG, GIF, WebP, BMP, TIFF")
		return
	}

	pred, err := h.modelServer.PredictImage(img)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, imageResponse{Prediction: pred, Result: pred.Result()})
}

func (h *Handler) PredictBase64(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	var req model.Base64Request
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.Image == "" {
		writeError(w, http.StatusBadRequest, model.ErrNoInput.Error())
		return
	}

	result, err := h.modelServer.SingleRun(r.Context(), model.RunRequest{InputImage: req.Image})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Run exposes SingleRun as is.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	var req model.RunRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.InputPath != "" && !h.allowPathInput {
		writeError(w, http.StatusForbidden, "input_path is disabled on this server")
		return
	}

	result, err := h.modelServer.SingleRun(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUpload))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return false
	}

	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return true
}

// fail maps pipeline errors to a status. Client errors echo the message,
// anything else is logged and reported as a generic failure.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, preprocess.ErrImageNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrNoInput),
		errors.Is(err, model.ErrAmbiguousInput),
		errors.Is(err, model.ErrPreLoadWithInput),
		errors.Is(err, model.ErrInputSize),
		errors.Is(err, preprocess.ErrInvalidImage):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger(r).Error("prediction failed", slog.Any("error", xerrors.New(err.Error())))
		writeError(w, http.StatusInternalServerError, "Prediction failed")
	}
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

// writeJSON encodes v before the status line goes out, so an unencodable
// value turns into a 500 instead of an empty 200.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		lgr.Logger.Error("failed to encode response", slog.Any("error", xerrors.New(err.Error())))
		buf.Reset()
		buf.WriteString(`{"error":"Failed to encode response"}` + "\n")
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		lgr.Logger.Warn("failed to write response", slog.Any("error", xerrors.New(err.Error())))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
