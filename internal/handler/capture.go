package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/neuralsieve/relay/internal/model"
	"github.com/neuralsieve/relay/internal/server/middleware"
	"github.com/neuralsieve/relay/internal/store"
)

// CaptureHandler serves the capture queue: submit, list pending, acknowledge.
type CaptureHandler struct {
	store           *store.Store
	logger          *slog.Logger
	maxContentBytes int
	maxPending      int64
}

// NewCaptureHandler creates a CaptureHandler. maxContentBytes bounds the
// content field of a submission; maxPending bounds the queue depth (0 means
// unbounded).
func NewCaptureHandler(st *store.Store, logger *slog.Logger, maxContentBytes int, maxPending int64) *CaptureHandler {
	return &CaptureHandler{
		store:           st,
		logger:          logger,
		maxContentBytes: maxContentBytes,
		maxPending:      maxPending,
	}
}

// captureAccepted is the response payload for a successful submission. The
// caller learns the id and nothing about downstream processing.
type captureAccepted struct {
	ID         int64     `json:"id"`
	Status     string    `json:"status"`
	ReceivedAt time.Time `json:"received_at"`
}

// Submit accepts a capture from any valid API key.
// POST /api/v1/captures
func (h *CaptureHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req model.CaptureRequest
	if err := readJSON(r, &req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if err := req.Validate(h.maxContentBytes); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	principal := middleware.GetPrincipal(r.Context())
	capture := &model.Capture{
		Content:    req.Content,
		URL:        req.URL,
		SourceURL:  req.SourceURL,
		Annotation: req.Annotation,
		APIKeyID:   principal.KeyID,
	}
	// The ceiling is enforced inside the insert statement, so concurrent
	// submitters at the limit cannot overshoot it.
	if err := h.store.CreateCapture(r.Context(), capture, h.maxPending); err != nil {
		if errors.Is(err, store.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "Capture queue is full")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to store capture: "+err.Error())
		return
	}

	h.logger.Info("capture received",
		"capture_id", capture.ID,
		"key", principal.Name,
		"request_id", middleware.GetRequestID(r.Context()),
	)

	writeJSON(w, http.StatusAccepted, captureAccepted{
		ID:         capture.ID,
		Status:     capture.Status,
		ReceivedAt: capture.ReceivedAt,
	})
}

// ListPending returns pending captures, oldest first. Any valid key may list:
// the relay's one consumer is the trusted local agent, so there is no
// per-submitter scoping here.
// GET /api/v1/captures/pending
func (h *CaptureHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(queryInt(r, "limit", 100), 1, 500)

	captures, err := h.store.ListPendingCaptures(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list pending captures: "+err.Error())
		return
	}
	if captures == nil {
		captures = []model.Capture{}
	}

	writeJSON(w, http.StatusOK, model.PendingResponse{
		Captures: captures,
		Count:    len(captures),
	})
}

// Ack marks a capture as processed. Unknown ids and already-acked captures
// both return 404, which is what makes the operation safe to retry after a
// timeout: the caller's correct reaction is the same in both cases.
// POST /api/v1/captures/{captureID}/ack
func (h *CaptureHandler) Ack(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "captureID")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid capture ID: "+idStr)
		return
	}

	if err := h.store.AckCapture(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Capture not found or already acknowledged")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to ack capture: "+err.Error())
		return
	}

	h.logger.Info("capture acknowledged",
		"capture_id", id,
		"request_id", middleware.GetRequestID(r.Context()),
	)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": model.StatusAcked,
		"id":     id,
	})
}
