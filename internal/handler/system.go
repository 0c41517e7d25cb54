package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/neuralsieve/relay/internal/model"
	"github.com/neuralsieve/relay/internal/service"
	"github.com/neuralsieve/relay/internal/store"
)

// SystemHandler manages the relay's own credentials. Every endpoint here is
// behind the admin-scope middleware.
type SystemHandler struct {
	authSvc *service.AuthService
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(authSvc *service.AuthService) *SystemHandler {
	return &SystemHandler{authSvc: authSvc}
}

// createKeyRequest is the expected payload for CreateKey.
type createKeyRequest struct {
	Name  string      `json:"name"`
	Scope model.Scope `json:"scope"`
}

// createKeyResponse carries the raw key back to the operator. This is the
// only place the raw value ever appears.
type createKeyResponse struct {
	ID        int64       `json:"id"`
	Key       string      `json:"key"`
	KeyPrefix string      `json:"key_prefix"`
	Name      string      `json:"name"`
	Scope     model.Scope `json:"scope"`
	CreatedAt time.Time   `json:"created_at"`
}

// CreateKey generates a new API key, stores its hash, and returns the raw
// key exactly once.
// POST /api/v1/system/key
func (h *SystemHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Scope == "" {
		req.Scope = model.ScopeStandard
	}

	rawKey, key, err := h.authSvc.CreateKey(r.Context(), req.Name, req.Scope)
	if err != nil {
		if errors.Is(err, service.ErrInvalidScope) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create API key: "+err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, createKeyResponse{
		ID:        key.ID,
		Key:       rawKey,
		KeyPrefix: key.KeyPrefix,
		Name:      key.Name,
		Scope:     key.Scope,
		CreatedAt: key.CreatedAt,
	})
}

// ListKeys returns metadata for all API keys. Neither raw keys nor hashes
// ever appear in the response.
// GET /api/v1/system/key
func (h *SystemHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.authSvc.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list API keys: "+err.Error())
		return
	}

	resources := make([]map[string]interface{}, 0, len(keys))
	for i := range keys {
		resources = append(resources, apiKeyToMap(&keys[i]))
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: resources,
		Meta: &model.ResponseMeta{
			Count: len(resources),
		},
	})
}

// RevokeKey permanently disables an API key by ID. Idempotent: revoking an
// already-revoked key succeeds.
// DELETE /api/v1/system/key/{keyID}
func (h *SystemHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "keyID")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid key ID: "+idStr)
		return
	}

	if err := h.authSvc.Revoke(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "API key not found: "+idStr)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to revoke API key: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "API key revoked",
	})
}

func apiKeyToMap(k *model.APIKey) map[string]interface{} {
	m := map[string]interface{}{
		"id":         k.ID,
		"key_prefix": k.KeyPrefix,
		"name":       k.Name,
		"scope":      k.Scope,
		"created_at": k.CreatedAt,
	}
	if k.RevokedAt != nil {
		m["revoked_at"] = *k.RevokedAt
	}
	if k.LastUsed != nil {
		m["last_used"] = *k.LastUsed
	}
	return m
}
