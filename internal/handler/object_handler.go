package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/prn-tf/sealstore/internal/domain"
	"github.com/prn-tf/sealstore/internal/service"
)

// Engine is the storage engine as seen by the HTTP layer.
// *service.Engine implements it.
type Engine interface {
	StoreEncryptedObject(ctx context.Context, req domain.StoredObjectRequest, opts ...service.StoreOption) (*domain.EnhancedStorageResult, error)
	RetrieveObject(ctx context.Context, objectID string) (*domain.RetrievedObject, error)
	ObjectStatus(ctx context.Context, objectID string) (*domain.ObjectStatus, error)
	DeleteObject(ctx context.Context, objectID string) error
	GetMetrics() domain.StorageMetrics
	GetConfiguration() domain.StorageConfig
	Health(ctx context.Context) error
}

var _ Engine = (*service.Engine)(nil)

// ObjectHandler handles encrypted object operations.
type ObjectHandler struct {
	engine      Engine
	maxBodySize int64
	accepting   func() bool
	logger      zerolog.Logger
}

// NewObjectHandler creates a new ObjectHandler.
// accepting reports whether new uploads are allowed; nil always allows them.
func NewObjectHandler(engine Engine, maxBodySize int64, accepting func() bool, logger zerolog.Logger) *ObjectHandler {
	if accepting == nil {
		accepting = func() bool { return true }
	}
	return &ObjectHandler{
		engine:      engine,
		maxBodySize: maxBodySize,
		accepting:   accepting,
		logger:      logger.With().Str("handler", "object").Logger(),
	}
}

// RegisterRoutes registers object routes on r.
func (h *ObjectHandler) RegisterRoutes(r chi.Router) {
	r.Post("/objects", h.StoreObject)
	r.Get("/objects/{id}", h.GetObject)
	r.Get("/objects/{id}/status", h.GetObjectStatus)
	r.Delete("/objects/{id}", h.DeleteObject)
}

// StoreObject handles POST /v1/objects.
// An optional timeout query parameter bounds the primary upload.
func (h *ObjectHandler) StoreObject(w http.ResponseWriter, r *http.Request) {
	if !h.accepting() {
		writeError(w, r, errDraining)
		return
	}

	if h.maxBodySize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	}

	var req domain.StoredObjectRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, errEntityTooLarge)
			return
		}
		writeError(w, r, errMalformedJSON)
		return
	}

	var opts []service.StoreOption
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, r, APIError{
				Code:           "InvalidArgument",
				Message:        "timeout must be a positive duration",
				HTTPStatusCode: http.StatusBadRequest,
			})
			return
		}
		opts = append(opts, service.WithTimeout(d))
	}

	result, err := h.engine.StoreEncryptedObject(r.Context(), req, opts...)
	if err != nil {
		h.fail(w, r, "store", req.ObjectID, err)
		return
	}

	w.Header().Set("Location", "/v1/objects/"+result.ObjectID)
	writeJSON(w, http.StatusCreated, result)
}

// GetObject handles GET /v1/objects/{id}.
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	objectID := chi.URLParam(r, "id")

	obj, err := h.engine.RetrieveObject(r.Context(), objectID)
	if err != nil {
		h.fail(w, r, "retrieve", objectID, err)
		return
	}

	w.Header().Set("X-Checksum-Sha256", obj.Checksum)
	writeJSON(w, http.StatusOK, obj)
}

// GetObjectStatus handles GET /v1/objects/{id}/status.
func (h *ObjectHandler) GetObjectStatus(w http.ResponseWriter, r *http.Request) {
	objectID := chi.URLParam(r, "id")

	status, err := h.engine.ObjectStatus(r.Context(), objectID)
	if err != nil {
		h.fail(w, r, "status", objectID, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// DeleteObject handles DELETE /v1/objects/{id}.
func (h *ObjectHandler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	objectID := chi.URLParam(r, "id")

	if err := h.engine.DeleteObject(r.Context(), objectID); err != nil {
		h.fail(w, r, "delete", objectID, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ObjectHandler) fail(w http.ResponseWriter, r *http.Request, op, objectID string, err error) {
	apiErr := toAPIError(err)
	if apiErr.ObjectID == "" {
		apiErr.ObjectID = objectID
	}

	event := h.logger.Debug()
	if apiErr.HTTPStatusCode >= 500 {
		event = h.logger.Error()
	}
	event.Err(err).
		Str("op", op).
		Str("object_id", objectID).
		Str("request_id", requestID(r)).
		Msg("Object request failed")

	writeError(w, r, apiErr)
}
