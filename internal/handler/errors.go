package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prn-tf/sealstore/internal/domain"
)

// APIError is the JSON error body returned by every endpoint.
type APIError struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	ObjectID       string `json:"object_id,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
	HTTPStatusCode int    `json:"-"`
}

// Common errors that do not come from the engine.
var (
	errMethodNotAllowed = APIError{
		Code:           "MethodNotAllowed",
		Message:        "The specified method is not allowed against this resource.",
		HTTPStatusCode: http.StatusMethodNotAllowed,
	}
	errRouteNotFound = APIError{
		Code:           "NoSuchRoute",
		Message:        "The requested resource does not exist.",
		HTTPStatusCode: http.StatusNotFound,
	}
	errMalformedJSON = APIError{
		Code:           "MalformedJSON",
		Message:        "The request body is not valid JSON.",
		HTTPStatusCode: http.StatusBadRequest,
	}
	errEntityTooLarge = APIError{
		Code:           "EntityTooLarge",
		Message:        "The request body exceeds the maximum allowed size.",
		HTTPStatusCode: http.StatusRequestEntityTooLarge,
	}
	errDraining = APIError{
		Code:           "Draining",
		Message:        "The server is draining and does not accept new objects.",
		HTTPStatusCode: http.StatusServiceUnavailable,
	}
)

// toAPIError maps an engine error to its HTTP representation.
func toAPIError(err error) APIError {
	var cfgErr *domain.ConfigError
	if errors.As(err, &cfgErr) {
		return APIError{Code: "ConfigurationError", Message: err.Error(), HTTPStatusCode: http.StatusServiceUnavailable}
	}

	apiErr := APIError{Message: err.Error()}
	var storageErr *domain.StorageError
	if errors.As(err, &storageErr) {
		apiErr.ObjectID = storageErr.ObjectID
	}

	switch domain.ErrorKind(err) {
	case domain.ErrInvalidRequest:
		apiErr.Code, apiErr.HTTPStatusCode = "InvalidRequest", http.StatusBadRequest
	case domain.ErrObjectNotFound:
		apiErr.Code, apiErr.HTTPStatusCode = "NoSuchObject", http.StatusNotFound
	case domain.ErrObjectExists:
		apiErr.Code, apiErr.HTTPStatusCode = "ObjectAlreadyExists", http.StatusConflict
	case domain.ErrNotReady:
		apiErr.Code, apiErr.HTTPStatusCode = "NotReady", http.StatusServiceUnavailable
	case domain.ErrTimeout:
		apiErr.Code, apiErr.HTTPStatusCode = "Timeout", http.StatusGatewayTimeout
	case domain.ErrBackendUnavailable:
		apiErr.Code, apiErr.HTTPStatusCode = "BackendUnavailable", http.StatusBadGateway
	case domain.ErrCatalogUnavailable:
		apiErr.Code, apiErr.HTTPStatusCode = "CatalogUnavailable", http.StatusServiceUnavailable
	case domain.ErrIntegrityFailure:
		apiErr.Code, apiErr.HTTPStatusCode = "IntegrityFailure", http.StatusInternalServerError
	default:
		apiErr.Code, apiErr.HTTPStatusCode = "InternalError", http.StatusInternalServerError
		apiErr.Message = "We encountered an internal error. Please try again."
	}
	return apiErr
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, r *http.Request, apiErr APIError) {
	if r != nil {
		apiErr.RequestID = requestID(r)
	}
	writeJSON(w, apiErr.HTTPStatusCode, apiErr)
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
