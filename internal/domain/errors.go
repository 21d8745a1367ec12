// Package domain contains the core business entities for sealstore.
package domain

import (
	"errors"
	"fmt"
)

// Domain errors - these represent business rule violations and the failure
// kinds callers are expected to branch on with errors.Is.

var (
	// ===========================================
	// Configuration Errors
	// ===========================================

	// ErrNoPrimaryRegion indicates no configured region carries the primary flag.
	ErrNoPrimaryRegion = errors.New("no primary region configured")

	// ErrMultiplePrimaryRegions indicates more than one region carries the primary flag.
	ErrMultiplePrimaryRegions = errors.New("more than one primary region configured")

	// ErrMissingCredentials indicates the provider's required credential fields are absent.
	ErrMissingCredentials = errors.New("missing provider credentials")

	// ErrUnknownProvider indicates the configured provider is not recognized.
	ErrUnknownProvider = errors.New("unknown storage provider")

	// ErrInvalidRegion indicates a region entry is malformed.
	ErrInvalidRegion = errors.New("invalid region configuration")

	// ErrUnknownRegion indicates a referenced region id is not in the registry.
	ErrUnknownRegion = errors.New("unknown region")

	// ErrInvalidCostTier indicates the region cost tier is not standard, premium or archive.
	ErrInvalidCostTier = errors.New("invalid cost tier")

	// ===========================================
	// Storage Errors
	// ===========================================

	// ErrNotReady indicates the engine is not initialized and cannot accept work.
	ErrNotReady = errors.New("storage engine not ready")

	// ErrBackendUnavailable indicates a transient backend or network failure.
	// Callers may retry.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrTimeout indicates a backend call exceeded its deadline.
	// Callers may retry with backoff.
	ErrTimeout = errors.New("storage operation timed out")

	// ErrIntegrityFailure indicates stored bytes do not match their checksum.
	ErrIntegrityFailure = errors.New("stored object failed integrity check")

	// ErrObjectNotFound indicates the requested object does not exist.
	ErrObjectNotFound = errors.New("object not found")

	// ErrObjectExists indicates the object id or key is already in use.
	ErrObjectExists = errors.New("object already exists")

	// ErrInvalidRequest indicates the store request is malformed.
	ErrInvalidRequest = errors.New("invalid store request")

	// ErrCatalogUnavailable indicates the object catalog could not be read or written.
	ErrCatalogUnavailable = errors.New("object catalog unavailable")
)

// ConfigError reports a configuration problem found during validation.
// It is fatal: the engine refuses to initialize.
type ConfigError struct {
	// Field is the configuration path that failed (e.g. "storage.regions").
	Field string

	// Err is the underlying sentinel error.
	Err error

	// Detail carries optional human readable context.
	Detail string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := "config error"
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	msg += ": " + e.Err.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field string, err error, detail string) *ConfigError {
	return &ConfigError{Field: field, Err: err, Detail: detail}
}

// StorageError is returned by engine operations.
// Kind is one of the storage sentinel errors; Cause is the original failure.
type StorageError struct {
	Kind     error
	ObjectID string
	Provider string
	Region   string
	Cause    error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	msg := e.Kind.Error()
	if e.ObjectID != "" {
		msg = fmt.Sprintf("%s (object %s)", msg, e.ObjectID)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is/errors.As.
func (e *StorageError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// NewStorageError creates a new StorageError.
func NewStorageError(kind error, objectID string, cause error) *StorageError {
	return &StorageError{Kind: kind, ObjectID: objectID, Cause: cause}
}

// BackendError wraps a provider-native error with the logical key it concerned.
// The engine never inspects provider types, only this wrapper.
type BackendError struct {
	Op       string
	Provider string
	Region   string
	Bucket   string
	Key      string
	Err      error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s/%s/%s/%s: %v", e.Op, e.Provider, e.Region, e.Bucket, e.Key, e.Err)
}

// Unwrap returns the provider error.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// ErrorKind returns the storage sentinel matching err, or nil if none matches.
func ErrorKind(err error) error {
	for _, kind := range []error{
		ErrNotReady,
		ErrTimeout,
		ErrIntegrityFailure,
		ErrObjectNotFound,
		ErrObjectExists,
		ErrInvalidRequest,
		ErrCatalogUnavailable,
		ErrBackendUnavailable,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// ErrorKindName returns a short label for the kind of err, for metrics and events.
func ErrorKindName(err error) string {
	switch ErrorKind(err) {
	case ErrNotReady:
		return "not_ready"
	case ErrTimeout:
		return "timeout"
	case ErrIntegrityFailure:
		return "integrity_failure"
	case ErrObjectNotFound:
		return "not_found"
	case ErrObjectExists:
		return "exists"
	case ErrInvalidRequest:
		return "invalid_request"
	case ErrCatalogUnavailable:
		return "catalog_unavailable"
	case ErrBackendUnavailable:
		return "backend_unavailable"
	default:
		return "unknown"
	}
}
