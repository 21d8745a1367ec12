// Package domain contains the core business entities for sealstore.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies a storage event.
type EventType string

// Event types.
const (
	EventUpload      EventType = "upload"
	EventDownload    EventType = "download"
	EventDelete      EventType = "delete"
	EventBackup      EventType = "backup"
	EventReplication EventType = "replication"
	EventError       EventType = "error"
)

// Well-known event metadata keys.
const (
	MetaOperation        = "operation"
	MetaStatus           = "status"
	MetaTargetRegion     = "target_region"
	MetaCost             = "cost"
	MetaAttempts         = "attempts"
	MetaAlert            = "alert"
	MetaErrorKind        = "error_kind"
	MetaCodec            = "codec"
	MetaDedup            = "dedup"
	MetaCompressionRatio = "compression_ratio"
	MetaDedupSaved       = "dedup_saved_bytes"
	MetaStorageClass     = "storage_class"
	MetaVersionID        = "version_id"
)

// StorageEvent is an append-only record of one engine operation.
type StorageEvent struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	ObjectID  string            `json:"object_id"`
	Provider  Provider          `json:"provider"`
	Region    string            `json:"region"`
	Size      *int64            `json:"size,omitempty"`
	Duration  *time.Duration    `json:"duration,omitempty"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewStorageEvent creates an event stamped with a fresh id and the current time.
func NewStorageEvent(eventType EventType, objectID string, provider Provider, region string) StorageEvent {
	return StorageEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		ObjectID:  objectID,
		Provider:  provider,
		Region:    region,
		Metadata:  make(map[string]string),
	}
}

// WithSize sets the event size.
func (e StorageEvent) WithSize(size int64) StorageEvent {
	e.Size = &size
	return e
}

// WithDuration sets the event duration.
func (e StorageEvent) WithDuration(d time.Duration) StorageEvent {
	e.Duration = &d
	return e
}

// WithError sets the error string.
func (e StorageEvent) WithError(err error) StorageEvent {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// With adds a metadata entry.
func (e StorageEvent) With(key, value string) StorageEvent {
	meta := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	meta[key] = value
	e.Metadata = meta
	return e
}

// IsFailure returns true for error events.
func (e StorageEvent) IsFailure() bool {
	return e.Type == EventError
}
