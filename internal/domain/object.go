// Package domain contains the core business entities for sealstore.
package domain

import (
	"encoding/base64"
	"fmt"
	"time"
)

// MaxObjectKeyLength is the maximum object key length.
const MaxObjectKeyLength = 1024

// SyncStatus is the state of replication or backup for an object.
type SyncStatus string

// Sync states. Pending transitions to completed or failed.
const (
	SyncStatusPending   SyncStatus = "pending"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"

	// SyncStatusDisabled is reported when the feature is off in configuration.
	SyncStatusDisabled SyncStatus = "disabled"
)

// IsTerminal returns true for completed and failed.
func (s SyncStatus) IsTerminal() bool {
	return s == SyncStatusCompleted || s == SyncStatusFailed
}

// StoredObjectRequest is the input to a store operation.
// Ciphertext, IV and auth tag arrive base64 encoded from the external encryption pipeline.
type StoredObjectRequest struct {
	ObjectID   string `json:"object_id"`
	Bucket     string `json:"bucket,omitempty"`
	Key        string `json:"key"`
	WrappedDEK string `json:"wrapped_dek"`
	DEKID      string `json:"dek_id,omitempty"`
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"auth_tag"`
}

// Payload is the decoded request body: ciphertext || iv || tag.
type Payload struct {
	Bytes     []byte
	IVLength  int
	TagLength int
}

// Validate checks required fields.
func (r StoredObjectRequest) Validate() error {
	switch {
	case r.ObjectID == "":
		return fmt.Errorf("%w: object_id is required", ErrInvalidRequest)
	case r.Key == "":
		return fmt.Errorf("%w: key is required", ErrInvalidRequest)
	case len(r.Key) > MaxObjectKeyLength:
		return fmt.Errorf("%w: key exceeds %d characters", ErrInvalidRequest, MaxObjectKeyLength)
	case r.WrappedDEK == "":
		return fmt.Errorf("%w: wrapped_dek is required", ErrInvalidRequest)
	case r.Ciphertext == "":
		return fmt.Errorf("%w: ciphertext is required", ErrInvalidRequest)
	}
	return nil
}

// Combine decodes the base64 parts and concatenates them into one buffer.
// All three parts are needed to decrypt, so they are stored together.
func (r StoredObjectRequest) Combine() (*Payload, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(r.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not valid base64", ErrInvalidRequest)
	}
	iv, err := base64.StdEncoding.DecodeString(r.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv is not valid base64", ErrInvalidRequest)
	}
	tag, err := base64.StdEncoding.DecodeString(r.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("%w: auth_tag is not valid base64", ErrInvalidRequest)
	}

	buf := make([]byte, 0, len(ciphertext)+len(iv)+len(tag))
	buf = append(buf, ciphertext...)
	buf = append(buf, iv...)
	buf = append(buf, tag...)

	return &Payload{Bytes: buf, IVLength: len(iv), TagLength: len(tag)}, nil
}

// Split reverses Combine, returning base64 ciphertext, iv and tag.
func (p Payload) Split() (ciphertext, iv, tag string, err error) {
	if p.IVLength < 0 || p.TagLength < 0 || p.IVLength+p.TagLength > len(p.Bytes) {
		return "", "", "", fmt.Errorf("%w: payload shorter than iv and tag", ErrIntegrityFailure)
	}
	ctEnd := len(p.Bytes) - p.IVLength - p.TagLength
	ivEnd := ctEnd + p.IVLength

	enc := base64.StdEncoding
	return enc.EncodeToString(p.Bytes[:ctEnd]),
		enc.EncodeToString(p.Bytes[ctEnd:ivEnd]),
		enc.EncodeToString(p.Bytes[ivEnd:]),
		nil
}

// ObjectMetadata is the optimization and placement metadata of a stored object.
type ObjectMetadata struct {
	// CompressionRatio is stored size / original size. Nil when compression is off.
	CompressionRatio *float64 `json:"compression_ratio,omitempty"`

	// DeduplicationSavedBytes is the number of bytes not written thanks to dedup.
	DeduplicationSavedBytes *int64 `json:"deduplication_saved_bytes,omitempty"`

	// Codec is the compression codec needed to restore the payload.
	Codec string `json:"codec"`

	StorageClass    string `json:"storage_class"`
	LifecyclePolicy string `json:"lifecycle_policy,omitempty"`
}

// EnhancedStorageResult is returned by a successful store.
// It is immutable; replication and backup status updates flow through events
// and must be re-queried.
type EnhancedStorageResult struct {
	ObjectID          string         `json:"object_id"`
	Bucket            string         `json:"bucket"`
	Key               string         `json:"key"`
	WrappedDEK        string         `json:"wrapped_dek"`
	DEKID             string         `json:"dek_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	Provider          Provider       `json:"provider"`
	Region            string         `json:"region"`
	Size              int64          `json:"size"`
	Checksum          string         `json:"checksum"`
	VersionID         string         `json:"version_id,omitempty"`
	ReplicationStatus SyncStatus     `json:"replication_status"`
	BackupStatus      SyncStatus     `json:"backup_status"`
	CostEstimate      float64        `json:"cost_estimate"`
	Metadata          ObjectMetadata `json:"metadata"`
}

// ObjectRecord is the catalog entry describing where an object lives.
// It never contains ciphertext.
type ObjectRecord struct {
	ObjectID     string
	Bucket       string
	Key          string
	Provider     Provider
	Region       string
	Size         int64
	OriginalSize int64

	// Checksum is the SHA-256 of the bytes written at Key.
	Checksum string

	// ContentChecksum is the SHA-256 of the optimized payload. It equals Checksum
	// unless the object is a dedup reference.
	ContentChecksum string

	VersionID string
	Codec     string

	// ReferenceBucket and ReferenceKey are set when Key holds a dedup stub
	// pointing at bytes stored for another object.
	ReferenceBucket string
	ReferenceKey    string

	IVLength        int
	TagLength       int
	WrappedDEK      string
	DEKID           string
	StorageClass    string
	LifecyclePolicy string
	CostEstimate    float64
	CreatedAt       time.Time
}

// IsReference returns true if the record is a dedup reference stub.
func (r *ObjectRecord) IsReference() bool {
	return r.ReferenceKey != ""
}

// DataLocation returns the bucket and key holding the physical bytes.
func (r *ObjectRecord) DataLocation() (bucket, key string) {
	if r.ReferenceKey != "" {
		return r.ReferenceBucket, r.ReferenceKey
	}
	return r.Bucket, r.Key
}

// RetrievedObject is the result of reading an object back.
type RetrievedObject struct {
	ObjectID   string    `json:"object_id"`
	Bucket     string    `json:"bucket"`
	Key        string    `json:"key"`
	Region     string    `json:"region"`
	WrappedDEK string    `json:"wrapped_dek"`
	DEKID      string    `json:"dek_id,omitempty"`
	Ciphertext string    `json:"ciphertext"`
	IV         string    `json:"iv"`
	AuthTag    string    `json:"auth_tag"`
	Checksum   string    `json:"checksum"`
	CreatedAt  time.Time `json:"created_at"`
}

// ObjectStatus is the current replication and backup state of an object.
type ObjectStatus struct {
	ObjectID          string      `json:"object_id"`
	ReplicationStatus SyncStatus  `json:"replication_status"`
	BackupStatus      SyncStatus  `json:"backup_status"`
	Tasks             []*SyncTask `json:"tasks"`
}
