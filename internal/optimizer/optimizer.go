package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/prn-tf/sealstore/internal/domain"
	"github.com/prn-tf/sealstore/internal/pkg/crypto"
	"github.com/prn-tf/sealstore/internal/repository"
)

// Result is the outcome of optimizing one payload.
type Result struct {
	// Data is the payload to store. It round-trips through Restore(Codec, Data).
	Data []byte

	// Codec names the transform applied to Data.
	Codec string

	OriginalSize int64
	StoredSize   int64

	// CompressionRatio is StoredSize / OriginalSize. Nil when compression is off.
	CompressionRatio *float64

	// ContentChecksum is the SHA-256 of Data and the dedup key.
	ContentChecksum string

	// Duplicate is set when byte-identical content is already stored.
	Duplicate *repository.DedupEntry

	// DedupSavedBytes is the number of bytes not written because of Duplicate.
	DedupSavedBytes *int64
}

// Optimizer compresses payloads and looks up duplicates.
// It is safe for concurrent use.
type Optimizer struct {
	cfg    domain.OptimizationConfig
	codec  Codec
	codecs map[string]Codec
	dedup  repository.DedupIndex
	logger zerolog.Logger
}

// New creates an optimizer from configuration. dedup may be nil when
// deduplication is off.
func New(cfg domain.OptimizationConfig, dedup repository.DedupIndex, logger zerolog.Logger) (*Optimizer, error) {
	var codec Codec = identityCodec{}
	if cfg.Compression {
		c, err := NewCodec(cfg.CompressionCodec, cfg.CompressionLevel)
		if err != nil {
			return nil, err
		}
		codec = c
	}
	return NewWithCodec(cfg, codec, dedup, logger)
}

// NewWithCodec creates an optimizer that compresses with codec.
func NewWithCodec(cfg domain.OptimizationConfig, codec Codec, dedup repository.DedupIndex, logger zerolog.Logger) (*Optimizer, error) {
	if cfg.Deduplication && dedup == nil {
		return nil, errors.New("deduplication enabled without a dedup index")
	}

	codecs := map[string]Codec{CodecIdentity: identityCodec{}}
	// Restore must handle objects written under any supported codec,
	// not only the one currently configured.
	if gz, err := NewGzipCodec(0); err == nil {
		codecs[CodecGzip] = gz
	}
	if zs, err := NewZstdCodec(0); err == nil {
		codecs[CodecZstd] = zs
	}
	codecs[codec.Name()] = codec

	return &Optimizer{
		cfg:    cfg,
		codec:  codec,
		codecs: codecs,
		dedup:  dedup,
		logger: logger.With().Str("service", "optimizer").Logger(),
	}, nil
}

// Enabled returns true if any optimization is configured.
func (o *Optimizer) Enabled() bool {
	return o.cfg.Compression || o.cfg.Deduplication
}

// Optimize compresses data and checks the dedup index. Payloads that do not
// shrink are kept as identity. A dedup index failure is logged and treated as
// a miss.
func (o *Optimizer) Optimize(ctx context.Context, data []byte) (*Result, error) {
	result := &Result{
		Data:         data,
		Codec:        CodecIdentity,
		OriginalSize: int64(len(data)),
	}

	if o.cfg.Compression {
		encoded, err := o.codec.Encode(data)
		if err != nil {
			return nil, fmt.Errorf("failed to compress payload with %s: %w", o.codec.Name(), err)
		}
		if len(encoded) < len(data) {
			result.Data = encoded
			result.Codec = o.codec.Name()
		}
		ratio := 1.0
		if len(data) > 0 {
			ratio = float64(len(result.Data)) / float64(len(data))
		}
		result.CompressionRatio = &ratio
	}

	result.StoredSize = int64(len(result.Data))
	result.ContentChecksum = crypto.ComputeSHA256(result.Data)

	if o.cfg.Deduplication {
		entry, err := o.dedup.Lookup(ctx, result.ContentChecksum)
		switch {
		case err == nil:
			saved := result.StoredSize
			result.Duplicate = entry
			result.DedupSavedBytes = &saved
		case errors.Is(err, repository.ErrNotFound):
			var zero int64
			result.DedupSavedBytes = &zero
		default:
			o.logger.Warn().Err(err).Str("checksum", result.ContentChecksum).Msg("dedup lookup failed, storing full copy")
			var zero int64
			result.DedupSavedBytes = &zero
		}
	}

	return result, nil
}

// Restore reverses the codec applied by Optimize.
func (o *Optimizer) Restore(codec string, data []byte) ([]byte, error) {
	if codec == "" {
		codec = CodecIdentity
	}
	c, ok := o.codecs[codec]
	if !ok {
		return nil, fmt.Errorf("%w: unknown codec %q", domain.ErrIntegrityFailure, codec)
	}
	out, err := c.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIntegrityFailure, err)
	}
	return out, nil
}

// Remember registers the location of newly stored content. It returns false
// if another object registered the checksum first or dedup is off.
func (o *Optimizer) Remember(ctx context.Context, checksum string, entry repository.DedupEntry) (bool, error) {
	if !o.cfg.Deduplication {
		return false, nil
	}
	return o.dedup.Register(ctx, checksum, entry)
}

// Forget removes a checksum from the dedup index.
func (o *Optimizer) Forget(ctx context.Context, checksum string) error {
	if !o.cfg.Deduplication {
		return nil
	}
	return o.dedup.Remove(ctx, checksum)
}

// =============================================================================
// Reference Stubs
// =============================================================================

// Stub is written in place of a duplicate payload.
type Stub struct {
	Bucket   string `json:"ref_bucket"`
	Key      string `json:"ref_key"`
	ObjectID string `json:"ref_object_id"`
	Checksum string `json:"checksum"`
}

// EncodeStub serializes a reference stub for entry.
func EncodeStub(entry repository.DedupEntry, checksum string) ([]byte, error) {
	return json.Marshal(Stub{
		Bucket:   entry.Bucket,
		Key:      entry.Key,
		ObjectID: entry.ObjectID,
		Checksum: checksum,
	})
}

// DecodeStub parses a reference stub.
func DecodeStub(data []byte) (*Stub, error) {
	var stub Stub
	if err := json.Unmarshal(data, &stub); err != nil {
		return nil, fmt.Errorf("%w: invalid reference stub: %v", domain.ErrIntegrityFailure, err)
	}
	if stub.Key == "" {
		return nil, fmt.Errorf("%w: reference stub has no key", domain.ErrIntegrityFailure)
	}
	return &stub, nil
}
