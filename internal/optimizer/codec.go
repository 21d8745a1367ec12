// Package optimizer applies lossless compression and deduplication lookup to
// payloads before they are written to a backend.
package optimizer

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Codec names recorded in object metadata.
const (
	CodecIdentity = "identity"
	CodecGzip     = "gzip"
	CodecZstd     = "zstd"
)

// Codec is a reversible byte transform.
type Codec interface {
	// Name is recorded with the object and selects the codec on restore.
	Name() string

	// Encode compresses data.
	Encode(data []byte) ([]byte, error)

	// Decode reverses Encode.
	Decode(data []byte) ([]byte, error)
}

// identityCodec stores payloads unchanged.
type identityCodec struct{}

func (identityCodec) Name() string { return CodecIdentity }

func (identityCodec) Encode(data []byte) ([]byte, error) { return data, nil }

func (identityCodec) Decode(data []byte) ([]byte, error) { return data, nil }

// gzipCodec compresses with DEFLATE in a gzip container.
type gzipCodec struct {
	level int
}

// NewGzipCodec creates a gzip codec. A level of 0 selects the default level.
func NewGzipCodec(level int) (Codec, error) {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		return nil, fmt.Errorf("invalid gzip level %d", level)
	}
	return &gzipCodec{level: level}, nil
}

func (c *gzipCodec) Name() string { return CodecGzip }

// Encode compresses data using gzip.
func (c *gzipCodec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write compressed data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode decompresses gzip data.
func (c *gzipCodec) Decode(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer reader.Close()

	result, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read decompressed data: %w", err)
	}

	return result, nil
}

// zstdCodec compresses with Zstandard. Encoder and decoder are shared and
// safe for concurrent EncodeAll/DecodeAll calls.
type zstdCodec struct {
	encoder *zstd.Encoder

	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
}

// NewZstdCodec creates a zstd codec. The level follows the zstd command line
// scale (1-22); 0 selects the default level.
func NewZstdCodec(level int) (Codec, error) {
	opts := []zstd.EOption{}
	if level != 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}
	encoder, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &zstdCodec{encoder: encoder}, nil
}

func (c *zstdCodec) Name() string { return CodecZstd }

// Encode compresses data using zstd.
func (c *zstdCodec) Encode(data []byte) ([]byte, error) {
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// Decode decompresses zstd data.
func (c *zstdCodec) Decode(data []byte) ([]byte, error) {
	c.decoderOnce.Do(func() {
		c.decoder, c.decoderErr = zstd.NewReader(nil)
	})
	if c.decoderErr != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", c.decoderErr)
	}

	result, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decode zstd data: %w", err)
	}
	return result, nil
}

// NewCodec creates a codec by name. An empty name selects zstd.
func NewCodec(name string, level int) (Codec, error) {
	switch name {
	case "", CodecZstd:
		return NewZstdCodec(level)
	case CodecGzip:
		return NewGzipCodec(level)
	case CodecIdentity:
		return identityCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
