package optimizer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	cachememory "github.com/prn-tf/sealstore/internal/cache/memory"
	"github.com/prn-tf/sealstore/internal/domain"
	"github.com/prn-tf/sealstore/internal/pkg/crypto"
	"github.com/prn-tf/sealstore/internal/repository"
)

// =============================================================================
// Mock Implementations
// =============================================================================

type mockDedupIndex struct {
	mock.Mock
}

func (m *mockDedupIndex) Lookup(ctx context.Context, checksum string) (*repository.DedupEntry, error) {
	args := m.Called(ctx, checksum)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.DedupEntry), args.Error(1)
}

func (m *mockDedupIndex) Register(ctx context.Context, checksum string, entry repository.DedupEntry) (bool, error) {
	args := m.Called(ctx, checksum, entry)
	return args.Bool(0), args.Error(1)
}

func (m *mockDedupIndex) Remove(ctx context.Context, checksum string) error {
	args := m.Called(ctx, checksum)
	return args.Error(0)
}

func compressible() []byte {
	return bytes.Repeat([]byte("sealed-object-payload "), 512)
}

func random(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

// =============================================================================
// Codec Tests
// =============================================================================

func TestCodecs_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		codec string
		level int
	}{
		{name: "identity", codec: CodecIdentity},
		{name: "gzip default", codec: CodecGzip},
		{name: "gzip best", codec: CodecGzip, level: 9},
		{name: "zstd default", codec: CodecZstd},
		{name: "zstd level 19", codec: CodecZstd, level: 19},
	}

	inputs := map[string][]byte{
		"empty":        {},
		"compressible": compressible(),
		"random":       random(t, 4096),
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec, err := NewCodec(tt.codec, tt.level)
			require.NoError(t, err)
			require.Equal(t, tt.codec, codec.Name())

			for label, in := range inputs {
				encoded, err := codec.Encode(in)
				require.NoError(t, err, label)
				decoded, err := codec.Decode(encoded)
				require.NoError(t, err, label)
				require.True(t, bytes.Equal(in, decoded), label)
			}
		})
	}
}

func TestNewCodec_Errors(t *testing.T) {
	_, err := NewCodec("lz4", 0)
	require.Error(t, err)

	_, err = NewGzipCodec(42)
	require.Error(t, err)
}

func TestNewCodec_EmptyNameSelectsZstd(t *testing.T) {
	codec, err := NewCodec("", 0)
	require.NoError(t, err)
	require.Equal(t, CodecZstd, codec.Name())
}

// =============================================================================
// Optimizer Tests
// =============================================================================

func TestOptimize_Disabled(t *testing.T) {
	opt, err := New(domain.OptimizationConfig{}, nil, zerolog.Nop())
	require.NoError(t, err)
	require.False(t, opt.Enabled())

	data := compressible()
	result, err := opt.Optimize(context.Background(), data)
	require.NoError(t, err)

	require.Equal(t, CodecIdentity, result.Codec)
	require.Equal(t, data, result.Data)
	require.Nil(t, result.CompressionRatio)
	require.Nil(t, result.DedupSavedBytes)
	require.Equal(t, crypto.ComputeSHA256(data), result.ContentChecksum)
}

func TestOptimize_CompressionRoundTrip(t *testing.T) {
	for _, codec := range []string{CodecGzip, CodecZstd} {
		t.Run(codec, func(t *testing.T) {
			opt, err := New(domain.OptimizationConfig{Compression: true, CompressionCodec: codec}, nil, zerolog.Nop())
			require.NoError(t, err)

			data := compressible()
			result, err := opt.Optimize(context.Background(), data)
			require.NoError(t, err)

			require.Equal(t, codec, result.Codec)
			require.Less(t, result.StoredSize, result.OriginalSize)
			require.NotNil(t, result.CompressionRatio)
			require.InDelta(t, float64(result.StoredSize)/float64(result.OriginalSize), *result.CompressionRatio, 1e-9)

			restored, err := opt.Restore(result.Codec, result.Data)
			require.NoError(t, err)
			require.Equal(t, data, restored)
		})
	}
}

func TestOptimize_NonShrinkingStoredAsIdentity(t *testing.T) {
	opt, err := New(domain.OptimizationConfig{Compression: true, CompressionCodec: CodecGzip}, nil, zerolog.Nop())
	require.NoError(t, err)

	data := random(t, 256)
	result, err := opt.Optimize(context.Background(), data)
	require.NoError(t, err)

	require.Equal(t, CodecIdentity, result.Codec)
	require.Equal(t, data, result.Data)
	require.InDelta(t, 1.0, *result.CompressionRatio, 1e-9)
}

// fixedRatioCodec shrinks payloads to exactly 80% and restores them from a side table.
type fixedRatioCodec struct {
	originals map[string][]byte
}

func (c *fixedRatioCodec) Name() string { return "fixed" }

func (c *fixedRatioCodec) Encode(data []byte) ([]byte, error) {
	out := append([]byte(nil), data[:len(data)*8/10]...)
	c.originals[string(out)] = append([]byte(nil), data...)
	return out, nil
}

func (c *fixedRatioCodec) Decode(data []byte) ([]byte, error) {
	orig, ok := c.originals[string(data)]
	if !ok {
		return nil, errors.New("unknown payload")
	}
	return orig, nil
}

func TestOptimize_ReportedRatio(t *testing.T) {
	codec := &fixedRatioCodec{originals: make(map[string][]byte)}
	opt, err := NewWithCodec(domain.OptimizationConfig{Compression: true}, codec, nil, zerolog.Nop())
	require.NoError(t, err)

	data := random(t, 1000)
	result, err := opt.Optimize(context.Background(), data)
	require.NoError(t, err)

	require.Equal(t, "fixed", result.Codec)
	require.Equal(t, int64(800), result.StoredSize)
	require.InDelta(t, 0.8, *result.CompressionRatio, 1e-9)

	restored, err := opt.Restore("fixed", result.Data)
	require.NoError(t, err)
	require.Equal(t, data, restored)
}

func TestOptimize_Dedup(t *testing.T) {
	ctx := context.Background()
	index := cachememory.NewDedupIndex(0)
	defer index.Stop()

	opt, err := New(domain.OptimizationConfig{Deduplication: true}, index, zerolog.Nop())
	require.NoError(t, err)

	data := random(t, 512)

	first, err := opt.Optimize(ctx, data)
	require.NoError(t, err)
	require.Nil(t, first.Duplicate)
	require.Equal(t, int64(0), *first.DedupSavedBytes)

	entry := repository.DedupEntry{ObjectID: "obj-1", Bucket: "vault", Key: "a/b"}
	ok, err := opt.Remember(ctx, first.ContentChecksum, entry)
	require.NoError(t, err)
	require.True(t, ok)

	second, err := opt.Optimize(ctx, data)
	require.NoError(t, err)
	require.NotNil(t, second.Duplicate)
	require.Equal(t, entry, *second.Duplicate)
	require.Equal(t, int64(512), *second.DedupSavedBytes)

	require.NoError(t, opt.Forget(ctx, first.ContentChecksum))
	third, err := opt.Optimize(ctx, data)
	require.NoError(t, err)
	require.Nil(t, third.Duplicate)
}

func TestOptimize_DedupLookupFailureIsMiss(t *testing.T) {
	index := new(mockDedupIndex)
	index.On("Lookup", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

	opt, err := New(domain.OptimizationConfig{Deduplication: true}, index, zerolog.Nop())
	require.NoError(t, err)

	result, err := opt.Optimize(context.Background(), []byte("payload"))
	require.NoError(t, err)
	require.Nil(t, result.Duplicate)
	index.AssertExpectations(t)
}

func TestNew_DedupRequiresIndex(t *testing.T) {
	_, err := New(domain.OptimizationConfig{Deduplication: true}, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestRemember_DedupOff(t *testing.T) {
	index := new(mockDedupIndex)
	opt, err := New(domain.OptimizationConfig{}, index, zerolog.Nop())
	require.NoError(t, err)

	ok, err := opt.Remember(context.Background(), "abc", repository.DedupEntry{Key: "k"})
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, opt.Forget(context.Background(), "abc"))
	index.AssertNotCalled(t, "Register", mock.Anything, mock.Anything, mock.Anything)
	index.AssertNotCalled(t, "Remove", mock.Anything, mock.Anything)
}

func TestRestore_Errors(t *testing.T) {
	opt, err := New(domain.OptimizationConfig{}, nil, zerolog.Nop())
	require.NoError(t, err)

	_, err = opt.Restore("brotli", []byte("x"))
	require.ErrorIs(t, err, domain.ErrIntegrityFailure)

	_, err = opt.Restore(CodecGzip, []byte("not gzip"))
	require.ErrorIs(t, err, domain.ErrIntegrityFailure)

	out, err := opt.Restore("", []byte("plain"))
	require.NoError(t, err)
	require.Equal(t, []byte("plain"), out)
}

func TestStub_RoundTrip(t *testing.T) {
	entry := repository.DedupEntry{ObjectID: "obj-1", Bucket: "vault", Key: "data/1"}
	raw, err := EncodeStub(entry, "deadbeef")
	require.NoError(t, err)

	stub, err := DecodeStub(raw)
	require.NoError(t, err)
	require.Equal(t, "vault", stub.Bucket)
	require.Equal(t, "data/1", stub.Key)
	require.Equal(t, "obj-1", stub.ObjectID)
	require.Equal(t, "deadbeef", stub.Checksum)

	_, err = DecodeStub([]byte("{}"))
	require.ErrorIs(t, err, domain.ErrIntegrityFailure)
}
