package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/sealstore/internal/domain"
)

var (
	usEast = domain.StorageRegion{ID: "us-east-1", Provider: domain.ProviderMemory}
	euWest = domain.StorageRegion{ID: "eu-west-1", Provider: domain.ProviderMemory}
)

func TestMemoryBackend_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(false)
	loc := Location{Region: usEast, Bucket: "vault", Key: "a/b.bin"}

	res, err := b.Put(ctx, loc, []byte("payload"), PutOptions{Metadata: map[string]string{"object-id": "1"}})
	require.NoError(t, err)
	require.Empty(t, res.VersionID)

	data, err := b.Get(ctx, loc)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)

	// Returned slices are copies.
	data[0] = 'X'
	again, err := b.Get(ctx, loc)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), again)

	// Same key in another region is a different object.
	_, err = b.Get(ctx, Location{Region: euWest, Bucket: "vault", Key: "a/b.bin"})
	require.True(t, IsNotFound(err))

	require.NoError(t, b.Delete(ctx, loc))
	require.NoError(t, b.Delete(ctx, loc))

	_, err = b.Get(ctx, loc)
	require.ErrorIs(t, err, domain.ErrObjectNotFound)

	var backendErr *domain.BackendError
	require.ErrorAs(t, err, &backendErr)
	require.Equal(t, "get", backendErr.Op)
	require.Equal(t, "us-east-1", backendErr.Region)
	require.Equal(t, "a/b.bin", backendErr.Key)
}

func TestMemoryBackend_Versioning(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(true)
	loc := Location{Region: usEast, Bucket: "vault", Key: "k"}

	first, err := b.Put(ctx, loc, []byte("1"), PutOptions{})
	require.NoError(t, err)
	second, err := b.Put(ctx, loc, []byte("2"), PutOptions{})
	require.NoError(t, err)

	require.NotEmpty(t, first.VersionID)
	require.NotEqual(t, first.VersionID, second.VersionID)
}

func TestMemoryBackend_CancelledContext(t *testing.T) {
	b := NewMemoryBackend(false)
	loc := Location{Region: usEast, Bucket: "vault", Key: "k"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Put(ctx, loc, []byte("x"), PutOptions{})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, domain.ErrBackendUnavailable, Classify(err))
	require.Empty(t, b.Keys("us-east-1", "vault"))
}

func TestMemoryBackend_StatsAndKeys(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(false)

	for i, size := range []int{3, 5, 7} {
		loc := Location{Region: usEast, Bucket: "vault", Key: fmt.Sprintf("k%d", i)}
		_, err := b.Put(ctx, loc, make([]byte, size), PutOptions{})
		require.NoError(t, err)
	}
	_, err := b.Put(ctx, Location{Region: usEast, Bucket: "other", Key: "x"}, []byte("zz"), PutOptions{})
	require.NoError(t, err)

	stats, err := b.Stats(ctx, usEast, "vault")
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.Objects)
	require.Equal(t, int64(15), stats.Bytes)

	require.Equal(t, []string{"k0", "k1", "k2"}, b.Keys("us-east-1", "vault"))

	require.NoError(t, b.Corrupt(Location{Region: usEast, Bucket: "vault", Key: "k0"}))
	require.Error(t, b.Corrupt(Location{Region: usEast, Bucket: "vault", Key: "missing"}))
}

type lifecycleRecorder struct {
	*MemoryBackend
	rules []LifecycleRule
}

func (l *lifecycleRecorder) ApplyLifecycle(ctx context.Context, region domain.StorageRegion, bucket string, rule LifecycleRule) error {
	l.rules = append(l.rules, rule)
	return nil
}

func TestRouter_DispatchesByProvider(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend(false)
	s3like := &lifecycleRecorder{MemoryBackend: NewMemoryBackend(false)}

	r := NewRouter(domain.ProviderMemory, map[domain.Provider]Backend{
		domain.ProviderMemory: mem,
		domain.ProviderS3:     s3like,
	})

	inherit := domain.StorageRegion{ID: "local"}
	s3Region := domain.StorageRegion{ID: "us-east-1", Provider: domain.ProviderS3}

	_, err := r.Put(ctx, Location{Region: inherit, Bucket: "b", Key: "k"}, []byte("m"), PutOptions{})
	require.NoError(t, err)
	_, err = r.Put(ctx, Location{Region: s3Region, Bucket: "b", Key: "k"}, []byte("s"), PutOptions{})
	require.NoError(t, err)

	require.Equal(t, []string{"k"}, mem.Keys("local", "b"))
	require.Equal(t, []string{"k"}, s3like.Keys("us-east-1", "b"))

	// Lifecycle only where the backend supports it.
	rule := LifecycleRule{ID: "expire-backups-30d", Prefix: "backups/", ExpirationDays: 30}
	require.NoError(t, r.ApplyLifecycle(ctx, s3Region, "b", rule))
	require.Equal(t, []LifecycleRule{rule}, s3like.rules)
	require.ErrorIs(t, r.ApplyLifecycle(ctx, inherit, "b", rule), ErrLifecycleUnsupported)

	stats, err := r.Stats(ctx, inherit, "b")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Objects)

	require.NoError(t, r.HealthCheck(ctx, s3Region, "b"))

	_, err = r.Get(ctx, Location{Region: domain.StorageRegion{ID: "x", Provider: domain.ProviderGCS}, Bucket: "b", Key: "k"})
	require.ErrorIs(t, err, domain.ErrUnknownProvider)
}

func TestOpen(t *testing.T) {
	r, err := Open(domain.StorageConfig{
		Provider: domain.ProviderMemory,
		Regions:  []domain.StorageRegion{{ID: "a", Primary: true}, {ID: "b"}},
	}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, domain.ProviderMemory, r.Name())

	_, err = Open(domain.StorageConfig{
		Provider: domain.ProviderMemory,
		Regions:  []domain.StorageRegion{{ID: "a", Primary: true, Provider: domain.ProviderAzure}},
	}, zerolog.Nop())
	require.ErrorIs(t, err, domain.ErrUnknownProvider)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	loc := Location{Region: usEast, Bucket: "b", Key: "k"}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"deadline", wrap("put", domain.ProviderS3, loc, context.DeadlineExceeded), domain.ErrTimeout},
		{"net timeout", wrap("get", domain.ProviderS3, loc, timeoutErr{}), domain.ErrTimeout},
		{"not found", wrap("get", domain.ProviderS3, loc, domain.ErrObjectNotFound), domain.ErrObjectNotFound},
		{"other", wrap("put", domain.ProviderS3, loc, errors.New("503 slow down")), domain.ErrBackendUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestTranslateS3Error(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		notFound bool
	}{
		{"no such key", &types.NoSuchKey{}, true},
		{"head not found", &types.NotFound{}, true},
		{"generic not found code", &smithy.GenericAPIError{Code: "NotFound"}, true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false},
		{"transport", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateS3Error(tt.err)
			require.Equal(t, tt.notFound, errors.Is(got, domain.ErrObjectNotFound))
		})
	}
}

func TestS3StorageClass(t *testing.T) {
	require.Equal(t, types.StorageClassGlacierIr, s3StorageClass("ARCHIVE"))
	require.Equal(t, types.StorageClassStandard, s3StorageClass("STANDARD"))
	require.Equal(t, types.StorageClassStandard, s3StorageClass("PREMIUM"))
	require.Equal(t, types.StorageClassStandard, s3StorageClass(""))
}

func TestMergeLifecycleRules(t *testing.T) {
	rule := func(id string, days int32) types.LifecycleRule {
		return types.LifecycleRule{
			ID:         aws.String(id),
			Status:     types.ExpirationStatusEnabled,
			Expiration: &types.LifecycleExpiration{Days: aws.Int32(days)},
		}
	}

	tests := []struct {
		name     string
		existing []types.LifecycleRule
		rule     types.LifecycleRule
		wantIDs  []string
		wantDays int32
	}{
		{"empty configuration", nil, rule("backups", 30), []string{"backups"}, 30},
		{"appends after foreign rules", []types.LifecycleRule{rule("ops", 7)}, rule("backups", 30), []string{"ops", "backups"}, 30},
		{"replaces same id in place", []types.LifecycleRule{rule("backups", 10), rule("ops", 7)}, rule("backups", 30), []string{"backups", "ops"}, 30},
		{"collapses duplicate ids", []types.LifecycleRule{rule("backups", 10), rule("backups", 20)}, rule("backups", 30), []string{"backups"}, 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged := mergeLifecycleRules(tt.existing, tt.rule)
			ids := make([]string, 0, len(merged))
			for _, r := range merged {
				ids = append(ids, aws.ToString(r.ID))
				if aws.ToString(r.ID) == aws.ToString(tt.rule.ID) {
					require.Equal(t, tt.wantDays, aws.ToInt32(r.Expiration.Days))
				}
			}
			require.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestIsNoLifecycle(t *testing.T) {
	require.True(t, isNoLifecycle(&smithy.GenericAPIError{Code: "NoSuchLifecycleConfiguration"}))
	require.False(t, isNoLifecycle(&smithy.GenericAPIError{Code: "AccessDenied"}))
	require.False(t, isNoLifecycle(errors.New("connection reset")))
}
