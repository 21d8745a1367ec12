package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/prn-tf/sealstore/internal/domain"
)

// S3Config holds settings shared by every regional S3 client.
type S3Config struct {
	Credentials domain.Credentials

	// MaxAttempts is the SDK retryer attempt ceiling (including the first call).
	MaxAttempts int

	// MaxBackoff caps the SDK retryer backoff delay.
	MaxBackoff time.Duration

	// UsePathStyle forces path-style addressing for S3-compatible endpoints.
	UsePathStyle bool
}

// S3Backend implements Backend against AWS S3 or an S3-compatible store.
// One client is created per region and reused.
type S3Backend struct {
	cfg    S3Config
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*s3.Client
}

// NewS3Backend creates a new S3 backend. Clients are created lazily per region.
func NewS3Backend(cfg S3Config, logger zerolog.Logger) *S3Backend {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	return &S3Backend{
		cfg:     cfg,
		logger:  logger.With().Str("backend", "s3").Logger(),
		clients: make(map[string]*s3.Client),
	}
}

// Name returns the provider family.
func (b *S3Backend) Name() domain.Provider {
	return domain.ProviderS3
}

// client returns the cached client for a region, creating it on first use.
func (b *S3Backend) client(ctx context.Context, region domain.StorageRegion) (*s3.Client, error) {
	b.mu.RLock()
	c, ok := b.clients[region.ID]
	b.mu.RUnlock()
	if ok {
		return c, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[region.ID]; ok {
		return c, nil
	}

	creds := b.cfg.Credentials
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region.ID),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID,
			creds.SecretAccessKey,
			creds.SessionToken,
		)),
		awsconfig.WithRetryer(func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = b.cfg.MaxAttempts
				o.MaxBackoff = b.cfg.MaxBackoff
			})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for region %s: %w", region.ID, err)
	}

	c = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if region.Endpoint != "" {
			o.BaseEndpoint = aws.String(region.Endpoint)
			o.UsePathStyle = true
		}
		if b.cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})
	b.clients[region.ID] = c

	b.logger.Debug().
		Str("region", region.ID).
		Str("endpoint", region.Endpoint).
		Msg("created S3 client")

	return c, nil
}

// Put uploads data with PutObject.
func (b *S3Backend) Put(ctx context.Context, loc Location, data []byte, opts PutOptions) (*PutResult, error) {
	c, err := b.client(ctx, loc.Region)
	if err != nil {
		return nil, wrap("put", domain.ProviderS3, loc, err)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(loc.Bucket),
		Key:           aws.String(loc.Key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
		StorageClass:  s3StorageClass(opts.StorageClass),
		Metadata:      opts.Metadata,
	}
	if opts.EncryptAtRest {
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	}
	if opts.Checksum != "" {
		if sum, err := hex.DecodeString(opts.Checksum); err == nil {
			input.ChecksumSHA256 = aws.String(base64.StdEncoding.EncodeToString(sum))
		}
	}

	start := time.Now()
	out, err := c.PutObject(ctx, input)
	latency := time.Since(start)
	if err != nil {
		return nil, wrap("put", domain.ProviderS3, loc, translateS3Error(err))
	}

	return &PutResult{
		VersionID: aws.ToString(out.VersionId),
		Latency:   latency,
	}, nil
}

// Get downloads the full object with GetObject.
func (b *S3Backend) Get(ctx context.Context, loc Location) ([]byte, error) {
	c, err := b.client(ctx, loc.Region)
	if err != nil {
		return nil, wrap("get", domain.ProviderS3, loc, err)
	}

	out, err := c.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, wrap("get", domain.ProviderS3, loc, translateS3Error(err))
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, wrap("get", domain.ProviderS3, loc, fmt.Errorf("failed to read object body: %w", err))
	}
	return data, nil
}

// Delete removes the object with DeleteObject.
func (b *S3Backend) Delete(ctx context.Context, loc Location) error {
	c, err := b.client(ctx, loc.Region)
	if err != nil {
		return wrap("delete", domain.ProviderS3, loc, err)
	}

	_, err = c.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		err = translateS3Error(err)
		if IsNotFound(err) {
			return nil
		}
		return wrap("delete", domain.ProviderS3, loc, err)
	}
	return nil
}

// HealthCheck verifies the bucket is reachable with HeadBucket.
func (b *S3Backend) HealthCheck(ctx context.Context, region domain.StorageRegion, bucket string) error {
	loc := Location{Region: region, Bucket: bucket}
	c, err := b.client(ctx, region)
	if err != nil {
		return wrap("head-bucket", domain.ProviderS3, loc, err)
	}

	if _, err := c.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return wrap("head-bucket", domain.ProviderS3, loc, translateS3Error(err))
	}
	return nil
}

// ApplyLifecycle installs an expiration rule for the given prefix.
// Other rules already on the bucket are kept; a rule with the same id is
// replaced.
func (b *S3Backend) ApplyLifecycle(ctx context.Context, region domain.StorageRegion, bucket string, rule LifecycleRule) error {
	loc := Location{Region: region, Bucket: bucket, Key: rule.Prefix}
	c, err := b.client(ctx, region)
	if err != nil {
		return wrap("put-lifecycle", domain.ProviderS3, loc, err)
	}

	var existing []types.LifecycleRule
	current, err := c.GetBucketLifecycleConfiguration(ctx, &s3.GetBucketLifecycleConfigurationInput{
		Bucket: aws.String(bucket),
	})
	switch {
	case err == nil:
		existing = current.Rules
	case !isNoLifecycle(err):
		return wrap("get-lifecycle", domain.ProviderS3, loc, translateS3Error(err))
	}

	_, err = c.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket: aws.String(bucket),
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{
			Rules: mergeLifecycleRules(existing, types.LifecycleRule{
				ID:     aws.String(rule.ID),
				Status: types.ExpirationStatusEnabled,
				Filter: &types.LifecycleRuleFilter{
					Prefix: aws.String(rule.Prefix),
				},
				Expiration: &types.LifecycleExpiration{
					Days: aws.Int32(int32(rule.ExpirationDays)),
				},
			}),
		},
	})
	if err != nil {
		return wrap("put-lifecycle", domain.ProviderS3, loc, translateS3Error(err))
	}

	b.logger.Info().
		Str("region", region.ID).
		Str("bucket", bucket).
		Str("rule_id", rule.ID).
		Int("expiration_days", rule.ExpirationDays).
		Msg("applied lifecycle rule")

	return nil
}

// Stats sums object count and size with ListObjectsV2.
func (b *S3Backend) Stats(ctx context.Context, region domain.StorageRegion, bucket string) (*RegionStats, error) {
	loc := Location{Region: region, Bucket: bucket}
	c, err := b.client(ctx, region)
	if err != nil {
		return nil, wrap("list", domain.ProviderS3, loc, err)
	}

	stats := &RegionStats{}
	paginator := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrap("list", domain.ProviderS3, loc, translateS3Error(err))
		}
		for _, obj := range page.Contents {
			stats.Objects++
			stats.Bytes += aws.ToInt64(obj.Size)
		}
	}
	return stats, nil
}

// translateS3Error marks missing-object responses with domain.ErrObjectNotFound.
func translateS3Error(err error) error {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %v", domain.ErrObjectNotFound, err)
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", domain.ErrObjectNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %v", domain.ErrObjectNotFound, err)
		}
	}
	return err
}

// mergeLifecycleRules returns existing with rule replacing the entry that has
// the same id, or appended if there is none.
func mergeLifecycleRules(existing []types.LifecycleRule, rule types.LifecycleRule) []types.LifecycleRule {
	merged := make([]types.LifecycleRule, 0, len(existing)+1)
	replaced := false
	for _, r := range existing {
		if aws.ToString(r.ID) == aws.ToString(rule.ID) {
			if !replaced {
				merged = append(merged, rule)
				replaced = true
			}
			continue
		}
		merged = append(merged, r)
	}
	if !replaced {
		merged = append(merged, rule)
	}
	return merged
}

// isNoLifecycle reports whether err means the bucket has no lifecycle
// configuration yet.
func isNoLifecycle(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchLifecycleConfiguration"
}

// s3StorageClass maps a provider-neutral class name to an S3 storage class.
func s3StorageClass(class string) types.StorageClass {
	switch class {
	case "ARCHIVE":
		return types.StorageClassGlacierIr
	case "INFREQUENT":
		return types.StorageClassStandardIa
	case "INTELLIGENT":
		return types.StorageClassIntelligentTiering
	default:
		return types.StorageClassStandard
	}
}

// Ensure S3Backend implements the backend interfaces.
var (
	_ Backend          = (*S3Backend)(nil)
	_ HealthChecker    = (*S3Backend)(nil)
	_ LifecycleManager = (*S3Backend)(nil)
	_ StatsProvider    = (*S3Backend)(nil)
)
