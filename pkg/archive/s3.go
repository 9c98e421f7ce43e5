// Package archive keeps raw webhook bodies in object storage, keyed by the
// sha256 digest recorded on the payment event, for dispute and audit lookups.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/observability"
	"github.com/platinummonkey/billingcore/pkg/storage"
)

// ErrNotArchived is returned by Get for an unknown digest
var ErrNotArchived = errors.New("payload not archived")

// ErrDigestMismatch is returned when a body does not hash to its digest
var ErrDigestMismatch = errors.New("payload digest mismatch")

// API is the subset of the S3 client the archive uses
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, opts ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3Archiver implements payments.Archiver
type S3Archiver struct {
	client API
	bucket string
}

// New wraps an existing client
func New(client API, bucket string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket}
}

// NewS3Archiver builds an S3 client from storage config and makes sure the
// bucket exists. Static keys are used when set, otherwise the default
// credential chain.
func NewS3Archiver(ctx context.Context, cfg storage.Config) (*S3Archiver, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3ForcePathStyle
	})

	a := New(client, cfg.S3Bucket)
	if err := a.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Key returns the object key for a digest
func Key(digest string) string {
	return "payloads/" + digest
}

// Archive stores body under its digest. Bodies are immutable, so an object
// that already exists is left alone.
func (a *S3Archiver) Archive(ctx context.Context, provider billing.ProviderID, digest string, body []byte) (err error) {
	ctx, span := observability.StartSpan(ctx, "archive.put",
		observability.AttrProvider.String(string(provider)),
		attribute.String("payload.digest", digest),
		attribute.Int("payload.size", len(body)),
	)
	defer func() { observability.EndSpan(span, err) }()

	if sum := sha256.Sum256(body); hex.EncodeToString(sum[:]) != digest {
		return ErrDigestMismatch
	}

	exists, err := a.exists(ctx, Key(digest))
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Bool("deduplication.hit", exists))
	if exists {
		return nil
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(Key(digest)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"provider":        string(provider),
			"checksum-sha256": digest,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload payload %s: %w", digest, err)
	}
	return nil
}

// Get returns an archived body and the provider it came from
func (a *S3Archiver) Get(ctx context.Context, digest string) ([]byte, billing.ProviderID, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(Key(digest)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) || isNotFound(err) {
			return nil, "", ErrNotArchived
		}
		return nil, "", fmt.Errorf("failed to get payload %s: %w", digest, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read payload %s: %w", digest, err)
	}
	return body, billing.ProviderID(out.Metadata["provider"]), nil
}

// HealthCheck verifies the bucket is reachable
func (a *S3Archiver) HealthCheck(ctx context.Context) error {
	if _, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

func (a *S3Archiver) exists(ctx context.Context, key string) (bool, error) {
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check payload existence: %w", err)
}

// ensureBucket creates the bucket for local MinIO setups
func (a *S3Archiver) ensureBucket(ctx context.Context) error {
	if _, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err == nil {
		return nil
	}
	_, err := a.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(a.bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	return errors.As(err, &nf)
}
