package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Source reads artifact bytes from a location. A missing artifact is
// reported as ErrNotFound.
type Source interface {
	Read(ctx context.Context, location string) ([]byte, error)
}

// FileSource reads artifacts from the local filesystem.
type FileSource struct{}

// Read implements Source.
func (FileSource) Read(ctx context.Context, location string) ([]byte, error) {
	data, err := os.ReadFile(location)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", location, err)
	}
	return data, nil
}

// S3API is the subset of the S3 client used to fetch artifacts.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config holds S3-specific configuration.
type S3Config struct {
	Region    string
	Endpoint  string // For S3-compatible storage (MinIO, etc.)
	AccessKey string
	SecretKey string
}

// S3Source reads artifacts addressed as s3://bucket/key.
type S3Source struct {
	client S3API
}

// NewS3Source creates an S3 artifact source from the default AWS
// credential chain, or static keys when both are set.
func NewS3Source(ctx context.Context, cfg S3Config) (*S3Source, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return NewS3SourceWithClient(s3.NewFromConfig(awsCfg, s3Opts...)), nil
}

// NewS3SourceWithClient wraps an existing client.
func NewS3SourceWithClient(client S3API) *S3Source {
	return &S3Source{client: client}
}

// Read implements Source.
func (s *S3Source) Read(ctx context.Context, location string) ([]byte, error) {
	bucket, key, err := ParseS3URI(location)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noKey) || errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
		}
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", location, err)
	}
	return data, nil
}

// ParseS3URI splits s3://bucket/key.
func ParseS3URI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 uri needs bucket and key: %q", uri)
	}
	return bucket, key, nil
}

// RoutingSource sends s3:// locations to S3 and everything else to the filesystem.
type RoutingSource struct {
	Files Source
	S3    Source
}

// Read implements Source. Without an S3 source, s3:// locations are
// reported as not found.
func (r RoutingSource) Read(ctx context.Context, location string) ([]byte, error) {
	if strings.HasPrefix(location, "s3://") {
		if r.S3 == nil {
			return nil, fmt.Errorf("%w: no s3 source configured for %s", ErrNotFound, location)
		}
		return r.S3.Read(ctx, location)
	}
	files := r.Files
	if files == nil {
		files = FileSource{}
	}
	return files.Read(ctx, location)
}
