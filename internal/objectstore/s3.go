package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"hls-livestream/internal/platform/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options configures an S3-compatible bucket (AWS, R2, MinIO).
type S3Options struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	PublicBaseURL   string
}

// S3 uploads artifacts to an S3-compatible bucket.
type S3 struct {
	bucket   string
	baseURL  string
	client   *s3.Client
	log      *slog.Logger
	disabled bool
}

// NewS3 returns an S3 store. Missing bucket or credentials disable the store
// instead of failing startup.
func NewS3(ctx context.Context, opts S3Options, log *slog.Logger) (*S3, error) {
	log = logger.Component(log, "s3-storage")
	store := &S3{
		bucket:  strings.TrimSpace(opts.Bucket),
		baseURL: strings.TrimSpace(opts.PublicBaseURL),
		log:     log,
	}

	accessKey := strings.TrimSpace(opts.AccessKeyID)
	secretKey := strings.TrimSpace(opts.SecretAccessKey)
	if store.bucket == "" || accessKey == "" || secretKey == "" {
		log.Warn("S3_BUCKET or credentials are not set; artifact uploads are disabled")
		store.disabled = true
		return store, nil
	}

	region := opts.Region
	if region == "" {
		region = "auto"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	store.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	log.Info("s3 storage initialized",
		slog.String("bucket", store.bucket),
		slog.String("endpoint", opts.Endpoint))
	return store, nil
}

func (s *S3) Put(ctx context.Context, key string, body []byte, contentType string) error {
	if s.disabled {
		return ErrDisabled
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	}
	if strings.HasSuffix(key, ".m3u8") {
		input.CacheControl = aws.String("no-cache")
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *S3) Enabled() bool { return !s.disabled }

func (s *S3) URL(key string) string { return joinURL(s.baseURL, key) }

func (s *S3) Name() string { return "s3" }
