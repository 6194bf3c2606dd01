package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/matindow/modi-api/internal/config"
)

// Publisher stores a rendered report under name and returns where it went.
type Publisher interface {
	Publish(ctx context.Context, name string, data []byte) (string, error)
}

// FilePublisher writes reports below Dir.
type FilePublisher struct {
	Dir string
}

// Publish writes data to Dir/name.
func (p FilePublisher) Publish(_ context.Context, name string, data []byte) (string, error) {
	target := filepath.Clean(filepath.Join(p.Dir, name))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("writing report file: %w", err)
	}
	return target, nil
}

// S3Publisher uploads reports to an S3-compatible bucket.
type S3Publisher struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Publisher creates a publisher from cfg. Static credentials are used
// when AccessKey is set; otherwise the default AWS credential chain applies.
func NewS3Publisher(ctx context.Context, cfg config.S3Config, logger *zap.Logger) (*S3Publisher, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	endpoint := cfg.Endpoint
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &S3Publisher{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

// Publish uploads data as bucket/prefix/name.
func (p *S3Publisher) Publish(ctx context.Context, name string, data []byte) (string, error) {
	key := name
	if p.prefix != "" {
		key = path.Join(p.prefix, name)
	}
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload report: %w", err)
	}
	location := fmt.Sprintf("s3://%s/%s", p.bucket, key)
	p.logger.Info("report published", zap.String("location", location), zap.Int("bytes", len(data)))
	return location, nil
}
