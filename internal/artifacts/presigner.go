// Package artifacts issues presigned S3 URLs so pods can upload results
// without holding storage credentials.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config holds artifact storage settings.
type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
	// Expiry is how long a presigned URL stays valid (default: 1h).
	Expiry time.Duration
}

// Enabled reports whether a bucket is configured.
func (c Config) Enabled() bool { return c.Bucket != "" }

// Presigner creates time-limited upload URLs.
type Presigner struct {
	client *s3.PresignClient
	bucket string
	prefix string
	expiry time.Duration
}

// New creates a Presigner. Credentials come from the default AWS chain
// unless both static keys are set.
func New(ctx context.Context, cfg Config) (*Presigner, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("artifact bucket is required")
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = time.Hour
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Presigner{
		client: s3.NewPresignClient(client),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		expiry: cfg.Expiry,
	}, nil
}

// Key joins the configured prefix and name into an object key.
func (p *Presigner) Key(name string) string {
	clean := strings.TrimPrefix(path.Clean("/"+name), "/")
	if p.prefix == "" {
		return clean
	}
	return p.prefix + "/" + clean
}

// PresignPut returns a URL that accepts one HTTP PUT of the object named name.
func (p *Presigner) PresignPut(ctx context.Context, name string) (string, error) {
	req, err := p.client.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.Key(name)),
	}, s3.WithPresignExpires(p.expiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign upload: %w", err)
	}
	return req.URL, nil
}

// Location returns the s3:// URI of the object named name.
func (p *Presigner) Location(name string) string {
	return "s3://" + p.bucket + "/" + p.Key(name)
}
