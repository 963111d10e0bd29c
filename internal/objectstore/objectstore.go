// Package objectstore publishes small objects, such as rendered client
// configs, to S3 or an S3-compatible store.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Options configure the bucket connection.
type Options struct {
	Bucket string
	Region string
	// Endpoint overrides the AWS endpoint for S3-compatible stores.
	Endpoint  string
	PathStyle bool
	// PublicBaseURL is prepended to keys to build the URLs handed to
	// clients, typically a CDN in front of the bucket.
	PublicBaseURL   string
	AccessKeyID     string
	SecretAccessKey string
}

// Store writes objects into one bucket.
type Store struct {
	client *s3.Client
	opts   Options
	logger *slog.Logger
}

// New builds the S3 client. Static keys are used when both are set,
// otherwise the default AWS credential chain applies.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("objectstore: bucket name cannot be empty")
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
		// S3-compatible stores often reject the newer default checksums.
		config.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
		config.WithResponseChecksumValidation(aws.ResponseChecksumValidationWhenRequired),
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		if opts.PathStyle {
			o.UsePathStyle = true
		}
	})

	return &Store{client: client, opts: opts, logger: logger}, nil
}

// Put uploads body under key.
func (s *Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.opts.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	s.logger.Debug("objectstore: object stored", "bucket", s.opts.Bucket, "key", key, "size", len(body))
	return nil
}

// PublicURL returns the URL clients use to fetch key.
func (s *Store) PublicURL(key string) string {
	escaped := escapeKey(key)
	switch {
	case s.opts.PublicBaseURL != "":
		return strings.TrimRight(s.opts.PublicBaseURL, "/") + "/" + escaped
	case s.opts.Endpoint != "" && s.opts.PathStyle:
		return strings.TrimRight(s.opts.Endpoint, "/") + "/" + s.opts.Bucket + "/" + escaped
	case s.opts.Endpoint != "":
		u, err := url.Parse(s.opts.Endpoint)
		if err != nil || u.Host == "" {
			return strings.TrimRight(s.opts.Endpoint, "/") + "/" + s.opts.Bucket + "/" + escaped
		}
		return u.Scheme + "://" + s.opts.Bucket + "." + u.Host + "/" + escaped
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.opts.Bucket, s.opts.Region, escaped)
	}
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
