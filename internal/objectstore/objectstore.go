// Package objectstore wraps the S3-compatible bucket holding uploaded chunks,
// reference images, and finalized recordings. A custom endpoint points it at
// R2 or MinIO deployments; credentials come from config rather than the
// ambient AWS chain.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"vigil/internal/config"
)

// API is the subset of the S3 client the store uses. Tests substitute a fake.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Client reads and writes one bucket.
type Client struct {
	api           API
	bucket        string
	publicBaseURL string
}

// New builds a client from the object store configuration.
func New(ctx context.Context, cfg config.ObjectStore) (*Client, error) {
	if !cfg.Enabled {
		return nil, errors.New("object store is disabled")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithAPI(api, cfg.Bucket, cfg.PublicBaseURL), nil
}

// NewWithAPI wraps an existing S3 API implementation. Used by tests.
func NewWithAPI(api API, bucket, publicBaseURL string) *Client {
	return &Client{
		api:           api,
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}

// Download copies the object at key into localPath, creating parent
// directories as needed.
func (c *Client) Download(ctx context.Context, key, localPath string) error {
	result, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get object %s: %w", key, err)
	}
	defer result.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("mkdir for download: %w", err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create download target: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, result.Body); err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	return nil
}

// Upload stores localPath under key with the given content type.
func (c *Client) Upload(ctx context.Context, localPath, key, contentType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open upload source: %w", err)
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   f,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := c.api.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Delete removes one object.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every object under prefix and returns the count
// deleted. Listing is paginated; individual delete failures abort the sweep.
func (c *Client) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	deleted := 0
	var continuation *string
	for {
		result, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return deleted, fmt.Errorf("list objects under %s: %w", prefix, err)
		}
		for _, obj := range result.Contents {
			if _, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(c.bucket),
				Key:    obj.Key,
			}); err != nil {
				return deleted, fmt.Errorf("delete object %s: %w", aws.ToString(obj.Key), err)
			}
			deleted++
		}
		if result.NextContinuationToken == nil {
			return deleted, nil
		}
		continuation = result.NextContinuationToken
	}
}

// PublicURL returns the externally reachable URL for key.
func (c *Client) PublicURL(key string) string {
	if c.publicBaseURL == "" {
		return key
	}
	escaped := make([]string, 0, 4)
	for _, part := range strings.Split(key, "/") {
		escaped = append(escaped, url.PathEscape(part))
	}
	return c.publicBaseURL + "/" + strings.Join(escaped, "/")
}

// ChunkKey is the canonical object key for one uploaded chunk.
func ChunkKey(sessionID string, chunkIndex int) string {
	return fmt.Sprintf("sessions/%s/chunks/chunk_%d.webm", sessionID, chunkIndex)
}

// FinalVideoKey is the canonical object key for a session's finalized
// recording.
func FinalVideoKey(sessionID string) string {
	return fmt.Sprintf("sessions/%s/final.webm", sessionID)
}

// SessionPrefix is the object key prefix covering everything a session
// uploaded.
func SessionPrefix(sessionID string) string {
	return fmt.Sprintf("sessions/%s/", sessionID)
}

// ChunksPrefix is the object key prefix covering only a session's chunk
// objects, leaving the finalized recording untouched.
func ChunksPrefix(sessionID string) string {
	return fmt.Sprintf("sessions/%s/chunks/", sessionID)
}
