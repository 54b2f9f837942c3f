// Package storage keeps short-lived transfer objects in Tencent Cloud COS.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	cos "github.com/tencentyun/cos-go-sdk-v5"
)

// COSConfig configures the COS object store.
type COSConfig struct {
	BucketURL  string
	SecretID   string
	SecretKey  string
	HTTPClient *http.Client // optional; its transport is wrapped with COS signing
	Logger     *slog.Logger
}

// COS implements domain.ObjectStore on a single bucket.
type COS struct {
	client    *cos.Client
	secretID  string
	secretKey string
	logger    *slog.Logger
}

func NewCOS(cfg COSConfig) (*COS, error) {
	u, err := url.Parse(cfg.BucketURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid bucket url %q", cfg.BucketURL)
	}

	httpClient := &http.Client{Timeout: 60 * time.Second}
	if cfg.HTTPClient != nil {
		httpClient = cfg.HTTPClient
	}
	httpClient.Transport = &cos.AuthorizationTransport{
		SecretID:  cfg.SecretID,
		SecretKey: cfg.SecretKey,
		Transport: httpClient.Transport,
	}

	return &COS{
		client:    cos.NewClient(&cos.BaseURL{BucketURL: u}, httpClient),
		secretID:  cfg.SecretID,
		secretKey: cfg.SecretKey,
		logger:    cfg.Logger,
	}, nil
}

func (c *COS) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	opt := &cos.ObjectPutOptions{
		ObjectPutHeaderOptions: &cos.ObjectPutHeaderOptions{
			ContentType:   contentType,
			ContentLength: size,
		},
	}
	if _, err := c.client.Object.Put(ctx, key, r, opt); err != nil {
		return fmt.Errorf("cos put %s: %w", key, err)
	}
	return nil
}

// PresignGet returns a time-limited GET URL for key. Signing is local.
func (c *COS) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := c.client.Object.GetPresignedURL(ctx, http.MethodGet, key, c.secretID, c.secretKey, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("cos presign %s: %w", key, err)
	}
	return u.String(), nil
}

// Delete removes keys; missing objects are not an error. All keys are
// attempted and the failures joined.
func (c *COS) Delete(ctx context.Context, keys ...string) error {
	var errs []error
	for _, key := range keys {
		if _, err := c.client.Object.Delete(ctx, key); err != nil && !cos.IsNotFoundError(err) {
			errs = append(errs, fmt.Errorf("cos delete %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// List returns every key under prefix.
func (c *COS) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	marker := ""
	for {
		result, _, err := c.client.Bucket.Get(ctx, &cos.BucketGetOptions{Prefix: prefix, Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("cos list %s: %w", prefix, err)
		}
		for _, obj := range result.Contents {
			keys = append(keys, obj.Key)
		}
		if !result.IsTruncated || result.NextMarker == "" {
			return keys, nil
		}
		marker = result.NextMarker
	}
}

// Ping checks that the bucket is reachable with the configured credentials.
func (c *COS) Ping(ctx context.Context) error {
	_, err := c.client.Bucket.Head(ctx)
	return err
}
