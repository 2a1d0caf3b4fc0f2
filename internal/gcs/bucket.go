// Package gcs stores chat images in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/vgabrielk/widget-sub001/internal/logger"
)

type Bucket struct {
	log           *logger.Logger
	client        *storage.Client
	name          string
	publicBaseURL string
}

// NewBucket opens a storage client with application default credentials.
// publicBaseURL may point at a CDN; it defaults to storage.googleapis.com.
func NewBucket(ctx context.Context, name, publicBaseURL string, log *logger.Logger, opts ...option.ClientOption) (*Bucket, error) {
	if name == "" {
		return nil, fmt.Errorf("missing GCS bucket name")
	}
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	if publicBaseURL == "" {
		publicBaseURL = "https://storage.googleapis.com"
	}
	b := &Bucket{
		log:           log.With("service", "GCSBucket"),
		client:        client,
		name:          name,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
	b.log.Info("Object storage initialized", "bucket", name, "public_base_url", b.publicBaseURL)
	return b, nil
}

func (b *Bucket) Upload(ctx context.Context, path, contentType string, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := b.client.Bucket(b.name).Object(path).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "public, max-age=31536000"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return b.PublicURL(path), nil
}

// Remove deletes every path, skipping objects that are already gone.
func (b *Bucket) Remove(ctx context.Context, paths []string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var errs []error
	for _, p := range paths {
		err := b.client.Bucket(b.name).Object(p).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			errs = append(errs, fmt.Errorf("failed to delete GCS object %q in bucket %q: %w", p, b.name, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Bucket) PublicURL(path string) string {
	return fmt.Sprintf("%s/%s/%s", b.publicBaseURL, b.name, strings.TrimLeft(path, "/"))
}

func (b *Bucket) PathFromURL(raw string) (string, bool) {
	prefix := fmt.Sprintf("%s/%s/", b.publicBaseURL, b.name)
	if !strings.HasPrefix(raw, prefix) {
		return "", false
	}
	p, err := url.PathUnescape(strings.TrimPrefix(raw, prefix))
	if err != nil || p == "" {
		return "", false
	}
	return p, true
}

func (b *Bucket) Close() error {
	return b.client.Close()
}
