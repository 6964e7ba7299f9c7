// Package gcs archives resolution records to a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
)

// Config names the target bucket. Metadata is attached to every object
// next to the task id taken from the object name.
type Config struct {
	Bucket       string
	CacheControl string
	Metadata     map[string]string
}

// BlobStore implements captcha.BlobStore on a GCS bucket. Objects are
// written once; a second write to the same name keeps the first object.
type BlobStore struct {
	client       *storage.Client
	bucket       string
	cacheControl string
	metadata     map[string]string
}

// New wraps client for cfg.Bucket.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, captcha.Configuration("new gcs blob store", "storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, captcha.Configuration("new gcs blob store", "archive.bucket is required")
	}
	return &BlobStore{
		client:       client,
		bucket:       cfg.Bucket,
		cacheControl: cfg.CacheControl,
		metadata:     maps.Clone(cfg.Metadata),
	}, nil
}

// PutObject uploads r to name in a single request and returns a gs:// URI.
// An object that already exists under name counts as archived.
func (s *BlobStore) PutObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", captcha.Configuration("put object", "path is required")
	}
	uri := fmt.Sprintf("gs://%s/%s", s.bucket, name)
	obj := s.client.Bucket(s.bucket).Object(name).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ChunkSize = 0
	w.ContentType = contentType
	w.CacheControl = s.cacheControl
	w.Metadata = s.objectMetadata(name)
	if _, err := io.Copy(w, r); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := w.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return uri, nil
		}
		return "", fmt.Errorf("close writer: %w", err)
	}
	return uri, nil
}

func (s *BlobStore) objectMetadata(name string) map[string]string {
	md := make(map[string]string, len(s.metadata)+1)
	maps.Copy(md, s.metadata)
	base := path.Base(name)
	md["task-id"] = strings.TrimSuffix(base, path.Ext(base))
	return md
}
