// Package gcs uploads finished output files to Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the destination bucket and object name.
type Config struct {
	Bucket string
	// Object defaults to the local file's base name.
	Object string
}

// Uploader copies local files into a configured GCS bucket.
type Uploader struct {
	client *storage.Client
	bucket string
	object string
}

// New creates a GCS uploader.
func New(client *storage.Client, cfg Config) (*Uploader, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &Uploader{
		client: client,
		bucket: cfg.Bucket,
		object: strings.TrimPrefix(cfg.Object, "/"),
	}, nil
}

// UploadFile streams the file at path into the bucket and returns its gs:// URI.
func (u *Uploader) UploadFile(ctx context.Context, path, contentType string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open upload source: %w", err)
	}
	defer f.Close()

	object := u.object
	if object == "" {
		object = filepath.Base(path)
	}
	return u.put(ctx, object, contentType, f)
}

func (u *Uploader) put(ctx context.Context, object, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(object) == "" {
		return "", errors.New("object name is required")
	}
	writer := u.client.Bucket(u.bucket).Object(object).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", u.bucket, object), nil
}
