package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	gcs "cloud.google.com/go/storage"
)

// ProviderGCS is the configuration name of the GCS backend.
const ProviderGCS = "gcs"

// GCSProvider uploads to a Google Cloud Storage bucket. Bodies at or above
// the chunk threshold go through the SDK's resumable path with an explicit
// chunk size (64MiB, 256MiB beyond 1GiB).
type GCSProvider struct {
	client *gcs.Client
	bucket string
}

// NewGCSProvider builds the provider using ambient credentials.
func NewGCSProvider(ctx context.Context, bucket string) (*GCSProvider, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCSProvider{client: client, bucket: bucket}, nil
}

// Name implements Provider.
func (p *GCSProvider) Name() string { return ProviderGCS }

func (p *GCSProvider) nativeURL(destinationPath string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", p.bucket, destinationPath)
}

func (p *GCSProvider) write(ctx context.Context, r io.Reader, size int64, destinationPath, contentType string) error {
	w := p.client.Bucket(p.bucket).Object(destinationPath).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if chunk := chunkSizeFor(size); chunk > 0 {
		w.ChunkSize = int(chunk)
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// UploadBinary implements Provider.
func (p *GCSProvider) UploadBinary(ctx context.Context, data []byte, destinationPath, contentType string) (string, error) {
	if err := p.write(ctx, bytes.NewReader(data), int64(len(data)), destinationPath, contentType); err != nil {
		return "", err
	}
	return p.nativeURL(destinationPath), nil
}

// UploadFile implements Provider.
func (p *GCSProvider) UploadFile(ctx context.Context, sourcePath, destinationPath string) (string, error) {
	f, err := os.Open(sourcePath)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if err := p.write(ctx, f, info.Size(), destinationPath, ContentTypeFor(destinationPath, nil)); err != nil {
		return "", err
	}
	return p.nativeURL(destinationPath), nil
}
