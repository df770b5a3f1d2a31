package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ProviderR2 is the configuration name of the S3-compatible backend.
const ProviderR2 = "r2"

// R2Provider uploads to Cloudflare R2 through the S3-compatible API.
type R2Provider struct {
	client       *minio.Client
	bucket       string
	publicDomain string
}

// NewR2Provider builds the provider against the account's R2 endpoint. The
// public domain defaults to the account's r2.dev hostname.
func NewR2Provider(bucket, accountID, accessKey, secretKey, publicDomain string) (*R2Provider, error) {
	endpoint := fmt.Sprintf("%s.r2.cloudflarestorage.com", accountID)
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: true,
		Region: "auto",
	})
	if err != nil {
		return nil, fmt.Errorf("r2 client: %w", err)
	}
	if publicDomain == "" {
		publicDomain = fmt.Sprintf("https://pub-%s.r2.dev", accountID)
	}
	return &R2Provider{
		client:       client,
		bucket:       bucket,
		publicDomain: strings.TrimSuffix(publicDomain, "/"),
	}, nil
}

// Name implements Provider.
func (p *R2Provider) Name() string { return ProviderR2 }

func (p *R2Provider) nativeURL(destinationPath string) string {
	return p.publicDomain + "/" + strings.TrimPrefix(destinationPath, "/")
}

// UploadBinary implements Provider. Large bodies go through multipart
// upload with an explicit part size.
func (p *R2Provider) UploadBinary(ctx context.Context, data []byte, destinationPath, contentType string) (string, error) {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if chunk := chunkSizeFor(int64(len(data))); chunk > 0 {
		opts.PartSize = uint64(chunk)
	}
	_, err := p.client.PutObject(ctx, p.bucket, destinationPath, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return "", err
	}
	return p.nativeURL(destinationPath), nil
}

// UploadFile implements Provider.
func (p *R2Provider) UploadFile(ctx context.Context, sourcePath, destinationPath string) (string, error) {
	opts := minio.PutObjectOptions{ContentType: ContentTypeFor(destinationPath, nil)}
	_, err := p.client.FPutObject(ctx, p.bucket, destinationPath, sourcePath, opts)
	if err != nil {
		return "", err
	}
	return p.nativeURL(destinationPath), nil
}
