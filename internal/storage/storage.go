// Package storage provides a uniform upload interface over the configured
// cloud backends: GCS behind a CDN, an S3-compatible store (Cloudflare R2),
// and the Cloudflare Images delivery CDN.
package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"

	"github.com/be-as-one/gpu-task-agent/internal/config"
)

// Chunk thresholds for large bodies. Payloads at or above chunkThreshold
// must use the backend's chunked/resumable path.
const (
	chunkThreshold = 100 * 1024 * 1024
	chunkSmall     = 64 * 1024 * 1024
	chunkLarge     = 256 * 1024 * 1024
	largeThreshold = 1024 * 1024 * 1024
)

// chunkSizeFor picks the chunk size for a payload of n bytes; zero means
// the backend default (no forced chunking).
func chunkSizeFor(n int64) int64 {
	switch {
	case n >= largeThreshold:
		return chunkLarge
	case n >= chunkThreshold:
		return chunkSmall
	}
	return 0
}

// ContentTypeFor infers a content type from the destination extension,
// sniffing the body when the extension is unknown.
func ContentTypeFor(destinationPath string, data []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(destinationPath))); ct != "" {
		return ct
	}
	if len(data) > 0 {
		return mimetype.Detect(data).String()
	}
	return "application/octet-stream"
}

// Provider is one storage backend. Retries are the backend SDK's concern;
// the manager adds none.
type Provider interface {
	Name() string
	UploadBinary(ctx context.Context, data []byte, destinationPath, contentType string) (string, error)
	UploadFile(ctx context.Context, sourcePath, destinationPath string) (string, error)
}

// Manager registers up to three providers and routes uploads to the
// default one. A configured CDN base overrides the backend's native public
// URL for path-addressed providers.
type Manager struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
	cdnURL      string
}

// NewManager builds an empty manager with the optional CDN base.
func NewManager(cdnURL string) *Manager {
	return &Manager{providers: map[string]Provider{}, cdnURL: cdnURL}
}

// Register adds a provider; the first registration (or isDefault) becomes
// the default backend.
func (m *Manager) Register(p Provider, isDefault bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.Name()] = p
	if isDefault || m.defaultName == "" {
		m.defaultName = p.Name()
	}
	slog.Info("registered storage provider", slog.String("provider", p.Name()))
}

// Configured reports whether at least one provider is registered.
func (m *Manager) Configured() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.providers) > 0
}

// DefaultProvider returns the active backend name.
func (m *Manager) DefaultProvider() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultName
}

func (m *Manager) defaultBackend() (Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[m.defaultName]
	if !ok {
		return nil, fmt.Errorf("no storage provider configured")
	}
	return p, nil
}

// publicURL applies the CDN prefix where it overrides the native URL.
// Cloudflare Images URLs are id-addressed, not path-addressed, so they are
// never rewritten.
func (m *Manager) publicURL(provider Provider, nativeURL, destinationPath string) string {
	if m.cdnURL == "" || provider.Name() == ProviderCFImages {
		return nativeURL
	}
	return strings.TrimSuffix(m.cdnURL, "/") + "/" + strings.TrimPrefix(destinationPath, "/")
}

// UploadBinary uploads raw bytes via the default backend and returns the
// public URL.
func (m *Manager) UploadBinary(ctx context.Context, data []byte, destinationPath string) (string, error) {
	p, err := m.defaultBackend()
	if err != nil {
		return "", err
	}
	contentType := ContentTypeFor(destinationPath, data)
	nativeURL, err := p.UploadBinary(ctx, data, destinationPath, contentType)
	if err != nil {
		return "", fmt.Errorf("upload %s via %s: %w", destinationPath, p.Name(), err)
	}
	url := m.publicURL(p, nativeURL, destinationPath)
	slog.Info("uploaded artifact",
		slog.String("provider", p.Name()),
		slog.String("path", destinationPath),
		slog.Int("bytes", len(data)))
	return url, nil
}

// UploadFile uploads a local file via the default backend and removes the
// local copy on success.
func (m *Manager) UploadFile(ctx context.Context, sourcePath, destinationPath string) (string, error) {
	p, err := m.defaultBackend()
	if err != nil {
		return "", err
	}
	nativeURL, err := p.UploadFile(ctx, sourcePath, destinationPath)
	if err != nil {
		return "", fmt.Errorf("upload file %s via %s: %w", sourcePath, p.Name(), err)
	}
	if err := os.Remove(sourcePath); err != nil {
		slog.Warn("could not remove local file after upload",
			slog.String("file", sourcePath), slog.Any("error", err))
	}
	return m.publicURL(p, nativeURL, destinationPath), nil
}

// UploadBase64 decodes and uploads base64 data via the default backend.
func (m *Manager) UploadBase64(ctx context.Context, data, destinationPath string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}
	return m.UploadBinary(ctx, decoded, destinationPath)
}

// NewManagerFromConfig wires every backend the configuration names. An
// unusable provider is skipped with a warning so the agent can still run
// callback-only flows; strict mode turns "nothing configured" into an
// error at startup.
func NewManagerFromConfig(ctx context.Context, cfg config.Config) (*Manager, error) {
	m := NewManager(cfg.CDNURL)

	if cfg.StorageProvider == ProviderGCS || cfg.GCSBucketName != "" {
		if cfg.GCSBucketName == "" {
			slog.Warn("GCS bucket not configured, skipping GCS provider")
		} else if p, err := NewGCSProvider(ctx, cfg.GCSBucketName); err != nil {
			slog.Warn("failed to configure GCS provider", slog.Any("error", err))
		} else {
			m.Register(p, cfg.StorageProvider == ProviderGCS)
		}
	}

	if cfg.StorageProvider == ProviderR2 || cfg.R2BucketName != "" {
		if cfg.R2BucketName == "" || cfg.R2AccountID == "" || cfg.R2AccessKey == "" || cfg.R2SecretKey == "" {
			slog.Warn("R2 configuration incomplete, skipping R2 provider")
		} else if p, err := NewR2Provider(cfg.R2BucketName, cfg.R2AccountID, cfg.R2AccessKey, cfg.R2SecretKey, cfg.R2PublicDomain); err != nil {
			slog.Warn("failed to configure R2 provider", slog.Any("error", err))
		} else {
			m.Register(p, cfg.StorageProvider == ProviderR2)
		}
	}

	if cfg.StorageProvider == ProviderCFImages || cfg.CFImagesAccount != "" {
		if cfg.CFImagesAccount == "" || cfg.CFImagesToken == "" {
			slog.Warn("Cloudflare Images configuration incomplete, skipping provider")
		} else {
			m.Register(NewCFImagesProvider(cfg.CFImagesAccount, cfg.CFImagesToken, cfg.CFImagesDomain), cfg.StorageProvider == ProviderCFImages)
		}
	}

	if !m.Configured() {
		if cfg.StorageStrict {
			return nil, fmt.Errorf("no storage providers configured")
		}
		slog.Warn("no storage providers configured, file uploads will be disabled")
	}
	return m, nil
}
