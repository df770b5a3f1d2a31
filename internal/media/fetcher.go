// Package media handles remote asset materialisation: downloading URLs
// referenced by workflow graphs into the engine input directory, media-kind
// inference, and lightweight metadata probing.
package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/be-as-one/gpu-task-agent/internal/domain"
)

const (
	defaultConcurrency = 10
	downloadTimeout    = 30 * time.Second
	maxRetries         = 3
	retryBaseDelay     = 500 * time.Millisecond
	userAgent          = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

// extKinds maps file extensions to media kinds for inference from URLs and
// filenames.
var extKinds = map[string]domain.MediaKind{
	".jpg": domain.MediaImage, ".jpeg": domain.MediaImage, ".png": domain.MediaImage,
	".gif": domain.MediaImage, ".bmp": domain.MediaImage, ".webp": domain.MediaImage,
	".svg": domain.MediaImage, ".tiff": domain.MediaImage, ".tif": domain.MediaImage,
	".mp4": domain.MediaVideo, ".webm": domain.MediaVideo, ".mov": domain.MediaVideo,
	".avi": domain.MediaVideo, ".mkv": domain.MediaVideo, ".flv": domain.MediaVideo,
	".wmv": domain.MediaVideo,
	".mp3": domain.MediaAudio, ".wav": domain.MediaAudio, ".ogg": domain.MediaAudio,
	".flac": domain.MediaAudio, ".aac": domain.MediaAudio, ".m4a": domain.MediaAudio,
	".wma": domain.MediaAudio,
}

// IsRemote reports whether s is a downloadable http(s) URL.
func IsRemote(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// DetectKind infers the media kind from a URL or filename extension.
func DetectKind(ref string) domain.MediaKind {
	trimmed := ref
	if i := strings.IndexByte(trimmed, '?'); i >= 0 {
		trimmed = trimmed[:i]
	}
	ext := strings.ToLower(path.Ext(trimmed))
	if kind, ok := extKinds[ext]; ok {
		return kind
	}
	return domain.MediaUnknown
}

// Fetcher downloads remote assets into the engine input directory with
// bounded concurrency and retried transfers.
type Fetcher struct {
	inputDir    string
	concurrency int
	client      *http.Client
	now         func() time.Time
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithConcurrency bounds simultaneous downloads in DownloadBatch.
func WithConcurrency(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// NewFetcher constructs a Fetcher writing into inputDir.
func NewFetcher(inputDir string, opts ...Option) *Fetcher {
	f := &Fetcher{
		inputDir:    inputDir,
		concurrency: defaultConcurrency,
		client:      &http.Client{Timeout: downloadTimeout},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// InputDir returns the directory downloads are written to.
func (f *Fetcher) InputDir() string { return f.inputDir }

// localFilename derives a unique local name for the URL: the URL's basename
// with a millisecond timestamp appended, defaulting the extension to .png.
func (f *Fetcher) localFilename(rawURL string) string {
	base := ""
	if u, err := url.Parse(rawURL); err == nil {
		base = path.Base(u.Path)
	}
	if base == "" || base == "." || base == "/" || !strings.Contains(base, ".") {
		base = fmt.Sprintf("media_%d.png", f.now().Unix())
	}
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	return fmt.Sprintf("%s_%d%s", name, f.now().UnixMilli(), ext)
}

// retryable reports whether an HTTP status merits another attempt.
func retryable(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

// Download fetches one URL into the input directory and returns the local
// filename. The file is written to a temp name and renamed into place so a
// partially transferred body is never observable. Transient failures retry
// up to 3 times with exponential backoff from 0.5s.
func (f *Fetcher) Download(ctx context.Context, rawURL string) (string, error) {
	if err := os.MkdirAll(f.inputDir, 0o755); err != nil {
		return "", fmt.Errorf("create input dir: %w", err)
	}

	localName := f.localFilename(rawURL)
	localPath := filepath.Join(f.inputDir, localName)

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			err := fmt.Errorf("%w: %s returned %d", domain.ErrDownloadFailed, rawURL, resp.StatusCode)
			if retryable(resp.StatusCode) {
				return err
			}
			return backoff.Permanent(err)
		}

		if ct := resp.Header.Get("Content-Type"); ct != "" && DetectKind(localName) == domain.MediaImage && !strings.HasPrefix(ct, "image/") {
			slog.Warn("downloaded body may not be an image",
				slog.String("url", rawURL), slog.String("content_type", ct))
		}

		tmp, err := os.CreateTemp(f.inputDir, localName+".tmp-*")
		if err != nil {
			return backoff.Permanent(err)
		}
		if _, err := io.Copy(tmp, resp.Body); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return err
		}
		if err := tmp.Close(); err != nil {
			_ = os.Remove(tmp.Name())
			return err
		}
		return os.Rename(tmp.Name(), localPath)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = retryBaseDelay
	expo.RandomizationFactor = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, maxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return "", fmt.Errorf("download %s: %w", rawURL, err)
	}

	slog.Debug("downloaded media",
		slog.String("url", rawURL), slog.String("file", localName))
	return localName, nil
}

// DownloadBatch fetches all URLs concurrently (bounded) and returns the
// url→local-filename mapping for the successful subset. The caller must
// detect missing entries; a gap is fatal for the task that requested it.
func (f *Fetcher) DownloadBatch(ctx context.Context, urls []string) map[string]string {
	results := make(map[string]string, len(urls))
	if len(urls) == 0 {
		return results
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, f.concurrency)
	)
	for _, rawURL := range urls {
		if _, dup := results[rawURL]; dup {
			continue
		}
		// reserve so duplicate URLs only download once
		results[rawURL] = ""

		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			name, err := f.Download(ctx, u)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Error("batch download entry failed", slog.String("url", u), slog.Any("error", err))
				delete(results, u)
				return
			}
			results[u] = name
		}(rawURL)
	}
	wg.Wait()

	if len(results) == len(dedupe(urls)) {
		slog.Info("batch download complete", slog.Int("count", len(results)))
	} else {
		slog.Warn("batch download partial",
			slog.Int("requested", len(dedupe(urls))), slog.Int("succeeded", len(results)))
	}
	return results
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := urls[:0:0]
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
