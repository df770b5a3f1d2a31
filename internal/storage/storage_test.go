package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memProvider struct {
	name    string
	objects map[string][]byte
	types   map[string]string
}

func newMemProvider(name string) *memProvider {
	return &memProvider{name: name, objects: map[string][]byte{}, types: map[string]string{}}
}

func (p *memProvider) Name() string { return p.name }

func (p *memProvider) UploadBinary(_ context.Context, data []byte, dest, contentType string) (string, error) {
	p.objects[dest] = data
	p.types[dest] = contentType
	return "https://native." + p.name + ".test/" + dest, nil
}

func (p *memProvider) UploadFile(_ context.Context, src, dest string) (string, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}
	return p.UploadBinary(context.Background(), data, dest, ContentTypeFor(dest, data))
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "image/png", ContentTypeFor("20260101/t1_0.png", nil))
	assert.Equal(t, "video/mp4", ContentTypeFor("a/b.mp4", nil))
	// no extension: sniff the body
	assert.Contains(t, ContentTypeFor("noext", []byte("\x89PNG\r\n\x1a\n")), "image/png")
	assert.Equal(t, "application/octet-stream", ContentTypeFor("noext", nil))
}

func TestChunkSizeFor(t *testing.T) {
	assert.Zero(t, chunkSizeFor(10*1024*1024))
	assert.Equal(t, int64(64*1024*1024), chunkSizeFor(150*1024*1024))
	assert.Equal(t, int64(256*1024*1024), chunkSizeFor(2*1024*1024*1024))
}

func TestManagerDefaultSelection(t *testing.T) {
	m := NewManager("")
	first := newMemProvider("gcs")
	second := newMemProvider("r2")
	m.Register(first, false)
	m.Register(second, true)

	assert.Equal(t, "r2", m.DefaultProvider())

	url, err := m.UploadBinary(context.Background(), []byte("x"), "p/a.png")
	require.NoError(t, err)
	assert.Equal(t, "https://native.r2.test/p/a.png", url)
	assert.Contains(t, second.objects, "p/a.png")
	assert.NotContains(t, first.objects, "p/a.png")
}

func TestManagerCDNOverride(t *testing.T) {
	m := NewManager("https://cdn.example.com/")
	m.Register(newMemProvider("gcs"), true)

	url, err := m.UploadBinary(context.Background(), []byte("x"), "20260101/t1_0.png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/20260101/t1_0.png", url)
}

func TestManagerCDNDoesNotOverrideCFImages(t *testing.T) {
	m := NewManager("https://cdn.example.com")
	m.Register(newMemProvider(ProviderCFImages), true)

	url, err := m.UploadBinary(context.Background(), []byte("x"), "20260101/t1_0.png")
	require.NoError(t, err)
	assert.Equal(t, "https://native.cf_images.test/20260101/t1_0.png", url)
}

func TestManagerInfersContentType(t *testing.T) {
	p := newMemProvider("gcs")
	m := NewManager("")
	m.Register(p, true)

	_, err := m.UploadBinary(context.Background(), []byte("x"), "a/b.mp4")
	require.NoError(t, err)
	assert.Equal(t, "video/mp4", p.types["a/b.mp4"])
}

func TestManagerUploadFileConsumesSource(t *testing.T) {
	p := newMemProvider("gcs")
	m := NewManager("")
	m.Register(p, true)

	src := filepath.Join(t.TempDir(), "local.png")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))

	url, err := m.UploadFile(context.Background(), src, "d/local.png")
	require.NoError(t, err)
	assert.NotEmpty(t, url)
	_, statErr := os.Stat(src)
	assert.True(t, os.IsNotExist(statErr), "source file must be removed after upload")
}

func TestManagerUploadBase64(t *testing.T) {
	p := newMemProvider("gcs")
	m := NewManager("")
	m.Register(p, true)

	_, err := m.UploadBase64(context.Background(), base64.StdEncoding.EncodeToString([]byte("payload")), "a/b.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), p.objects["a/b.png"])

	_, err = m.UploadBase64(context.Background(), "!!!", "a/c.png")
	assert.Error(t, err)
}

func TestManagerUnconfigured(t *testing.T) {
	m := NewManager("")
	assert.False(t, m.Configured())
	_, err := m.UploadBinary(context.Background(), []byte("x"), "a/b.png")
	assert.Error(t, err)
}

func TestCFImagesProviderUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "t1_0", r.FormValue("id"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  map[string]any{"id": "t1_0"},
		})
	}))
	defer srv.Close()

	p := NewCFImagesProvider("acct", "token", "")
	p.apiBase = srv.URL

	url, err := p.UploadBinary(context.Background(), []byte("img"), "20260101/t1_0.png", "image/png")
	require.NoError(t, err)
	assert.Equal(t, "https://imagedelivery.net/acct/t1_0/public", url)
}

func TestCFImagesProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"errors":  []map[string]any{{"message": "image too large"}},
		})
	}))
	defer srv.Close()

	p := NewCFImagesProvider("acct", "token", "")
	p.apiBase = srv.URL

	_, err := p.UploadBinary(context.Background(), []byte("img"), "a.png", "image/png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image too large")
}
