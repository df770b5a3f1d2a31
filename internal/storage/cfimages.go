package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ProviderCFImages is the configuration name of the image-CDN backend.
const ProviderCFImages = "cf_images"

// CFImagesProvider uploads to the Cloudflare Images API. Delivery URLs are
// id-addressed, so the manager's CDN prefix never applies to this backend.
type CFImagesProvider struct {
	accountID      string
	apiToken       string
	deliveryDomain string
	apiBase        string
	httpc          *http.Client
}

// NewCFImagesProvider builds the provider; deliveryDomain defaults to the
// imagedelivery.net hostname for the account.
func NewCFImagesProvider(accountID, apiToken, deliveryDomain string) *CFImagesProvider {
	if deliveryDomain == "" {
		deliveryDomain = "https://imagedelivery.net/" + accountID
	}
	return &CFImagesProvider{
		accountID:      accountID,
		apiToken:       apiToken,
		deliveryDomain: strings.TrimSuffix(deliveryDomain, "/"),
		apiBase:        "https://api.cloudflare.com",
		httpc:          &http.Client{Timeout: 60 * time.Second},
	}
}

// Name implements Provider.
func (p *CFImagesProvider) Name() string { return ProviderCFImages }

type cfImagesResponse struct {
	Success bool `json:"success"`
	Result  struct {
		ID string `json:"id"`
	} `json:"result"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// UploadBinary implements Provider.
func (p *CFImagesProvider) UploadBinary(ctx context.Context, data []byte, destinationPath, contentType string) (string, error) {
	imageID := strings.TrimSuffix(filepath.Base(destinationPath), filepath.Ext(destinationPath))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(destinationPath))
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(data); err != nil {
		return "", err
	}
	_ = mw.WriteField("id", imageID)
	_ = mw.WriteField("requireSignedURLs", "false")
	if err := mw.Close(); err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/client/v4/accounts/%s/images/v1", p.apiBase, p.accountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiToken)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var parsed cfImagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode cloudflare images response: %w", err)
	}
	if !parsed.Success {
		msg := "unknown error"
		if len(parsed.Errors) > 0 {
			msg = parsed.Errors[0].Message
		}
		return "", fmt.Errorf("cloudflare images api error: %s", msg)
	}
	return fmt.Sprintf("%s/%s/public", p.deliveryDomain, parsed.Result.ID), nil
}

// UploadFile implements Provider.
func (p *CFImagesProvider) UploadFile(ctx context.Context, sourcePath, destinationPath string) (string, error) {
	f, err := os.Open(sourcePath)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return p.UploadBinary(ctx, data, destinationPath, ContentTypeFor(destinationPath, data))
}
