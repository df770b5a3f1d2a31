package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/be-as-one/gpu-task-agent/internal/domain"
	"github.com/be-as-one/gpu-task-agent/internal/faceswap"
	"github.com/be-as-one/gpu-task-agent/internal/media"
)

// faceSwapParams is the wf_json block of a faceswap task.
type faceSwapParams struct {
	SourceURL  string `json:"source_url"`
	TargetURL  string `json:"target_url"`
	Resolution string `json:"resolution"`
	Model      string `json:"model"`
	MediaType  string `json:"media_type"`
}

// secondaryFormatKeys are the metadata keys carrying extra output formats
// the service may have produced alongside the primary artifact.
var secondaryFormatKeys = []string{"gif_url", "webp_url"}

// FaceSwapProcessor orchestrates one delegated face-swap task: call the
// co-located service, download its outputs, upload them to storage.
type FaceSwapProcessor struct {
	client   *faceswap.Client
	uploader domain.Uploader
	reporter domain.Reporter
	now      func() time.Time
}

// NewFaceSwapProcessor builds the processor.
func NewFaceSwapProcessor(client *faceswap.Client, uploader domain.Uploader, reporter domain.Reporter) *FaceSwapProcessor {
	return &FaceSwapProcessor{client: client, uploader: uploader, reporter: reporter, now: time.Now}
}

// Process implements domain.Processor.
func (p *FaceSwapProcessor) Process(ctx context.Context, task *domain.Task) ([]domain.OutputResult, error) {
	var params faceSwapParams
	if len(task.Params.InputData.WFJSON) == 0 {
		return nil, fmt.Errorf("%w: face swap parameters missing", domain.ErrInvalidArgument)
	}
	if err := json.Unmarshal(task.Params.InputData.WFJSON, &params); err != nil {
		return nil, fmt.Errorf("%w: face swap parameters not parseable: %v", domain.ErrInvalidArgument, err)
	}
	if !media.IsRemote(params.SourceURL) || !media.IsRemote(params.TargetURL) {
		return nil, fmt.Errorf("%w: source_url and target_url must be http(s) URLs", domain.ErrInvalidArgument)
	}

	p.reporter.SendProcessing(ctx, task)

	resp, err := p.client.Process(ctx, faceswap.Request{
		SourceURL:  params.SourceURL,
		TargetURL:  params.TargetURL,
		Resolution: params.Resolution,
		Model:      params.Model,
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != "success" || resp.OutputPath == "" {
		msg := resp.Error
		if msg == "" {
			msg = "face swap processing failed"
		}
		return nil, fmt.Errorf("%s", msg)
	}

	outputs := []string{p.client.ResolveURL(resp.OutputPath)}
	for _, key := range secondaryFormatKeys {
		if extra, ok := resp.Metadata[key].(string); ok && extra != "" {
			outputs = append(outputs, p.client.ResolveURL(extra))
		}
	}

	datePrefix := p.now().Format("20060102")
	results := make([]domain.OutputResult, 0, len(outputs))
	for idx, outURL := range outputs {
		data, err := p.client.Download(ctx, outURL)
		if err != nil {
			slog.Error("face swap output download failed, keeping service URL",
				slog.String("url", outURL), slog.Any("error", err))
			results = append(results, domain.OutputResult{URL: outURL, Kind: media.DetectKind(outURL)})
			continue
		}

		ext := path.Ext(strings.SplitN(outURL, "?", 2)[0])
		if ext == "" {
			ext = ".jpg"
		}
		dest := fmt.Sprintf("%s/%s_%d%s", datePrefix, task.TaskID, idx, ext)
		uploadedURL, err := p.uploader.UploadBinary(ctx, data, dest)
		if err != nil {
			slog.Error("face swap result upload failed, keeping service URL",
				slog.String("url", outURL), slog.Any("error", err))
			results = append(results, domain.OutputResult{URL: outURL, Kind: media.DetectKind(outURL)})
			continue
		}
		results = append(results, domain.OutputResult{
			URL:      uploadedURL,
			Kind:     media.DetectKind(dest),
			Metadata: media.ProbeMetadata(data, dest),
		})
	}

	if len(results) == 0 {
		return nil, domain.ErrNoResults
	}
	return results, nil
}
