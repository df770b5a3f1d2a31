package media

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/be-as-one/gpu-task-agent/internal/domain"
)

// ProbeMetadata extracts per-artifact metadata from raw bytes. Image
// dimensions come from the stdlib decoders; other kinds return nil rather
// than an error since metadata is advisory.
func ProbeMetadata(data []byte, filename string) *domain.MediaMetadata {
	if DetectKind(filename) != domain.MediaImage {
		return nil
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	return &domain.MediaMetadata{
		Width:  cfg.Width,
		Height: cfg.Height,
		Format: strings.ToUpper(format),
	}
}
