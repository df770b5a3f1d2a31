package media

import (
	"bytes"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeMetadataImage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 48))))

	meta := ProbeMetadata(buf.Bytes(), "out_00001_.png")
	require.NotNil(t, meta)
	assert.Equal(t, 64, meta.Width)
	assert.Equal(t, 48, meta.Height)
	assert.Equal(t, "PNG", meta.Format)
}

func TestProbeMetadataNonImage(t *testing.T) {
	assert.Nil(t, ProbeMetadata([]byte("video-bytes"), "clip.mp4"))
	assert.Nil(t, ProbeMetadata([]byte("not an image"), "broken.png"))
}
