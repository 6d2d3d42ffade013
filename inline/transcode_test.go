package inline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 200})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestTranscode_LargeImageDownscaledToJPEG(t *testing.T) {
	data := encodePNG(t, 2000, 2000)

	img, err := Transcode(context.Background(), data, "image/png", "https://cdn.example/a.png", TranscodeOptions{})
	require.NoError(t, err)

	assert.True(t, img.Transcoded)
	assert.Equal(t, "image/jpeg", img.ContentType)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(img.Data))
	require.NoError(t, err)
	assert.LessOrEqual(t, cfg.Width, 1024)
	assert.LessOrEqual(t, cfg.Height, 1024)
	assert.Equal(t, 1024, cfg.Width)
}

func TestTranscode_AspectRatioPreserved(t *testing.T) {
	data := encodePNG(t, 2048, 512)

	img, err := Transcode(context.Background(), data, "image/png", "", TranscodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1024, img.Width)
	assert.Equal(t, 256, img.Height)
}

func TestTranscode_SmallImageUnchanged(t *testing.T) {
	data := encodePNG(t, 100, 100)
	require.Less(t, len(data), 300*1024)

	img, err := Transcode(context.Background(), data, "image/png", "https://cdn.example/a.png", TranscodeOptions{})
	require.NoError(t, err)

	assert.False(t, img.Transcoded)
	assert.Equal(t, data, img.Data)
	assert.Equal(t, "image/png", img.ContentType)
}

func TestTranscode_ByteThreshold(t *testing.T) {
	data := encodePNG(t, 100, 100)

	img, err := Transcode(context.Background(), data, "image/png", "", TranscodeOptions{MaxBytes: 64})
	require.NoError(t, err)
	assert.True(t, img.Transcoded)
	assert.Equal(t, "image/jpeg", img.ContentType)
	// Thumbnail never upscales.
	assert.Equal(t, 100, img.Width)
}

func TestTranscode_SVGVerbatim(t *testing.T) {
	svg := []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="4000" height="4000"></svg>`)

	img, err := Transcode(context.Background(), svg, "image/svg+xml", "", TranscodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, svg, img.Data)
	assert.Equal(t, "image/svg+xml", img.ContentType)
}

func TestTranscode_UndecodableFails(t *testing.T) {
	_, err := Transcode(context.Background(), []byte("<html>not an image</html>"), "image/png", "", TranscodeOptions{})
	assert.Error(t, err)

	_, err = Transcode(context.Background(), nil, "image/png", "", TranscodeOptions{})
	assert.Error(t, err)
}

func TestTranscode_Timeout(t *testing.T) {
	data := encodePNG(t, 2000, 2000)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := Transcode(ctx, data, "image/png", "", TranscodeOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResolveContentType(t *testing.T) {
	tests := []struct {
		header string
		url    string
		want   string
	}{
		{"image/png", "https://x/a.jpg", "image/png"},
		{"image/webp; charset=binary", "", "image/webp"},
		{"", "https://x/a.png", "image/png"},
		{"", "https://x/a.JPG", "image/jpeg"},
		{"", "https://x/a.jpeg?w=100", "image/jpeg"},
		{"application/octet-stream", "https://x/a.webp", "image/webp"},
		{"text/html", "https://x/a.gif", "image/gif"},
		{"", "https://x/noext", "image/jpeg"},
		{"", "https://x/icon.svg", "image/svg+xml"},
	}
	for _, tt := range tests {
		if got := ResolveContentType(tt.header, tt.url); got != tt.want {
			t.Errorf("ResolveContentType(%q, %q) = %q, want %q", tt.header, tt.url, got, tt.want)
		}
	}
}
