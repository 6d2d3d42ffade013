package inline

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/webp"
)

const (
	mimeJPEG = "image/jpeg"
	mimePNG  = "image/png"
	mimeGIF  = "image/gif"
	mimeWEBP = "image/webp"
	mimeSVG  = "image/svg+xml"
)

// TranscodeOptions are the size gates and output quality for images.
type TranscodeOptions struct {
	MaxDimension int // default: 1024
	MaxBytes     int // default: 300 KiB
	Quality      int // default: 80
}

func (o TranscodeOptions) withDefaults() TranscodeOptions {
	if o.MaxDimension <= 0 {
		o.MaxDimension = 1024
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 300 * 1024
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = 80
	}
	return o
}

// Image is the embeddable form of one fetched image.
type Image struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
	Transcoded  bool
}

// DataURI renders the image as a base64 data URI.
func (img *Image) DataURI() string {
	return dataURI(img.ContentType, img.Data)
}

func dataURI(contentType string, data []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Transcode decides whether data needs downscaling and re-encoding.
// Images wider or taller than MaxDimension, or larger than MaxBytes, are
// fitted into a MaxDimension square with Lanczos3 resampling, flattened
// onto white and re-encoded as JPEG. Anything else is returned unchanged
// with its original content type. SVG is never decoded.
func Transcode(ctx context.Context, data []byte, contentType, srcURL string, opts TranscodeOptions) (*Image, error) {
	opts = opts.withDefaults()
	ct := ResolveContentType(contentType, srcURL)

	if ct == mimeSVG {
		return &Image{Data: data, ContentType: ct}, nil
	}
	if len(data) == 0 {
		return nil, errors.New("transcode: empty body")
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("transcode: decode header: %w", err)
	}

	if cfg.Width <= opts.MaxDimension && cfg.Height <= opts.MaxDimension && len(data) <= opts.MaxBytes {
		return &Image{Data: data, ContentType: ct, Width: cfg.Width, Height: cfg.Height}, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("transcode: %w", err)
	}

	type result struct {
		img *Image
		err error
	}
	done := make(chan result, 1)
	go func() {
		img, err := shrink(data, opts)
		done <- result{img, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("transcode: %w", ctx.Err())
	case r := <-done:
		return r.img, r.err
	}
}

func shrink(data []byte, opts TranscodeOptions) (*Image, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("transcode: decode: %w", err)
	}

	dim := uint(opts.MaxDimension)
	scaled := resize.Thumbnail(dim, dim, src, resize.Lanczos3)

	// JPEG has no alpha channel.
	b := scaled.Bounds()
	flat := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(flat, flat.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), scaled, b.Min, draw.Over)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: opts.Quality}); err != nil {
		return nil, fmt.Errorf("transcode: encode: %w", err)
	}

	return &Image{
		Data:        buf.Bytes(),
		ContentType: mimeJPEG,
		Width:       b.Dx(),
		Height:      b.Dy(),
		Transcoded:  true,
	}, nil
}

// ResolveContentType returns the image MIME type to embed with. A missing
// or non-image header falls back to the URL's file extension, then JPEG.
func ResolveContentType(header, srcURL string) string {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil && strings.HasPrefix(mt, "image/") {
			return mt
		}
	}
	return contentTypeFromExt(srcURL)
}

// assetContentType returns the MIME type for a CSS url() target and
// whether the body is an image to run through Transcode. Fonts and nested
// stylesheets are embedded as fetched.
func assetContentType(header, srcURL string) (string, bool) {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil {
			switch {
			case strings.HasPrefix(mt, "image/"):
				return mt, true
			case strings.HasPrefix(mt, "font/"),
				strings.HasPrefix(mt, "application/font-"),
				strings.HasPrefix(mt, "application/x-font-"),
				mt == "application/vnd.ms-fontobject",
				mt == "text/css":
				return mt, false
			}
		}
	}
	switch strings.ToLower(path.Ext(urlPath(srcURL))) {
	case ".woff2":
		return "font/woff2", false
	case ".woff":
		return "font/woff", false
	case ".ttf":
		return "font/ttf", false
	case ".otf":
		return "font/otf", false
	case ".eot":
		return "application/vnd.ms-fontobject", false
	case ".css":
		return "text/css", false
	}
	return ResolveContentType(header, srcURL), true
}

func urlPath(srcURL string) string {
	if u, err := url.Parse(srcURL); err == nil {
		return u.Path
	}
	return srcURL
}

func contentTypeFromExt(srcURL string) string {
	p := srcURL
	if u, err := url.Parse(srcURL); err == nil {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".png":
		return mimePNG
	case ".jpg", ".jpeg":
		return mimeJPEG
	case ".webp":
		return mimeWEBP
	case ".gif":
		return mimeGIF
	case ".svg":
		return mimeSVG
	default:
		return mimeJPEG
	}
}
