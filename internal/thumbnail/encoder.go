// Package thumbnail derives gallery thumbnails from raw captures.
package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
)

// Encoder downscales a JPEG capture and re-encodes it as a JPEG thumbnail.
// It implements gallery.ThumbnailEncoder.
type Encoder struct {
	maxWidth int
}

// New creates an Encoder. maxWidth bounds the thumbnail width; zero or
// negative values fall back to 640.
func New(maxWidth int) *Encoder {
	if maxWidth <= 0 {
		maxWidth = 640
	}
	return &Encoder{maxWidth: maxWidth}
}

// EncodeThumbnail decodes the capture, scales it down to the configured
// width and re-encodes at the given quality. Captures already narrower than
// the limit are re-encoded without scaling.
func (e *Encoder) EncodeThumbnail(ctx context.Context, data []byte, quality int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if quality <= 0 || quality > 100 {
		return nil, fmt.Errorf("quality must be within (0,100], got %d", quality)
	}

	src, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode capture: %w", err)
	}

	out := src
	if src.Bounds().Dx() > e.maxWidth {
		out = scale(src, e.maxWidth)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// Format reports the thumbnail extension and content type.
func (e *Encoder) Format() (string, string) {
	return "jpg", "image/jpeg"
}

// scale produces a nearest-neighbor downscale to the target width,
// preserving the aspect ratio.
func scale(src image.Image, width int) image.Image {
	bounds := src.Bounds()
	height := bounds.Dy() * width / bounds.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		srcY := bounds.Min.Y + y*bounds.Dy()/height
		for x := 0; x < width; x++ {
			srcX := bounds.Min.X + x*bounds.Dx()/width
			dst.Set(x, y, src.At(srcX, srcY))
		}
	}
	return dst
}
