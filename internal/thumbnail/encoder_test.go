package thumbnail

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/require"
)

func encodeTestJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func TestEncodeThumbnailDownscalesWideCaptures(t *testing.T) {
	t.Parallel()

	enc := New(320)
	out, err := enc.EncodeThumbnail(context.Background(), encodeTestJPEG(t, 1440, 900), 80)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, 320, img.Bounds().Dx())
	require.Equal(t, 200, img.Bounds().Dy())
}

func TestEncodeThumbnailKeepsNarrowCaptures(t *testing.T) {
	t.Parallel()

	enc := New(640)
	out, err := enc.EncodeThumbnail(context.Background(), encodeTestJPEG(t, 400, 300), 80)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, 400, img.Bounds().Dx())
}

func TestEncodeThumbnailValidatesInput(t *testing.T) {
	t.Parallel()

	enc := New(0)
	_, err := enc.EncodeThumbnail(context.Background(), []byte("not a jpeg"), 80)
	require.Error(t, err)

	_, err = enc.EncodeThumbnail(context.Background(), encodeTestJPEG(t, 10, 10), 0)
	require.Error(t, err)

	ext, contentType := enc.Format()
	require.Equal(t, "jpg", ext)
	require.Equal(t, "image/jpeg", contentType)
}
