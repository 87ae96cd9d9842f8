package imaging

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255}) //nolint:gosec // test pattern
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestJPEGResizer(t *testing.T) {
	ctx := context.Background()

	t.Run("re-encodes as jpeg keeping dimensions", func(t *testing.T) {
		r := NewJPEGResizer()

		out, contentType, err := r.Resize(ctx, testPNG(t, 64, 32))
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", contentType)

		img, err := jpeg.Decode(bytes.NewReader(out))
		require.NoError(t, err)
		assert.Equal(t, 64, img.Bounds().Dx())
		assert.Equal(t, 32, img.Bounds().Dy())
	})

	t.Run("bounds the longest side", func(t *testing.T) {
		r := NewJPEGResizer(WithMaxDimension(16))

		out, _, err := r.Resize(ctx, testPNG(t, 64, 32))
		require.NoError(t, err)

		img, err := jpeg.Decode(bytes.NewReader(out))
		require.NoError(t, err)
		assert.Equal(t, 16, img.Bounds().Dx())
		assert.Equal(t, 8, img.Bounds().Dy())
	})

	t.Run("lower quality produces fewer bytes", func(t *testing.T) {
		in := testPNG(t, 64, 64)

		low, _, err := NewJPEGResizer(WithQuality(5)).Resize(ctx, in)
		require.NoError(t, err)
		high, _, err := NewJPEGResizer(WithQuality(95)).Resize(ctx, in)
		require.NoError(t, err)

		assert.Less(t, len(low), len(high))
	})

	t.Run("rejects non-images", func(t *testing.T) {
		_, _, err := NewJPEGResizer().Resize(ctx, []byte("definitely not an image"))
		require.ErrorIs(t, err, ErrUnsupportedImage)
	})

	t.Run("clamps quality", func(t *testing.T) {
		assert.Equal(t, 100, NewJPEGResizer(WithQuality(500)).quality)
		assert.Equal(t, 1, NewJPEGResizer(WithQuality(-3)).quality)
	})
}
