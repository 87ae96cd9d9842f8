// Package imaging re-encodes uploaded photos into smaller JPEGs before they
// reach the blob store.
package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // register decoder
	"image/jpeg"
	_ "image/png" // register decoder
	"log/slog"

	"github.com/nfnt/resize"
)

// DefaultQuality is the JPEG quality applied to every stored photo.
const DefaultQuality = 20

// ContentType of every image produced by JPEGResizer.
const ContentType = "image/jpeg"

// ErrUnsupportedImage is returned when the input cannot be decoded.
var ErrUnsupportedImage = errors.New("unsupported image")

// Resizer converts uploaded bytes into the representation that is stored.
// The output is opaque to callers; they store it with the returned content
// type.
type Resizer interface {
	Resize(ctx context.Context, data []byte) (out []byte, contentType string, err error)
}

// JPEGResizer decodes JPEG, PNG or GIF input, optionally bounds its
// dimensions, and re-encodes it as JPEG.
type JPEGResizer struct {
	quality      int
	maxDimension uint
	logger       *slog.Logger
}

// Option configures a JPEGResizer.
type Option func(*JPEGResizer)

// WithQuality sets the JPEG quality (1-100).
func WithQuality(q int) Option {
	return func(r *JPEGResizer) {
		r.quality = q
	}
}

// WithMaxDimension bounds the longest side of the output. Zero keeps the
// original size.
func WithMaxDimension(px uint) Option {
	return func(r *JPEGResizer) {
		r.maxDimension = px
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *JPEGResizer) {
		r.logger = logger
	}
}

// NewJPEGResizer creates a resizer with quality DefaultQuality and no
// dimension bound.
func NewJPEGResizer(opts ...Option) *JPEGResizer {
	r := &JPEGResizer{
		quality: DefaultQuality,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.quality = min(max(r.quality, 1), 100)
	return r
}

// Resize implements Resizer.
func (r *JPEGResizer) Resize(ctx context.Context, data []byte) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}

	if r.maxDimension > 0 {
		b := img.Bounds()
		if uint(b.Dx()) > r.maxDimension || uint(b.Dy()) > r.maxDimension { //nolint:gosec // image bounds are non-negative
			img = resize.Thumbnail(r.maxDimension, r.maxDimension, img, resize.Lanczos3)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: r.quality}); err != nil {
		return nil, "", fmt.Errorf("encoding jpeg: %w", err)
	}

	r.logger.Debug("photo re-encoded",
		"format", format,
		"in_bytes", len(data),
		"out_bytes", buf.Len(),
		"width", img.Bounds().Dx(),
		"height", img.Bounds().Dy())

	return buf.Bytes(), ContentType, nil
}

var _ Resizer = (*JPEGResizer)(nil)
