// Package imaging bounds and re-compresses uploaded images so that every
// stored image has a predictable, small footprint.
package imaging

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"strings"

	// Registered decoders for image.Decode.
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultMaxDim is the default bound for both dimensions.
	DefaultMaxDim = 1200

	// DefaultQuality is the JPEG quality used for re-encoding (80 of 100).
	DefaultQuality = 80

	// DefaultMaxInputBytes caps the decoded payload accepted for normalization.
	DefaultMaxInputBytes = 32 << 20

	// DefaultMaxPixels caps the declared width x height of accepted images.
	DefaultMaxPixels = 50_000_000

	outputMediaType = "image/jpeg"
)

// ErrImageDecode is returned when an upload cannot be decoded into an image.
var ErrImageDecode = errors.New("image decode failed")

// Normalizer resizes inline images to a bounded size and re-encodes them as
// JPEG. The output is lossy; normalizing twice does not reproduce the input
// bytes.
type Normalizer struct {
	quality       int
	maxInputBytes int
	maxPixels     int
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithQuality sets the JPEG quality (1-100).
func WithQuality(q int) Option {
	return func(n *Normalizer) {
		if q >= 1 && q <= 100 {
			n.quality = q
		}
	}
}

// WithMaxInputBytes caps the decoded size of accepted payloads.
func WithMaxInputBytes(max int) Option {
	return func(n *Normalizer) {
		if max > 0 {
			n.maxInputBytes = max
		}
	}
}

// WithMaxPixels caps the pixel count an image may declare before it is
// decoded.
func WithMaxPixels(max int) Option {
	return func(n *Normalizer) {
		if max > 0 {
			n.maxPixels = max
		}
	}
}

// NewNormalizer creates a Normalizer with quality 80.
func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{
		quality:       DefaultQuality,
		maxInputBytes: DefaultMaxInputBytes,
		maxPixels:     DefaultMaxPixels,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// IsImageData reports whether ref is an inline image data URI.
func (n *Normalizer) IsImageData(ref string) bool {
	return strings.HasPrefix(ref, "data:image/")
}

// Normalize decodes the data URI ref, shrinks it to fit maxWidth x maxHeight
// (non-positive bounds default to 1200) and returns a JPEG data URI.
func (n *Normalizer) Normalize(ctx context.Context, ref string, maxWidth, maxHeight int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	payload, err := decodeDataURI(ref)
	if err != nil {
		return "", err
	}
	if len(payload) > n.maxInputBytes {
		return "", fmt.Errorf("%w: payload of %d bytes exceeds limit of %d", ErrImageDecode, len(payload), n.maxInputBytes)
	}

	out, err := n.NormalizeBytes(payload, maxWidth, maxHeight)
	if err != nil {
		return "", err
	}
	return encodeDataURI(outputMediaType, out), nil
}

// NormalizeBytes is Normalize for raw encoded image bytes. It returns JPEG bytes.
func (n *Normalizer) NormalizeBytes(payload []byte, maxWidth, maxHeight int) ([]byte, error) {
	// The header is checked first: decoding allocates the full pixel buffer.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImageDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > int64(n.maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d image exceeds limit of %d pixels", ErrImageDecode, cfg.Width, cfg.Height, n.maxPixels)
	}

	src, _, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImageDecode, err)
	}

	b := src.Bounds()
	w, h := FitWithin(b.Dx(), b.Dy(), maxWidth, maxHeight)

	// JPEG has no alpha channel; transparent areas become white.
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: n.quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// FitWithin returns the dimensions of a width x height image scaled down by a
// single factor so that neither side exceeds its bound. Images already within
// bounds are returned unchanged; images are never enlarged. Non-positive
// bounds default to DefaultMaxDim.
func FitWithin(width, height, maxWidth, maxHeight int) (int, int) {
	if maxWidth <= 0 {
		maxWidth = DefaultMaxDim
	}
	if maxHeight <= 0 {
		maxHeight = DefaultMaxDim
	}
	if width <= maxWidth && height <= maxHeight {
		return width, height
	}

	scale := math.Min(float64(maxWidth)/float64(width), float64(maxHeight)/float64(height))
	w := int(math.Round(float64(width) * scale))
	h := int(math.Round(float64(height) * scale))
	return min(max(w, 1), maxWidth), min(max(h, 1), maxHeight)
}

// decodeDataURI extracts the payload of a base64 data URI.
func decodeDataURI(ref string) ([]byte, error) {
	rest, ok := strings.CutPrefix(ref, "data:")
	if !ok {
		return nil, fmt.Errorf("%w: not a data URI", ErrImageDecode)
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("%w: data URI has no payload", ErrImageDecode)
	}
	if !strings.HasSuffix(meta, ";base64") {
		return nil, fmt.Errorf("%w: data URI is not base64 encoded", ErrImageDecode)
	}

	payload, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		// Some encoders omit padding.
		payload, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid base64: %w", ErrImageDecode, err)
		}
	}
	return payload, nil
}

func encodeDataURI(mediaType string, payload []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(payload)
}
