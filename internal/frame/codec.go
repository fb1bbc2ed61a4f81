// Package frame decodes webcam frames sent over the websocket transport.
package frame

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"strings"

	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/webp" // register WebP decoder
)

const (
	// DefaultMaxEncodedBytes caps the base64 payload of a single frame.
	DefaultMaxEncodedBytes = 5 << 20
	// DefaultMaxPixels caps the decoded image area.
	DefaultMaxPixels = 4096 * 4096
)

var (
	ErrEmptyFrame    = errors.New("empty frame")
	ErrBadEncoding   = errors.New("invalid base64 payload")
	ErrBadImage      = errors.New("unsupported or corrupt image")
	ErrFrameTooLarge = errors.New("frame too large")
)

// DecodeError reports why a frame could not be decoded. It is always a
// per-frame failure.
type DecodeError struct {
	Reason error
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode frame: " + e.Reason.Error()
	}
	return fmt.Sprintf("decode frame: %v: %v", e.Reason, e.Err)
}

// Unwrap exposes both the reason sentinel and the underlying cause.
func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

// Frame is a decoded still image.
type Frame struct {
	// Pixels is the canonical pixel buffer.
	Pixels *image.NRGBA
	// Encoded holds the original image bytes, after base64 decoding.
	Encoded []byte
	// Format is the image format name reported by the decoder.
	Format string
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int { return f.Pixels.Bounds().Dx() }

// Height returns the frame height in pixels.
func (f *Frame) Height() int { return f.Pixels.Bounds().Dy() }

// Codec decodes frames. The zero value uses the default limits.
type Codec struct {
	MaxEncodedBytes int
	MaxPixels       int
}

// NewCodec returns a codec with the given limits; non-positive values fall
// back to the defaults.
func NewCodec(maxEncodedBytes, maxPixels int) *Codec {
	return &Codec{MaxEncodedBytes: maxEncodedBytes, MaxPixels: maxPixels}
}

// StripPrefix drops everything up to and including the first comma, the
// "data:image/jpeg;base64," part of a data URL. Strings without a comma are
// returned unchanged.
func StripPrefix(raw string) string {
	if i := strings.IndexByte(raw, ','); i >= 0 {
		return raw[i+1:]
	}
	return raw
}

// Decode turns a transport payload into a Frame.
func (c *Codec) Decode(raw string) (*Frame, error) {
	payload := strings.TrimSpace(StripPrefix(raw))
	if payload == "" {
		return nil, &DecodeError{Reason: ErrEmptyFrame}
	}
	if len(payload) > c.maxEncodedBytes() {
		return nil, &DecodeError{Reason: ErrFrameTooLarge, Err: fmt.Errorf("%d encoded bytes", len(payload))}
	}

	data, err := decodeBase64(payload)
	if err != nil {
		return nil, &DecodeError{Reason: ErrBadEncoding, Err: err}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Reason: ErrBadImage, Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, &DecodeError{Reason: ErrBadImage, Err: fmt.Errorf("empty bounds %dx%d", cfg.Width, cfg.Height)}
	}
	if cfg.Width*cfg.Height > c.maxPixels() {
		return nil, &DecodeError{Reason: ErrFrameTooLarge, Err: fmt.Errorf("%dx%d pixels", cfg.Width, cfg.Height)}
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Reason: ErrBadImage, Err: err}
	}

	return &Frame{Pixels: toNRGBA(img), Encoded: data, Format: format}, nil
}

func (c *Codec) maxEncodedBytes() int {
	if c == nil || c.MaxEncodedBytes <= 0 {
		return DefaultMaxEncodedBytes
	}
	return c.MaxEncodedBytes
}

func (c *Codec) maxPixels() int {
	if c == nil || c.MaxPixels <= 0 {
		return DefaultMaxPixels
	}
	return c.MaxPixels
}

func decodeBase64(payload string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err == nil {
		return data, nil
	}
	// Some browsers strip the padding.
	if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "=")); rawErr == nil {
		return raw, nil
	}
	return nil, err
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
