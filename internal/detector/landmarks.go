// Package detector turns facial landmarks into attentiveness results.
package detector

import (
	"context"
	"errors"

	"github.com/ashureev/focus-guardian/internal/frame"
)

// ErrExtractorUnavailable is returned by extractors that cannot serve calls.
var ErrExtractorUnavailable = errors.New("landmark extractor unavailable")

// Point is a landmark coordinate normalized to [0,1] in both axes.
type Point struct {
	X float64
	Y float64
}

// LandmarkSet is the output of a landmark extractor for a single face.
// Points are indexed by the extractor's mesh numbering.
type LandmarkSet struct {
	Points []Point
	// Width and Height of the source image, used to undo normalization.
	// Zero values leave coordinates normalized.
	Width  int
	Height int
}

// Extractor maps an image to facial landmarks. A nil set with a nil error
// means no face was found.
type Extractor interface {
	Extract(ctx context.Context, f *frame.Frame) (*LandmarkSet, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, f *frame.Frame) (*LandmarkSet, error)

// Extract calls fn.
func (fn ExtractorFunc) Extract(ctx context.Context, f *frame.Frame) (*LandmarkSet, error) {
	return fn(ctx, f)
}

// EyeContour lists six landmark indices around one eye, ordered p1..p6:
// p1 and p4 are the horizontal corners, (p2,p6) and (p3,p5) the vertical pairs.
type EyeContour [6]int

// Default face-mesh eye contours.
var (
	DefaultLeftEye  = EyeContour{362, 385, 387, 263, 373, 380}
	DefaultRightEye = EyeContour{33, 160, 158, 133, 153, 144}
)
