package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/focus-guardian/internal/domain"
	"github.com/ashureev/focus-guardian/internal/frame"
)

// DefaultTimeout bounds one landmark extraction call.
const DefaultTimeout = 2 * time.Second

// ErrExtractTimeout is returned when the extractor does not answer in time.
// Callers treat it as a per-frame failure.
var ErrExtractTimeout = errors.New("landmark extraction timed out")

// Options configures a Detector.
type Options struct {
	// LandmarksAvailable tells the detector whether the extractor capability
	// came up. When false every frame goes through the synthetic generator.
	LandmarksAvailable bool
	Timeout            time.Duration
	Logger             *slog.Logger
}

// Detector runs landmark extraction and classification for one frame.
// It is shared by all connections and holds no per-session state.
type Detector struct {
	extractor  Extractor
	classifier *Classifier
	synthetic  *Synthetic
	available  bool
	timeout    time.Duration
	logger     *slog.Logger
}

// New builds a detector. A nil extractor forces degraded mode.
func New(extractor Extractor, classifier *Classifier, synthetic *Synthetic, opts Options) *Detector {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if synthetic == nil {
		synthetic = NewSynthetic(nil)
	}
	return &Detector{
		extractor:  extractor,
		classifier: classifier,
		synthetic:  synthetic,
		available:  opts.LandmarksAvailable && extractor != nil,
		timeout:    opts.Timeout,
		logger:     opts.Logger,
	}
}

// Available reports whether real landmark extraction is in use.
func (d *Detector) Available() bool { return d.available }

// Thresholds returns the classifier policy.
func (d *Detector) Thresholds() Thresholds { return d.classifier.Thresholds() }

type extraction struct {
	lm  *LandmarkSet
	err error
}

// Detect classifies a decoded frame. The only errors returned are
// ErrExtractTimeout and the cancellation of ctx.
func (d *Detector) Detect(ctx context.Context, f *frame.Frame) (domain.DetectionResult, error) {
	if !d.available {
		return d.synthetic.Generate(), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	// Buffered so an abandoned call can still deliver and exit.
	done := make(chan extraction, 1)
	go func() {
		lm, err := d.extractor.Extract(callCtx, f)
		done <- extraction{lm: lm, err: err}
	}()

	var out extraction
	select {
	case out = <-done:
	case <-callCtx.Done():
		out = extraction{err: callCtx.Err()}
	}

	if out.err != nil {
		if ctx.Err() != nil {
			return domain.DetectionResult{}, ctx.Err()
		}
		if errors.Is(out.err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return domain.DetectionResult{}, fmt.Errorf("%w after %s", ErrExtractTimeout, d.timeout)
		}
		d.logger.Warn("Landmark extraction failed, using synthetic detection", "error", out.err)
		return d.synthetic.Generate(), nil
	}

	if out.lm != nil && (out.lm.Width <= 0 || out.lm.Height <= 0) && f != nil && f.Pixels != nil {
		lm := *out.lm
		lm.Width, lm.Height = f.Width(), f.Height()
		out.lm = &lm
	}
	return d.classifier.Classify(out.lm), nil
}
