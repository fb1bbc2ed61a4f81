package detector

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/ashureev/focus-guardian/internal/domain"
)

// NeutralEAR substitutes for eye geometry that cannot be measured.
const NeutralEAR = 0.3

// Thresholds is the classification policy. Values are tunable through
// configuration.
type Thresholds struct {
	DrowsyBelow     float64 `json:"ear_drowsy_below"`
	DistractedBelow float64 `json:"ear_distracted_below"`
	DrowsyScore     int     `json:"score_drowsy"`
	DistractedScore int     `json:"score_distracted"`
	FocusedScore    int     `json:"score_focused"`
	NoFaceScore     int     `json:"score_no_face"`
}

// DefaultThresholds returns the stock policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DrowsyBelow:     0.20,
		DistractedBelow: 0.23,
		DrowsyScore:     40,
		DistractedScore: 65,
		FocusedScore:    85,
		NoFaceScore:     30,
	}
}

// Validate checks the thresholds are ordered and scores are in range.
func (t Thresholds) Validate() error {
	if t.DrowsyBelow <= 0 || t.DistractedBelow <= 0 {
		return errors.New("EAR thresholds must be positive")
	}
	if t.DrowsyBelow > t.DistractedBelow {
		return fmt.Errorf("drowsy threshold %.3f exceeds distracted threshold %.3f", t.DrowsyBelow, t.DistractedBelow)
	}
	for name, s := range map[string]int{
		"drowsy":     t.DrowsyScore,
		"distracted": t.DistractedScore,
		"focused":    t.FocusedScore,
		"no_face":    t.NoFaceScore,
	} {
		if s < 0 || s > 100 {
			return fmt.Errorf("%s score %d out of range [0,100]", name, s)
		}
	}
	return nil
}

// Classifier maps landmarks to a DetectionResult. It holds no mutable state.
type Classifier struct {
	thresholds Thresholds
	leftEye    EyeContour
	rightEye   EyeContour
	now        func() time.Time
}

// NewClassifier returns a classifier using the default eye contours.
func NewClassifier(t Thresholds) *Classifier {
	return &Classifier{
		thresholds: t,
		leftEye:    DefaultLeftEye,
		rightEye:   DefaultRightEye,
		now:        time.Now,
	}
}

// Thresholds returns the policy in use.
func (c *Classifier) Thresholds() Thresholds {
	return c.thresholds
}

// Classify scores one frame's landmarks. A nil set means no face was found.
func (c *Classifier) Classify(lm *LandmarkSet) domain.DetectionResult {
	if lm == nil {
		return domain.DetectionResult{
			State:      domain.StateDistracted,
			Score:      c.thresholds.NoFaceScore,
			ObservedAt: c.now(),
		}
	}

	ear := (EyeAspectRatio(lm, c.leftEye) + EyeAspectRatio(lm, c.rightEye)) / 2
	return c.ClassifyEAR(ear)
}

// ClassifyEAR applies the thresholds to an averaged eye aspect ratio.
// Lower bounds are inclusive: EAR equal to a threshold falls in the upper band.
func (c *Classifier) ClassifyEAR(ear float64) domain.DetectionResult {
	res := domain.DetectionResult{EAR: &ear, ObservedAt: c.now()}
	switch {
	case ear < c.thresholds.DrowsyBelow:
		res.State = domain.StateDrowsy
		res.Score = c.thresholds.DrowsyScore
	case ear < c.thresholds.DistractedBelow:
		res.State = domain.StateDistracted
		res.Score = c.thresholds.DistractedScore
	default:
		res.State = domain.StateFocused
		res.Score = c.thresholds.FocusedScore
	}
	return res
}

// EyeAspectRatio computes (|p2-p6| + |p3-p5|) / (2|p1-p4|) for one eye.
// Missing points or degenerate geometry yield NeutralEAR.
func EyeAspectRatio(lm *LandmarkSet, eye EyeContour) float64 {
	var p [6][]float64
	for i, idx := range eye {
		if idx < 0 || idx >= len(lm.Points) {
			return NeutralEAR
		}
		p[i] = lm.pixel(idx)
	}

	horizontal := floats.Distance(p[0], p[3], 2)
	if horizontal == 0 || math.IsNaN(horizontal) || math.IsInf(horizontal, 0) {
		return NeutralEAR
	}
	ear := (floats.Distance(p[1], p[5], 2) + floats.Distance(p[2], p[4], 2)) / (2 * horizontal)
	if math.IsNaN(ear) || math.IsInf(ear, 0) {
		return NeutralEAR
	}
	return ear
}

func (lm *LandmarkSet) pixel(i int) []float64 {
	pt := lm.Points[i]
	w, h := float64(lm.Width), float64(lm.Height)
	if w <= 0 || h <= 0 {
		return []float64{pt.X, pt.Y}
	}
	return []float64{pt.X * w, pt.Y * h}
}
