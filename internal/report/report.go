// Package report publishes session summaries when sessions end or when a
// user asks for one.
package report

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/ashureev/focus-guardian/internal/domain"
	"github.com/ashureev/focus-guardian/internal/store"
)

// Reasons a summary was produced.
const (
	ReasonSessionEnd = "session_end"
	ReasonOnDemand   = "on_demand"
)

var (
	// ErrQueueFull is returned when the hook cannot accept more summaries.
	ErrQueueFull = errors.New("report queue full")
	// ErrClosed is returned after the hook has been shut down.
	ErrClosed = errors.New("report hook closed")
)

// Summary describes one session at a point in time.
type Summary struct {
	SessionID       string                   `json:"session_id"`
	UserID          string                   `json:"user_id"`
	Reason          string                   `json:"reason"`
	StartedAt       time.Time                `json:"started_at"`
	EndedAt         *time.Time               `json:"ended_at,omitempty"`
	DurationSeconds float64                  `json:"duration_seconds"`
	Stats           domain.AggregateSnapshot `json:"stats"`
	BestScore       *int                     `json:"best_score,omitempty"`
	GeneratedAt     time.Time                `json:"generated_at"`
}

// Hook receives summaries. Implementations must not block the caller for
// long; teardown calls Publish on its way out.
type Hook interface {
	Publish(ctx context.Context, s Summary) error
}

// NopHook discards every summary.
type NopHook struct{}

// Publish implements Hook.
func (NopHook) Publish(context.Context, Summary) error { return nil }

// NewSummary builds a summary from a live aggregate snapshot.
func NewSummary(sessionID, userID, reason string, startedAt time.Time, endedAt *time.Time, snap domain.AggregateSnapshot) Summary {
	now := time.Now()
	end := now
	if endedAt != nil {
		end = *endedAt
	}
	return Summary{
		SessionID:       sessionID,
		UserID:          userID,
		Reason:          reason,
		StartedAt:       startedAt,
		EndedAt:         endedAt,
		DurationSeconds: math.Max(0, end.Sub(startedAt).Seconds()),
		Stats:           snap,
		GeneratedAt:     now,
	}
}

// Build recomputes a summary from the persisted history of a session,
// including the best score, which the live aggregate does not track.
func Build(ctx context.Context, repo store.Repository, sessionID string) (*Summary, error) {
	sess, err := repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	dets, err := repo.ListDetections(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("list detections: %w", err)
	}

	var snap domain.AggregateSnapshot
	var best *int
	if len(dets) == 0 {
		snap = domain.AggregateSnapshot{
			TotalFocused:    sess.TotalFocused,
			TotalDistracted: sess.TotalDistracted,
			TotalDrowsy:     sess.TotalDrowsy,
			TotalDetections: sess.Total(),
			AvgScore:        int(math.Round(sess.AvgScore)),
			MeanScore:       sess.AvgScore,
		}
	} else {
		scores := make([]float64, len(dets))
		for i, d := range dets {
			scores[i] = float64(d.Score)
			switch d.State {
			case domain.StateFocused:
				snap.TotalFocused++
			case domain.StateDistracted:
				snap.TotalDistracted++
			case domain.StateDrowsy:
				snap.TotalDrowsy++
			}
		}
		snap.TotalDetections = snap.TotalFocused + snap.TotalDistracted + snap.TotalDrowsy
		snap.MeanScore = stat.Mean(scores, nil)
		snap.AvgScore = int(math.Round(snap.MeanScore))
		b := int(floats.Max(scores))
		best = &b
	}

	s := NewSummary(sess.SessionID, sess.UserID, ReasonOnDemand, sess.StartedAt, sess.EndedAt, snap)
	s.BestScore = best
	return &s, nil
}
