package domain

import (
	"math"
	"time"
)

// SessionAggregate holds the running statistics of one live session.
// It is owned by a single connection and is not safe for concurrent use.
type SessionAggregate struct {
	Focused    int
	Distracted int
	Drowsy     int
	MeanScore  float64
	StartedAt  time.Time
	EndedAt    *time.Time
}

// NewSessionAggregate returns an empty aggregate started at startedAt.
func NewSessionAggregate(startedAt time.Time) *SessionAggregate {
	return &SessionAggregate{StartedAt: startedAt}
}

// Total returns the number of detections folded since the last reset.
func (a *SessionAggregate) Total() int {
	return a.Focused + a.Distracted + a.Drowsy
}

// Fold records one detection and returns the updated snapshot.
// Results with an unknown state are ignored.
func (a *SessionAggregate) Fold(r DetectionResult) AggregateSnapshot {
	switch r.State {
	case StateFocused:
		a.Focused++
	case StateDistracted:
		a.Distracted++
	case StateDrowsy:
		a.Drowsy++
	default:
		return a.Snapshot()
	}

	n := a.Total()
	a.MeanScore += (float64(r.Score) - a.MeanScore) / float64(n)
	return a.Snapshot()
}

// Reset zeroes the counters and the mean. StartedAt is kept.
func (a *SessionAggregate) Reset() {
	a.Focused = 0
	a.Distracted = 0
	a.Drowsy = 0
	a.MeanScore = 0
}

// End stamps the end time once; later calls keep the first value.
func (a *SessionAggregate) End(at time.Time) {
	if a.EndedAt != nil {
		return
	}
	a.EndedAt = &at
}

// Snapshot returns an immutable copy of the counters.
func (a *SessionAggregate) Snapshot() AggregateSnapshot {
	return AggregateSnapshot{
		TotalFocused:    a.Focused,
		TotalDistracted: a.Distracted,
		TotalDrowsy:     a.Drowsy,
		TotalDetections: a.Total(),
		AvgScore:        int(math.Round(a.MeanScore)),
		MeanScore:       a.MeanScore,
	}
}

// AggregateSnapshot is the wire and persistence form of an aggregate.
type AggregateSnapshot struct {
	TotalFocused    int     `json:"totalFocused"`
	TotalDistracted int     `json:"totalDistracted"`
	TotalDrowsy     int     `json:"totalDrowsy"`
	TotalDetections int     `json:"totalDetections"`
	AvgScore        int     `json:"avgScore"`
	MeanScore       float64 `json:"meanScore"`
}
