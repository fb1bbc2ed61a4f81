package domain

import (
	"time"
)

// FocusSession is the persisted record of one websocket session.
type FocusSession struct {
	SessionID       string     `json:"session_id"`
	UserID          string     `json:"user_id"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	TotalFocused    int        `json:"total_focused"`
	TotalDistracted int        `json:"total_distracted"`
	TotalDrowsy     int        `json:"total_drowsy"`
	AvgScore        float64    `json:"avg_score"`
}

// Total returns the number of detections recorded for the session.
func (s *FocusSession) Total() int {
	return s.TotalFocused + s.TotalDistracted + s.TotalDrowsy
}

// Duration returns how long the session lasted, or has lasted so far.
func (s *FocusSession) Duration(now time.Time) time.Duration {
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}

// Detection is one persisted per-frame result.
type Detection struct {
	SessionID  string             `json:"session_id"`
	State      AttentivenessState `json:"status"`
	Score      int                `json:"focus_score"`
	EAR        *float64           `json:"ear,omitempty"`
	Degraded   bool               `json:"degraded"`
	ObservedAt time.Time          `json:"timestamp"`
}

// NewDetection builds the persisted form of a detection result.
func NewDetection(sessionID string, r DetectionResult) Detection {
	return Detection{
		SessionID:  sessionID,
		State:      r.State,
		Score:      r.Score,
		EAR:        r.EAR,
		Degraded:   r.Degraded,
		ObservedAt: r.ObservedAt,
	}
}
