// Package metrics keeps process-wide counters for the session engine.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/ashureev/focus-guardian/internal/domain"
)

// Metrics holds atomic counters. The zero value is ready to use.
type Metrics struct {
	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	authFailures      atomic.Int64

	frames        atomic.Int64
	frameErrors   atomic.Int64
	totalLatency  atomic.Int64 // microseconds
	lastFrameTime atomic.Int64 // unix ms

	focused    atomic.Int64
	distracted atomic.Int64
	drowsy     atomic.Int64
	degraded   atomic.Int64

	persistenceFailures atomic.Int64
}

// New returns an empty set of counters.
func New() *Metrics {
	return &Metrics{}
}

// ConnectionOpened records a session that reached Active.
func (m *Metrics) ConnectionOpened() {
	m.activeConnections.Add(1)
	m.totalConnections.Add(1)
}

// ConnectionClosed records a session teardown.
func (m *Metrics) ConnectionClosed() {
	m.activeConnections.Add(-1)
}

// AuthFailed records a rejected handshake.
func (m *Metrics) AuthFailed() {
	m.authFailures.Add(1)
}

// FrameProcessed records a frame that produced a detection.
func (m *Metrics) FrameProcessed(r domain.DetectionResult, took time.Duration) {
	m.frames.Add(1)
	m.totalLatency.Add(took.Microseconds())
	m.lastFrameTime.Store(time.Now().UnixMilli())
	switch r.State {
	case domain.StateFocused:
		m.focused.Add(1)
	case domain.StateDistracted:
		m.distracted.Add(1)
	case domain.StateDrowsy:
		m.drowsy.Add(1)
	}
	if r.Degraded {
		m.degraded.Add(1)
	}
}

// FrameFailed records a frame answered with an error reply.
func (m *Metrics) FrameFailed() {
	m.frameErrors.Add(1)
}

// PersistenceFailed records a store write that ended a session.
func (m *Metrics) PersistenceFailed() {
	m.persistenceFailures.Add(1)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	ActiveConnections   int64   `json:"active_connections"`
	TotalConnections    int64   `json:"total_connections"`
	AuthFailures        int64   `json:"auth_failures"`
	Frames              int64   `json:"frames"`
	FrameErrors         int64   `json:"frame_errors"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
	LastFrameAt         int64   `json:"last_frame_at,omitempty"`
	Focused             int64   `json:"focused"`
	Distracted          int64   `json:"distracted"`
	Drowsy              int64   `json:"drowsy"`
	Degraded            int64   `json:"degraded"`
	PersistenceFailures int64   `json:"persistence_failures"`
}

// Snapshot reads every counter. Counters are read independently, so the
// result is not a consistent cut under concurrent updates.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		ActiveConnections:   m.activeConnections.Load(),
		TotalConnections:    m.totalConnections.Load(),
		AuthFailures:        m.authFailures.Load(),
		Frames:              m.frames.Load(),
		FrameErrors:         m.frameErrors.Load(),
		LastFrameAt:         m.lastFrameTime.Load(),
		Focused:             m.focused.Load(),
		Distracted:          m.distracted.Load(),
		Drowsy:              m.drowsy.Load(),
		Degraded:            m.degraded.Load(),
		PersistenceFailures: m.persistenceFailures.Load(),
	}
	if s.Frames > 0 {
		s.AvgLatencyMs = float64(m.totalLatency.Load()) / float64(s.Frames) / 1000
	}
	return s
}
