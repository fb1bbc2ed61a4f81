package session

import (
	"encoding/json"

	"github.com/ashureev/focus-guardian/internal/domain"
)

// Inbound message types.
const (
	TypeAuth     = "auth"
	TypeFrame    = "frame"
	TypeReset    = "reset"
	TypePing     = "ping"
	TypeGetStats = "get_stats"
)

// Outbound message types.
const (
	TypeConnected = "connected"
	TypeDetection = "detection"
	TypeStats     = "stats"
	TypePong      = "pong"
	TypeError     = "error"
)

// Error codes carried in error replies.
const (
	CodeInvalidJSON    = "invalid_json"
	CodeUnknownType    = "unknown_type"
	CodeDecodeError    = "decode_error"
	CodeExtractTimeout = "extract_timeout"
	CodeDetectFailed   = "detection_failed"
	CodePersistence    = "persistence_error"
	CodePersistTimeout = "persist_timeout"
	CodeUnexpectedAuth = "unexpected_auth"
	CodeInternal       = "internal_error"
)

// inbound is the union of every client message.
type inbound struct {
	Type      string          `json:"type"`
	Data      string          `json:"data,omitempty"`
	Token     string          `json:"token,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

type connectedMessage struct {
	Type            string `json:"type"`
	Status          string `json:"status"`
	SessionID       string `json:"session_id"`
	ConnectionID    string `json:"connection_id"`
	Message         string `json:"message"`
	FrameIntervalMs int64  `json:"frame_interval_ms"`
}

type detectionMessage struct {
	Type       string                    `json:"type"`
	Status     domain.AttentivenessState `json:"status"`
	FocusScore int                       `json:"focus_score"`
	EAR        *float64                  `json:"ear,omitempty"`
	Degraded   bool                      `json:"degraded"`
	Stats      domain.AggregateSnapshot  `json:"stats"`
	Timestamp  int64                     `json:"timestamp"`
}

type statsMessage struct {
	Type  string                   `json:"type"`
	Stats domain.AggregateSnapshot `json:"stats"`
}

type resetMessage struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type pongMessage struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Fatal   bool   `json:"fatal"`
}

func newDetectionMessage(r domain.DetectionResult, snap domain.AggregateSnapshot) detectionMessage {
	return detectionMessage{
		Type:       TypeDetection,
		Status:     r.State,
		FocusScore: r.Score,
		EAR:        r.EAR,
		Degraded:   r.Degraded,
		Stats:      snap,
		Timestamp:  r.ObservedAt.UnixMilli(),
	}
}

func newError(code, msg string) errorMessage {
	return errorMessage{Type: TypeError, Code: code, Message: msg}
}
