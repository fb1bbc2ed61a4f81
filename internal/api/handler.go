// Package api provides HTTP handlers for the focus-guardian REST API.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashureev/focus-guardian/internal/detector"
	"github.com/ashureev/focus-guardian/internal/metrics"
	"github.com/ashureev/focus-guardian/internal/report"
	"github.com/ashureev/focus-guardian/internal/session"
	"github.com/ashureev/focus-guardian/internal/store"
)

// DetectorInfo describes the classification pipeline for status reporting.
type DetectorInfo interface {
	Available() bool
	Thresholds() detector.Thresholds
}

// Handler provides common handler utilities.
type Handler struct {
	repo          store.Repository
	registry      *session.Registry
	metrics       *metrics.Metrics
	detector      DetectorInfo
	hook          report.Hook
	frameInterval time.Duration
	statsLimit    int
}

// Deps are the collaborators the REST handlers read from.
type Deps struct {
	Repo          store.Repository
	Registry      *session.Registry
	Metrics       *metrics.Metrics
	Detector      DetectorInfo
	Hook          report.Hook
	FrameInterval time.Duration
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(deps Deps) *Handler {
	h := &Handler{
		repo:          deps.Repo,
		registry:      deps.Registry,
		metrics:       deps.Metrics,
		detector:      deps.Detector,
		hook:          deps.Hook,
		frameInterval: deps.FrameInterval,
		statsLimit:    statsSessionLimit,
	}
	if h.metrics == nil {
		h.metrics = metrics.New()
	}
	if h.hook == nil {
		h.hook = report.NopHook{}
	}
	return h
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
