package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/focus-guardian/internal/detector"
	"github.com/ashureev/focus-guardian/internal/identity"
	"github.com/ashureev/focus-guardian/internal/session"
)

// RegisterPublicRoutes registers endpoints that need no authentication.
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/ws/status", h.WSStatus)
}

// Health reports whether the database is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.repo.Ping(ctx); err != nil {
		slog.Warn("Health check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": "unreachable"})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "healthy", "database": "ok"})
}

type statusSettings struct {
	Thresholds         detector.Thresholds `json:"thresholds"`
	FrameIntervalMs    int64               `json:"frame_interval_ms"`
	LandmarksAvailable bool                `json:"landmarks_available"`
}

// WSStatus describes the websocket service without touching any session.
func (h *Handler) WSStatus(w http.ResponseWriter, r *http.Request) {
	settings := statusSettings{
		Thresholds:      detector.DefaultThresholds(),
		FrameIntervalMs: h.frameInterval.Milliseconds(),
	}
	if h.detector != nil {
		settings.Thresholds = h.detector.Thresholds()
		settings.LandmarksAvailable = h.detector.Available()
	}

	active := 0
	if h.registry != nil {
		active = h.registry.Len()
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"status":             "online",
		"active_connections": active,
		"settings":           settings,
	})
}

// Connections lists the caller's live connections.
func (h *Handler) Connections(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	list := []session.ConnectionInfo{}
	if h.registry != nil {
		for _, c := range h.registry.List() {
			if c.UserID == userID {
				list = append(list, c)
			}
		}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"connections": list, "count": len(list)})
}

// Metrics returns the process-wide engine counters. They carry no per-user
// data.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.metrics.Snapshot())
}
