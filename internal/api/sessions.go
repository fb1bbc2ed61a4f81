package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"gonum.org/v1/gonum/stat"

	"github.com/ashureev/focus-guardian/internal/domain"
	"github.com/ashureev/focus-guardian/internal/identity"
	"github.com/ashureev/focus-guardian/internal/report"
	"github.com/ashureev/focus-guardian/internal/store"
)

const (
	defaultSessionLimit = 20
	maxSessionLimit     = 500
	statsSessionLimit   = 10000
	detectionPageLimit  = 5000
)

// RegisterRoutes registers the authenticated API routes.
func (h *Handler) RegisterRoutes(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Route("/api", func(r chi.Router) {
		r.Use(auth)
		r.Get("/stats", h.Stats)
		r.Get("/connections", h.Connections)
		r.Get("/metrics", h.Metrics)
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{sessionID}", h.GetSession)
		r.Post("/sessions/{sessionID}/report", h.Report)
	})
}

// UserStats is the caller's history across all sessions.
type UserStats struct {
	Sessions        int     `json:"sessions"`
	TotalFocused    int     `json:"total_focused"`
	TotalDistracted int     `json:"total_distracted"`
	TotalDrowsy     int     `json:"total_drowsy"`
	AvgScore        float64 `json:"avg_score"`
	BestScore       float64 `json:"best_score"`
	Truncated       bool    `json:"truncated"`
}

// Stats sums the caller's most recent sessions, at most statsLimit of them;
// truncated is set when older sessions were left out. avg_score is the mean
// of per-session averages.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessions, err := h.repo.ListSessions(r.Context(), userID, h.statsLimit+1)
	if err != nil {
		slog.Error("Failed to list sessions", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load sessions")
		return
	}
	truncated := len(sessions) > h.statsLimit
	if truncated {
		sessions = sessions[:h.statsLimit]
	}
	out := summarize(sessions)
	out.Truncated = truncated
	JSON(w, http.StatusOK, out)
}

func summarize(sessions []*domain.FocusSession) UserStats {
	out := UserStats{Sessions: len(sessions)}
	if len(sessions) == 0 {
		return out
	}
	avgs := make([]float64, len(sessions))
	for i, s := range sessions {
		out.TotalFocused += s.TotalFocused
		out.TotalDistracted += s.TotalDistracted
		out.TotalDrowsy += s.TotalDrowsy
		avgs[i] = s.AvgScore
		if s.AvgScore > out.BestScore {
			out.BestScore = s.AvgScore
		}
	}
	out.AvgScore = stat.Mean(avgs, nil)
	return out
}

// ListSessions returns the caller's recent sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	limit := defaultSessionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxSessionLimit)
	}

	sessions, err := h.repo.ListSessions(r.Context(), userID, limit)
	if err != nil {
		slog.Error("Failed to list sessions", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load sessions")
		return
	}
	if sessions == nil {
		sessions = []*domain.FocusSession{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions, "count": len(sessions)})
}

// GetSession returns one of the caller's sessions with its detections.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	dets, err := h.repo.ListDetections(r.Context(), sess.SessionID, detectionPageLimit)
	if err != nil {
		slog.Error("Failed to list detections", "error", err, "session_id", sess.SessionID)
		Error(w, http.StatusInternalServerError, "failed to load detections")
		return
	}
	if dets == nil {
		dets = []domain.Detection{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"session": sess, "detections": dets})
}

// Report rebuilds a session summary from history and publishes it.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	summary, err := report.Build(r.Context(), h.repo, sess.SessionID)
	if err != nil {
		slog.Error("Failed to build report", "error", err, "session_id", sess.SessionID)
		Error(w, http.StatusInternalServerError, "failed to build report")
		return
	}
	if err := h.hook.Publish(r.Context(), *summary); err != nil {
		slog.Warn("Failed to publish report", "error", err, "session_id", sess.SessionID)
		Error(w, http.StatusServiceUnavailable, "report queue unavailable")
		return
	}
	JSON(w, http.StatusAccepted, summary)
}

func (h *Handler) ownedSession(w http.ResponseWriter, r *http.Request) (*domain.FocusSession, bool) {
	userID := identity.UserIDFromContext(r.Context())
	id := chi.URLParam(r, "sessionID")

	sess, err := h.repo.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && sess.UserID != userID) {
		Error(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	if err != nil {
		slog.Error("Failed to get session", "error", err, "session_id", id)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return nil, false
	}
	return sess, true
}
