// Package session runs the per-connection focus tracking engine and keeps
// track of live connections.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ErrDuplicateConnection is returned when a connection ID is registered twice.
var ErrDuplicateConnection = errors.New("connection already registered")

// ConnectionInfo is an immutable view of a live connection.
type ConnectionInfo struct {
	ConnectionID string    `json:"connection_id"`
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	State        string    `json:"state"`
}

// Entry is a live connection as seen by the registry.
type Entry interface {
	Info() ConnectionInfo
	Shutdown(code websocket.StatusCode, reason string)
}

// Registry tracks live connections by connection ID.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]Entry),
		logger:  logger,
	}
}

// Register adds e under id. An existing entry is left untouched.
func (r *Registry) Register(id string, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		r.logger.Warn("Duplicate connection rejected", "connection_id", id)
		return ErrDuplicateConnection
	}
	r.entries[id] = e
	r.logger.Info("Connection registered", "connection_id", id, "active", len(r.entries))
	return nil
}

// Deregister removes id and reports whether it was present.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; !exists {
		return false
	}
	delete(r.entries, id)
	r.logger.Info("Connection deregistered", "connection_id", id, "active", len(r.entries))
	return true
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns a snapshot of every live connection, oldest first.
func (r *Registry) List() []ConnectionInfo {
	r.mu.RLock()
	out := make([]ConnectionInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Info())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// CloseAll asks every live connection to shut down with 1001 and waits until
// they have deregistered or ctx ends.
func (r *Registry) CloseAll(ctx context.Context, reason string) error {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		e.Shutdown(websocket.StatusGoingAway, reason)
	}
	if len(entries) > 0 {
		r.logger.Info("Closing live connections", "count", len(entries), "reason", reason)
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for r.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
