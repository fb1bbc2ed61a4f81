// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/focus-guardian/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Repository defines the persistence operations used by the session engine
// and the REST API. Writes for one session are issued in order by the
// connection that owns it.
type Repository interface {
	// GetUser retrieves a user by ID. Returns ErrNotFound when missing.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// CreateUser inserts a new user record.
	CreateUser(ctx context.Context, user *domain.User) error

	// CreateSession opens a session record.
	CreateSession(ctx context.Context, session *domain.FocusSession) error

	// AppendDetection stores one detection and the aggregate it produced.
	AppendDetection(ctx context.Context, d domain.Detection, agg domain.AggregateSnapshot) error

	// FinalizeSession writes the final aggregate and the end time.
	FinalizeSession(ctx context.Context, sessionID string, agg domain.AggregateSnapshot, endedAt time.Time) error

	// GetSession retrieves a session by ID. Returns ErrNotFound when missing.
	GetSession(ctx context.Context, sessionID string) (*domain.FocusSession, error)

	// ListSessions returns a user's sessions, newest first.
	ListSessions(ctx context.Context, userID string, limit int) ([]*domain.FocusSession, error)

	// ListDetections returns a session's detections in observation order.
	// A non-positive limit returns all of them.
	ListDetections(ctx context.Context, sessionID string, limit int) ([]domain.Detection, error)

	// CloseOpenSessions stamps endedAt on sessions left open by a previous
	// process and returns how many were closed.
	CloseOpenSessions(ctx context.Context, endedAt time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
