package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib" // registers the "pgx" driver
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashureev/focus-guardian/internal/domain"
	"github.com/ashureev/focus-guardian/internal/shared"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	writeRetries   = 3
	writeBaseDelay = 50 * time.Millisecond
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLStore implements Repository on database/sql for SQLite and Postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
	// writeMu serializes SQLite writers to avoid SQLITE_BUSY storms.
	writeMu sync.Mutex
}

// Open returns a repository for the given driver. For SQLite dsn is a file
// path; for Postgres it is a connection URL.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLite(ctx, dsn)
	case DriverPostgres:
		return NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(ctx context.Context, dbPath string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for better concurrency.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newSQLStore(ctx, db, DriverSQLite)
}

// NewPostgres creates a new Postgres-backed repository using pgx.
func NewPostgres(ctx context.Context, url string) (*SQLStore, error) {
	if url == "" {
		return nil, errors.New("postgres connection url is empty")
	}
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newSQLStore(ctx, db, DriverPostgres)
}

func newSQLStore(ctx context.Context, db *sql.DB, driver string) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	dialect := goose.DialectSQLite3
	if s.driver == DriverPostgres {
		dialect = goose.DialectPostgres
	}

	provider, err := goose.NewProvider(dialect, s.db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return err
	}
	if len(results) > 0 {
		slog.Info("Applied database migrations", "count", len(results), "driver", s.driver)
	}
	return nil
}

// rebind rewrites ? placeholders for drivers that use numbered parameters.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// write runs fn with SQLite writer serialization and busy retries.
func (s *SQLStore) write(ctx context.Context, op string, fn func() error) error {
	if s.driver != DriverSQLite {
		return fn()
	}
	return shared.RetryOnConflict(ctx, op, writeRetries, writeBaseDelay, func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return fn()
	})
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := s.rebind(`
		SELECT user_id, username, token_hash, created_at, updated_at
		FROM users WHERE user_id = ?`)

	var user domain.User
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &user.TokenHash, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.CreatedAt = time.UnixMilli(createdAt)
	user.UpdatedAt = time.UnixMilli(updatedAt)
	return &user, nil
}

// CreateUser inserts a new user record.
func (s *SQLStore) CreateUser(ctx context.Context, user *domain.User) error {
	query := s.rebind(`
		INSERT INTO users (user_id, username, token_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`)

	return s.write(ctx, "create_user", func() error {
		if _, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username, user.TokenHash,
			user.CreatedAt.UnixMilli(), user.UpdatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		return nil
	})
}

// CreateSession opens a session record.
func (s *SQLStore) CreateSession(ctx context.Context, session *domain.FocusSession) error {
	query := s.rebind(`
		INSERT INTO focus_sessions (session_id, user_id, started_at, total_focused, total_distracted, total_drowsy, avg_score)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)

	return s.write(ctx, "create_session", func() error {
		if _, err := s.db.ExecContext(ctx, query,
			session.SessionID, session.UserID, session.StartedAt.UnixMilli(),
			session.TotalFocused, session.TotalDistracted, session.TotalDrowsy, session.AvgScore,
		); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// AppendDetection stores a detection and the aggregate it produced in one
// transaction.
func (s *SQLStore) AppendDetection(ctx context.Context, d domain.Detection, agg domain.AggregateSnapshot) error {
	insert := s.rebind(`
		INSERT INTO detections (session_id, seq, status, focus_score, ear, degraded, observed_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM detections WHERE session_id = ?), ?, ?, ?, ?, ?)`)
	update := s.rebind(`
		UPDATE focus_sessions
		SET total_focused = ?, total_distracted = ?, total_drowsy = ?, avg_score = ?
		WHERE session_id = ?`)

	var ear sql.NullFloat64
	if d.EAR != nil {
		ear = sql.NullFloat64{Float64: *d.EAR, Valid: true}
	}

	return s.write(ctx, "append_detection", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, insert,
			d.SessionID, d.SessionID, string(d.State), d.Score, ear, d.Degraded, d.ObservedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert detection: %w", err)
		}

		res, err := tx.ExecContext(ctx, update,
			agg.TotalFocused, agg.TotalDistracted, agg.TotalDrowsy, agg.MeanScore, d.SessionID,
		)
		if err != nil {
			return fmt.Errorf("update session aggregate: %w", err)
		}
		if rows, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		} else if rows == 0 {
			return fmt.Errorf("session %s: %w", d.SessionID, ErrNotFound)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append: %w", err)
		}
		return nil
	})
}

// FinalizeSession writes the final aggregate and end time.
func (s *SQLStore) FinalizeSession(ctx context.Context, sessionID string, agg domain.AggregateSnapshot, endedAt time.Time) error {
	query := s.rebind(`
		UPDATE focus_sessions
		SET total_focused = ?, total_distracted = ?, total_drowsy = ?, avg_score = ?, ended_at = ?
		WHERE session_id = ?`)

	return s.write(ctx, "finalize_session", func() error {
		res, err := s.db.ExecContext(ctx, query,
			agg.TotalFocused, agg.TotalDistracted, agg.TotalDrowsy, agg.MeanScore,
			endedAt.UnixMilli(), sessionID,
		)
		if err != nil {
			return fmt.Errorf("finalize session: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			slog.Warn("FinalizeSession affected 0 rows", "session_id", sessionID)
			return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil
	})
}

const sessionColumns = `session_id, user_id, started_at, ended_at,
	total_focused, total_distracted, total_drowsy, avg_score`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.FocusSession, error) {
	var sess domain.FocusSession
	var startedAt int64
	var endedAt sql.NullInt64
	if err := row.Scan(
		&sess.SessionID, &sess.UserID, &startedAt, &endedAt,
		&sess.TotalFocused, &sess.TotalDistracted, &sess.TotalDrowsy, &sess.AvgScore,
	); err != nil {
		return nil, err
	}
	sess.StartedAt = time.UnixMilli(startedAt)
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		sess.EndedAt = &t
	}
	return &sess, nil
}

// GetSession retrieves a session by ID.
func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (*domain.FocusSession, error) {
	query := s.rebind(`SELECT ` + sessionColumns + ` FROM focus_sessions WHERE session_id = ?`)

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// ListSessions returns a user's sessions, newest first.
func (s *SQLStore) ListSessions(ctx context.Context, userID string, limit int) ([]*domain.FocusSession, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.rebind(`SELECT ` + sessionColumns + `
		FROM focus_sessions WHERE user_id = ?
		ORDER BY started_at DESC LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.FocusSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// ListDetections returns a session's detections in observation order.
func (s *SQLStore) ListDetections(ctx context.Context, sessionID string, limit int) ([]domain.Detection, error) {
	query := `
		SELECT session_id, status, focus_score, ear, degraded, observed_at
		FROM detections WHERE session_id = ?
		ORDER BY seq`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close detection rows", "error", closeErr)
		}
	}()

	var out []domain.Detection
	for rows.Next() {
		var d domain.Detection
		var status string
		var ear sql.NullFloat64
		var observedAt int64
		if err := rows.Scan(&d.SessionID, &status, &d.Score, &ear, &d.Degraded, &observedAt); err != nil {
			return nil, fmt.Errorf("scan detection row: %w", err)
		}
		state, err := domain.ParseState(status)
		if err != nil {
			return nil, fmt.Errorf("detection row: %w", err)
		}
		d.State = state
		if ear.Valid {
			v := ear.Float64
			d.EAR = &v
		}
		d.ObservedAt = time.UnixMilli(observedAt)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate detections: %w", err)
	}
	return out, nil
}

// CloseOpenSessions stamps endedAt on sessions a previous process never closed.
func (s *SQLStore) CloseOpenSessions(ctx context.Context, endedAt time.Time) (int64, error) {
	query := s.rebind(`UPDATE focus_sessions SET ended_at = ? WHERE ended_at IS NULL`)

	var affected int64
	err := s.write(ctx, "close_open_sessions", func() error {
		res, err := s.db.ExecContext(ctx, query, endedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("close open sessions: %w", err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}
