package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// FileHook appends summaries as NDJSON, one file per user, from a single
// background writer fed by a bounded queue.
type FileHook struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Summary
	wg     sync.WaitGroup
}

// NewFileHook creates dir and starts the writer.
func NewFileHook(dir string, queueSize int, logger *slog.Logger) (*FileHook, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create report directory: %w", err)
	}

	h := &FileHook{
		dir:    dir,
		logger: logger,
		queue:  make(chan Summary, queueSize),
	}
	h.wg.Add(1)
	go h.run()
	return h, nil
}

// Publish queues s without blocking.
func (h *FileHook) Publish(ctx context.Context, s Summary) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	select {
	case h.queue <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		h.logger.Warn("report queue full, dropping summary",
			"session_id", s.SessionID,
			"user_id", s.UserID,
		)
		return ErrQueueFull
	}
}

// Path returns the file summaries for userID are written to.
func (h *FileHook) Path(userID string) string {
	name := unsafeFileChars.ReplaceAllString(userID, "_")
	if name == "" || name == "." || name == ".." {
		name = "_"
	}
	return filepath.Join(h.dir, name+".ndjson")
}

func (h *FileHook) run() {
	defer h.wg.Done()
	for s := range h.queue {
		if err := h.write(s); err != nil {
			h.logger.Error("failed to write session summary",
				"session_id", s.SessionID,
				"user_id", s.UserID,
				"error", err,
			)
		}
	}
}

func (h *FileHook) write(s Summary) error {
	line, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	f, err := os.OpenFile(h.Path(s.UserID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open summary file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("write summary: %w", err)
	}
	return f.Close()
}

// Close stops accepting summaries and waits for queued ones to be written.
func (h *FileHook) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.queue)
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		h.logger.Warn("report writer shutdown timeout", "queue_remaining", len(h.queue))
		return fmt.Errorf("report writer shutdown timeout")
	}
}
