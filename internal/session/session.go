package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/focus-guardian/internal/detector"
	"github.com/ashureev/focus-guardian/internal/domain"
	"github.com/ashureev/focus-guardian/internal/report"
)

// State is the lifecycle position of a connection.
type State int32

// Connection lifecycle.
const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one authenticated websocket connection and the aggregate it
// accumulates. The aggregate is only touched by the processing goroutine
// and, once that has exited, by teardown.
type Session struct {
	h      *Handler
	conn   *websocket.Conn
	info   ConnectionInfo
	state  atomic.Int32
	agg    *domain.SessionAggregate
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	closeMu     sync.Mutex
	closeSet    bool
	closeCode   websocket.StatusCode
	closeReason string

	registered   bool
	counted      bool
	teardownOnce sync.Once
}

func (h *Handler) newSession(parent context.Context, conn *websocket.Conn, user *domain.UserIdentity, remoteAddr string) *Session {
	now := h.now()
	ctx, cancel := context.WithCancel(parent)
	info := ConnectionInfo{
		ConnectionID: newID(),
		SessionID:    newID(),
		UserID:       user.UserID,
		Username:     user.Username,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  now,
	}
	s := &Session{
		h:      h,
		conn:   conn,
		info:   info,
		agg:    domain.NewSessionAggregate(now),
		ctx:    ctx,
		cancel: cancel,
		logger: h.logger.With(
			"connection_id", info.ConnectionID,
			"session_id", info.SessionID,
			"user_id", info.UserID,
		),
	}
	s.state.Store(int32(StateAuthenticated))
	return s
}

// Info implements Entry.
func (s *Session) Info() ConnectionInfo {
	info := s.info
	info.State = s.State().String()
	return info
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Shutdown asks the session to close with code. The first decided code wins.
func (s *Session) Shutdown(code websocket.StatusCode, reason string) {
	s.closeWith(code, reason)
	s.cancel()
}

func (s *Session) closeWith(code websocket.StatusCode, reason string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closeSet {
		return
	}
	s.closeSet = true
	s.closeCode = code
	s.closeReason = reason
}

func (s *Session) closeStatus() (websocket.StatusCode, string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if !s.closeSet {
		return websocket.StatusNormalClosure, "session ended"
	}
	return s.closeCode, s.closeReason
}

// create opens the persistent session record. Nothing needs undoing when it
// fails.
func (s *Session) create() error {
	ctx, cancel := context.WithTimeout(s.ctx, s.h.opts.StoreTimeout)
	defer cancel()
	err := s.h.repo.CreateSession(ctx, &domain.FocusSession{
		SessionID: s.info.SessionID,
		UserID:    s.info.UserID,
		StartedAt: s.info.ConnectedAt,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// run registers the session and serves it until the connection ends. The
// session record must already exist.
func (s *Session) run() {
	defer s.teardown()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in focus session", "panic", r, "stack", string(debug.Stack()))
			s.fail(CodeInternal, "internal error", "internal error")
		}
	}()

	if err := s.h.registry.Register(s.info.ConnectionID, s); err != nil {
		s.logger.Error("Failed to register connection", "error", err)
		s.closeWith(websocket.StatusInternalError, "connection registration failed")
		return
	}
	s.registered = true
	// Registered after Shutdown listed the registry.
	if s.h.draining.Load() {
		s.closeWith(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.h.metrics.ConnectionOpened()
	s.counted = true
	s.state.Store(int32(StateActive))

	if !s.reply(connectedMessage{
		Type:            TypeConnected,
		Status:          "connected",
		SessionID:       s.info.SessionID,
		ConnectionID:    s.info.ConnectionID,
		Message:         "Focus tracking session started",
		FrameIntervalMs: s.h.opts.FrameInterval.Milliseconds(),
	}) {
		return
	}
	s.logger.Info("Focus session started", "remote_addr", s.info.RemoteAddr)

	queue := make(chan []byte, s.h.opts.QueueSize)

	// Read loop: websocket -> queue. Reads are not bound to s.ctx because
	// cancelling a read closes the socket before a close code is sent; the
	// loop ends when teardown closes the connection.
	go func() {
		defer s.cancel()
		s.readLoop(queue)
	}()

	var wg sync.WaitGroup
	wg.Add(2)

	// Process loop: queue -> replies, strictly in order.
	go func() {
		defer wg.Done()
		defer s.cancel()
		s.processLoop(queue)
	}()

	// Heartbeat and session deadline.
	go func() {
		defer wg.Done()
		s.heartbeatLoop()
	}()

	wg.Wait()
}

func (s *Session) readLoop(queue chan<- []byte) {
	for {
		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			switch {
			case s.ctx.Err() != nil:
			case websocket.CloseStatus(err) != -1:
				s.logger.Debug("WebSocket closed by client", "status", int(websocket.CloseStatus(err)))
				s.closeWith(websocket.StatusNormalClosure, "session ended")
			default:
				s.logger.Warn("WebSocket read error", "error", err)
				s.closeWith(websocket.StatusNormalClosure, "session ended")
			}
			return
		}

		select {
		case queue <- data:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) processLoop(queue <-chan []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic while processing message", "panic", r, "stack", string(debug.Stack()))
			s.fail(CodeInternal, "internal error", "internal error")
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-queue:
			if !s.handle(data) {
				return
			}
		}
	}
}

func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.h.opts.HeartbeatInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(s.h.opts.MaxSessionDuration)
	defer deadline.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-deadline.C:
			s.logger.Info("Maximum session duration reached", "max", s.h.opts.MaxSessionDuration)
			s.Shutdown(websocket.StatusNormalClosure, "maximum session duration reached")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.h.opts.HeartbeatInterval)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					s.logger.Warn("Heartbeat failed", "error", err)
					s.Shutdown(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// handle dispatches one inbound message and reports whether the session
// should keep going.
func (s *Session) handle(data []byte) bool {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return s.reply(newError(CodeInvalidJSON, "invalid JSON message"))
	}

	switch msg.Type {
	case TypeFrame:
		return s.handleFrame(msg.Data)
	case TypeReset:
		s.agg.Reset()
		return s.reply(resetMessage{Type: TypeReset, Status: "success", Message: "Session statistics reset"})
	case TypePing:
		ts := msg.Timestamp
		if len(ts) == 0 {
			ts = json.RawMessage(strconv.FormatInt(s.h.now().UnixMilli(), 10))
		}
		return s.reply(pongMessage{Type: TypePong, Timestamp: ts})
	case TypeGetStats:
		return s.reply(statsMessage{Type: TypeStats, Stats: s.agg.Snapshot()})
	case TypeAuth:
		return s.reply(newError(CodeUnexpectedAuth, "already authenticated"))
	case "":
		return s.reply(newError(CodeUnknownType, "message type is required"))
	default:
		return s.reply(newError(CodeUnknownType, "unknown message type: "+msg.Type))
	}
}

func (s *Session) handleFrame(data string) bool {
	start := time.Now()

	f, err := s.h.codec.Decode(data)
	if err != nil {
		s.h.metrics.FrameFailed()
		s.logger.Debug("Frame decode failed", "error", err)
		return s.reply(newError(CodeDecodeError, err.Error()))
	}

	res, err := s.h.detector.Detect(s.ctx, f)
	switch {
	case err == nil:
	case s.ctx.Err() != nil:
		return false
	case errors.Is(err, detector.ErrExtractTimeout):
		s.h.metrics.FrameFailed()
		s.logger.Warn("Landmark extraction timed out", "error", err)
		return s.reply(newError(CodeExtractTimeout, "landmark extraction timed out"))
	default:
		s.h.metrics.FrameFailed()
		s.logger.Warn("Detection failed", "error", err)
		return s.reply(newError(CodeDetectFailed, "detection failed"))
	}
	if res.ObservedAt.IsZero() {
		res.ObservedAt = s.h.now()
	}

	// Adopted only after the append commits.
	next := *s.agg
	snap := next.Fold(res)

	ctx, cancel := context.WithTimeout(s.ctx, s.h.opts.StoreTimeout)
	err = s.h.repo.AppendDetection(ctx, domain.NewDetection(s.info.SessionID, res), snap)
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()
	switch {
	case err == nil:
	case s.ctx.Err() != nil:
		return false
	case timedOut || errors.Is(err, context.DeadlineExceeded):
		s.h.metrics.PersistenceFailed()
		s.logger.Warn("Detection persistence timed out", "error", err, "timeout", s.h.opts.StoreTimeout)
		return s.reply(newError(CodePersistTimeout, "timed out persisting detection"))
	default:
		s.h.metrics.PersistenceFailed()
		s.logger.Error("Failed to persist detection", "error", err)
		s.fail(CodePersistence, "failed to persist detection", "persistence failure")
		return false
	}
	*s.agg = next

	s.h.metrics.FrameProcessed(res, time.Since(start))
	return s.reply(newDetectionMessage(res, snap))
}

// reply writes v and reports whether the connection is still usable.
func (s *Session) reply(v any) bool {
	if err := s.h.writeJSON(s.conn, v); err != nil {
		if s.ctx.Err() == nil {
			s.logger.Debug("WebSocket write failed", "error", err)
			s.closeWith(websocket.StatusNormalClosure, "session ended")
		}
		return false
	}
	return true
}

// fail sends a fatal error reply and decides a 1011 close.
func (s *Session) fail(code, message, reason string) {
	e := newError(code, message)
	e.Fatal = true
	s.closeWith(websocket.StatusInternalError, reason)
	s.reply(e)
}

// teardown stamps the end time, flushes the aggregate, deregisters, publishes
// the summary and closes the socket. Only the first call does anything.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.cancel()

		s.agg.End(s.h.now())
		snap := s.agg.Snapshot()
		endedAt := *s.agg.EndedAt

		ctx, cancel := context.WithTimeout(context.Background(), s.h.opts.FinalizeTimeout)
		defer cancel()

		if err := s.h.repo.FinalizeSession(ctx, s.info.SessionID, snap, endedAt); err != nil {
			s.logger.Error("Failed to finalize session", "error", err)
		}

		if s.counted {
			s.h.metrics.ConnectionClosed()
		}
		if s.registered {
			s.h.registry.Deregister(s.info.ConnectionID)
		}

		summary := report.NewSummary(s.info.SessionID, s.info.UserID, report.ReasonSessionEnd, s.agg.StartedAt, &endedAt, snap)
		if err := s.h.hook.Publish(ctx, summary); err != nil {
			s.logger.Warn("Failed to publish session summary", "error", err)
		}

		code, reason := s.closeStatus()
		if s.conn != nil {
			if err := s.conn.Close(code, reason); err != nil {
				s.logger.Debug("Failed to close websocket", "error", err)
			}
		}
		s.state.Store(int32(StateClosed))

		s.logger.Info("Focus session ended",
			"close_code", int(code),
			"reason", reason,
			"detections", snap.TotalDetections,
			"avg_score", snap.AvgScore,
			"duration", endedAt.Sub(s.agg.StartedAt).String(),
		)
	})
}
