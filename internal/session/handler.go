package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/focus-guardian/internal/domain"
	"github.com/ashureev/focus-guardian/internal/frame"
	"github.com/ashureev/focus-guardian/internal/identity"
	"github.com/ashureev/focus-guardian/internal/metrics"
	"github.com/ashureev/focus-guardian/internal/report"
	"github.com/ashureev/focus-guardian/internal/store"
)

// Application close codes.
const (
	StatusNoToken      websocket.StatusCode = 4001
	StatusInvalidToken websocket.StatusCode = 4003
)

const writeTimeout = 10 * time.Second

// FrameDetector classifies decoded frames.
type FrameDetector interface {
	Detect(ctx context.Context, f *frame.Frame) (domain.DetectionResult, error)
}

// Deps are the collaborators shared by every connection.
type Deps struct {
	Repo     store.Repository
	Auth     identity.Authenticator
	Codec    *frame.Codec
	Detector FrameDetector
	Registry *Registry
	Hook     report.Hook
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Options tunes per-connection behavior. Zero values take defaults.
type Options struct {
	AuthTimeout        time.Duration
	HeartbeatInterval  time.Duration
	QueueSize          int
	MaxMessageBytes    int64
	FrameInterval      time.Duration
	MaxSessionDuration time.Duration
	FinalizeTimeout    time.Duration
	StoreTimeout       time.Duration
	AllowedOrigins     []string
	IsDev              bool
}

func (o Options) withDefaults() Options {
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 100
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 8 << 20
	}
	if o.FrameInterval <= 0 {
		o.FrameInterval = 500 * time.Millisecond
	}
	if o.MaxSessionDuration <= 0 {
		o.MaxSessionDuration = 4 * time.Hour
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = 5 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	return o
}

// Handler upgrades focus tracking requests and runs one Session per
// connection.
type Handler struct {
	repo     store.Repository
	auth     identity.Authenticator
	codec    *frame.Codec
	detector FrameDetector
	registry *Registry
	hook     report.Hook
	metrics  *metrics.Metrics
	logger   *slog.Logger
	opts     Options
	now      func() time.Time

	draining atomic.Bool
	inflight atomic.Int64
	stopOnce sync.Once
	stop     chan struct{}
}

// NewHandler creates a websocket handler.
func NewHandler(deps Deps, opts Options) *Handler {
	h := &Handler{
		repo:     deps.Repo,
		auth:     deps.Auth,
		codec:    deps.Codec,
		detector: deps.Detector,
		registry: deps.Registry,
		hook:     deps.Hook,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		opts:     opts.withDefaults(),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.codec == nil {
		h.codec = frame.NewCodec(0, 0)
	}
	if h.registry == nil {
		h.registry = NewRegistry(h.logger)
	}
	if h.hook == nil {
		h.hook = report.NopHook{}
	}
	if h.metrics == nil {
		h.metrics = metrics.New()
	}
	return h
}

// Registry returns the registry live sessions are tracked in.
func (h *Handler) Registry() *Registry {
	return h.registry
}

// Shutdown stops accepting connections, closes live sessions with 1001 and
// waits until every connection handler has returned.
func (h *Handler) Shutdown(ctx context.Context, reason string) error {
	h.draining.Store(true)
	h.stopOnce.Do(func() { close(h.stop) })

	if err := h.registry.CloseAll(ctx, reason); err != nil {
		return err
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for h.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d websocket handlers still running: %w", h.inflight.Load(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Counted before the draining check so Shutdown waits for this request.
	h.inflight.Add(1)
	defer h.inflight.Add(-1)
	if h.draining.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	remote := identity.IPFromRequest(r)
	h.logger.Info("WebSocket connection request", "ip", remote)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "ip", remote)
		return
	}
	ws.SetReadLimit(h.opts.MaxMessageBytes)

	user, code, reason := h.authenticate(r.Context(), r, ws)
	if user == nil {
		if code != websocket.StatusGoingAway {
			h.metrics.AuthFailed()
		}
		h.logger.Info("WebSocket authentication failed", "ip", remote, "close_code", int(code), "reason", reason)
		if err := ws.Close(code, reason); err != nil {
			h.logger.Debug("Failed to close websocket", "error", err)
		}
		return
	}

	s := h.newSession(r.Context(), ws, user, remote)
	if err := s.create(); err != nil {
		h.metrics.PersistenceFailed()
		s.logger.Error("Failed to create focus session", "error", err)
		s.cancel()
		if err := ws.Close(websocket.StatusInternalError, "failed to create session"); err != nil {
			h.logger.Debug("Failed to close websocket", "error", err)
		}
		return
	}
	s.run()
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.opts.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.opts.AllowedOrigins)
	return false
}

// authenticate resolves the caller. A nil identity comes with the close
// code and reason to send.
func (h *Handler) authenticate(ctx context.Context, r *http.Request, ws *websocket.Conn) (*domain.UserIdentity, websocket.StatusCode, string) {
	token := identity.TokenFromRequest(r)
	if token == "" {
		t, err := readAuthToken(ctx, ws, h.opts.AuthTimeout, h.stop)
		if err != nil {
			h.logger.Debug("No auth message received", "error", err)
		}
		token = t
	}
	if h.draining.Load() {
		return nil, websocket.StatusGoingAway, "server shutting down"
	}

	authCtx, cancel := context.WithTimeout(ctx, h.opts.StoreTimeout)
	defer cancel()
	user, err := h.auth.Authenticate(authCtx, token)
	switch {
	case err == nil:
		return user, 0, ""
	case errors.Is(err, identity.ErrNoToken):
		return nil, StatusNoToken, "no token provided"
	case errors.Is(err, identity.ErrInvalidToken):
		return nil, StatusInvalidToken, "invalid token"
	default:
		h.logger.Error("Authentication backend failed", "error", err)
		return nil, websocket.StatusInternalError, "authentication unavailable"
	}
}

var (
	errAuthTimeout  = errors.New("auth message timeout")
	errShuttingDown = errors.New("server shutting down")
)

// readAuthToken waits for an auth message. Any other first message means
// no token. The read is not bound to the timeout so the caller can still
// close the connection with its own code.
func readAuthToken(ctx context.Context, ws *websocket.Conn, timeout time.Duration, stop <-chan struct{}) (string, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		_, data, err := ws.Read(ctx)
		ch <- result{data: data, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return "", res.err
		}
		var msg inbound
		if err := json.Unmarshal(res.data, &msg); err != nil {
			return "", err
		}
		if msg.Type != TypeAuth {
			return "", errors.New("first message was " + msg.Type)
		}
		return msg.Token, nil
	case <-timer.C:
		return "", errAuthTimeout
	case <-stop:
		return "", errShuttingDown
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// writeJSON uses its own deadline: a cancelled write context closes the
// socket without a close code.
func (h *Handler) writeJSON(ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

func newID() string {
	return uuid.NewString()
}
