package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/focus-guardian/internal/detector"
	"github.com/ashureev/focus-guardian/internal/domain"
	"github.com/ashureev/focus-guardian/internal/identity"
	"github.com/ashureev/focus-guardian/internal/metrics"
)

type wireMessage struct {
	Type            string                   `json:"type"`
	Status          string                   `json:"status"`
	SessionID       string                   `json:"session_id"`
	ConnectionID    string                   `json:"connection_id"`
	Message         string                   `json:"message"`
	Code            string                   `json:"code"`
	Fatal           bool                     `json:"fatal"`
	FocusScore      int                      `json:"focus_score"`
	EAR             *float64                 `json:"ear"`
	Degraded        bool                     `json:"degraded"`
	Stats           domain.AggregateSnapshot `json:"stats"`
	Timestamp       json.RawMessage          `json:"timestamp"`
	FrameIntervalMs int64                    `json:"frame_interval_ms"`
}

type testEnv struct {
	t       *testing.T
	h       *Handler
	repo    *memRepo
	hook    *recordingHook
	metrics *metrics.Metrics
	url     string
}

var testAuth = identity.AuthenticatorFunc(func(_ context.Context, token string) (*domain.UserIdentity, error) {
	switch token {
	case "":
		return nil, identity.ErrNoToken
	case "good":
		return &domain.UserIdentity{UserID: "u1", Username: "alice"}, nil
	case "broken":
		return nil, errors.New("database is locked")
	default:
		return nil, identity.ErrInvalidToken
	}
})

func newTestEnv(t *testing.T, det FrameDetector, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{
		t:       t,
		repo:    newMemRepo(),
		hook:    &recordingHook{},
		metrics: metrics.New(),
	}
	if opts.AuthTimeout == 0 {
		opts.AuthTimeout = time.Second
	}
	if len(opts.AllowedOrigins) == 0 && !opts.IsDev {
		opts.IsDev = true
	}
	env.h = NewHandler(Deps{
		Repo:     env.repo,
		Auth:     testAuth,
		Detector: det,
		Hook:     env.hook,
		Metrics:  env.metrics,
	}, opts)

	srv := httptest.NewServer(env.h)
	t.Cleanup(srv.Close)
	env.url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/focus"
	return env
}

func (e *testEnv) dial(query string, opts *websocket.DialOptions) *websocket.Conn {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := e.url
	if query != "" {
		url += "?" + query
	}
	c, _, err := websocket.Dial(ctx, url, opts)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func (e *testEnv) connect() (*websocket.Conn, wireMessage) {
	e.t.Helper()
	c := e.dial("token=good", nil)
	msg := readMessage(e.t, c)
	require.Equal(e.t, TypeConnected, msg.Type)
	return c, msg
}

func send(t *testing.T, c *websocket.Conn, raw string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(raw)))
}

func sendFrame(t *testing.T, c *websocket.Conn, data string) {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"type": TypeFrame, "data": data})
	require.NoError(t, err)
	send(t, c, string(payload))
}

func readMessage(t *testing.T, c *websocket.Conn) wireMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var msg wireMessage
	require.NoError(t, json.Unmarshal(data, &msg), "payload %s", data)
	return msg
}

func readClose(t *testing.T, c *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return websocket.CloseStatus(err)
		}
		t.Logf("message before close: %s", data)
	}
}

func (e *testEnv) waitTornDown(sessionID string) {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		return e.h.Registry().Len() == 0 && e.repo.finalizeCount(sessionID) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFocusSession_FocusedFrame(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scripted(scores(domain.StateFocused)...), Options{})
	c, connected := env.connect()

	assert.Equal(t, "connected", connected.Status)
	assert.NotEmpty(t, connected.SessionID)
	assert.NotEmpty(t, connected.ConnectionID)
	assert.Equal(t, int64(500), connected.FrameIntervalMs)
	assert.Equal(t, 1, env.h.Registry().Len())

	sendFrame(t, c, pngDataURL(t))
	msg := readMessage(t, c)
	require.Equal(t, TypeDetection, msg.Type)
	assert.Equal(t, "focused", msg.Status)
	assert.Equal(t, 85, msg.FocusScore)
	assert.Equal(t, 85, msg.Stats.AvgScore)
	assert.Equal(t, 1, msg.Stats.TotalFocused)
	assert.Equal(t, 1, msg.Stats.TotalDetections)
	assert.Equal(t, 1, env.repo.detectionCount(connected.SessionID))

	_ = c.Close(websocket.StatusNormalClosure, "bye")
	env.waitTornDown(connected.SessionID)

	sess, err := env.repo.GetSession(context.Background(), connected.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess.EndedAt)
	assert.Equal(t, 1, sess.TotalFocused)
	assert.InDelta(t, 85.0, sess.AvgScore, 1e-9)

	require.Eventually(t, func() bool { return len(env.hook.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	summary := env.hook.all()[0]
	assert.Equal(t, connected.SessionID, summary.SessionID)
	assert.Equal(t, "u1", summary.UserID)
	assert.Equal(t, 85, summary.Stats.AvgScore)

	snap := env.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.Frames)
	assert.Equal(t, int64(0), snap.ActiveConnections)
}

func TestFocusSession_RunningMean(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scripted(scores(domain.StateFocused, domain.StateDistracted, domain.StateDrowsy)...), Options{})
	c, _ := env.connect()

	frame := pngDataURL(t)
	want := []int{85, 75, 63}
	for i, w := range want {
		sendFrame(t, c, frame)
		msg := readMessage(t, c)
		require.Equal(t, TypeDetection, msg.Type)
		assert.Equal(t, w, msg.Stats.AvgScore, "after frame %d", i+1)
		assert.Equal(t, i+1, msg.Stats.TotalDetections)
	}

	send(t, c, `{"type":"get_stats"}`)
	stats := readMessage(t, c)
	require.Equal(t, TypeStats, stats.Type)
	assert.Equal(t, 1, stats.Stats.TotalFocused)
	assert.Equal(t, 1, stats.Stats.TotalDistracted)
	assert.Equal(t, 1, stats.Stats.TotalDrowsy)
	assert.InDelta(t, 190.0/3, stats.Stats.MeanScore, 1e-9)
}

func TestFocusSession_NoTokenClosesWith4001(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scripted(scores(domain.StateFocused)...), Options{})
	c := env.dial("", nil)

	sendFrame(t, c, pngDataURL(t))
	assert.Equal(t, StatusNoToken, readClose(t, c))
	assert.Equal(t, 0, env.h.Registry().Len())
	assert.Equal(t, 0, env.repo.sessionCount())
	assert.Equal(t, int64(1), env.metrics.Snapshot().AuthFailures)
}

func TestFocusSession_AuthTimeoutClosesWith4001(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scripted(scores(domain.StateFocused)...), Options{AuthTimeout: 50 * time.Millisecond})
	c := env.dial("", nil)

	assert.Equal(t, StatusNoToken, readClose(t, c))
	assert.Equal(t, 0, env.repo.sessionCount())
}

func TestFocusSession_AuthMessage(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scripted(scores(domain.StateFocused)...), Options{})
	c := env.dial("", nil)

	send(t, c, `{"type":"auth","token":"good"}`)
	msg := readMessage(t, c)
	assert.Equal(t, TypeConnected, msg.Type)

	send(t, c, `{"type":"auth","token":"good"}`)
	msg = readMessage(t, c)
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, CodeUnexpectedAuth, msg.Code)
}

func TestFocusSession_BearerHeader(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scripted(scores(domain.StateFocused)...), Options{})
	c := env.dial("", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer good"}},
	})
	assert.Equal(t, TypeConnected, readMessage(t, c).Type)
}

func TestFocusSession_AuthRejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		token string
		want  websocket.StatusCode
	}{
		{"bad", StatusInvalidToken},
		{"broken", websocket.StatusInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, scripted(scores(domain.StateFocused)...), Options{})
			c := env.dial("token="+tt.token, nil)
			assert.Equal(t, tt.want, readClose(t, c))
			assert.Equal(t, 0, env.h.Registry().Len())
			assert.Equal(t, 0, env.repo.sessionCount())
		})
	}
}

func TestFocusSession_ErrorsKeepSessionActive(t *testing.T) {
	t.Parallel()
	det := scripted(scores(domain.StateFocused)...)
	env := newTestEnv(t, det, Options{})
	c, _ := env.connect()

	tests := []struct {
		raw  string
		code string
	}{
		{`not json`, CodeInvalidJSON},
		{`{"type":"frame","data":"data:image/png;base64,!!!"}`, CodeDecodeError},
		{`{"type":"frame","data":""}`, CodeDecodeError},
		{`{"type":"frame","data":"data:image/jpeg;base64,AAAA"}`, CodeDecodeError},
		{`{"type":"dance"}`, CodeUnknownType},
		{`{}`, CodeUnknownType},
	}
	for _, tt := range tests {
		send(t, c, tt.raw)
		msg := readMessage(t, c)
		require.Equal(t, TypeError, msg.Type, "input %s", tt.raw)
		assert.Equal(t, tt.code, msg.Code, "input %s", tt.raw)
		assert.False(t, msg.Fatal)
	}
	assert.Equal(t, 0, det.callCount())

	sendFrame(t, c, pngDataURL(t))
	msg := readMessage(t, c)
	assert.Equal(t, TypeDetection, msg.Type)
	assert.Equal(t, 1, msg.Stats.TotalDetections)
	assert.Equal(t, int64(3), env.metrics.Snapshot().FrameErrors)
}

func TestFocusSession_ExtractTimeoutIsPerFrame(t *testing.T) {
	t.Parallel()
	det := scripted(
		detectStep{err: fmt.Errorf("%w after 2s", detector.ErrExtractTimeout)},
		detectStep{result: domain.DetectionResult{State: domain.StateFocused, Score: 85}},
	)
	env := newTestEnv(t, det, Options{})
	c, connected := env.connect()
	frame := pngDataURL(t)

	sendFrame(t, c, frame)
	msg := readMessage(t, c)
	require.Equal(t, TypeError, msg.Type)
	assert.Equal(t, CodeExtractTimeout, msg.Code)

	sendFrame(t, c, frame)
	msg = readMessage(t, c)
	require.Equal(t, TypeDetection, msg.Type)
	assert.Equal(t, 1, msg.Stats.TotalDetections)
	assert.Equal(t, 1, env.repo.detectionCount(connected.SessionID))
}

func TestFocusSession_PingEchoesTimestamp(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scripted(scores(domain.StateFocused)...), Options{})
	c, _ := env.connect()

	for _, ts := range []string{`1712345678901`, `"abc"`, `{"t":1}`, `null`} {
		send(t, c, `{"type":"ping","timestamp":`+ts+`}`)
		msg := readMessage(t, c)
		require.Equal(t, TypePong, msg.Type)
		assert.JSONEq(t, ts, string(msg.Timestamp))
	}

	send(t, c, `{"type":"ping"}`)
	msg := readMessage(t, c)
	require.Equal(t, TypePong, msg.Type)
	var ms int64
	require.NoError(t, json.Unmarshal(msg.Timestamp, &ms))
	assert.Positive(t, ms)
}

func TestFocusSession_ResetThenStats(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scripted(scores(domain.StateFocused, domain.StateDrowsy)...), Options{})
	c, _ := env.connect()
	frame := pngDataURL(t)

	sendFrame(t, c, frame)
	readMessage(t, c)
	sendFrame(t, c, frame)
	readMessage(t, c)

	send(t, c, `{"type":"reset"}`)
	msg := readMessage(t, c)
	require.Equal(t, TypeReset, msg.Type)
	assert.Equal(t, "success", msg.Status)
	assert.Equal(t, "Session statistics reset", msg.Message)

	send(t, c, `{"type":"get_stats"}`)
	msg = readMessage(t, c)
	require.Equal(t, TypeStats, msg.Type)
	assert.Equal(t, domain.AggregateSnapshot{}, msg.Stats)
}

func TestFocusSession_PersistenceFailureIsFatal(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scripted(scores(domain.StateFocused)...), Options{})
	c, connected := env.connect()

	env.repo.setAppend(false, errors.New("disk I/O error"))

	sendFrame(t, c, pngDataURL(t))
	msg := readMessage(t, c)
	require.Equal(t, TypeError, msg.Type)
	assert.Equal(t, CodePersistence, msg.Code)
	assert.True(t, msg.Fatal)

	assert.Equal(t, websocket.StatusInternalError, readClose(t, c))
	env.waitTornDown(connected.SessionID)
	assert.Equal(t, int64(1), env.metrics.Snapshot().PersistenceFailures)

	// The unsaved detection must not reach the finalized totals.
	sess, err := env.repo.GetSession(context.Background(), connected.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 0, env.repo.detectionCount(connected.SessionID))
	assert.Equal(t, 0, sess.TotalFocused)
	assert.Zero(t, sess.AvgScore)
}

func TestFocusSession_PersistTimeoutIsPerFrame(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scripted(scores(domain.StateFocused)...), Options{StoreTimeout: 50 * time.Millisecond})
	c, connected := env.connect()

	env.repo.setAppend(true, nil)
	sendFrame(t, c, pngDataURL(t))
	msg := readMessage(t, c)
	require.Equal(t, TypeError, msg.Type)
	assert.Equal(t, CodePersistTimeout, msg.Code)
	assert.False(t, msg.Fatal)

	env.repo.setAppend(false, nil)
	sendFrame(t, c, pngDataURL(t))
	msg = readMessage(t, c)
	require.Equal(t, TypeDetection, msg.Type)
	assert.Equal(t, 1, msg.Stats.TotalFocused)
	assert.Equal(t, 1, msg.Stats.TotalDetections)

	require.NoError(t, c.Close(websocket.StatusNormalClosure, "done"))
	env.waitTornDown(connected.SessionID)

	sess, err := env.repo.GetSession(context.Background(), connected.SessionID)
	require.NoError(t, err)
	assert.Equal(t, env.repo.detectionCount(connected.SessionID), sess.TotalFocused)
	assert.Equal(t, 1, sess.TotalFocused)
	assert.Equal(t, int64(1), env.metrics.Snapshot().PersistenceFailures)
}

func TestFocusSession_CreateSessionFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scripted(scores(domain.StateFocused)...), Options{})
	env.repo.createErr = errors.New("database is closed")

	c := env.dial("token=good", nil)
	assert.Equal(t, websocket.StatusInternalError, readClose(t, c))
	assert.Equal(t, 0, env.h.Registry().Len())
	assert.Empty(t, env.hook.all())
}

func TestFocusSession_PanicTearsDown(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scripted(detectStep{panic: true}), Options{})
	c, connected := env.connect()

	sendFrame(t, c, pngDataURL(t))
	msg := readMessage(t, c)
	require.Equal(t, TypeError, msg.Type)
	assert.Equal(t, CodeInternal, msg.Code)
	assert.True(t, msg.Fatal)

	assert.Equal(t, websocket.StatusInternalError, readClose(t, c))
	env.waitTornDown(connected.SessionID)
}

func TestFocusSession_ShutdownGoingAway(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scripted(scores(domain.StateFocused)...), Options{})
	c, connected := env.connect()

	// Read concurrently so the client answers the close handshake.
	codes := make(chan websocket.StatusCode, 1)
	go func() { codes <- readClose(t, c) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.h.Shutdown(ctx, "server shutting down"))

	assert.Equal(t, websocket.StatusGoingAway, <-codes)
	assert.Equal(t, 1, env.repo.finalizeCount(connected.SessionID))
	assert.Equal(t, 0, env.h.Registry().Len())

	// No new upgrades once draining.
	_, resp, err := websocket.Dial(ctx, env.url+"?token=good", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestFocusSession_ShutdownDuringAuthWait(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scripted(scores(domain.StateFocused)...), Options{AuthTimeout: 10 * time.Second})
	c := env.dial("", nil)

	codes := make(chan websocket.StatusCode, 1)
	go func() { codes <- readClose(t, c) }()

	// Let the handler reach the auth wait.
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.h.Shutdown(ctx, "server shutting down"))

	assert.Equal(t, websocket.StatusGoingAway, <-codes)
	assert.Equal(t, 0, env.repo.sessionCount())
	assert.Zero(t, env.metrics.Snapshot().AuthFailures)
}

func TestFocusSession_MaxSessionDuration(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scripted(scores(domain.StateFocused)...), Options{MaxSessionDuration: 100 * time.Millisecond})
	c, connected := env.connect()

	assert.Equal(t, websocket.StatusNormalClosure, readClose(t, c))
	env.waitTornDown(connected.SessionID)
}

func TestFocusSession_ListsConnection(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scripted(scores(domain.StateFocused)...), Options{})
	_, connected := env.connect()

	list := env.h.Registry().List()
	require.Len(t, list, 1)
	assert.Equal(t, connected.ConnectionID, list[0].ConnectionID)
	assert.Equal(t, connected.SessionID, list[0].SessionID)
	assert.Equal(t, "u1", list[0].UserID)
	assert.Equal(t, "active", list[0].State)
}

func TestFocusSession_OriginRejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scripted(scores(domain.StateFocused)...), Options{AllowedOrigins: []string{"http://ok.test"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, env.url+"?token=good", &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"http://evil.test"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	c := env.dial("token=good", &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"http://ok.test"}},
	})
	assert.Equal(t, TypeConnected, readMessage(t, c).Type)
}
