package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/focus-guardian/internal/domain"
	"github.com/ashureev/focus-guardian/internal/frame"
	"github.com/ashureev/focus-guardian/internal/report"
	"github.com/ashureev/focus-guardian/internal/store"
)

type memRepo struct {
	mu          sync.Mutex
	sessions    map[string]*domain.FocusSession
	detections  map[string][]domain.Detection
	finalized   map[string]int
	createErr   error
	appendErr   error
	finalizeErr error
	// appendBlock makes AppendDetection wait for its context.
	appendBlock bool
}

func newMemRepo() *memRepo {
	return &memRepo{
		sessions:   make(map[string]*domain.FocusSession),
		detections: make(map[string][]domain.Detection),
		finalized:  make(map[string]int),
	}
}

func (m *memRepo) GetUser(context.Context, string) (*domain.User, error) {
	return nil, store.ErrNotFound
}

func (m *memRepo) CreateUser(context.Context, *domain.User) error { return nil }

func (m *memRepo) CreateSession(_ context.Context, s *domain.FocusSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *s
	m.sessions[s.SessionID] = &cp
	return nil
}

func (m *memRepo) AppendDetection(ctx context.Context, d domain.Detection, agg domain.AggregateSnapshot) error {
	m.mu.Lock()
	if m.appendBlock {
		m.mu.Unlock()
		<-ctx.Done()
		return fmt.Errorf("insert detection: %w", ctx.Err())
	}
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	s, ok := m.sessions[d.SessionID]
	if !ok {
		return store.ErrNotFound
	}
	m.detections[d.SessionID] = append(m.detections[d.SessionID], d)
	applySnapshot(s, agg)
	return nil
}

func (m *memRepo) FinalizeSession(_ context.Context, id string, agg domain.AggregateSnapshot, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalized[id]++
	if m.finalizeErr != nil {
		return m.finalizeErr
	}
	s, ok := m.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	applySnapshot(s, agg)
	s.EndedAt = &endedAt
	return nil
}

func applySnapshot(s *domain.FocusSession, agg domain.AggregateSnapshot) {
	s.TotalFocused = agg.TotalFocused
	s.TotalDistracted = agg.TotalDistracted
	s.TotalDrowsy = agg.TotalDrowsy
	s.AvgScore = agg.MeanScore
}

func (m *memRepo) GetSession(_ context.Context, id string) (*domain.FocusSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memRepo) ListSessions(context.Context, string, int) ([]*domain.FocusSession, error) {
	return nil, nil
}

func (m *memRepo) ListDetections(_ context.Context, id string, _ int) ([]domain.Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Detection(nil), m.detections[id]...), nil
}

func (m *memRepo) CloseOpenSessions(context.Context, time.Time) (int64, error) { return 0, nil }

func (m *memRepo) Ping(context.Context) error { return nil }

func (m *memRepo) Close() error { return nil }

func (m *memRepo) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *memRepo) finalizeCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalized[id]
}

func (m *memRepo) setAppend(block bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendBlock = block
	m.appendErr = err
}

func (m *memRepo) detectionCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.detections[id])
}

type recordingHook struct {
	mu        sync.Mutex
	summaries []report.Summary
}

func (r *recordingHook) Publish(_ context.Context, s report.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
	return nil
}

func (r *recordingHook) all() []report.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report.Summary(nil), r.summaries...)
}

// scriptedDetector returns its steps in order and repeats the last one.
type scriptedDetector struct {
	mu    sync.Mutex
	steps []detectStep
	calls int
}

type detectStep struct {
	result domain.DetectionResult
	err    error
	panic  bool
}

func scripted(steps ...detectStep) *scriptedDetector {
	return &scriptedDetector{steps: steps}
}

func scores(states ...domain.AttentivenessState) []detectStep {
	out := make([]detectStep, len(states))
	for i, st := range states {
		score := map[domain.AttentivenessState]int{
			domain.StateFocused:    85,
			domain.StateDistracted: 65,
			domain.StateDrowsy:     40,
		}[st]
		out[i] = detectStep{result: domain.DetectionResult{State: st, Score: score}}
	}
	return out
}

func (d *scriptedDetector) Detect(context.Context, *frame.Frame) (domain.DetectionResult, error) {
	d.mu.Lock()
	i := d.calls
	d.calls++
	d.mu.Unlock()

	if len(d.steps) == 0 {
		return domain.DetectionResult{}, errors.New("no steps")
	}
	if i >= len(d.steps) {
		i = len(d.steps) - 1
	}
	step := d.steps[i]
	if step.panic {
		panic("detector exploded")
	}
	res := step.result
	res.ObservedAt = time.Now()
	return res, step.err
}

func (d *scriptedDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func pngDataURL(t *testing.T) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 60), G: uint8(y * 60), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}
