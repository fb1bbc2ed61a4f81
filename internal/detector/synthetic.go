package detector

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ashureev/focus-guardian/internal/domain"
)

// Synthetic produces plausible results when no landmark extractor is
// available. It is safe for concurrent use.
type Synthetic struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewSynthetic returns a generator drawing from rng. A nil rng uses a
// randomly seeded source.
func NewSynthetic(rng *rand.Rand) *Synthetic {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Synthetic{rng: rng, now: time.Now}
}

// Generate draws one result: 70% focused [75,95], 15% distracted [40,65],
// 15% drowsy [30,50].
func (s *Synthetic) Generate() domain.DetectionResult {
	s.mu.Lock()
	r := s.rng.Float64()
	var state domain.AttentivenessState
	var score int
	switch {
	case r < 0.70:
		state, score = domain.StateFocused, uniformInt(s.rng, 75, 95)
	case r < 0.85:
		state, score = domain.StateDistracted, uniformInt(s.rng, 40, 65)
	default:
		state, score = domain.StateDrowsy, uniformInt(s.rng, 30, 50)
	}
	s.mu.Unlock()

	return domain.DetectionResult{
		State:      state,
		Score:      score,
		ObservedAt: s.now(),
		Degraded:   true,
	}
}

// uniformInt returns an integer uniformly distributed in [lo, hi].
func uniformInt(rng *rand.Rand, lo, hi int) int {
	return lo + rng.IntN(hi-lo+1)
}
