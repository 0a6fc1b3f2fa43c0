package pipeline

import (
	"sync"
	"time"

	"github.com/metabinary-ltd/reforge/internal/types"
)

// tracker folds stage completions and tool progress signals into one overall
// percentage. Finished stages contribute their full weight, skipped and
// degraded ones included. Within the active stage the fraction comes from the
// tool's own signal when it emits one, otherwise from elapsed time against
// the media-class estimate. The reported value never decreases.
type tracker struct {
	mu        sync.Mutex
	estimates types.StageDurations

	completed int // weight of finished stages
	active    bool
	stage     types.StageID
	started   time.Time
	signal    float64 // latest tool signal, 0..1
	signaled  bool
	last      float64
}

func newTracker(estimates types.StageDurations) *tracker {
	return &tracker{estimates: estimates}
}

func (t *tracker) beginStage(id types.StageID, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = true
	t.stage = id
	t.started = now
	t.signal = 0
	t.signaled = false
}

func (t *tracker) finishStage(id types.StageID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
	t.completed += types.StageWeight(id)
}

func (t *tracker) activeStage() (types.StageID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage, t.active
}

// toolSignal records the external tool's self-reported progress, 0..100.
func (t *tracker) toolSignal(percent float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	t.signal = percent / 100
	t.signaled = true
}

// overall returns the run progress 0..100 at the given instant.
func (t *tracker) overall(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	value := float64(t.completed)
	if t.active {
		value += float64(types.StageWeight(t.stage)) * t.fraction(now)
	}
	if value < t.last {
		value = t.last
	}
	t.last = value
	if value > 100 {
		value = 100
	}
	return int(value + 0.5)
}

// fraction estimates in-stage completion. Time-based estimates are capped
// below 1 so a stage never looks finished before its tool exits.
func (t *tracker) fraction(now time.Time) float64 {
	if t.signaled {
		return t.signal
	}
	est := t.estimates[t.stage]
	if est <= 0 {
		return 0
	}
	ratio := float64(now.Sub(t.started)) / float64(est)
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 0.95 {
		ratio = 0.95
	}
	return ratio
}
