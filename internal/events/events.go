// Package events carries the engine's chronological event stream: log lines,
// progress updates, stage results, and run-state changes, fanned out to
// subscribers and mirrored to slog and the on-disk journal.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/metabinary-ltd/reforge/internal/types"
)

type Kind string

const (
	KindLog         Kind = "log"
	KindProgress    Kind = "progress"
	KindStageResult Kind = "stage_result"
	KindState       Kind = "state"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Event struct {
	Seq      int64              `json:"seq"`
	Time     time.Time          `json:"time"`
	Kind     Kind               `json:"kind"`
	Severity Severity           `json:"severity,omitempty"`
	RunID    string             `json:"run_id,omitempty"`
	Stage    types.StageID      `json:"stage,omitempty"`
	Message  string             `json:"message,omitempty"`
	Progress int                `json:"progress,omitempty"` // overall percent, 0-100
	Result   *types.StageResult `json:"result,omitempty"`
	State    types.RunState     `json:"state,omitempty"`
}

const ringSize = 512

// Bus fans events out to subscriber channels. Publishing never blocks: slow
// consumers lose events rather than stalling a stage.
type Bus struct {
	logger  *slog.Logger
	journal *Journal

	mu      sync.Mutex
	nextSeq int64
	nextSub int
	subs    map[int]chan Event
	ring    []Event
}

func NewBus(logger *slog.Logger, journal *Journal) *Bus {
	return &Bus{
		logger:  logger,
		journal: journal,
		subs:    make(map[int]chan Event),
	}
}

// Subscribe registers a consumer. The returned cancel func must be called to
// release the channel; after cancel the channel is closed.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}

	b.mu.Lock()
	b.nextSeq++
	ev.Seq = b.nextSeq
	b.ring = append(b.ring, ev)
	if len(b.ring) > ringSize {
		b.ring = b.ring[len(b.ring)-ringSize:]
	}
	for _, sub := range b.subs {
		select {
		case sub <- ev:
		default:
			// slow consumer, drop rather than stall the pipeline
		}
	}
	b.mu.Unlock()

	b.mirror(ev)
	if b.journal != nil {
		b.journal.Append(ev)
	}
}

// Recent returns up to limit most recent events, oldest first.
func (b *Bus) Recent(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.ring) {
		limit = len(b.ring)
	}
	out := make([]Event, limit)
	copy(out, b.ring[len(b.ring)-limit:])
	return out
}

// Since returns buffered events with Seq greater than the cursor.
func (b *Bus) Since(seq int64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, ev := range b.ring {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// Close drops all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}

func (b *Bus) mirror(ev Event) {
	if b.logger == nil {
		return
	}
	attrs := []any{"seq", ev.Seq}
	if ev.RunID != "" {
		attrs = append(attrs, "run", ev.RunID)
	}
	if ev.Stage != "" {
		attrs = append(attrs, "stage", ev.Stage)
	}

	switch ev.Kind {
	case KindProgress:
		b.logger.Debug("progress", append(attrs, "percent", ev.Progress)...)
	case KindStageResult:
		if ev.Result != nil {
			attrs = append(attrs, "outcome", ev.Result.Outcome, "elapsed", ev.Result.Elapsed)
		}
		b.logger.Log(context.Background(), levelFor(ev.Severity), "stage finished", attrs...)
	case KindState:
		b.logger.Info("run state", append(attrs, "state", ev.State)...)
	default:
		b.logger.Log(context.Background(), levelFor(ev.Severity), ev.Message, attrs...)
	}
}

func levelFor(sev Severity) slog.Level {
	switch sev {
	case SeverityWarning:
		return slog.LevelWarn
	case SeverityError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Log publishes a plain log event.
func (b *Bus) Log(runID string, stage types.StageID, sev Severity, message string) {
	b.Publish(Event{Kind: KindLog, Severity: sev, RunID: runID, Stage: stage, Message: message})
}

// Progress publishes an overall-percent update for the active stage.
func (b *Bus) Progress(runID string, stage types.StageID, percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	b.Publish(Event{Kind: KindProgress, RunID: runID, Stage: stage, Progress: percent})
}

// StageResult publishes a finished stage's result.
func (b *Bus) StageResult(runID string, res types.StageResult) {
	sev := SeverityInfo
	switch res.Outcome {
	case types.OutcomeFailed:
		sev = SeverityError
	case types.OutcomeDegraded, types.OutcomeSkipped:
		sev = SeverityWarning
	}
	b.Publish(Event{Kind: KindStageResult, Severity: sev, RunID: runID, Stage: res.Stage, Result: &res})
}

// State publishes a run-state transition.
func (b *Bus) State(runID string, state types.RunState) {
	b.Publish(Event{Kind: KindState, RunID: runID, State: state})
}
