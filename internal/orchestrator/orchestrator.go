// Package orchestrator coordinates the engine: one cached analysis snapshot,
// at most one active run, durable journaling and the duration history that
// feeds progress estimates.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/metabinary-ltd/reforge/internal/analyzer"
	"github.com/metabinary-ltd/reforge/internal/config"
	"github.com/metabinary-ltd/reforge/internal/errdefs"
	"github.com/metabinary-ltd/reforge/internal/events"
	"github.com/metabinary-ltd/reforge/internal/pipeline"
	"github.com/metabinary-ltd/reforge/internal/storage"
	"github.com/metabinary-ltd/reforge/internal/tools"
	"github.com/metabinary-ltd/reforge/internal/types"
)

// ErrTooLateToCancel reports that formatting already started. There is no
// rollback once diskpart touched the disk, the run can only move forward.
var ErrTooLateToCancel = errors.New("formatting already started, run can no longer be cancelled")

// SystemAnalyzer produces the inventory snapshot runs are planned against.
type SystemAnalyzer interface {
	Analyze(ctx context.Context) (*types.SystemInfo, error)
}

type Orchestrator struct {
	logger *slog.Logger
	cfg    *config.Config
	store  *storage.Store
	bus    *events.Bus
	an     SystemAnalyzer
	tools  pipeline.Toolset
	power  *tools.Power

	mu        sync.Mutex
	analyzing bool
	info      *types.SystemInfo
	readiness types.Readiness
	active    *activeRun
	lastRun   *types.RunSummary
	progress  int
}

type activeRun struct {
	summary   types.RunSummary
	pipe      *pipeline.Pipeline
	estimates types.StageDurations
	done      chan struct{}
}

func New(logger *slog.Logger, cfg *config.Config, store *storage.Store, bus *events.Bus, an SystemAnalyzer, toolset pipeline.Toolset, power *tools.Power) *Orchestrator {
	return &Orchestrator{
		logger: logger,
		cfg:    cfg,
		store:  store,
		bus:    bus,
		an:     an,
		tools:  toolset,
		power:  power,
	}
}

// RunAnalysis performs the hardware analysis and caches the snapshot for
// later runs. Refused while a run is active.
func (o *Orchestrator) RunAnalysis(ctx context.Context) (*types.SystemInfo, error) {
	if err := o.beginAnalysis(); err != nil {
		return nil, err
	}
	info, err := o.an.Analyze(ctx)
	o.completeAnalysis(info, err)
	return info, err
}

// StartAnalysis runs the analysis in the background; progress and outcome
// arrive on the event stream.
func (o *Orchestrator) StartAnalysis() error {
	if err := o.beginAnalysis(); err != nil {
		return err
	}
	go func() {
		info, err := o.an.Analyze(context.Background())
		o.completeAnalysis(info, err)
	}()
	return nil
}

func (o *Orchestrator) beginAnalysis() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		return errdefs.New(errdefs.CodeConcurrency, "cannot analyze while run %s is active", o.active.summary.ID)
	}
	if o.analyzing {
		return errdefs.New(errdefs.CodeConcurrency, "analysis already in progress")
	}
	o.analyzing = true
	return nil
}

func (o *Orchestrator) completeAnalysis(info *types.SystemInfo, err error) {
	o.mu.Lock()
	o.analyzing = false
	if err == nil {
		o.info = info
		o.readiness = analyzer.Readiness(info)
	}
	o.mu.Unlock()

	if err != nil {
		o.bus.Log("", "", events.SeverityError, "system analysis failed: "+err.Error())
		return
	}
	o.bus.Log("", "", events.SeverityInfo,
		fmt.Sprintf("analysis complete: %d disks, system disk %d, data disk %d",
			len(info.Disks), info.SystemDisk, info.DataDisk))
}

// SystemInfo returns the cached analysis snapshot, nil before any analysis.
func (o *Orchestrator) SystemInfo() *types.SystemInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.info
}

// Readiness reports whether the analyzed machine supports data preservation.
func (o *Orchestrator) Readiness() types.Readiness {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.readiness
}

// StartRun validates the request, reserves the single run slot and launches
// the run in the background, returning its ID. A destructive run, meaning
// anything that does not preserve data, must carry the confirmation token.
func (o *Orchestrator) StartRun(ctx context.Context, opts types.Options, confirm string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active != nil {
		return "", errdefs.New(errdefs.CodeConcurrency, "run %s is still active", o.active.summary.ID)
	}
	if o.analyzing {
		return "", errdefs.New(errdefs.CodeConcurrency, "analysis in progress")
	}
	if o.info == nil {
		return "", errdefs.New(errdefs.CodeValidation, "no system analysis available, analyze first")
	}
	if !opts.PreserveData && confirm != o.cfg.Run.ConfirmToken {
		return "", errdefs.New(errdefs.CodeConfirmation, "destructive run not confirmed")
	}
	if err := o.validate(opts); err != nil {
		return "", err
	}

	media := o.info.SystemMedia()
	estimates := o.estimates(ctx, media)
	run := &activeRun{
		summary: types.RunSummary{
			ID:        uuid.NewString(),
			Options:   opts,
			Media:     media,
			State:     types.StatePending,
			StartedAt: time.Now().UTC(),
		},
		estimates: estimates,
		done:      make(chan struct{}),
	}
	run.pipe = pipeline.New(pipeline.Params{
		RunID:     run.summary.ID,
		Config:    o.cfg,
		Info:      o.info,
		Options:   opts,
		Estimates: estimates,
		Tools:     o.tools,
		Bus:       o.bus,
		Logger:    o.logger,
	})

	o.active = run
	o.progress = 0
	o.logger.Info("run accepted",
		"run_id", run.summary.ID,
		"profile", opts.Profile,
		"preserve_data", opts.PreserveData,
		"media", media)

	go o.execute(run)
	return run.summary.ID, nil
}

func (o *Orchestrator) validate(opts types.Options) error {
	if !opts.Profile.Known() {
		return errdefs.New(errdefs.CodeValidation, "unknown profile %q", opts.Profile)
	}
	image, ok := o.cfg.ImagePath(opts.Profile)
	if !ok {
		return errdefs.New(errdefs.CodeValidation, "no image mapped for profile %q", opts.Profile)
	}
	if _, err := os.Stat(image); err != nil {
		return errdefs.New(errdefs.CodeValidation, "image artifact %s not found", image)
	}
	if opts.PreserveData && !o.readiness.CanPreserveData {
		return errdefs.New(errdefs.CodeValidation, "data cannot be preserved: %s", strings.Join(o.readiness.Issues, "; "))
	}
	return nil
}

func (o *Orchestrator) estimates(ctx context.Context, media types.MediaClass) types.StageDurations {
	est, err := o.store.Estimate(ctx, media)
	if err != nil {
		o.logger.Warn("duration history unavailable, using defaults", "media", media, "error", err)
		return storage.DefaultDurations(media)
	}
	return est
}

// execute owns the run goroutine. The run gets a fresh context on purpose:
// an API disconnect or agent shutdown must not interrupt destructive work
// halfway through.
func (o *Orchestrator) execute(run *activeRun) {
	defer close(run.done)
	ctx := context.Background()
	id := run.summary.ID

	if err := o.store.InsertRun(ctx, run.summary); err != nil {
		o.logger.Warn("journal insert failed", "run_id", id, "error", err)
	}

	sub, unsubscribe := o.bus.Subscribe(512)
	persisted := make(chan struct{})
	go func() {
		defer close(persisted)
		for ev := range sub {
			if ev.RunID != id {
				continue
			}
			switch ev.Kind {
			case events.KindState:
				if err := o.store.UpdateRunState(ctx, id, ev.State); err != nil {
					o.logger.Warn("journal state update failed", "run_id", id, "error", err)
				}
			case events.KindStageResult:
				if ev.Result != nil {
					if err := o.store.AppendStageResult(ctx, id, *ev.Result); err != nil {
						o.logger.Warn("journal stage result failed", "run_id", id, "error", err)
					}
				}
			case events.KindProgress:
				o.setProgress(ev.Progress)
			}
		}
	}()

	res := run.pipe.Run(ctx)
	unsubscribe()
	<-persisted

	finished := time.Now().UTC()
	state := finalState(res.Outcome)
	errMsg := ""
	if res.Err != nil {
		errMsg = res.Err.Error()
	}
	if err := o.store.FinishRun(ctx, id, state, res.Outcome, errMsg, finished); err != nil {
		o.logger.Warn("journal finish failed", "run_id", id, "error", err)
	}

	// History learns only from runs that went the whole way. Failed and
	// aborted runs would poison the estimates with partial timings.
	if res.Outcome == types.RunCompleted || res.Outcome == types.RunDegraded {
		if err := o.store.RecordDurations(ctx, run.summary.Media, res.Durations, o.cfg.Run.HistorySmoothing); err != nil {
			o.logger.Warn("duration history update failed", "media", run.summary.Media, "error", err)
		}
	}

	run.summary.State = state
	run.summary.Outcome = res.Outcome
	run.summary.FinishedAt = finished
	run.summary.Results = res.Results
	run.summary.Error = errMsg

	o.mu.Lock()
	snap := run.summary
	o.lastRun = &snap
	o.active = nil
	o.mu.Unlock()

	o.logger.Info("run finished", "run_id", id, "outcome", res.Outcome, "elapsed", finished.Sub(run.summary.StartedAt))

	if (res.Outcome == types.RunCompleted || res.Outcome == types.RunDegraded) && o.cfg.Run.AutoReboot && o.power != nil {
		o.bus.Log(id, "", events.SeverityInfo, "rebooting into the deployed system")
		if err := o.power.Reboot(ctx, o.cfg.Run.RebootGrace); err != nil {
			o.bus.Log(id, "", events.SeverityError, "reboot failed: "+err.Error())
		}
	}
}

func finalState(outcome types.RunOutcome) types.RunState {
	switch outcome {
	case types.RunFailed:
		return types.StateFailed
	case types.RunAborted:
		return types.StateAborted
	}
	return types.StateCompleted
}

func (o *Orchestrator) setProgress(p int) {
	o.mu.Lock()
	o.progress = p
	o.mu.Unlock()
}

// Cancel stops the active run if formatting has not begun yet.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	run := o.active
	o.mu.Unlock()
	if run == nil {
		return errdefs.New(errdefs.CodeValidation, "no active run")
	}
	if !run.pipe.Abort() {
		return ErrTooLateToCancel
	}
	o.bus.Log(run.summary.ID, "", events.SeverityWarning, "cancel accepted, run aborts before formatting")
	return nil
}

// Status is a point-in-time snapshot for status surfaces.
type Status struct {
	Active         bool              `json:"active"`
	Analyzing      bool              `json:"analyzing"`
	Analyzed       bool              `json:"analyzed"`
	Progress       int               `json:"progress,omitempty"`
	EstimatedTotal time.Duration     `json:"estimated_total,omitempty"`
	Run            *types.RunSummary `json:"run,omitempty"`
	LastRun        *types.RunSummary `json:"last_run,omitempty"`
	Readiness      *types.Readiness  `json:"readiness,omitempty"`
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Status{
		Analyzing: o.analyzing,
		Analyzed:  o.info != nil,
		LastRun:   o.lastRun,
	}
	if o.info != nil {
		r := o.readiness
		st.Readiness = &r
	}
	if o.active != nil {
		st.Active = true
		st.Progress = o.progress
		st.EstimatedTotal = o.active.estimates.Total()
		snap := o.active.summary
		snap.State = o.active.pipe.State()
		st.Run = &snap
	}
	return st
}

// Subscribe attaches a consumer to the live event stream.
func (o *Orchestrator) Subscribe(buffer int) (<-chan events.Event, func()) {
	return o.bus.Subscribe(buffer)
}

// RecentEvents returns up to limit buffered events, oldest first.
func (o *Orchestrator) RecentEvents(limit int) []events.Event {
	return o.bus.Recent(limit)
}

// EventsSince returns buffered events after the given sequence number.
func (o *Orchestrator) EventsSince(seq int64) []events.Event {
	return o.bus.Since(seq)
}
