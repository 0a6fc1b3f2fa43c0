// Package pipeline executes a reprovisioning run as a strictly ordered
// sequence of five stages over the external Windows tooling. The pipeline
// owns stage sequencing, per-stage outcomes and progress aggregation; the
// caller owns journaling, duration history and reboot policy.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/metabinary-ltd/reforge/internal/config"
	"github.com/metabinary-ltd/reforge/internal/errdefs"
	"github.com/metabinary-ltd/reforge/internal/events"
	"github.com/metabinary-ltd/reforge/internal/tools"
	"github.com/metabinary-ltd/reforge/internal/types"
)

// Toolset bundles the external tools a run drives.
type Toolset struct {
	Diskpart *tools.Diskpart
	Dism     *tools.Dism
	Robocopy *tools.Robocopy
	Bcd      *tools.Bcd
}

// NewToolset wires the configured binaries onto a single runner.
func NewToolset(runner tools.Runner, cfg *config.Config, logger *slog.Logger) Toolset {
	return Toolset{
		Diskpart: tools.NewDiskpart(runner, cfg.Tools.Diskpart, cfg.Paths.ScratchDir, logger),
		Dism:     tools.NewDism(runner, cfg.Tools.Dism, logger),
		Robocopy: tools.NewRobocopy(runner, cfg.Tools.Robocopy, cfg.Restore.RetryCount, int(cfg.Restore.RetryWait.Seconds()), cfg.Restore.Threads, logger),
		Bcd:      tools.NewBcd(runner, cfg.Tools.Bcdboot, cfg.Tools.Bcdedit, logger),
	}
}

// Params carries everything a run needs up front.
type Params struct {
	RunID     string
	Config    *config.Config
	Info      *types.SystemInfo
	Options   types.Options
	Estimates types.StageDurations
	Tools     Toolset
	Bus       *events.Bus
	Logger    *slog.Logger
}

// Pipeline drives a single run. It is not reusable: Run may be called once.
type Pipeline struct {
	runID   string
	cfg     *config.Config
	info    *types.SystemInfo
	opts    types.Options
	tools   Toolset
	bus     *events.Bus
	logger  *slog.Logger
	machine *machine
	tracker *tracker

	mu          sync.Mutex
	aborted     bool
	destructive bool

	seq int
}

func New(p Params) *Pipeline {
	return &Pipeline{
		runID:   p.RunID,
		cfg:     p.Config,
		info:    p.Info,
		opts:    p.Options,
		tools:   p.Tools,
		bus:     p.Bus,
		logger:  p.Logger.With("run_id", p.RunID),
		machine: newMachine(),
		tracker: newTracker(p.Estimates),
	}
}

// State reports the run's current state.
func (p *Pipeline) State() types.RunState {
	return p.machine.current()
}

// Abort requests a stop and reports whether the request was honored. The
// window closes when formatting begins: from then on the target disk is
// being rewritten and the only way out is forward.
func (p *Pipeline) Abort() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destructive {
		return false
	}
	p.aborted = true
	return true
}

// beginDestructive closes the abort window. It fails when an abort already
// won the race.
func (p *Pipeline) beginDestructive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.aborted {
		return false
	}
	p.destructive = true
	return true
}

// Result is everything a finished run produced.
type Result struct {
	Outcome   types.RunOutcome
	Results   []types.StageResult
	Durations types.StageDurations // observed wall time of executed stages
	Err       error
}

// Run executes the stages in order and blocks until the run reaches a
// terminal state.
func (p *Pipeline) Run(ctx context.Context) Result {
	if ctx.Err() != nil || !p.beginDestructive() {
		return p.abort()
	}

	stop := p.startProgressLoop(ctx)
	defer stop()

	var (
		results   []types.StageResult
		durations = types.StageDurations{}
		degraded  bool
	)
	record := func(res types.StageResult) {
		results = append(results, res)
		if res.Outcome == types.OutcomeSuccess || res.Outcome == types.OutcomeDegraded {
			durations[res.Stage] = res.Elapsed
		}
	}

	res, err := p.runStage(ctx, types.StageFormatting, true, p.formatting)
	record(res)
	if res.Outcome == types.OutcomeFailed {
		return p.fail(results, durations, err)
	}

	res, err = p.runStage(ctx, types.StageImageDeployment, true, p.imageDeployment)
	record(res)
	if res.Outcome == types.OutcomeFailed {
		return p.fail(results, durations, err)
	}

	// A machine without a matching driver package still gets a working
	// image, and a failed injection is recoverable after first boot. Both
	// leave the run alive.
	if p.info.Driver == nil {
		res = p.skipStage(types.StageDriverIntegration, "no driver package resolved for this mainboard")
	} else {
		res, _ = p.runStage(ctx, types.StageDriverIntegration, false, p.driverIntegration)
	}
	record(res)
	if res.Outcome == types.OutcomeDegraded {
		degraded = true
	}

	if p.opts.PreserveData {
		res = p.skipStage(types.StageDataRestore, "data volume preserved, nothing to restore")
	} else {
		res, err = p.runStage(ctx, types.StageDataRestore, true, p.dataRestore)
	}
	record(res)
	if res.Outcome == types.OutcomeFailed {
		return p.fail(results, durations, err)
	}

	res, err = p.runStage(ctx, types.StageBootConfiguration, true, p.bootConfiguration)
	record(res)
	if res.Outcome == types.OutcomeFailed {
		return p.fail(results, durations, err)
	}

	p.transition(types.StateCompleted)
	p.emitProgress(types.StageBootConfiguration)

	outcome := types.RunCompleted
	if degraded {
		outcome = types.RunDegraded
		p.bus.Log(p.runID, "", events.SeverityWarning, "run completed with a degraded stage")
	} else {
		p.bus.Log(p.runID, "", events.SeverityInfo, "run completed")
	}
	return Result{Outcome: outcome, Results: results, Durations: durations}
}

func (p *Pipeline) abort() Result {
	p.transition(types.StateAborted)
	p.bus.Log(p.runID, "", events.SeverityWarning, "run aborted before any destructive work")
	return Result{Outcome: types.RunAborted, Durations: types.StageDurations{}}
}

func (p *Pipeline) fail(results []types.StageResult, durations types.StageDurations, err error) Result {
	p.transition(types.StateFailed)
	p.bus.Log(p.runID, "", events.SeverityError, "run failed: "+err.Error())
	return Result{Outcome: types.RunFailed, Results: results, Durations: durations, Err: err}
}

func (p *Pipeline) transition(next types.RunState) {
	if err := p.machine.to(next); err != nil {
		// Only reachable through a sequencing bug.
		p.logger.Error("state machine refused transition", "error", err)
		return
	}
	p.bus.State(p.runID, next)
}

// runStage executes one stage body and turns its error into an outcome.
// Non-fatal stages degrade instead of failing. Weight is banked for any
// outcome that lets the run continue, so progress keeps meaning.
func (p *Pipeline) runStage(ctx context.Context, id types.StageID, fatal bool, fn func(context.Context) error) (types.StageResult, error) {
	p.transition(types.StageState(id))
	p.tracker.beginStage(id, time.Now())
	p.emitProgress(id)
	p.bus.Log(p.runID, id, events.SeverityInfo, "stage started")

	p.seq++
	res := types.StageResult{Seq: p.seq, Stage: id, StartedAt: time.Now().UTC()}

	started := time.Now()
	err := fn(ctx)
	res.Elapsed = time.Since(started)

	switch {
	case err == nil:
		res.Outcome = types.OutcomeSuccess
	case fatal:
		err = errdefs.Wrap(err, errdefs.CodeStageExecution, "stage %s", id)
		res.Outcome = types.OutcomeFailed
		res.Error = err.Error()
	default:
		err = errdefs.Wrap(err, errdefs.CodeStageExecution, "stage %s", id)
		res.Outcome = types.OutcomeDegraded
		res.Error = err.Error()
	}
	if res.Outcome != types.OutcomeFailed {
		p.tracker.finishStage(id)
	}
	p.bus.StageResult(p.runID, res)
	p.emitProgress(id)
	return res, err
}

// skipStage records a stage that has nothing to do. Skipped stages pass
// through their state like any other so the journal shows the full path.
func (p *Pipeline) skipStage(id types.StageID, reason string) types.StageResult {
	p.transition(types.StageState(id))
	p.tracker.beginStage(id, time.Now())
	p.bus.Log(p.runID, id, events.SeverityWarning, reason)

	p.seq++
	res := types.StageResult{
		Seq:       p.seq,
		Stage:     id,
		Outcome:   types.OutcomeSkipped,
		StartedAt: time.Now().UTC(),
	}
	p.tracker.finishStage(id)
	p.bus.StageResult(p.runID, res)
	p.emitProgress(id)
	return res
}

func (p *Pipeline) emitProgress(stage types.StageID) {
	p.bus.Progress(p.runID, stage, p.tracker.overall(time.Now()))
}

// startProgressLoop emits a progress event every second so consumers see
// movement even while a tool is silent.
func (p *Pipeline) startProgressLoop(ctx context.Context) func() {
	ticker := time.NewTicker(time.Second)
	done := make(chan struct{})
	var once sync.Once
	go func() {
		for {
			select {
			case <-ticker.C:
				if stage, ok := p.tracker.activeStage(); ok {
					p.emitProgress(stage)
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}
