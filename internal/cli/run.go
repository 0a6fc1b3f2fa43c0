package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/metabinary-ltd/reforge/internal/events"
	"github.com/metabinary-ltd/reforge/internal/types"
)

func runCmd() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "execute a reprovisioning run and follow it to completion",
		Description: `Analyzes the machine, starts the run and streams its events to stdout.
A run that wipes the data volume (--preserve-data not set) must be confirmed
with the operator token via --confirm. Interrupting with Ctrl-C cancels the
run only while it is still pending; once formatting has begun the run is
carried through to a terminal state.`,
		Flags: []cli.Flag{
			configFlag,
			&cli.StringFlag{
				Name:     "profile",
				Aliases:  []string{"p"},
				Required: true,
				Usage:    "target profile (intranet, internet, travel, subsidiary)",
			},
			&cli.BoolFlag{
				Name:  "preserve-data",
				Usage: "keep the data volume and skip the restore stage",
			},
			&cli.BoolFlag{
				Name:  "bitlocker",
				Usage: "stage the BitLocker answer-file variant",
			},
			&cli.StringFlag{
				Name:  "confirm",
				Usage: "confirmation token, required when not preserving data",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			app, err := buildAgent(cmd)
			if err != nil {
				return err
			}
			defer app.close()

			if _, err := app.orch.RunAnalysis(ctx); err != nil {
				return err
			}

			profile, _ := types.ParseProfile(cmd.String("profile"))
			opts := types.Options{
				Profile:      profile,
				PreserveData: cmd.Bool("preserve-data"),
				BitLocker:    cmd.Bool("bitlocker"),
			}

			ch, unsubscribe := app.orch.Subscribe(512)
			defer unsubscribe()

			id, err := app.orch.StartRun(ctx, opts, cmd.String("confirm"))
			if err != nil {
				return err
			}

			st := app.orch.Status()
			fmt.Printf("run %s started, estimated %s\n", id, st.EstimatedTotal.Round(time.Second))

			final := followRun(ctx, app, id, ch)
			if final != types.StateCompleted {
				return fmt.Errorf("run finished %s", final)
			}
			return nil
		},
	}
}

// followRun prints the run's events until it reaches a terminal state. The
// first context cancellation is translated into a cancel request; whatever
// the orchestrator decides, the stream is followed to the end.
func followRun(ctx context.Context, app *app, runID string, ch <-chan events.Event) types.RunState {
	interrupt := ctx.Done()
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-interrupt:
			interrupt = nil
			if err := app.orch.Cancel(); err != nil {
				fmt.Fprintln(os.Stderr, "cancel refused:", err)
			}
		case ev, ok := <-ch:
			if !ok {
				return types.StateFailed
			}
			if ev.RunID != runID {
				continue
			}
			printEvent(os.Stdout, ev)
			if ev.Kind == events.KindState && ev.State.Terminal() {
				return ev.State
			}
		case <-tick.C:
			// the subscriber channel drops events under pressure; the status
			// snapshot is the authoritative source for termination
			st := app.orch.Status()
			if !st.Active && st.LastRun != nil && st.LastRun.ID == runID {
				return st.LastRun.State
			}
		}
	}
}

func printEvent(w io.Writer, ev events.Event) {
	ts := ev.Time.Format("15:04:05")
	switch ev.Kind {
	case events.KindProgress:
		fmt.Fprintf(w, "%s  %3d%%  %s\n", ts, ev.Progress, ev.Stage)
	case events.KindStageResult:
		res := ev.Result
		if res == nil {
			return
		}
		if res.Error != "" {
			fmt.Fprintf(w, "%s  stage %s: %s (%s): %s\n", ts, res.Stage, res.Outcome, res.Elapsed.Round(time.Second), res.Error)
			return
		}
		fmt.Fprintf(w, "%s  stage %s: %s (%s)\n", ts, res.Stage, res.Outcome, res.Elapsed.Round(time.Second))
	case events.KindState:
		fmt.Fprintf(w, "%s  state: %s\n", ts, ev.State)
	default:
		if ev.Severity == events.SeverityInfo {
			fmt.Fprintf(w, "%s  %s\n", ts, ev.Message)
			return
		}
		fmt.Fprintf(w, "%s  %s: %s\n", ts, ev.Severity, ev.Message)
	}
}
