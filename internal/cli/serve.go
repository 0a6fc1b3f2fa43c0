package cli

import (
	"context"
	"errors"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/metabinary-ltd/reforge/internal/api"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the agent with its HTTP control API",
		Description: `Brings the agent up for console-driven operation: analyzes the machine in
the background, then serves system, status, run-control and event endpoints
until interrupted.`,
		Flags: []cli.Flag{configFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			app, err := buildAgent(cmd)
			if err != nil {
				return err
			}
			defer app.close()

			if !app.cfg.API.Enabled {
				return errors.New("api.enabled is false, nothing to serve")
			}

			if err := app.orch.StartAnalysis(); err != nil {
				app.logger.Warn("startup analysis not started", "error", err)
			}

			srv := api.NewServer(app.cfg.API, app.orch, app.store, app.logger)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			app.logger.Info("agent ready", "version", version, "db", app.cfg.Paths.DBPath)

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Stop(stopCtx); err != nil {
				return err
			}

			// a run in flight keeps going after the API stops; leaving the
			// process before it reaches a terminal state would orphan a
			// half-formatted disk
			if app.orch.Status().Active {
				app.logger.Info("waiting for the active run to finish")
				for app.orch.Status().Active {
					time.Sleep(500 * time.Millisecond)
				}
			}
			return nil
		},
	}
}
