package cli

import (
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/metabinary-ltd/reforge/internal/analyzer"
	"github.com/metabinary-ltd/reforge/internal/config"
	"github.com/metabinary-ltd/reforge/internal/events"
	"github.com/metabinary-ltd/reforge/internal/logging"
	"github.com/metabinary-ltd/reforge/internal/orchestrator"
	"github.com/metabinary-ltd/reforge/internal/pipeline"
	"github.com/metabinary-ltd/reforge/internal/startup"
	"github.com/metabinary-ltd/reforge/internal/storage"
	"github.com/metabinary-ltd/reforge/internal/tools"
)

// app is the assembled agent: every command that touches the machine builds
// one and tears it down when done.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *storage.Store
	bus    *events.Bus
	orch   *orchestrator.Orchestrator
}

func loadConfig(cmd *cli.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.New(cfg.Logging.Level, cfg.Paths.LogPath), nil
}

// buildAgent wires the full stack against the real Windows tooling. It
// refuses to come up when a required binary is missing so a broken WinPE
// image surfaces before any disk is touched.
func buildAgent(cmd *cli.Command) (*app, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	if err := startup.RunChecks(startup.FromConfig(cfg)); err != nil {
		return nil, err
	}
	if err := startup.EnsureDirs(cfg.Paths.ImagesDir, cfg.Paths.DriversDir, cfg.Paths.StashDir, cfg.Paths.ScratchDir); err != nil {
		return nil, err
	}
	if err := startup.EnsureParents(cfg.Paths.DBPath, cfg.Paths.LogPath, cfg.Paths.JournalPath); err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Paths.DBPath, logger)
	if err != nil {
		return nil, err
	}

	runner := tools.ExecRunner{}
	bus := events.NewBus(logger, events.NewJournal(cfg.Paths.JournalPath))
	host := tools.NewWinQuery(runner, cfg.Tools.Powershell, cfg.Tools.Wmic, logger)
	diskpart := tools.NewDiskpart(runner, cfg.Tools.Diskpart, cfg.Paths.ScratchDir, logger)
	an := analyzer.New(host, diskpart, cfg, logger)
	orch := orchestrator.New(logger, cfg, store, bus, an,
		pipeline.NewToolset(runner, cfg, logger), tools.NewPower(runner, cfg.Tools.Shutdown))

	return &app{cfg: cfg, logger: logger, store: store, bus: bus, orch: orch}, nil
}

func (a *app) close() {
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", "error", err)
	}
}
