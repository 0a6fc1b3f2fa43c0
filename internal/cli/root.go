// Package cli assembles the reforge command tree: the long-running agent
// (serve) and the one-shot operator commands (analyze, run, history).
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

// overridden during build with ldflags
var version = "dev"

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "path to the agent configuration file",
	Sources: cli.EnvVars("REFORGE_CONFIG"),
}

// Run executes the command line. SIGINT and SIGTERM cancel the command
// context; commands decide what cancellation means for them.
func Run(args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	root := &cli.Command{
		Name:    "reforge",
		Usage:   "workstation reprovisioning agent",
		Version: version,
		Commands: []*cli.Command{
			serveCmd(),
			analyzeCmd(),
			runCmd(),
			historyCmd(),
		},
	}
	return root.Run(ctx, args)
}
