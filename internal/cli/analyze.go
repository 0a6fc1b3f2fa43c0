package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/metabinary-ltd/reforge/internal/types"
)

func analyzeCmd() *cli.Command {
	return &cli.Command{
		Name:  "analyze",
		Usage: "inventory the machine and report reprovisioning readiness",
		Flags: []cli.Flag{
			configFlag,
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print the raw inventory as JSON",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			app, err := buildAgent(cmd)
			if err != nil {
				return err
			}
			defer app.close()

			info, err := app.orch.RunAnalysis(ctx)
			if err != nil {
				return err
			}

			if cmd.Bool("json") {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			printSystemInfo(os.Stdout, info, app.orch.Readiness())
			return nil
		},
	}
}

func printSystemInfo(w io.Writer, info *types.SystemInfo, ready types.Readiness) {
	if id := info.Board.Identity(); id != "" {
		fmt.Fprintf(w, "board:   %s\n", id)
	} else {
		fmt.Fprintln(w, "board:   unknown")
	}
	if info.Driver != nil {
		fmt.Fprintf(w, "drivers: %s\n", info.Driver.Path)
	} else {
		fmt.Fprintln(w, "drivers: no matching package")
	}

	for _, d := range info.Disks {
		role := ""
		switch d.Index {
		case info.SystemDisk:
			role = "  [system]"
		case info.DataDisk:
			role = "  [data]"
		}
		fmt.Fprintf(w, "\ndisk %d: %s, %s, %s%s\n",
			d.Index, d.Name, d.Media, humanize.IBytes(uint64(d.SizeBytes)), role)
		for _, v := range d.Volumes {
			letter := v.Letter
			if letter == "" {
				letter = "-"
			}
			fmt.Fprintf(w, "  %s: partition %d, %s, %s, %s\n",
				letter, v.Partition, valueOr(v.Filesystem, "no filesystem"),
				humanize.IBytes(uint64(v.SizeBytes)), v.Role)
		}
	}

	fmt.Fprintln(w)
	if ready.CanPreserveData {
		fmt.Fprintln(w, "preserve-data: eligible")
		return
	}
	fmt.Fprintln(w, "preserve-data: not eligible")
	for _, issue := range ready.Issues {
		fmt.Fprintf(w, "  - %s\n", issue)
	}
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
