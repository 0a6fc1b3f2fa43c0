package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/metabinary-ltd/reforge/internal/storage"
	"github.com/metabinary-ltd/reforge/internal/types"
)

func historyCmd() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "show learned stage duration estimates per media class",
		Flags: []cli.Flag{configFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := storage.Open(cfg.Paths.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			classes, err := store.Classes(ctx)
			if err != nil {
				return err
			}
			if len(classes) == 0 {
				fmt.Println("no recorded runs yet, estimates use built-in defaults")
				return nil
			}

			for _, class := range classes {
				est, err := store.Estimate(ctx, class)
				if err != nil {
					return err
				}
				fmt.Printf("%s:\n", class)
				for _, stage := range types.Stages() {
					fmt.Printf("  %-20s %s\n", stage, est[stage].Round(time.Second))
				}
				fmt.Printf("  %-20s %s\n", "total", est.Total().Round(time.Second))
			}
			return nil
		},
	}
}
