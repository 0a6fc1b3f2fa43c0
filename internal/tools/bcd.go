package tools

import (
	"context"
	"fmt"
	"log/slog"
)

// Bcd configures UEFI boot entries for a freshly deployed system volume.
type Bcd struct {
	runner  Runner
	bcdboot string
	bcdedit string
	logger  *slog.Logger
}

func NewBcd(runner Runner, bcdboot, bcdedit string, logger *slog.Logger) *Bcd {
	return &Bcd{runner: runner, bcdboot: bcdboot, bcdedit: bcdedit, logger: logger}
}

// InstallBootFiles writes the boot files for windowsDir onto the boot volume
// and registers the default entry.
func (b *Bcd) InstallBootFiles(ctx context.Context, windowsDir, bootLetter string) error {
	out, err := b.runner.Run(ctx, b.bcdboot, windowsDir, "/s", bootLetter+":", "/f", "UEFI")
	if err != nil {
		return fmt.Errorf("bcdboot %s: %w", windowsDir, err)
	}
	if b.logger != nil {
		b.logger.Debug("bcdboot finished", "output", out)
	}
	return nil
}

// PointDefaultToSystem pins the {default} entry's device and osdevice to the
// system volume; bcdboot alone leaves them on the WinPE ramdisk in some
// firmware configurations.
func (b *Bcd) PointDefaultToSystem(ctx context.Context, systemLetter string) error {
	partition := "partition=" + systemLetter + ":"
	for _, field := range []string{"device", "osdevice"} {
		if _, err := b.runner.Run(ctx, b.bcdedit, "/set", "{default}", field, partition); err != nil {
			return fmt.Errorf("bcdedit set %s: %w", field, err)
		}
	}
	return nil
}
