package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Diskpart drives the partitioning tool through generated script files, the
// only way it can run unattended.
type Diskpart struct {
	runner     Runner
	bin        string
	scratchDir string
	logger     *slog.Logger
}

func NewDiskpart(runner Runner, bin, scratchDir string, logger *slog.Logger) *Diskpart {
	return &Diskpart{runner: runner, bin: bin, scratchDir: scratchDir, logger: logger}
}

// RunScript writes the script under the scratch dir and executes it. The
// script file is kept afterwards; it documents what was done to the disks.
func (d *Diskpart) RunScript(ctx context.Context, name, script string) (string, error) {
	if err := os.MkdirAll(d.scratchDir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	path := filepath.Join(d.scratchDir, name+".txt")
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		return "", fmt.Errorf("write diskpart script: %w", err)
	}

	if d.logger != nil {
		d.logger.Debug("running diskpart script", "script", path)
	}
	out, err := d.runner.Run(ctx, d.bin, "/s", path)
	if err != nil {
		return out, fmt.Errorf("diskpart %s: %w", name, err)
	}
	return out, nil
}

// ReleaseLetters removes drive-letter assignments one letter per invocation;
// a letter that is not assigned makes diskpart fail, which is fine here.
func (d *Diskpart) ReleaseLetters(ctx context.Context, letters ...string) {
	for _, letter := range letters {
		script := ReleaseScript(letter)
		if _, err := d.RunScript(ctx, "release_"+strings.ToLower(letter), script); err != nil && d.logger != nil {
			d.logger.Debug("letter release skipped", "letter", letter, "error", err)
		}
	}
}

type LetterAssignment struct {
	DiskIndex int
	Partition int
	Letter    string
}

// AssignLetter assigns a drive letter to a single partition. One letter per
// invocation, so a refusal on one partition does not abort the rest of a
// discovery pass.
func (d *Diskpart) AssignLetter(ctx context.Context, a LetterAssignment) error {
	_, err := d.RunScript(ctx, "assign_"+strings.ToLower(a.Letter), AssignScript([]LetterAssignment{a}))
	return err
}

func ReleaseScript(letter string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "select volume=%s\n", letter)
	fmt.Fprintf(&b, "remove letter=%s\n", letter)
	b.WriteString("exit\n")
	return b.String()
}

func AssignScript(assignments []LetterAssignment) string {
	var b strings.Builder
	for _, a := range assignments {
		fmt.Fprintf(&b, "select disk %d\n", a.DiskIndex)
		fmt.Fprintf(&b, "select partition %d\n", a.Partition)
		fmt.Fprintf(&b, "assign letter=%s\n", a.Letter)
	}
	b.WriteString("exit\n")
	return b.String()
}

// PreserveFormatScript reformats only the system and boot volumes, addressed
// by the letters assigned beforehand. The data volume is never touched.
func PreserveFormatScript(systemLetter, bootLetter, systemLabel string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "select volume=%s\n", systemLetter)
	fmt.Fprintf(&b, "format fs=ntfs label=%s quick\n", systemLabel)
	fmt.Fprintf(&b, "select volume=%s\n", bootLetter)
	b.WriteString("format fs=fat32 quick\n")
	b.WriteString("exit\n")
	return b.String()
}

// WipeSingleDiskScript lays out EFI + OS + DATA partitions on one disk.
func WipeSingleDiskScript(disk int, efiMB, osMB int64, systemLabel, dataLabel string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "select disk %d\n", disk)
	b.WriteString("clean\n")
	b.WriteString("convert gpt\n")
	fmt.Fprintf(&b, "create partition efi size=%d\n", efiMB)
	b.WriteString("format fs=fat32 quick\n")
	b.WriteString("assign letter=Z\n")
	fmt.Fprintf(&b, "create partition primary size=%d\n", osMB)
	fmt.Fprintf(&b, "format fs=ntfs label=%s quick\n", systemLabel)
	b.WriteString("assign letter=C\n")
	b.WriteString("create partition primary\n")
	fmt.Fprintf(&b, "format fs=ntfs label=%s quick\n", dataLabel)
	b.WriteString("assign letter=D\n")
	b.WriteString("exit\n")
	return b.String()
}

// WipeDualDiskScript puts EFI + OS on the system disk and a single DATA
// partition on the data disk.
func WipeDualDiskScript(systemDisk, dataDisk int, efiMB int64, systemLabel, dataLabel string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "select disk %d\n", systemDisk)
	b.WriteString("clean\n")
	b.WriteString("convert gpt\n")
	fmt.Fprintf(&b, "create partition efi size=%d\n", efiMB)
	b.WriteString("format fs=fat32 quick\n")
	b.WriteString("assign letter=Z\n")
	b.WriteString("create partition primary\n")
	fmt.Fprintf(&b, "format fs=ntfs label=%s quick\n", systemLabel)
	b.WriteString("assign letter=C\n")
	fmt.Fprintf(&b, "select disk %d\n", dataDisk)
	b.WriteString("clean\n")
	b.WriteString("convert gpt\n")
	b.WriteString("create partition primary\n")
	fmt.Fprintf(&b, "format fs=ntfs label=%s quick\n", dataLabel)
	b.WriteString("assign letter=D\n")
	b.WriteString("exit\n")
	return b.String()
}
