package tools

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
)

var (
	applyPercentRe = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)%`)
	driverOfRe     = regexp.MustCompile(`Installing (\d+) of (\d+)`)
	driverSlashRe  = regexp.MustCompile(`(\d+)/(\d+)`)
)

// Dism wraps the imaging tool's apply-image and driver-injection operations.
type Dism struct {
	runner Runner
	bin    string
	logger *slog.Logger
}

func NewDism(runner Runner, bin string, logger *slog.Logger) *Dism {
	return &Dism{runner: runner, bin: bin, logger: logger}
}

// ApplyImage expands the image onto applyDir, reporting the tool's own
// percent output through onPercent. Blocks until the tool exits.
func (d *Dism) ApplyImage(ctx context.Context, imageFile string, index int, applyDir string, onPercent func(float64)) error {
	args := []string{
		"/Apply-Image",
		"/ImageFile:" + imageFile,
		fmt.Sprintf("/Index:%d", index),
		"/ApplyDir:" + applyDir,
	}
	err := d.runner.Stream(ctx, func(line string) {
		if pct, ok := ParseApplyProgress(line); ok && onPercent != nil {
			onPercent(pct)
		}
	}, d.bin, args...)
	if err != nil {
		return fmt.Errorf("apply image %s: %w", imageFile, err)
	}
	return nil
}

// AddDrivers injects every driver under driverDir into the offline image
// rooted at imageDir.
func (d *Dism) AddDrivers(ctx context.Context, imageDir, driverDir string, onPercent func(float64)) error {
	args := []string{
		"/Image:" + imageDir,
		"/Add-Driver",
		"/Driver:" + driverDir,
		"/Recurse",
	}
	err := d.runner.Stream(ctx, func(line string) {
		if done, total, ok := ParseDriverProgress(line); ok && onPercent != nil && total > 0 {
			onPercent(float64(done) / float64(total) * 100)
		}
	}, d.bin, args...)
	if err != nil {
		return fmt.Errorf("add drivers from %s: %w", driverDir, err)
	}
	return nil
}

// ParseApplyProgress extracts the percent from an apply-image progress line.
func ParseApplyProgress(line string) (float64, bool) {
	m := applyPercentRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil || pct > 100 {
		return 0, false
	}
	return pct, true
}

// ParseDriverProgress extracts "Installing 3 of 12" style counters; localized
// builds fall back to the bare "3/12" form.
func ParseDriverProgress(line string) (done, total int, ok bool) {
	m := driverOfRe.FindStringSubmatch(line)
	if m == nil {
		m = driverSlashRe.FindStringSubmatch(line)
	}
	if m == nil {
		return 0, 0, false
	}
	done, err1 := strconv.Atoi(m[1])
	total, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil || total == 0 || done > total {
		return 0, 0, false
	}
	return done, total, true
}
