package tools

import (
	"context"
	"fmt"
	"log/slog"
)

// Robocopy performs mirroring copies with the tool's own bounded retry for
// locked or transiently unreadable files.
type Robocopy struct {
	runner  Runner
	bin     string
	retries int // /R
	waitSec int // /W
	threads int // /MT
	logger  *slog.Logger
}

func NewRobocopy(runner Runner, bin string, retries, waitSec, threads int, logger *slog.Logger) *Robocopy {
	return &Robocopy{
		runner:  runner,
		bin:     bin,
		retries: retries,
		waitSec: waitSec,
		threads: threads,
		logger:  logger,
	}
}

// Copy mirrors src into dst; with files given, only those files are copied.
// Robocopy's exit status is a bit field: values below 17 mean nothing failed
// to copy, so only 17 and up (or a tool that never ran) are errors.
func (r *Robocopy) Copy(ctx context.Context, src, dst string, files ...string) error {
	args := []string{src, dst}
	args = append(args, files...)
	args = append(args,
		"/E", "/COPYALL", "/B",
		fmt.Sprintf("/R:%d", r.retries),
		fmt.Sprintf("/W:%d", r.waitSec),
		"/J",
		fmt.Sprintf("/MT:%d", r.threads),
		"/NP", "/NJS", "/NJH",
	)

	err := r.runner.Stream(ctx, nil, r.bin, args...)
	if err == nil {
		return nil
	}
	if code := ExitCode(err); code >= 0 && code < 17 {
		if r.logger != nil {
			r.logger.Debug("robocopy finished with copy flags", "src", src, "dst", dst, "code", code)
		}
		return nil
	}
	return fmt.Errorf("robocopy %s -> %s: %w", src, dst, err)
}
