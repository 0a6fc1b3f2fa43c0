// Package tools wraps the external Windows utilities the engine drives:
// diskpart, DISM, robocopy, bcdboot/bcdedit, PowerShell inventory queries and
// shutdown. Everything goes through the Runner interface so stage logic can
// be exercised against fakes.
package tools

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

type Runner interface {
	// Run executes the command and returns its combined output.
	Run(ctx context.Context, name string, args ...string) (string, error)
	// Stream executes the command and hands each output line to onLine as it
	// appears. Progress-style output using bare carriage returns is split too.
	Stream(ctx context.Context, onLine func(string), name string, args ...string) error
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	c := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	c.Stdout = &buf
	c.Stderr = &buf
	if err := c.Run(); err != nil {
		return buf.String(), fmt.Errorf("%w: %s", err, strings.TrimSpace(buf.String()))
	}
	return buf.String(), nil
}

func (ExecRunner) Stream(ctx context.Context, onLine func(string), name string, args ...string) error {
	c := exec.CommandContext(ctx, name, args...)
	stdout, err := c.StdoutPipe()
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	c.Stderr = &stderr

	if err := c.Start(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanCRorLF)
	for scanner.Scan() {
		if onLine != nil {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				onLine(line)
			}
		}
	}

	if err := c.Wait(); err != nil {
		if stderr.Len() > 0 {
			return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return err
	}
	return nil
}

// scanCRorLF splits on \n or bare \r; console tools rewrite their progress
// line with carriage returns and never emit a newline until the end.
func scanCRorLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// ExitCode unwraps the process exit code, -1 when the command never ran and
// 0 when err is nil. Anything in the chain exposing ExitCode() int qualifies,
// which covers *exec.ExitError.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ec interface{ ExitCode() int }
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return -1
}

func ctxWithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d == 0 {
		d = 15 * time.Second
	}
	return context.WithTimeout(parent, d)
}
