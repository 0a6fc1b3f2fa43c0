package tools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

type call struct {
	name string
	args []string
}

// fakeRunner records invocations and plays back canned behavior.
type fakeRunner struct {
	calls  []call
	run    func(name string, args []string) (string, error)
	stream func(onLine func(string), name string, args []string) error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, call{name: name, args: args})
	if f.run != nil {
		return f.run(name, args)
	}
	return "", nil
}

func (f *fakeRunner) Stream(ctx context.Context, onLine func(string), name string, args ...string) error {
	f.calls = append(f.calls, call{name: name, args: args})
	if f.stream != nil {
		return f.stream(onLine, name, args)
	}
	return nil
}

// exitErr mimics a process exit status in tests.
type exitErr int

func (e exitErr) Error() string { return fmt.Sprintf("exit status %d", int(e)) }
func (e exitErr) ExitCode() int { return int(e) }

func TestScanCRorLF(t *testing.T) {
	input := "plain line\nprogress 10%\rprogress 50%\rdone\r\nlast"
	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Split(scanCRorLF)

	var got []string
	for scanner.Scan() {
		if tok := scanner.Text(); tok != "" {
			got = append(got, tok)
		}
	}
	want := []string{"plain line", "progress 10%", "progress 50%", "done", "last"}
	if len(got) != len(want) {
		t.Fatalf("tokens = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("token %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExitCode(t *testing.T) {
	if got := ExitCode(nil); got != 0 {
		t.Fatalf("nil error code = %d, want 0", got)
	}
	if got := ExitCode(errors.New("spawn failed")); got != -1 {
		t.Fatalf("plain error code = %d, want -1", got)
	}
	wrapped := fmt.Errorf("robocopy: %w", exitErr(3))
	if got := ExitCode(wrapped); got != 3 {
		t.Fatalf("wrapped exit code = %d, want 3", got)
	}
}
