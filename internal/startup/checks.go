// Package startup validates the WinPE environment before the engine comes
// up. A missing tool must surface here, not halfway through a wiped disk.
package startup

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/metabinary-ltd/reforge/internal/config"
)

// Requirements lists the external binaries a run depends on.
type Requirements struct {
	Diskpart   string
	Dism       string
	Robocopy   string
	Bcdboot    string
	Bcdedit    string
	Powershell string
}

// FromConfig builds the requirement set from the configured tool names.
func FromConfig(cfg *config.Config) Requirements {
	return Requirements{
		Diskpart:   cfg.Tools.Diskpart,
		Dism:       cfg.Tools.Dism,
		Robocopy:   cfg.Tools.Robocopy,
		Bcdboot:    cfg.Tools.Bcdboot,
		Bcdedit:    cfg.Tools.Bcdedit,
		Powershell: cfg.Tools.Powershell,
	}
}

func RunChecks(req Requirements) error {
	for _, bin := range []string{req.Diskpart, req.Dism, req.Robocopy, req.Bcdboot, req.Bcdedit, req.Powershell} {
		if err := ensureBinary(bin); err != nil {
			return err
		}
	}
	return nil
}

func ensureBinary(name string) error {
	if name == "" {
		return fmt.Errorf("binary not specified")
	}
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("required binary not found: %s", name)
	}
	return nil
}

// EnsureDirs creates the given directories.
func EnsureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cannot create dir %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureParents creates the parent directories of the given file paths.
func EnsureParents(files ...string) error {
	for _, file := range files {
		if file == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return fmt.Errorf("cannot create dir for %s: %w", file, err)
		}
	}
	return nil
}
