package analyzer

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/metabinary-ltd/reforge/internal/types"
)

var boardNameStrip = regexp.MustCompile(`[\\/:*?"<>|]`)

// SanitizeBoard strips the characters Windows forbids in folder names so a
// mainboard identity can be compared against driver folder names.
func SanitizeBoard(identity string) string {
	return strings.TrimSpace(boardNameStrip.ReplaceAllString(identity, ""))
}

// ResolveDriverPackage returns the first folder under root whose name starts
// with the sanitized identity, ignoring case. Enumeration order is lexical,
// so a machine resolves to the same package on every boot. Nil means no
// package; the caller degrades driver integration instead of failing.
func ResolveDriverPackage(root, identity string, logger *slog.Logger) *types.DriverPackage {
	clean := SanitizeBoard(identity)
	if clean == "" {
		if logger != nil {
			logger.Warn("empty mainboard identity, skipping driver package lookup")
		}
		return nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		if logger != nil {
			logger.Warn("driver package root not readable", "root", root, "error", err)
		}
		return nil
	}

	want := strings.ToLower(clean)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if strings.HasPrefix(strings.ToLower(e.Name()), want) {
			return &types.DriverPackage{
				Board: clean,
				Path:  filepath.Join(root, e.Name()),
			}
		}
	}
	if logger != nil {
		logger.Warn("no driver package for mainboard", "board", clean, "root", root)
	}
	return nil
}
