package analyzer

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/metabinary-ltd/reforge/internal/types"
)

// Prober answers filesystem questions during volume classification. Tests
// substitute a fake so classification runs against synthetic trees.
type Prober interface {
	IsDir(path string) bool
	ModTime(path string) (time.Time, error)
}

type osProber struct{}

func (osProber) IsDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func (osProber) ModTime(path string) (time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// Markers are the folder paths, relative to a volume root, that identify a
// volume's role. ProfileDir is the user-profile folder on a data volume,
// used to break ties between several data candidates.
type Markers struct {
	System     []string
	Data       []string
	ProfileDir string
}

type roleSelection struct {
	System      *types.Volume
	Data        *types.Volume
	Boot        *types.Volume
	SystemCount int
}

// classifyVolumes inspects folder markers on every lettered volume of the
// given disks, marks volume roles in place and picks the system, data and
// boot volumes. USB disks never participate. A volume carrying both marker
// sets counts as system only.
func classifyVolumes(p Prober, disks []types.Disk, m Markers, bootFS []string, logger *slog.Logger) (roleSelection, error) {
	var sel roleSelection
	var systemCandidates, dataCandidates []*types.Volume

	for i := range disks {
		if disks[i].Media == types.MediaUSB {
			continue
		}
		for j := range disks[i].Volumes {
			v := &disks[i].Volumes[j]
			root := v.Root()
			if root == "" {
				continue
			}
			if allDirsExist(p, root, m.System) {
				systemCandidates = append(systemCandidates, v)
			}
			if allDirsExist(p, root, m.Data) {
				dataCandidates = append(dataCandidates, v)
			}
		}
	}

	for _, v := range systemCandidates {
		v.Role = types.RoleSystem
	}
	sel.SystemCount = len(systemCandidates)
	if len(systemCandidates) > 0 {
		sel.System = systemCandidates[0]
	}

	// A volume that qualified as system never doubles as the data volume.
	kept := dataCandidates[:0]
	for _, v := range dataCandidates {
		if v.Role != types.RoleSystem {
			kept = append(kept, v)
		}
	}
	dataCandidates = kept

	switch {
	case len(dataCandidates) == 1:
		sel.Data = dataCandidates[0]
	case len(dataCandidates) > 1:
		newest, err := newestProfile(p, dataCandidates, m.ProfileDir)
		if err != nil {
			return roleSelection{}, fmt.Errorf("compare data volume candidates: %w", err)
		}
		sel.Data = newest
	}
	if sel.Data != nil {
		sel.Data.Role = types.RoleData
	}

	if sel.System != nil {
		sel.Boot = findBootVolume(disks, sel.System.DiskIndex, bootFS)
		if sel.Boot != nil {
			sel.Boot.Role = types.RoleBoot
		}
	}

	if logger != nil {
		logger.Debug("volume classification finished",
			"system_candidates", sel.SystemCount,
			"data_candidates", len(dataCandidates),
			"boot_found", sel.Boot != nil)
	}
	return sel, nil
}

// newestProfile picks the candidate whose user-profile folder changed most
// recently. Machines that kept an old data disk around after a swap carry
// two matching volumes and the fresher one is the live one.
func newestProfile(p Prober, candidates []*types.Volume, profileDir string) (*types.Volume, error) {
	var best *types.Volume
	var bestTime time.Time
	for _, v := range candidates {
		mt, err := p.ModTime(volumePath(v.Root(), profileDir))
		if err != nil {
			return nil, err
		}
		if best == nil || mt.After(bestTime) {
			best = v
			bestTime = mt
		}
	}
	return best, nil
}

// findBootVolume returns the first unclassified FAT-family volume on the
// system disk; that is the EFI partition the boot files go into.
func findBootVolume(disks []types.Disk, systemDisk int, bootFS []string) *types.Volume {
	for i := range disks {
		if disks[i].Index != systemDisk {
			continue
		}
		for j := range disks[i].Volumes {
			v := &disks[i].Volumes[j]
			if v.Role == types.RoleUnclassified && fsMatches(v.Filesystem, bootFS) {
				return v
			}
		}
	}
	return nil
}

func fsMatches(filesystem string, patterns []string) bool {
	fs := strings.ToUpper(filesystem)
	for _, p := range patterns {
		if p != "" && strings.Contains(fs, strings.ToUpper(p)) {
			return true
		}
	}
	return false
}

func allDirsExist(p Prober, root string, markers []string) bool {
	if len(markers) == 0 {
		return false
	}
	for _, m := range markers {
		if !p.IsDir(volumePath(root, m)) {
			return false
		}
	}
	return true
}

// volumePath joins a volume root like "E:\" with a relative Windows path.
// filepath.Join would mangle the backslashes on non-Windows test hosts.
func volumePath(root, rel string) string {
	return strings.TrimRight(root, `\`) + `\` + rel
}
