package analyzer

import (
	"fmt"

	"github.com/metabinary-ltd/reforge/internal/types"
)

// Readiness reports whether the inventory supports a data-preserving run.
// Preserving requires an unambiguous system volume plus the data and boot
// volumes the formatting stage keeps and reuses.
func Readiness(info *types.SystemInfo) types.Readiness {
	var issues []string
	switch {
	case info.SystemVolumeCount == 0:
		issues = append(issues, "no system volume detected")
	case info.SystemVolumeCount > 1:
		issues = append(issues, fmt.Sprintf("%d system volumes detected, expected exactly one", info.SystemVolumeCount))
	}
	if info.DataVolume == nil {
		issues = append(issues, "no data volume detected")
	}
	if info.BootVolume == nil {
		issues = append(issues, "no boot volume detected")
	}
	return types.Readiness{
		CanPreserveData: len(issues) == 0,
		Issues:          issues,
	}
}
