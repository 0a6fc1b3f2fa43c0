package analyzer

import (
	"strings"
	"testing"

	"github.com/metabinary-ltd/reforge/internal/types"
)

func TestReadiness(t *testing.T) {
	sys := &types.Volume{Letter: "C", Role: types.RoleSystem}
	data := &types.Volume{Letter: "D", Role: types.RoleData}
	boot := &types.Volume{Letter: "Z", Role: types.RoleBoot}

	cases := []struct {
		name  string
		info  types.SystemInfo
		want  bool
		issue string
	}{
		{
			name: "eligible",
			info: types.SystemInfo{SystemVolumeCount: 1, SystemVolume: sys, DataVolume: data, BootVolume: boot},
			want: true,
		},
		{
			name:  "no system volume",
			info:  types.SystemInfo{DataVolume: data, BootVolume: boot},
			want:  false,
			issue: "no system volume",
		},
		{
			name:  "ambiguous system volumes",
			info:  types.SystemInfo{SystemVolumeCount: 2, SystemVolume: sys, DataVolume: data, BootVolume: boot},
			want:  false,
			issue: "2 system volumes",
		},
		{
			name:  "no data volume",
			info:  types.SystemInfo{SystemVolumeCount: 1, SystemVolume: sys, BootVolume: boot},
			want:  false,
			issue: "no data volume",
		},
		{
			name:  "no boot volume",
			info:  types.SystemInfo{SystemVolumeCount: 1, SystemVolume: sys, DataVolume: data},
			want:  false,
			issue: "no boot volume",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Readiness(&tc.info)
			if got.CanPreserveData != tc.want {
				t.Fatalf("CanPreserveData = %v, want %v (issues: %v)", got.CanPreserveData, tc.want, got.Issues)
			}
			if tc.want && len(got.Issues) != 0 {
				t.Fatalf("eligible inventory reported issues: %v", got.Issues)
			}
			if tc.issue != "" && !hasIssue(got.Issues, tc.issue) {
				t.Fatalf("issues = %v, want one containing %q", got.Issues, tc.issue)
			}
		})
	}
}

func hasIssue(issues []string, substr string) bool {
	for _, issue := range issues {
		if strings.Contains(issue, substr) {
			return true
		}
	}
	return false
}
