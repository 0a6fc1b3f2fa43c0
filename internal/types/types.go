package types

import (
	"strings"
	"time"
)

type MediaClass string

const (
	MediaNVMe    MediaClass = "nvme"
	MediaSSD     MediaClass = "ssd"
	MediaHDD     MediaClass = "hdd"
	MediaUSB     MediaClass = "usb"
	MediaUnknown MediaClass = "unknown"
)

type Role string

const (
	RoleSystem       Role = "system"
	RoleData         Role = "data"
	RoleBoot         Role = "boot"
	RoleUnclassified Role = "unclassified"
)

type Disk struct {
	Index     int        `json:"index"`
	Name      string     `json:"name,omitempty"`
	Media     MediaClass `json:"media"`
	SizeBytes int64      `json:"size_bytes"`
	Volumes   []Volume   `json:"volumes,omitempty"`
}

type Volume struct {
	DiskIndex  int    `json:"disk_index"`
	Partition  int    `json:"partition"`
	Letter     string `json:"letter,omitempty"` // bare letter, no colon
	Label      string `json:"label,omitempty"`
	Filesystem string `json:"filesystem,omitempty"`
	SizeBytes  int64  `json:"size_bytes"`
	Role       Role   `json:"role"`
}

// Root returns the volume's root path ("C:\") or "" when no letter is
// assigned yet.
func (v Volume) Root() string {
	if v.Letter == "" {
		return ""
	}
	return v.Letter + `:\`
}

type Mainboard struct {
	Vendor  string `json:"vendor,omitempty"`
	Product string `json:"product"`
}

func (m Mainboard) Identity() string {
	return m.Product
}

type DriverPackage struct {
	Board string `json:"board"`
	Path  string `json:"path"`
}

// SystemInfo is the inventory snapshot the analyzer produces exactly once.
// Nothing mutates it afterwards.
type SystemInfo struct {
	Disks             []Disk         `json:"disks"`
	Board             Mainboard      `json:"board"`
	Driver            *DriverPackage `json:"driver,omitempty"`
	SystemDisk        int            `json:"system_disk"` // disk index, -1 when unresolved
	DataDisk          int            `json:"data_disk"`
	SystemVolume      *Volume        `json:"system_volume,omitempty"`
	DataVolume        *Volume        `json:"data_volume,omitempty"`
	BootVolume        *Volume        `json:"boot_volume,omitempty"`
	SystemVolumeCount int            `json:"system_volume_count"`
	CollectedAt       time.Time      `json:"collected_at"`
}

func (s *SystemInfo) DiskByIndex(idx int) *Disk {
	for i := range s.Disks {
		if s.Disks[i].Index == idx {
			return &s.Disks[i]
		}
	}
	return nil
}

// SystemMedia reports the media class of the selected system disk.
func (s *SystemInfo) SystemMedia() MediaClass {
	if d := s.DiskByIndex(s.SystemDisk); d != nil {
		return d.Media
	}
	return MediaUnknown
}

type Profile string

const (
	ProfileIntranet   Profile = "intranet"
	ProfileInternet   Profile = "internet"
	ProfileTravel     Profile = "travel"
	ProfileSubsidiary Profile = "subsidiary"
)

func Profiles() []Profile {
	return []Profile{ProfileIntranet, ProfileInternet, ProfileTravel, ProfileSubsidiary}
}

func (p Profile) Known() bool {
	for _, known := range Profiles() {
		if p == known {
			return true
		}
	}
	return false
}

func ParseProfile(s string) (Profile, bool) {
	p := Profile(strings.ToLower(strings.TrimSpace(s)))
	return p, p.Known()
}

// Options is user input for one run. Immutable once the run starts.
type Options struct {
	Profile      Profile `json:"profile"`
	PreserveData bool    `json:"preserve_data"`
	BitLocker    bool    `json:"bitlocker"`
}

type StageID string

const (
	StageFormatting        StageID = "formatting"
	StageImageDeployment   StageID = "image_deployment"
	StageDriverIntegration StageID = "driver_integration"
	StageDataRestore       StageID = "data_restore"
	StageBootConfiguration StageID = "boot_configuration"
)

// Stages lists the pipeline stages in execution order.
func Stages() []StageID {
	return []StageID{
		StageFormatting,
		StageImageDeployment,
		StageDriverIntegration,
		StageDataRestore,
		StageBootConfiguration,
	}
}

// StageWeight is each stage's fixed share of overall run progress. The
// weights sum to 100; image deployment dominates wall time by far.
func StageWeight(id StageID) int {
	switch id {
	case StageFormatting:
		return 2
	case StageImageDeployment:
		return 80
	case StageDriverIntegration:
		return 10
	case StageDataRestore:
		return 6
	case StageBootConfiguration:
		return 2
	}
	return 0
}

type StageOutcome string

const (
	OutcomeSuccess  StageOutcome = "success"
	OutcomeFailed   StageOutcome = "failed"
	OutcomeSkipped  StageOutcome = "skipped"
	OutcomeDegraded StageOutcome = "degraded"
)

type StageResult struct {
	Seq       int           `json:"seq"`
	Stage     StageID       `json:"stage"`
	Outcome   StageOutcome  `json:"outcome"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
	Error     string        `json:"error,omitempty"`
}

type RunState string

const (
	StatePending           RunState = "pending"
	StateFormatting        RunState = "formatting"
	StateImageDeployment   RunState = "image_deployment"
	StateDriverIntegration RunState = "driver_integration"
	StateDataRestore       RunState = "data_restore"
	StateBootConfiguration RunState = "boot_configuration"
	StateCompleted         RunState = "completed"
	StateFailed            RunState = "failed"
	StateAborted           RunState = "aborted"
)

func (s RunState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateAborted:
		return true
	}
	return false
}

// StageState maps a stage to the run state that is active while it executes.
func StageState(id StageID) RunState {
	switch id {
	case StageFormatting:
		return StateFormatting
	case StageImageDeployment:
		return StateImageDeployment
	case StageDriverIntegration:
		return StateDriverIntegration
	case StageDataRestore:
		return StateDataRestore
	case StageBootConfiguration:
		return StateBootConfiguration
	}
	return StatePending
}

type RunOutcome string

const (
	RunCompleted RunOutcome = "completed"
	RunDegraded  RunOutcome = "degraded" // completed with a non-fatal stage failure
	RunFailed    RunOutcome = "failed"
	RunAborted   RunOutcome = "aborted"
)

// StageDurations carries the expected wall time per stage for one media class.
type StageDurations map[StageID]time.Duration

func (d StageDurations) Total() time.Duration {
	var sum time.Duration
	for _, v := range d {
		sum += v
	}
	return sum
}

func (d StageDurations) Clone() StageDurations {
	out := make(StageDurations, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// RunSummary describes one pipeline run for journaling and status reporting.
type RunSummary struct {
	ID         string        `json:"id"`
	Options    Options       `json:"options"`
	Media      MediaClass    `json:"media"`
	State      RunState      `json:"state"`
	Outcome    RunOutcome    `json:"outcome,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Results    []StageResult `json:"results,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Readiness reports whether data preservation can be offered for the
// analyzed machine.
type Readiness struct {
	CanPreserveData bool     `json:"can_preserve_data"`
	Issues          []string `json:"issues,omitempty"`
}
