// Package analyzer builds the one-shot hardware inventory a run plans
// against: disks and their volume roles, the mainboard identity and the
// driver package that matches it.
package analyzer

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/metabinary-ltd/reforge/internal/config"
	"github.com/metabinary-ltd/reforge/internal/errdefs"
	"github.com/metabinary-ltd/reforge/internal/tools"
	"github.com/metabinary-ltd/reforge/internal/types"
)

// HostQuery is the slice of the inventory tooling the analyzer needs.
type HostQuery interface {
	PhysicalDisks(ctx context.Context) ([]tools.PhysicalDisk, error)
	Partitions(ctx context.Context, disk int) ([]tools.Partition, error)
	Volumes(ctx context.Context) ([]tools.VolumeInfo, error)
	Baseboard(ctx context.Context) (tools.Baseboard, error)
}

// LetterAssigner hands out temporary drive letters so letterless volumes
// can be probed for folder markers.
type LetterAssigner interface {
	AssignLetter(ctx context.Context, a tools.LetterAssignment) error
}

type Analyzer struct {
	host    HostQuery
	letters LetterAssigner
	prober  Prober
	markers Markers
	bootFS  []string
	drivers string
	logger  *slog.Logger
}

func New(host HostQuery, letters LetterAssigner, cfg *config.Config, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		host:    host,
		letters: letters,
		prober:  osProber{},
		markers: Markers{
			System:     cfg.Markers.System,
			Data:       cfg.Markers.Data,
			ProfileDir: cfg.Markers.ProfileUser,
		},
		bootFS:  cfg.Markers.BootFilesystems,
		drivers: cfg.Paths.DriversDir,
		logger:  logger,
	}
}

// Analyze performs the single inventory pass. A disk enumeration failure is
// fatal; a missing mainboard identity or driver package is not.
func (a *Analyzer) Analyze(ctx context.Context) (*types.SystemInfo, error) {
	var (
		disks  []types.Disk
		board  types.Mainboard
		driver *types.DriverPackage
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := a.enumerateDisks(gctx)
		if err != nil {
			return errdefs.Wrap(err, errdefs.CodeAnalysis, "enumerate disks")
		}
		disks = d
		return nil
	})
	g.Go(func() error {
		bb, err := a.host.Baseboard(gctx)
		if err != nil {
			a.logger.Warn("mainboard query failed, driver integration will be skipped", "error", err)
			return nil
		}
		board = types.Mainboard{
			Vendor:  strings.TrimSpace(bb.Manufacturer),
			Product: strings.TrimSpace(bb.Product),
		}
		driver = ResolveDriverPackage(a.drivers, board.Identity(), a.logger)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sel, err := classifyVolumes(a.prober, disks, a.markers, a.bootFS, a.logger)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeAnalysis, "classify volumes")
	}

	systemDisk, dataDisk := selectTargets(disks, sel)

	info := &types.SystemInfo{
		Disks:             disks,
		Board:             board,
		Driver:            driver,
		SystemDisk:        systemDisk,
		DataDisk:          dataDisk,
		SystemVolume:      sel.System,
		DataVolume:        sel.Data,
		BootVolume:        sel.Boot,
		SystemVolumeCount: sel.SystemCount,
		CollectedAt:       time.Now().UTC(),
	}
	a.logger.Info("system analysis finished",
		"disks", len(disks),
		"system_disk", systemDisk,
		"data_disk", dataDisk,
		"system_volumes", sel.SystemCount,
		"board", board.Identity(),
		"driver_found", driver != nil)
	return info, nil
}

func (a *Analyzer) enumerateDisks(ctx context.Context) ([]types.Disk, error) {
	physical, err := a.host.PhysicalDisks(ctx)
	if err != nil {
		return nil, err
	}

	var disks []types.Disk
	for _, pd := range physical {
		idx := pd.Index()
		if idx < 0 {
			a.logger.Warn("skipping disk with unparsable device id", "device_id", pd.DeviceID)
			continue
		}
		parts, err := a.host.Partitions(ctx, idx)
		if err != nil {
			return nil, err
		}
		disk := types.Disk{
			Index:     idx,
			Name:      strings.TrimSpace(pd.FriendlyName),
			Media:     mediaClassFor(pd),
			SizeBytes: pd.Size,
		}
		for _, part := range parts {
			if strings.EqualFold(strings.TrimSpace(part.Type), "Reserved") {
				continue // MSR, takes no letter and holds no filesystem
			}
			disk.Volumes = append(disk.Volumes, types.Volume{
				DiskIndex: idx,
				Partition: part.PartitionNumber,
				Letter:    part.DriveLetter,
				SizeBytes: part.Size,
				Role:      types.RoleUnclassified,
			})
		}
		a.logger.Debug("disk enumerated",
			"index", idx,
			"name", disk.Name,
			"media", disk.Media,
			"size", humanize.IBytes(uint64(pd.Size)),
			"partitions", len(disk.Volumes))
		disks = append(disks, disk)
	}

	a.assignTempLetters(ctx, disks)

	if err := a.fillVolumeDetails(ctx, disks); err != nil {
		return nil, err
	}
	return disks, nil
}

// assignTempLetters gives letterless volumes a letter from the E..Z pool,
// lowest first, so their folder markers can be probed. A partition that
// refuses the letter keeps none and stays unclassified.
func (a *Analyzer) assignTempLetters(ctx context.Context, disks []types.Disk) {
	pool := newLetterPool(disks)
	for i := range disks {
		for j := range disks[i].Volumes {
			v := &disks[i].Volumes[j]
			if v.Letter != "" {
				continue
			}
			letter, ok := pool.take()
			if !ok {
				a.logger.Warn("drive letter pool exhausted", "disk", v.DiskIndex, "partition", v.Partition)
				return
			}
			err := a.letters.AssignLetter(ctx, tools.LetterAssignment{
				DiskIndex: v.DiskIndex,
				Partition: v.Partition,
				Letter:    letter,
			})
			if err != nil {
				pool.putBack(letter)
				a.logger.Debug("temporary letter assignment refused",
					"disk", v.DiskIndex, "partition", v.Partition, "letter", letter, "error", err)
				continue
			}
			v.Letter = letter
		}
	}
}

// fillVolumeDetails folds filesystem, label and size onto the lettered
// volumes. It runs after letter assignment so freshly lettered volumes are
// included.
func (a *Analyzer) fillVolumeDetails(ctx context.Context, disks []types.Disk) error {
	vols, err := a.host.Volumes(ctx)
	if err != nil {
		return err
	}
	byLetter := make(map[string]tools.VolumeInfo, len(vols))
	for _, v := range vols {
		if v.DriveLetter != "" {
			byLetter[strings.ToUpper(v.DriveLetter)] = v
		}
	}
	for i := range disks {
		for j := range disks[i].Volumes {
			v := &disks[i].Volumes[j]
			if v.Letter == "" {
				continue
			}
			vi, ok := byLetter[strings.ToUpper(v.Letter)]
			if !ok {
				continue
			}
			v.Filesystem = vi.FileSystem
			v.Label = vi.FileSystemLabel
			if vi.Size > 0 {
				v.SizeBytes = vi.Size
			}
		}
	}
	return nil
}

type letterPool struct {
	free []string
}

func newLetterPool(disks []types.Disk) *letterPool {
	used := map[string]bool{}
	for _, d := range disks {
		for _, v := range d.Volumes {
			if v.Letter != "" {
				used[strings.ToUpper(v.Letter)] = true
			}
		}
	}
	p := &letterPool{}
	for c := 'E'; c <= 'Z'; c++ {
		letter := string(c)
		if !used[letter] {
			p.free = append(p.free, letter)
		}
	}
	return p
}

func (p *letterPool) take() (string, bool) {
	if len(p.free) == 0 {
		return "", false
	}
	letter := p.free[0]
	p.free = p.free[1:]
	return letter, true
}

func (p *letterPool) putBack(letter string) {
	p.free = append(p.free, letter)
	sort.Strings(p.free)
}

func mediaClassFor(d tools.PhysicalDisk) types.MediaClass {
	switch d.BusType {
	case tools.BusTypeNVMe:
		return types.MediaNVMe
	case tools.BusTypeUSB:
		return types.MediaUSB
	}
	switch d.MediaType {
	case tools.MediaTypeSSD:
		return types.MediaSSD
	case tools.MediaTypeHDD:
		return types.MediaHDD
	}
	return types.MediaUnknown
}

var mediaPriority = map[types.MediaClass]int{
	types.MediaNVMe:    0,
	types.MediaSSD:     1,
	types.MediaHDD:     2,
	types.MediaUnknown: 3,
}

// selectTargets decides which disk gets the OS and which holds user data.
// Classified volumes win; on clean disks the fastest, smallest internal
// disk becomes the system disk and the next one the data disk. With a
// single internal disk there is no separate data disk and the wipe layout
// carves a data partition out of the system disk instead.
func selectTargets(disks []types.Disk, sel roleSelection) (systemDisk, dataDisk int) {
	systemDisk, dataDisk = -1, -1

	var internal []types.Disk
	for _, d := range disks {
		if d.Media != types.MediaUSB {
			internal = append(internal, d)
		}
	}
	sort.SliceStable(internal, func(i, j int) bool {
		pi, pj := mediaPriority[internal[i].Media], mediaPriority[internal[j].Media]
		if pi != pj {
			return pi < pj
		}
		return internal[i].SizeBytes < internal[j].SizeBytes
	})

	if sel.System != nil {
		systemDisk = sel.System.DiskIndex
	} else if len(internal) > 0 {
		systemDisk = internal[0].Index
	}

	if sel.Data != nil {
		dataDisk = sel.Data.DiskIndex
	} else if len(internal) > 1 {
		for _, d := range internal {
			if d.Index != systemDisk {
				dataDisk = d.Index
				break
			}
		}
	}
	return systemDisk, dataDisk
}
