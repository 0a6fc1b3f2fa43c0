package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/metabinary-ltd/reforge/internal/events"
	"github.com/metabinary-ltd/reforge/internal/tools"
	"github.com/metabinary-ltd/reforge/internal/types"
)

// Target letters are fixed: the deployed image expects its volumes here and
// the restore destinations are built from them.
const (
	systemLetter = "C"
	dataLetter   = "D"
	bootLetter   = "Z"
)

// formatting repartitions or reformats the target disks. The target letters
// are released first so the scripts can hand them out again regardless of
// what the machine booted with.
func (p *Pipeline) formatting(ctx context.Context) error {
	p.tools.Diskpart.ReleaseLetters(ctx, systemLetter, dataLetter, bootLetter)

	if p.opts.PreserveData {
		sys, data, boot := p.info.SystemVolume, p.info.DataVolume, p.info.BootVolume
		if sys == nil || data == nil || boot == nil {
			return fmt.Errorf("preserve mode needs classified system, data and boot volumes")
		}
		assignments := []tools.LetterAssignment{
			{DiskIndex: sys.DiskIndex, Partition: sys.Partition, Letter: systemLetter},
			{DiskIndex: data.DiskIndex, Partition: data.Partition, Letter: dataLetter},
			{DiskIndex: boot.DiskIndex, Partition: boot.Partition, Letter: bootLetter},
		}
		if _, err := p.tools.Diskpart.RunScript(ctx, "assign_targets", tools.AssignScript(assignments)); err != nil {
			return err
		}
		p.bus.Log(p.runID, types.StageFormatting, events.SeverityInfo,
			"reformatting system and boot volumes, data volume untouched")
		_, err := p.tools.Diskpart.RunScript(ctx, "format_preserve",
			tools.PreserveFormatScript(systemLetter, bootLetter, p.cfg.Format.SystemLabel))
		return err
	}

	if p.info.SystemDisk < 0 {
		return fmt.Errorf("no target system disk resolved")
	}
	var script string
	if p.info.DataDisk >= 0 && p.info.DataDisk != p.info.SystemDisk {
		p.bus.Log(p.runID, types.StageFormatting, events.SeverityInfo,
			fmt.Sprintf("wiping disk %d for system, disk %d for data", p.info.SystemDisk, p.info.DataDisk))
		script = tools.WipeDualDiskScript(p.info.SystemDisk, p.info.DataDisk,
			p.cfg.Format.EFIPartitionMB, p.cfg.Format.SystemLabel, p.cfg.Format.DataLabel)
	} else {
		p.bus.Log(p.runID, types.StageFormatting, events.SeverityInfo,
			fmt.Sprintf("wiping disk %d, splitting system and data partitions", p.info.SystemDisk))
		script = tools.WipeSingleDiskScript(p.info.SystemDisk,
			p.cfg.Format.EFIPartitionMB, p.cfg.Format.SystemPartitionMB,
			p.cfg.Format.SystemLabel, p.cfg.Format.DataLabel)
	}
	_, err := p.tools.Diskpart.RunScript(ctx, "format_wipe", script)
	return err
}

func (p *Pipeline) imageDeployment(ctx context.Context) error {
	image, ok := p.cfg.ImagePath(p.opts.Profile)
	if !ok {
		return fmt.Errorf("no image mapped for profile %q", p.opts.Profile)
	}
	p.bus.Log(p.runID, types.StageImageDeployment, events.SeverityInfo,
		"applying "+filepath.Base(image))
	return p.tools.Dism.ApplyImage(ctx, image, 1, systemLetter+`:\`, func(percent float64) {
		p.tracker.toolSignal(percent)
		p.emitProgress(types.StageImageDeployment)
	})
}

func (p *Pipeline) driverIntegration(ctx context.Context) error {
	p.bus.Log(p.runID, types.StageDriverIntegration, events.SeverityInfo,
		"integrating driver package "+p.info.Driver.Board)
	return p.tools.Dism.AddDrivers(ctx, systemLetter+`:\`, p.info.Driver.Path, func(percent float64) {
		p.tracker.toolSignal(percent)
		p.emitProgress(types.StageDriverIntegration)
	})
}

// dataRestore copies the stashed payloads onto the freshly imaged volumes.
// A missing source is a warning, the machine may simply never have had that
// payload. A copy that starts and fails is fatal, leaving a half-restored
// data volume behind would look like success to the operator.
func (p *Pipeline) dataRestore(ctx context.Context) error {
	for _, job := range p.restoreJobs() {
		if !job.sourceExists() {
			p.bus.Log(p.runID, types.StageDataRestore, events.SeverityWarning,
				fmt.Sprintf("%s skipped, source %s missing", job.name, job.sourcePath()))
			continue
		}
		p.bus.Log(p.runID, types.StageDataRestore, events.SeverityInfo, "restoring "+job.name)
		if job.plain {
			if err := copyFile(job.src, job.dst); err != nil {
				return fmt.Errorf("%s: %w", job.name, err)
			}
			continue
		}
		if err := p.tools.Robocopy.Copy(ctx, job.src, job.dst, job.files...); err != nil {
			return fmt.Errorf("%s: %w", job.name, err)
		}
	}
	return nil
}

func (p *Pipeline) bootConfiguration(ctx context.Context) error {
	if err := p.tools.Bcd.InstallBootFiles(ctx, winPath(systemLetter+":", "Windows"), bootLetter); err != nil {
		return err
	}
	return p.tools.Bcd.PointDefaultToSystem(ctx, systemLetter)
}

// restoreJob is one unit of the restore stage: a robocopy of src into dst,
// narrowed to files when set, or a plain copy to a full file path when the
// destination name differs from the source.
type restoreJob struct {
	name  string
	src   string
	dst   string
	files []string
	plain bool
}

func (j restoreJob) sourcePath() string {
	if len(j.files) > 0 {
		return filepath.Join(j.src, j.files[0])
	}
	return j.src
}

func (j restoreJob) sourceExists() bool {
	_, err := os.Stat(j.sourcePath())
	return err == nil
}

// restoreJobs builds the copy list for a wiped machine: stashed user folders
// onto the fresh data volume, the driver package staged for post-boot setup,
// the start menu layout for the profile, and the sysprep answer file.
func (p *Pipeline) restoreJobs() []restoreJob {
	user := p.cfg.Markers.ProfileUser
	stash := p.cfg.Paths.StashDir

	var jobs []restoreJob
	for _, folder := range p.cfg.Restore.UserFolders {
		jobs = append(jobs, restoreJob{
			name: "user folder " + folder,
			src:  filepath.Join(stash, user, folder),
			dst:  winPath(dataLetter+":", user, folder),
		})
	}

	if p.info.Driver != nil {
		jobs = append(jobs, restoreJob{
			name: "driver package staging",
			src:  p.info.Driver.Path,
			dst:  p.cfg.Paths.StagingDir,
		})
	}

	jobs = append(jobs, restoreJob{
		name: "start menu layout",
		src:  filepath.Join(stash, "menus", menuVariant(p.opts.Profile)),
		dst: winPath(systemLetter+":", "Users", user, "AppData", "Local", "Packages",
			"Microsoft.Windows.StartMenuExperienceHost_cw5n1h2txyewy", "LocalState"),
		files: []string{"start2.bin"},
	})

	// Robocopy cannot rename, the answer file is copied directly.
	jobs = append(jobs, restoreJob{
		name:  "sysprep answer file",
		src:   filepath.Join(p.cfg.Paths.ImagesDir, unattendName(p.opts.BitLocker)),
		dst:   winPath(systemLetter+":", "Windows", "System32", "Sysprep", "unattend.xml"),
		plain: true,
	})
	return jobs
}

// menuVariant picks the start menu layout. Internet-facing machines get the
// reduced one.
func menuVariant(profile types.Profile) string {
	if profile == types.ProfileInternet {
		return "internet"
	}
	return "intranet"
}

func unattendName(bitlocker bool) string {
	if bitlocker {
		return "unattend_bitlocker.xml"
	}
	return "unattend_standard.xml"
}

// winPath joins Windows path segments with backslashes regardless of the
// host separator.
func winPath(parts ...string) string {
	return strings.Join(parts, `\`)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
