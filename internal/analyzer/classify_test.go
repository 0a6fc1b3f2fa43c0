package analyzer

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/metabinary-ltd/reforge/internal/types"
)

type fakeProber struct {
	dirs  map[string]bool
	times map[string]time.Time
}

func newFakeProber() *fakeProber {
	return &fakeProber{dirs: map[string]bool{}, times: map[string]time.Time{}}
}

func (f *fakeProber) IsDir(path string) bool { return f.dirs[path] }

func (f *fakeProber) ModTime(path string) (time.Time, error) {
	t, ok := f.times[path]
	if !ok {
		return time.Time{}, fmt.Errorf("no such path: %s", path)
	}
	return t, nil
}

func (f *fakeProber) markSystem(letter string) {
	for _, m := range testMarkers().System {
		f.dirs[letter+`:\`+m] = true
	}
}

func (f *fakeProber) markData(letter string) {
	for _, m := range testMarkers().Data {
		f.dirs[letter+`:\`+m] = true
	}
}

func testMarkers() Markers {
	return Markers{
		System:     []string{`Windows\System32\Sysprep`, `Users\corp\Desktop`, `Users\corp\AppData`},
		Data:       []string{`corp\Desktop`, `corp\Downloads`},
		ProfileDir: "corp",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func vol(disk, part int, letter, fs string) types.Volume {
	return types.Volume{DiskIndex: disk, Partition: part, Letter: letter, Filesystem: fs, Role: types.RoleUnclassified}
}

func TestClassifySystemNeedsEveryMarker(t *testing.T) {
	p := newFakeProber()
	p.dirs[`C:\Windows\System32\Sysprep`] = true
	p.dirs[`C:\Users\corp\Desktop`] = true
	// AppData marker absent

	disks := []types.Disk{
		{Index: 0, Media: types.MediaSSD, Volumes: []types.Volume{vol(0, 2, "C", "NTFS")}},
	}
	sel, err := classifyVolumes(p, disks, testMarkers(), []string{"FAT"}, discardLogger())
	if err != nil {
		t.Fatalf("classifyVolumes: %v", err)
	}
	if sel.System != nil || sel.SystemCount != 0 {
		t.Fatalf("expected no system volume, got %+v (count %d)", sel.System, sel.SystemCount)
	}
	if got := disks[0].Volumes[0].Role; got != types.RoleUnclassified {
		t.Fatalf("role = %s, want unclassified", got)
	}
}

func TestClassifyMarksAllSystemCandidates(t *testing.T) {
	p := newFakeProber()
	p.markSystem("C")
	p.markSystem("E")

	disks := []types.Disk{
		{Index: 0, Media: types.MediaNVMe, Volumes: []types.Volume{vol(0, 2, "C", "NTFS")}},
		{Index: 1, Media: types.MediaSSD, Volumes: []types.Volume{vol(1, 1, "E", "NTFS")}},
	}
	sel, err := classifyVolumes(p, disks, testMarkers(), []string{"FAT"}, discardLogger())
	if err != nil {
		t.Fatalf("classifyVolumes: %v", err)
	}
	if sel.SystemCount != 2 {
		t.Fatalf("system count = %d, want 2", sel.SystemCount)
	}
	if sel.System == nil || sel.System.Letter != "C" {
		t.Fatalf("selected system = %+v, want letter C", sel.System)
	}
	if disks[0].Volumes[0].Role != types.RoleSystem || disks[1].Volumes[0].Role != types.RoleSystem {
		t.Fatal("both candidates should carry the system role")
	}
}

func TestClassifyIgnoresUSBDisks(t *testing.T) {
	p := newFakeProber()
	p.markSystem("G")
	p.markData("G")

	disks := []types.Disk{
		{Index: 2, Media: types.MediaUSB, Volumes: []types.Volume{vol(2, 1, "G", "NTFS")}},
	}
	sel, err := classifyVolumes(p, disks, testMarkers(), []string{"FAT"}, discardLogger())
	if err != nil {
		t.Fatalf("classifyVolumes: %v", err)
	}
	if sel.System != nil || sel.Data != nil || sel.SystemCount != 0 {
		t.Fatalf("usb volume classified: %+v", sel)
	}
	if got := disks[0].Volumes[0].Role; got != types.RoleUnclassified {
		t.Fatalf("usb volume role = %s, want unclassified", got)
	}
}

func TestSystemVolumeNeverDoublesAsData(t *testing.T) {
	p := newFakeProber()
	p.markSystem("C")
	p.markData("C")

	disks := []types.Disk{
		{Index: 0, Media: types.MediaSSD, Volumes: []types.Volume{vol(0, 2, "C", "NTFS")}},
	}
	sel, err := classifyVolumes(p, disks, testMarkers(), []string{"FAT"}, discardLogger())
	if err != nil {
		t.Fatalf("classifyVolumes: %v", err)
	}
	if sel.System == nil || sel.System.Letter != "C" {
		t.Fatalf("system volume not selected: %+v", sel.System)
	}
	if sel.Data != nil {
		t.Fatalf("system volume must not be picked as data, got %+v", sel.Data)
	}
}

func TestDataTieBreakPicksNewestProfile(t *testing.T) {
	p := newFakeProber()
	p.markData("E")
	p.markData("F")
	p.times[`E:\corp`] = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	p.times[`F:\corp`] = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	disks := []types.Disk{
		{Index: 0, Media: types.MediaHDD, Volumes: []types.Volume{vol(0, 1, "E", "NTFS")}},
		{Index: 1, Media: types.MediaHDD, Volumes: []types.Volume{vol(1, 1, "F", "NTFS")}},
	}
	sel, err := classifyVolumes(p, disks, testMarkers(), []string{"FAT"}, discardLogger())
	if err != nil {
		t.Fatalf("classifyVolumes: %v", err)
	}
	if sel.Data == nil || sel.Data.Letter != "F" {
		t.Fatalf("data volume = %+v, want letter F", sel.Data)
	}
	if disks[0].Volumes[0].Role != types.RoleUnclassified {
		t.Fatal("losing candidate must stay unclassified")
	}
}

func TestDataTieBreakFailsWhenProfileUnreadable(t *testing.T) {
	p := newFakeProber()
	p.markData("E")
	p.markData("F")
	p.times[`E:\corp`] = time.Now()
	// F:\corp has no timestamp

	disks := []types.Disk{
		{Index: 0, Media: types.MediaHDD, Volumes: []types.Volume{vol(0, 1, "E", "NTFS")}},
		{Index: 1, Media: types.MediaHDD, Volumes: []types.Volume{vol(1, 1, "F", "NTFS")}},
	}
	if _, err := classifyVolumes(p, disks, testMarkers(), []string{"FAT"}, discardLogger()); err == nil {
		t.Fatal("expected an error when a candidate profile cannot be compared")
	}
}

func TestBootVolumeIsFirstFATOnSystemDisk(t *testing.T) {
	p := newFakeProber()
	p.markSystem("C")

	disks := []types.Disk{
		{Index: 0, Media: types.MediaNVMe, Volumes: []types.Volume{
			vol(0, 1, "Z", "FAT32"),
			vol(0, 2, "C", "NTFS"),
			vol(0, 3, "Y", "FAT32"),
		}},
		{Index: 1, Media: types.MediaSSD, Volumes: []types.Volume{vol(1, 1, "G", "FAT32")}},
	}
	sel, err := classifyVolumes(p, disks, testMarkers(), []string{"FAT"}, discardLogger())
	if err != nil {
		t.Fatalf("classifyVolumes: %v", err)
	}
	if sel.Boot == nil || sel.Boot.Letter != "Z" {
		t.Fatalf("boot volume = %+v, want letter Z", sel.Boot)
	}
	if disks[0].Volumes[2].Role != types.RoleUnclassified {
		t.Fatal("only the first FAT volume on the system disk is the boot volume")
	}
	if disks[1].Volumes[0].Role != types.RoleUnclassified {
		t.Fatal("FAT volume on another disk must not become the boot volume")
	}
}

func TestBootVolumeRequiresSystemVolume(t *testing.T) {
	p := newFakeProber()

	disks := []types.Disk{
		{Index: 0, Media: types.MediaNVMe, Volumes: []types.Volume{vol(0, 1, "Z", "FAT32")}},
	}
	sel, err := classifyVolumes(p, disks, testMarkers(), []string{"FAT"}, discardLogger())
	if err != nil {
		t.Fatalf("classifyVolumes: %v", err)
	}
	if sel.Boot != nil {
		t.Fatalf("boot volume found without a system volume: %+v", sel.Boot)
	}
}
