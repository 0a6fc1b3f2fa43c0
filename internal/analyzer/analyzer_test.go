package analyzer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/metabinary-ltd/reforge/internal/errdefs"
	"github.com/metabinary-ltd/reforge/internal/tools"
	"github.com/metabinary-ltd/reforge/internal/types"
)

type fakeHost struct {
	disks      []tools.PhysicalDisk
	partitions map[int][]tools.Partition
	volumes    []tools.VolumeInfo
	board      tools.Baseboard
	boardErr   error
	disksErr   error
}

func (f *fakeHost) PhysicalDisks(_ context.Context) ([]tools.PhysicalDisk, error) {
	return f.disks, f.disksErr
}

func (f *fakeHost) Partitions(_ context.Context, disk int) ([]tools.Partition, error) {
	return f.partitions[disk], nil
}

func (f *fakeHost) Volumes(_ context.Context) ([]tools.VolumeInfo, error) {
	return f.volumes, nil
}

func (f *fakeHost) Baseboard(_ context.Context) (tools.Baseboard, error) {
	return f.board, f.boardErr
}

type fakeAssigner struct {
	assigned []tools.LetterAssignment
	refuse   map[string]bool
}

func (f *fakeAssigner) AssignLetter(_ context.Context, a tools.LetterAssignment) error {
	if f.refuse[a.Letter] {
		return errors.New("diskpart refused the assignment")
	}
	f.assigned = append(f.assigned, a)
	return nil
}

func testAnalyzer(host *fakeHost, assigner *fakeAssigner, p Prober, driversDir string) *Analyzer {
	return &Analyzer{
		host:    host,
		letters: assigner,
		prober:  p,
		markers: testMarkers(),
		bootFS:  []string{"FAT"},
		drivers: driversDir,
		logger:  discardLogger(),
	}
}

func TestAnalyzeAssemblesInventory(t *testing.T) {
	driversDir := t.TempDir()
	mustMkdir(t, driversDir, "P8H61-M-PRO-ASUS-2103")

	host := &fakeHost{
		disks: []tools.PhysicalDisk{
			{DeviceID: "0", FriendlyName: "Samsung SSD 980 ", BusType: tools.BusTypeNVMe, Size: 512e9},
			{DeviceID: "1", FriendlyName: "WDC WD10EZEX", BusType: tools.BusTypeSATA, MediaType: tools.MediaTypeHDD, Size: 1e12},
			{DeviceID: "2", FriendlyName: "SanDisk Ultra", BusType: tools.BusTypeUSB, Size: 32e9},
		},
		partitions: map[int][]tools.Partition{
			0: {
				{PartitionNumber: 1, DriveLetter: "", Size: 3e8, Type: "System"},
				{PartitionNumber: 2, DriveLetter: "C", Size: 16e10, Type: "Basic"},
				{PartitionNumber: 3, DriveLetter: "", Size: 16e6, Type: "Reserved"},
			},
			1: {{PartitionNumber: 1, DriveLetter: "D", Size: 1e12, Type: "Basic"}},
			2: {{PartitionNumber: 1, DriveLetter: "G", Size: 32e9, Type: "Basic"}},
		},
		volumes: []tools.VolumeInfo{
			{DriveLetter: "C", FileSystem: "NTFS", FileSystemLabel: "OS", Size: 16e10},
			{DriveLetter: "D", FileSystem: "NTFS", FileSystemLabel: "DATA", Size: 1e12},
			{DriveLetter: "E", FileSystem: "FAT32", FileSystemLabel: "SYSTEM", Size: 3e8},
			{DriveLetter: "G", FileSystem: "FAT32", FileSystemLabel: "BOOTSTICK", Size: 32e9},
		},
		board: tools.Baseboard{Manufacturer: "ASUSTeK", Product: "P8H61-M-PRO-ASUS-2103"},
	}
	prober := newFakeProber()
	prober.markSystem("C")
	prober.markData("D")
	prober.markData("G") // on the usb stick, must be ignored
	assigner := &fakeAssigner{}

	info, err := testAnalyzer(host, assigner, prober, driversDir).Analyze(context.Background())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if len(info.Disks) != 3 {
		t.Fatalf("disks = %d, want 3 (usb stays in the inventory)", len(info.Disks))
	}
	if len(info.Disks[0].Volumes) != 2 {
		t.Fatalf("disk 0 volumes = %d, want 2 (reserved partition dropped)", len(info.Disks[0].Volumes))
	}
	if info.Disks[0].Media != types.MediaNVMe || info.Disks[1].Media != types.MediaHDD || info.Disks[2].Media != types.MediaUSB {
		t.Fatalf("media classes wrong: %s %s %s", info.Disks[0].Media, info.Disks[1].Media, info.Disks[2].Media)
	}
	if info.Disks[0].Name != "Samsung SSD 980" {
		t.Fatalf("disk name not trimmed: %q", info.Disks[0].Name)
	}

	if len(assigner.assigned) != 1 || assigner.assigned[0] != (tools.LetterAssignment{DiskIndex: 0, Partition: 1, Letter: "E"}) {
		t.Fatalf("letter assignments = %+v, want one E on disk 0 partition 1", assigner.assigned)
	}

	if info.SystemVolume == nil || info.SystemVolume.Letter != "C" {
		t.Fatalf("system volume = %+v", info.SystemVolume)
	}
	if info.DataVolume == nil || info.DataVolume.Letter != "D" {
		t.Fatalf("data volume = %+v", info.DataVolume)
	}
	if info.BootVolume == nil || info.BootVolume.Letter != "E" || info.BootVolume.DiskIndex != 0 {
		t.Fatalf("boot volume = %+v, want the freshly lettered FAT32 volume on disk 0", info.BootVolume)
	}
	if info.SystemVolumeCount != 1 {
		t.Fatalf("system volume count = %d, want 1", info.SystemVolumeCount)
	}
	if info.SystemDisk != 0 || info.DataDisk != 1 {
		t.Fatalf("targets = (%d, %d), want (0, 1)", info.SystemDisk, info.DataDisk)
	}

	if info.Board.Product != "P8H61-M-PRO-ASUS-2103" {
		t.Fatalf("board = %+v", info.Board)
	}
	if info.Driver == nil || info.Driver.Path != filepath.Join(driversDir, "P8H61-M-PRO-ASUS-2103") {
		t.Fatalf("driver = %+v", info.Driver)
	}
	if info.CollectedAt.IsZero() {
		t.Fatal("collected_at not set")
	}
}

func TestAnalyzeBoardFailureIsNotFatal(t *testing.T) {
	host := &fakeHost{
		disks:      []tools.PhysicalDisk{{DeviceID: "0", BusType: tools.BusTypeNVMe}},
		partitions: map[int][]tools.Partition{},
		boardErr:   errors.New("wmi unavailable"),
	}
	info, err := testAnalyzer(host, &fakeAssigner{}, newFakeProber(), t.TempDir()).Analyze(context.Background())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if info.Driver != nil {
		t.Fatalf("driver resolved without a board identity: %+v", info.Driver)
	}
	if info.Board.Identity() != "" {
		t.Fatalf("board = %+v, want empty", info.Board)
	}
}

func TestAnalyzeEnumerationFailureIsFatal(t *testing.T) {
	host := &fakeHost{disksErr: errors.New("powershell exploded")}
	_, err := testAnalyzer(host, &fakeAssigner{}, newFakeProber(), t.TempDir()).Analyze(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	if errdefs.CodeOf(err) != errdefs.CodeAnalysis {
		t.Fatalf("error code = %q, want %q", errdefs.CodeOf(err), errdefs.CodeAnalysis)
	}
}

func TestAnalyzeCleanDisksFallBackBySpeedAndSize(t *testing.T) {
	host := &fakeHost{
		disks: []tools.PhysicalDisk{
			{DeviceID: "0", BusType: tools.BusTypeSATA, MediaType: tools.MediaTypeHDD, Size: 2e12},
			{DeviceID: "1", BusType: tools.BusTypeNVMe, Size: 5e11},
			{DeviceID: "2", BusType: tools.BusTypeSATA, MediaType: tools.MediaTypeSSD, Size: 1e12},
		},
		partitions: map[int][]tools.Partition{},
	}
	info, err := testAnalyzer(host, &fakeAssigner{}, newFakeProber(), t.TempDir()).Analyze(context.Background())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if info.SystemVolume != nil || info.SystemVolumeCount != 0 {
		t.Fatalf("clean disks must not yield a system volume: %+v", info.SystemVolume)
	}
	if info.SystemDisk != 1 {
		t.Fatalf("system disk = %d, want the nvme disk 1", info.SystemDisk)
	}
	if info.DataDisk != 2 {
		t.Fatalf("data disk = %d, want the ssd disk 2", info.DataDisk)
	}
}

func TestSelectTargetsSingleInternalDisk(t *testing.T) {
	disks := []types.Disk{
		{Index: 0, Media: types.MediaNVMe, SizeBytes: 5e11},
		{Index: 1, Media: types.MediaUSB, SizeBytes: 32e9},
	}
	systemDisk, dataDisk := selectTargets(disks, roleSelection{})
	if systemDisk != 0 {
		t.Fatalf("system disk = %d, want 0", systemDisk)
	}
	if dataDisk != -1 {
		t.Fatalf("data disk = %d, want -1 on a single internal disk", dataDisk)
	}
}

func TestAssignTempLettersSkipsUsedAndHandlesRefusal(t *testing.T) {
	build := func() []types.Disk {
		return []types.Disk{{Index: 0, Media: types.MediaSSD, Volumes: []types.Volume{
			{DiskIndex: 0, Partition: 1, Role: types.RoleUnclassified},
			{DiskIndex: 0, Partition: 2, Letter: "E", Role: types.RoleUnclassified},
			{DiskIndex: 0, Partition: 3, Role: types.RoleUnclassified},
		}}}
	}

	assigner := &fakeAssigner{}
	a := testAnalyzer(&fakeHost{}, assigner, newFakeProber(), "")
	disks := build()
	a.assignTempLetters(context.Background(), disks)
	if disks[0].Volumes[0].Letter != "F" || disks[0].Volumes[2].Letter != "G" {
		t.Fatalf("letters = %q, %q; want F and G (E already in use)",
			disks[0].Volumes[0].Letter, disks[0].Volumes[2].Letter)
	}

	refusing := &fakeAssigner{refuse: map[string]bool{"F": true}}
	a = testAnalyzer(&fakeHost{}, refusing, newFakeProber(), "")
	disks = build()
	a.assignTempLetters(context.Background(), disks)
	if disks[0].Volumes[0].Letter != "" {
		t.Fatalf("refused volume kept letter %q", disks[0].Volumes[0].Letter)
	}
	if len(refusing.assigned) != 0 {
		t.Fatalf("assignments recorded despite refusal: %+v", refusing.assigned)
	}
}

func TestMediaClassFor(t *testing.T) {
	cases := []struct {
		disk tools.PhysicalDisk
		want types.MediaClass
	}{
		{tools.PhysicalDisk{BusType: tools.BusTypeNVMe}, types.MediaNVMe},
		{tools.PhysicalDisk{BusType: tools.BusTypeNVMe, MediaType: tools.MediaTypeHDD}, types.MediaNVMe},
		{tools.PhysicalDisk{BusType: tools.BusTypeUSB, MediaType: tools.MediaTypeSSD}, types.MediaUSB},
		{tools.PhysicalDisk{BusType: tools.BusTypeSATA, MediaType: tools.MediaTypeSSD}, types.MediaSSD},
		{tools.PhysicalDisk{BusType: tools.BusTypeSATA, MediaType: tools.MediaTypeHDD}, types.MediaHDD},
		{tools.PhysicalDisk{BusType: tools.BusTypeSATA}, types.MediaUnknown},
		{tools.PhysicalDisk{MediaType: tools.MediaTypeHDD}, types.MediaHDD},
	}
	for _, tc := range cases {
		if got := mediaClassFor(tc.disk); got != tc.want {
			t.Fatalf("mediaClassFor(bus %d, media %d) = %s, want %s",
				tc.disk.BusType, tc.disk.MediaType, got, tc.want)
		}
	}
}

func mustMkdir(t *testing.T, root, name string) {
	t.Helper()
	if err := os.Mkdir(filepath.Join(root, name), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", name, err)
	}
}
