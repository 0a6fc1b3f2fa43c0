package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Windows storage stack enum codes, as serialized by ConvertTo-Json on the
// WinPE PowerShell the agent runs under.
const (
	BusTypeUSB  = 7
	BusTypeSATA = 11
	BusTypeNVMe = 17

	MediaTypeHDD = 3
	MediaTypeSSD = 4
)

// WinQuery reads hardware inventory through PowerShell, with a wmic fallback
// for the mainboard on hosts where CIM queries are unavailable.
type WinQuery struct {
	runner     Runner
	powershell string
	wmic       string
	timeout    time.Duration
	logger     *slog.Logger
}

func NewWinQuery(runner Runner, powershell, wmic string, logger *slog.Logger) *WinQuery {
	return &WinQuery{
		runner:     runner,
		powershell: powershell,
		wmic:       wmic,
		timeout:    30 * time.Second,
		logger:     logger,
	}
}

type PhysicalDisk struct {
	DeviceID     string `json:"DeviceId"`
	FriendlyName string `json:"FriendlyName"`
	BusType      int    `json:"BusType"`
	MediaType    int    `json:"MediaType"`
	Size         int64  `json:"Size"`
}

// Index parses the DeviceId Windows reports as a string, -1 when malformed.
func (d PhysicalDisk) Index() int {
	n, err := strconv.Atoi(strings.TrimSpace(d.DeviceID))
	if err != nil {
		return -1
	}
	return n
}

type Partition struct {
	PartitionNumber int    `json:"PartitionNumber"`
	DriveLetter     string `json:"DriveLetter"`
	Size            int64  `json:"Size"`
	Type            string `json:"Type"`
}

type VolumeInfo struct {
	DriveLetter     string `json:"DriveLetter"`
	FileSystem      string `json:"FileSystem"`
	FileSystemLabel string `json:"FileSystemLabel"`
	Size            int64  `json:"Size"`
}

type Baseboard struct {
	Manufacturer string `json:"Manufacturer"`
	Product      string `json:"Product"`
}

func (q *WinQuery) PhysicalDisks(ctx context.Context) ([]PhysicalDisk, error) {
	out, err := q.ps(ctx, `Get-PhysicalDisk | Select-Object DeviceId,FriendlyName,BusType,MediaType,Size | ConvertTo-Json`)
	if err != nil {
		return nil, fmt.Errorf("enumerate physical disks: %w", err)
	}
	disks, err := decodeList[PhysicalDisk](out)
	if err != nil {
		return nil, fmt.Errorf("parse physical disks: %w", err)
	}
	return disks, nil
}

func (q *WinQuery) Partitions(ctx context.Context, disk int) ([]Partition, error) {
	cmd := fmt.Sprintf(`Get-Partition -DiskNumber %d | Select-Object PartitionNumber,DriveLetter,Size,Type | ConvertTo-Json`, disk)
	out, err := q.ps(ctx, cmd)
	if err != nil {
		// a disk without a recognized partition table has no partitions
		if strings.Contains(out, "No MSFT_Partition") {
			return nil, nil
		}
		return nil, fmt.Errorf("enumerate partitions of disk %d: %w", disk, err)
	}
	parts, err := decodeList[Partition](out)
	if err != nil {
		return nil, fmt.Errorf("parse partitions of disk %d: %w", disk, err)
	}
	for i := range parts {
		parts[i].DriveLetter = normalizeLetter(parts[i].DriveLetter)
	}
	return parts, nil
}

func (q *WinQuery) Volumes(ctx context.Context) ([]VolumeInfo, error) {
	out, err := q.ps(ctx, `Get-Volume | Select-Object DriveLetter,FileSystem,FileSystemLabel,Size | ConvertTo-Json`)
	if err != nil {
		return nil, fmt.Errorf("enumerate volumes: %w", err)
	}
	vols, err := decodeList[VolumeInfo](out)
	if err != nil {
		return nil, fmt.Errorf("parse volumes: %w", err)
	}
	for i := range vols {
		vols[i].DriveLetter = normalizeLetter(vols[i].DriveLetter)
	}
	return vols, nil
}

func (q *WinQuery) Baseboard(ctx context.Context) (Baseboard, error) {
	out, err := q.ps(ctx, `Get-CimInstance Win32_BaseBoard | Select-Object Manufacturer,Product | ConvertTo-Json`)
	if err == nil {
		boards, derr := decodeList[Baseboard](out)
		if derr == nil && len(boards) > 0 && boards[0].Product != "" {
			return boards[0], nil
		}
	}
	if q.logger != nil {
		q.logger.Warn("cim baseboard query failed, falling back to wmic", "error", err)
	}
	return q.baseboardWmic(ctx)
}

func (q *WinQuery) baseboardWmic(ctx context.Context) (Baseboard, error) {
	ctx, cancel := ctxWithTimeout(ctx, q.timeout)
	defer cancel()

	out, err := q.runner.Run(ctx, q.wmic, "baseboard", "get", "Manufacturer,Product", "/format:list")
	if err != nil {
		return Baseboard{}, fmt.Errorf("query baseboard: %w", err)
	}
	kv := parseKeyValues(out)
	b := Baseboard{Manufacturer: kv["Manufacturer"], Product: kv["Product"]}
	if b.Product == "" {
		return Baseboard{}, fmt.Errorf("baseboard product not reported")
	}
	return b, nil
}

func (q *WinQuery) ps(ctx context.Context, command string) (string, error) {
	ctx, cancel := ctxWithTimeout(ctx, q.timeout)
	defer cancel()
	return q.runner.Run(ctx, q.powershell, "-NoProfile", "-NonInteractive", "-Command", command)
}

// decodeList tolerates ConvertTo-Json collapsing single-element pipelines
// into a bare object.
func decodeList[T any](raw string) ([]T, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var list []T
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var one T
	if err := json.Unmarshal([]byte(raw), &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}

// normalizeLetter keeps a single A-Z drive letter; Windows serializes unset
// letters as NUL characters or empty strings.
func normalizeLetter(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) == 0 {
		return ""
	}
	c := s[0]
	if c < 'A' || c > 'Z' {
		return ""
	}
	return string(c)
}

func parseKeyValues(out string) map[string]string {
	kv := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		kv[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return kv
}
