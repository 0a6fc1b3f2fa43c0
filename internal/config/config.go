package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/metabinary-ltd/reforge/internal/types"
)

const (
	DefaultConfigPath = `C:\ProgramData\reforge\config.yml`
)

type PathsConfig struct {
	Root        string `yaml:"root"`         // holds images/, drivers/, stash/ unless overridden
	ImagesDir   string `yaml:"images_dir"`   // one artifact per profile
	DriversDir  string `yaml:"drivers_dir"`  // one subdirectory per mainboard model
	StashDir    string `yaml:"stash_dir"`    // preserved user folders/configuration
	ScratchDir  string `yaml:"scratch_dir"`  // generated partitioning scripts
	StagingDir  string `yaml:"staging_dir"`  // driver copy left on the deployed volume
	DBPath      string `yaml:"db_path"`
	LogPath     string `yaml:"log_path"`
	JournalPath string `yaml:"journal_path"` // append-only event journal (ndjson)
}

// MarkersConfig drives volume role classification. Entries may contain the
// placeholder {user}, expanded with ProfileUser at load time.
type MarkersConfig struct {
	ProfileUser     string   `yaml:"profile_user"`
	System          []string `yaml:"system"` // all must exist at the volume root
	Data            []string `yaml:"data"`   // all must exist at the volume root
	BootFilesystems []string `yaml:"boot_filesystems"`
}

type ToolsConfig struct {
	Diskpart   string `yaml:"diskpart"`
	Dism       string `yaml:"dism"`
	Robocopy   string `yaml:"robocopy"`
	Bcdboot    string `yaml:"bcdboot"`
	Bcdedit    string `yaml:"bcdedit"`
	Powershell string `yaml:"powershell"`
	Wmic       string `yaml:"wmic"`
	Shutdown   string `yaml:"shutdown"`
}

type FormatConfig struct {
	SystemPartitionMB int64  `yaml:"system_partition_mb"` // wipe-mode OS partition
	EFIPartitionMB    int64  `yaml:"efi_partition_mb"`
	SystemLabel       string `yaml:"system_label"`
	DataLabel         string `yaml:"data_label"`
}

type RestoreConfig struct {
	RetryCount  int           `yaml:"retry_count"` // robocopy /R
	RetryWait   time.Duration `yaml:"retry_wait"`  // robocopy /W
	Threads     int           `yaml:"threads"`     // robocopy /MT
	UserFolders []string      `yaml:"user_folders"`
}

type RunConfig struct {
	ConfirmToken     string        `yaml:"confirm_token"` // required when not preserving data
	AutoReboot       bool          `yaml:"auto_reboot"`
	RebootGrace      time.Duration `yaml:"reboot_grace"`
	HistorySmoothing float64       `yaml:"history_smoothing"` // weight of the newest observation
}

type APIConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
	AuthToken   string `yaml:"auth_token"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	Paths    PathsConfig       `yaml:"paths"`
	Profiles map[string]string `yaml:"profiles"` // profile tag -> image artifact name
	Markers  MarkersConfig     `yaml:"markers"`
	Tools    ToolsConfig       `yaml:"tools"`
	Format   FormatConfig      `yaml:"format"`
	Restore  RestoreConfig     `yaml:"restore"`
	Run      RunConfig         `yaml:"run"`
	API      APIConfig         `yaml:"api"`
	Logging  LoggingConfig     `yaml:"logging"`
}

func defaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			Root: ".",
		},
		Profiles: map[string]string{
			string(types.ProfileIntranet):   "intranet.wim",
			string(types.ProfileInternet):   "internet.wim",
			string(types.ProfileTravel):     "travel.wim",
			string(types.ProfileSubsidiary): "subsidiary.wim",
		},
		Markers: MarkersConfig{
			ProfileUser: "corp",
			System: []string{
				`Windows\System32\Sysprep`,
				`Users\{user}\Desktop`,
				`Users\{user}\AppData`,
			},
			Data: []string{
				`{user}\Desktop`,
				`{user}\Downloads`,
			},
			BootFilesystems: []string{"FAT"},
		},
		Tools: ToolsConfig{
			Diskpart:   "diskpart",
			Dism:       "dism",
			Robocopy:   "robocopy",
			Bcdboot:    "bcdboot",
			Bcdedit:    "bcdedit",
			Powershell: "powershell",
			Wmic:       "wmic",
			Shutdown:   "shutdown",
		},
		Format: FormatConfig{
			SystemPartitionMB: 153601,
			EFIPartitionMB:    100,
			SystemLabel:       "OS",
			DataLabel:         "DATA",
		},
		Restore: RestoreConfig{
			RetryCount: 1,
			RetryWait:  time.Second,
			Threads:    16,
			UserFolders: []string{
				"Desktop", "Documents", "Downloads", "Music", "Pictures", "Videos",
			},
		},
		Run: RunConfig{
			ConfirmToken:     "960601",
			AutoReboot:       false,
			RebootGrace:      10 * time.Second,
			HistorySmoothing: 0.5,
		},
		API: APIConfig{
			Enabled:     true,
			BindAddress: "127.0.0.1",
			Port:        8210,
			AuthToken:   "",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := defaultConfig()

	if fileExists(path) {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("REFORGE_ROOT"); ok && v != "" {
		cfg.Paths.Root = v
	}
	if v, ok := os.LookupEnv("REFORGE_LOG_LEVEL"); ok && v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv("REFORGE_DB_PATH"); ok && v != "" {
		cfg.Paths.DBPath = v
	}
	if v, ok := os.LookupEnv("REFORGE_API_BIND"); ok && v != "" {
		cfg.API.BindAddress = v
	}
	if v, ok := os.LookupEnv("REFORGE_API_PORT"); ok && v != "" {
		if port, err := parseInt(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v, ok := os.LookupEnv("REFORGE_API_TOKEN"); ok && v != "" {
		cfg.API.AuthToken = v
	}
	if v, ok := os.LookupEnv("REFORGE_CONFIRM_TOKEN"); ok && v != "" {
		cfg.Run.ConfirmToken = v
	}
}

// normalize derives unset paths from the root and expands marker placeholders.
func normalize(cfg *Config) {
	root := cfg.Paths.Root
	if cfg.Paths.ImagesDir == "" {
		cfg.Paths.ImagesDir = filepath.Join(root, "images")
	}
	if cfg.Paths.DriversDir == "" {
		cfg.Paths.DriversDir = filepath.Join(root, "drivers")
	}
	if cfg.Paths.StashDir == "" {
		cfg.Paths.StashDir = filepath.Join(root, "stash")
	}
	if cfg.Paths.ScratchDir == "" {
		cfg.Paths.ScratchDir = filepath.Join(root, "tmp")
	}
	if cfg.Paths.StagingDir == "" {
		cfg.Paths.StagingDir = `C:\Setup\Drivers`
	}
	if cfg.Paths.DBPath == "" {
		cfg.Paths.DBPath = filepath.Join(root, "state.db")
	}
	if cfg.Paths.LogPath == "" {
		cfg.Paths.LogPath = filepath.Join(root, "reforge.log")
	}
	if cfg.Paths.JournalPath == "" {
		cfg.Paths.JournalPath = filepath.Join(root, "events.ndjson")
	}

	user := cfg.Markers.ProfileUser
	cfg.Markers.System = expandUser(cfg.Markers.System, user)
	cfg.Markers.Data = expandUser(cfg.Markers.Data, user)
}

func expandUser(markers []string, user string) []string {
	out := make([]string, len(markers))
	for i, m := range markers {
		out[i] = strings.ReplaceAll(m, "{user}", user)
	}
	return out
}

func validate(cfg Config) error {
	if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
		return errors.New("api.port must be between 1 and 65535")
	}
	if cfg.API.BindAddress == "" {
		return errors.New("api.bind_address must be set")
	}
	if len(cfg.Profiles) == 0 {
		return errors.New("profiles: at least one profile mapping required")
	}
	for tag, image := range cfg.Profiles {
		if _, ok := types.ParseProfile(tag); !ok {
			return fmt.Errorf("profiles: unknown profile tag %q", tag)
		}
		if strings.TrimSpace(image) == "" {
			return fmt.Errorf("profiles: empty image artifact for profile %q", tag)
		}
	}
	if cfg.Markers.ProfileUser == "" {
		return errors.New("markers.profile_user must be set")
	}
	if len(cfg.Markers.System) == 0 || len(cfg.Markers.Data) == 0 {
		return errors.New("markers: system and data marker lists must not be empty")
	}
	if cfg.Format.SystemPartitionMB <= 0 || cfg.Format.EFIPartitionMB <= 0 {
		return errors.New("format: partition sizes must be positive")
	}
	if cfg.Restore.RetryCount < 0 {
		return errors.New("restore.retry_count must not be negative")
	}
	if cfg.Restore.Threads < 1 || cfg.Restore.Threads > 128 {
		return errors.New("restore.threads must be between 1 and 128")
	}
	if cfg.Run.HistorySmoothing <= 0 || cfg.Run.HistorySmoothing > 1 {
		return errors.New("run.history_smoothing must be in (0, 1]")
	}
	return nil
}

// ImagePath resolves the image artifact path for a profile. The mapping was
// validated at load time; ok is false when the profile has no entry.
func (c *Config) ImagePath(p types.Profile) (string, bool) {
	name, ok := c.Profiles[string(p)]
	if !ok {
		return "", false
	}
	return filepath.Join(c.Paths.ImagesDir, name), true
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func parseInt(v string) (int, error) {
	var n int
	_, err := fmt.Sscanf(v, "%d", &n)
	return n, err
}
