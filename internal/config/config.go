package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type App struct {
	Addr    string `yaml:"addr" json:"addr"`
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

type Log struct {
	Level string `yaml:"level" json:"level"`
}

type BusyRetry struct {
	PrimaryTimeout    time.Duration `yaml:"primary_timeout" json:"primary_timeout"`
	BackgroundTimeout time.Duration `yaml:"background_timeout" json:"background_timeout"`
}

type Pool struct {
	MaxOpenHandles     int           `yaml:"max_open_handles" json:"max_open_handles"`
	MaxIdleHandles     int           `yaml:"max_idle_handles" json:"max_idle_handles"`
	HandleIdleLifetime time.Duration `yaml:"handle_idle_lifetime" json:"handle_idle_lifetime"`
}

type Operations struct {
	CriticalCheckpointDelay    time.Duration `yaml:"critical_checkpoint_delay" json:"critical_checkpoint_delay"`
	NonCriticalCheckpointDelay time.Duration `yaml:"non_critical_checkpoint_delay" json:"non_critical_checkpoint_delay"`
	CriticalFrames             int           `yaml:"critical_frames" json:"critical_frames"`
	RetryAfterFailure          time.Duration `yaml:"retry_after_failure" json:"retry_after_failure"`
	BackupInterval             time.Duration `yaml:"backup_interval" json:"backup_interval"`
	PurgeAgainInterval         time.Duration `yaml:"purge_again_interval" json:"purge_again_interval"`
	OperationTimeout           time.Duration `yaml:"operation_timeout" json:"operation_timeout"`

	// Resource pressure sampling.
	PressureCheckInterval time.Duration `yaml:"pressure_check_interval" json:"pressure_check_interval"`
	MemoryLimitMB         int           `yaml:"memory_limit_mb" json:"memory_limit_mb"`
	MaxFileDescriptors    int           `yaml:"max_file_descriptors" json:"max_file_descriptors"`
	FileDescriptorRatio   float64       `yaml:"file_descriptor_ratio" json:"file_descriptor_ratio"`
}

type Database struct {
	Path       string `yaml:"path" json:"path"`
	Tag        int64  `yaml:"tag" json:"tag"`
	Checkpoint bool   `yaml:"checkpoint" json:"checkpoint"`
	Backup     bool   `yaml:"backup" json:"backup"`
	BackupPath string `yaml:"backup_path,omitempty" json:"backup_path,omitempty"`
}

type Config struct {
	App        App        `yaml:"app" json:"app"`
	Log        Log        `yaml:"log" json:"log"`
	BusyRetry  BusyRetry  `yaml:"busy_retry" json:"busy_retry"`
	Pool       Pool       `yaml:"pool" json:"pool"`
	Operations Operations `yaml:"operations" json:"operations"`
	Databases  []Database `yaml:"databases" json:"databases"`
}

func Default() Config {
	return Config{
		App: App{Addr: "127.0.0.1:38471", DataDir: "."},
		Log: Log{Level: "INFO"},
		BusyRetry: BusyRetry{
			PrimaryTimeout:    2 * time.Second,
			BackgroundTimeout: 6 * time.Second,
		},
		Pool: Pool{
			MaxOpenHandles:     8,
			MaxIdleHandles:     2,
			HandleIdleLifetime: 5 * time.Minute,
		},
		Operations: Operations{
			CriticalCheckpointDelay:    time.Second,
			NonCriticalCheckpointDelay: 10 * time.Second,
			CriticalFrames:             100,
			RetryAfterFailure:          10 * time.Second,
			BackupInterval:             time.Minute,
			PurgeAgainInterval:         30 * time.Second,
			OperationTimeout:           30 * time.Second,
			PressureCheckInterval:      15 * time.Second,
			MemoryLimitMB:              512,
			MaxFileDescriptors:         1024,
			FileDescriptorRatio:        0.7,
		},
	}
}

// Load reads the YAML file at path over Default, so keys missing from the
// file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(b, &cfg)
	return cfg, err
}

// ApplyEnv overrides selected settings from the environment.
func ApplyEnv(cfg *Config) {
	cfg.App.DataDir = envOr("DBCORE_DATA_DIR", cfg.App.DataDir)
	cfg.App.Addr = envOr("DBCORE_ADDR", cfg.App.Addr)
	cfg.Log.Level = envOr("DBCORE_LOG_LEVEL", cfg.Log.Level)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
