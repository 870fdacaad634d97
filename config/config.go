// Package config loads the worker's runtime configuration from a YAML
// file, environment variables, and defaults into a single typed struct
// sanitized once at startup.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envPrefix is the environment variable prefix for worker settings, e.g.
// WORKERCORE_COORDINATOR_ENABLE_KILL_SLOT.
const envPrefix = "WORKERCORE"

// Default configuration values for the worker's coordinator, processor, band, and storage settings.
const (
	DefaultSubtaskMaxRetries  = 0
	DefaultEnableKillSlot     = true
	DefaultDataPrepareTimeout = 600 * time.Second
	DefaultKillTimeout        = 5 * time.Second
	DefaultProgressInterval   = 500 * time.Millisecond
	DefaultProgressEpsilon    = 0.001
	DefaultCombineSize        = 4 * 1024 * 1024
	DefaultSlotCount          = 1
	DefaultQuotaBudgetBytes   = 512 * 1024 * 1024
)

// Sentinel validation errors.
var (
	ErrInvalidDataPrepareTimeout = errors.New("data_prepare_timeout must be positive")
	ErrInvalidKillTimeout        = errors.New("kill_timeout must be positive")
	ErrInvalidProgressInterval   = errors.New("progress_interval must be positive")
	ErrInvalidProgressEpsilon    = errors.New("progress_epsilon must be non-negative")
	ErrInvalidSlotCount          = errors.New("band.slot_count must be positive")
)

// CoordinatorConfig governs retry policy and the cancellation escalation
// path, consumed directly by coordinator.Config.
type CoordinatorConfig struct {
	SubtaskMaxRetries  int           `mapstructure:"subtask_max_retries"`
	EnableKillSlot     bool          `mapstructure:"enable_kill_slot"`
	DataPrepareTimeout time.Duration `mapstructure:"data_prepare_timeout"`
	KillTimeout        time.Duration `mapstructure:"kill_timeout"`
}

// ProcessorConfig carries the progress reporting settings. They are
// validated at load, but the processor does not read them: it reports on
// its own fixed 500ms interval and 0.001 change threshold.
type ProcessorConfig struct {
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	ProgressEpsilon  float64       `mapstructure:"progress_epsilon"`
}

// BandConfig sizes the in-process slot pool a worker advertises for one
// band. Only meaningful for the reference in-memory SlotManager; a real
// deployment's BandSlotManager would derive this from host resources.
type BandConfig struct {
	SlotCount        int   `mapstructure:"slot_count"`
	QuotaBudgetBytes int64 `mapstructure:"quota_budget_bytes"`
}

// StorageConfig configures the reference fastcache-over-pebble tiered
// store (storage.TieredStore).
type StorageConfig struct {
	DataDir        string `mapstructure:"data_dir"`
	MaxMemoryBytes int    `mapstructure:"max_memory_bytes"`
}

// TransportConfig configures the gorilla/mux supervisor stub and the
// address the HTTPTaskAPI client reports results to.
type TransportConfig struct {
	ListenAddr        string `mapstructure:"listen_addr"`
	SupervisorAddress string `mapstructure:"supervisor_address"`
}

// CombineConfig passes chunk-combine sizing straight through to the
// scheduler that builds chunk graphs; this core only carries it.
type CombineConfig struct {
	CombineSizeBytes int64 `mapstructure:"combine_size_bytes"`
}

// Config is the full configuration surface for cmd/workerd.
type Config struct {
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Processor   ProcessorConfig   `mapstructure:"processor"`
	Band        BandConfig        `mapstructure:"band"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Combine     CombineConfig     `mapstructure:"combine"`
}

// Default returns a Config populated with the documented defaults,
// equivalent to what Load returns when no file or env override is present.
func Default() *Config {
	v := viper.New()
	applyDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults failed to unmarshal: %v", err))
	}
	return &cfg
}

// Load reads configuration from a YAML file at configPath (if non-empty),
// then env vars prefixed WORKERCORE_, falling back to the documented
// defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("coordinator.subtask_max_retries", DefaultSubtaskMaxRetries)
	v.SetDefault("coordinator.enable_kill_slot", DefaultEnableKillSlot)
	v.SetDefault("coordinator.data_prepare_timeout", DefaultDataPrepareTimeout)
	v.SetDefault("coordinator.kill_timeout", DefaultKillTimeout)

	v.SetDefault("processor.progress_interval", DefaultProgressInterval)
	v.SetDefault("processor.progress_epsilon", DefaultProgressEpsilon)

	v.SetDefault("band.slot_count", DefaultSlotCount)
	v.SetDefault("band.quota_budget_bytes", DefaultQuotaBudgetBytes)

	v.SetDefault("storage.data_dir", "./workercore-data")
	v.SetDefault("storage.max_memory_bytes", 256*1024*1024)

	v.SetDefault("transport.listen_addr", ":7654")
	v.SetDefault("transport.supervisor_address", "")

	v.SetDefault("combine.combine_size_bytes", DefaultCombineSize)
}

// Validate checks invariants Load/Default cannot express through viper
// defaults alone (e.g. cross-field or strictly-positive constraints).
func (c *Config) Validate() error {
	if c.Coordinator.DataPrepareTimeout <= 0 {
		return ErrInvalidDataPrepareTimeout
	}
	if c.Coordinator.KillTimeout <= 0 {
		return ErrInvalidKillTimeout
	}
	if c.Processor.ProgressInterval <= 0 {
		return ErrInvalidProgressInterval
	}
	if c.Processor.ProgressEpsilon < 0 {
		return ErrInvalidProgressEpsilon
	}
	if c.Band.SlotCount <= 0 {
		return ErrInvalidSlotCount
	}
	return nil
}
