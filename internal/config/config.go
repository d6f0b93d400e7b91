// Package config holds the tunables of a tablet node and loads them from
// YAML or TOML files.
//
// A Store publishes an immutable *Config through an atomic pointer. Readers
// call Load at evaluation time and never see a half-applied update;
// writers replace the whole snapshot with Update or ReloadIfChanged.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml"

	"github.com/aalhour/tabletkv/internal/compression"
	"github.com/aalhour/tabletkv/internal/logging"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// ErrUnknownFormat is returned for config files that are neither YAML nor TOML.
var ErrUnknownFormat = errors.New("config: unknown file format")

// CompactionConfig holds the size-tiered policy and scheduler tunables.
type CompactionConfig struct {
	// SizeTieredLevelMultiple is the geometric ratio between adjacent tiers.
	SizeTieredLevelMultiple int64 `yaml:"size_tiered_level_multiple" toml:"size_tiered_level_multiple"`

	MinCumulativeDeltas int `yaml:"min_cumulative_compaction_num_singleton_deltas" toml:"min_cumulative_compaction_num_singleton_deltas"`
	MaxCumulativeDeltas int `yaml:"max_cumulative_compaction_num_singleton_deltas" toml:"max_cumulative_compaction_num_singleton_deltas"`
	MinBaseDeltas       int `yaml:"min_base_compaction_num_singleton_deltas" toml:"min_base_compaction_num_singleton_deltas"`

	// BaseIntervalSeconds forces a base compaction when no compaction has
	// succeeded for this long. 0 disables the timer.
	BaseIntervalSeconds int64 `yaml:"base_compaction_interval_seconds_since_last_operation" toml:"base_compaction_interval_seconds_since_last_operation"`

	// MaxConcurrency caps running tasks across all tablets. Read once when
	// the manager starts.
	MaxConcurrency int `yaml:"max_compaction_concurrency" toml:"max_compaction_concurrency"`

	// CheckIntervalSeconds is the cadence of the periodic scheduling pass.
	CheckIntervalSeconds int `yaml:"compaction_check_interval_seconds" toml:"compaction_check_interval_seconds"`

	// MemoryLimitBytes bounds merge memory across all tasks. 0 = unlimited.
	MemoryLimitBytes int64 `yaml:"compaction_memory_limit_bytes" toml:"compaction_memory_limit_bytes"`
}

// RowsetConfig holds the segment file format options.
type RowsetConfig struct {
	Compression string  `yaml:"compression" toml:"compression"`
	BlockSize   int     `yaml:"block_size" toml:"block_size"`
	BloomFPRate float64 `yaml:"bloom_fp_rate" toml:"bloom_fp_rate"`
}

// StorageConfig locates tablet directories.
type StorageConfig struct {
	RootDir string `yaml:"root_dir" toml:"root_dir"`
}

// LoggerConfig selects log level and output format.
type LoggerConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "console" or "json"
}

// AdminConfig configures the admin HTTP listener. Empty Addr disables it.
type AdminConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// Config is the full node configuration.
type Config struct {
	Compaction CompactionConfig `yaml:"compaction" toml:"compaction"`
	Rowset     RowsetConfig     `yaml:"rowset" toml:"rowset"`
	Storage    StorageConfig    `yaml:"storage" toml:"storage"`
	Logger     LoggerConfig     `yaml:"logger" toml:"logger"`
	Admin      AdminConfig      `yaml:"admin" toml:"admin"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Compaction: CompactionConfig{
			SizeTieredLevelMultiple: 5,
			MinCumulativeDeltas:     5,
			MaxCumulativeDeltas:     1000,
			MinBaseDeltas:           5,
			BaseIntervalSeconds:     86400,
			MaxConcurrency:          4,
			CheckIntervalSeconds:    10,
			MemoryLimitBytes:        1 << 30,
		},
		Rowset: RowsetConfig{
			Compression: "lz4",
			BlockSize:   64 << 10,
			BloomFPRate: 0.01,
		},
		Storage: StorageConfig{RootDir: "data"},
		Logger:  LoggerConfig{Level: "info", Format: "console"},
		Admin:   AdminConfig{Addr: "127.0.0.1:8040"},
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// Validate checks every field for a usable value.
func (c *Config) Validate() error {
	cc := c.Compaction
	switch {
	case cc.SizeTieredLevelMultiple < 2:
		return fmt.Errorf("%w: size_tiered_level_multiple must be >= 2, got %d", ErrInvalidConfig, cc.SizeTieredLevelMultiple)
	case cc.MinCumulativeDeltas < 1:
		return fmt.Errorf("%w: min_cumulative_compaction_num_singleton_deltas must be >= 1", ErrInvalidConfig)
	case cc.MaxCumulativeDeltas < 2:
		return fmt.Errorf("%w: max_cumulative_compaction_num_singleton_deltas must be >= 2", ErrInvalidConfig)
	case cc.MinCumulativeDeltas > cc.MaxCumulativeDeltas:
		return fmt.Errorf("%w: min cumulative deltas %d > max %d", ErrInvalidConfig, cc.MinCumulativeDeltas, cc.MaxCumulativeDeltas)
	case cc.MinBaseDeltas < 2:
		return fmt.Errorf("%w: min_base_compaction_num_singleton_deltas must be >= 2", ErrInvalidConfig)
	case cc.BaseIntervalSeconds < 0:
		return fmt.Errorf("%w: base compaction interval is negative", ErrInvalidConfig)
	case cc.MaxConcurrency < 1:
		return fmt.Errorf("%w: max_compaction_concurrency must be >= 1", ErrInvalidConfig)
	case cc.CheckIntervalSeconds < 1:
		return fmt.Errorf("%w: compaction_check_interval_seconds must be >= 1", ErrInvalidConfig)
	case cc.MemoryLimitBytes < 0:
		return fmt.Errorf("%w: compaction memory limit is negative", ErrInvalidConfig)
	}
	if _, err := compression.ParseType(c.Rowset.Compression); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Rowset.BlockSize < 512 {
		return fmt.Errorf("%w: block_size must be >= 512", ErrInvalidConfig)
	}
	if c.Rowset.BloomFPRate <= 0 || c.Rowset.BloomFPRate >= 1 {
		return fmt.Errorf("%w: bloom_fp_rate must be in (0,1)", ErrInvalidConfig)
	}
	if _, err := logging.ParseLevel(c.Logger.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if f := c.Logger.Format; f != "" && f != "console" && f != "json" {
		return fmt.Errorf("%w: logger format %q", ErrInvalidConfig, f)
	}
	return nil
}

// Parse decodes data in the format implied by name's extension on top of
// the defaults, then validates the result.
func Parse(name string, data []byte) (*Config, error) {
	cfg := Default()
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", name, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", name, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal encodes c in the format implied by name's extension.
func Marshal(name string, c *Config) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return yaml.Marshal(c)
	case ".toml":
		return toml.Marshal(*c)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, name)
	}
}

// NewLogger builds the logger described by c.
func (c LoggerConfig) NewLogger() (*logging.DefaultLogger, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	if c.Format == "json" {
		return logging.NewLogger(stderr, level), nil
	}
	return logging.NewConsoleLogger(stderr, level), nil
}
