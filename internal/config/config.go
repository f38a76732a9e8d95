// Package config loads the settings shared by the caputils tools using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/DPMI/libcap-utils-sub001/pkg/capfile"
	"github.com/DPMI/libcap-utils-sub001/pkg/log"
)

// Config is the `caputils:` section of the configuration file.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Marc    MarcConfig    `mapstructure:"marc"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string        `mapstructure:"level"` // trace / debug / info / warn / error
	Pattern string        `mapstructure:"pattern"`
	Time    string        `mapstructure:"time"`
	File    LogFileConfig `mapstructure:"file"`
}

// LogFileConfig configures the rotating file output.
type LogFileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ─── Streams ───

// StreamConfig holds defaults for streams opened or created by the tools.
type StreamConfig struct {
	Iface      string `mapstructure:"iface"`
	BufferSize int    `mapstructure:"buffer_size"` // 0 = transport default
	MAMPid     string `mapstructure:"mampid"`
	Comment    string `mapstructure:"comment"`
	Flush      bool   `mapstructure:"flush"` // flush after every written packet
	MaxCaplen  uint32 `mapstructure:"max_caplen"` // 0 = stream default
}

// ─── MArC ───

// MarcConfig contains control protocol settings.
type MarcConfig struct {
	ClientPort         int           `mapstructure:"client_port"`
	RelayPort          int           `mapstructure:"relay_port"`
	ServerPort         int           `mapstructure:"server_port"`
	RelayAttempts      int           `mapstructure:"relay_attempts"`
	RelayTimeoutFactor time.Duration `mapstructure:"relay_timeout_factor"`
	MaxFilters         int           `mapstructure:"max_filters"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `caputils: ...`.
type configRoot struct {
	Caputils Config `mapstructure:"caputils"`
}

// Load reads configuration from path, or only defaults and environment
// when path is empty. Env vars use the CAPUTILS_ prefix, e.g.
// CAPUTILS_LOG_LEVEL.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `caputils.` key prefix maps onto CAPUTILS_ through the replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Caputils

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key, which also makes it visible to
// AutomaticEnv.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("caputils.log.level", "info")
	v.SetDefault("caputils.log.pattern", log.DefaultPattern)
	v.SetDefault("caputils.log.time", log.DefaultTime)
	v.SetDefault("caputils.log.file.enabled", false)
	v.SetDefault("caputils.log.file.path", "/var/log/caputils/caputils.log")
	v.SetDefault("caputils.log.file.max_size_mb", 100)
	v.SetDefault("caputils.log.file.max_backups", 5)
	v.SetDefault("caputils.log.file.max_age_days", 30)
	v.SetDefault("caputils.log.file.compress", true)

	// Stream defaults
	v.SetDefault("caputils.stream.iface", "")
	v.SetDefault("caputils.stream.buffer_size", 0)
	v.SetDefault("caputils.stream.mampid", "")
	v.SetDefault("caputils.stream.comment", "")
	v.SetDefault("caputils.stream.flush", false)
	v.SetDefault("caputils.stream.max_caplen", 0)

	// MArC defaults
	v.SetDefault("caputils.marc.client_port", 2000)
	v.SetDefault("caputils.marc.relay_port", 1500)
	v.SetDefault("caputils.marc.server_port", 1600)
	v.SetDefault("caputils.marc.relay_attempts", 6)
	v.SetDefault("caputils.marc.relay_timeout_factor", "8s")
	v.SetDefault("caputils.marc.max_filters", 32)

	// Metrics defaults
	v.SetDefault("caputils.metrics.enabled", false)
	v.SetDefault("caputils.metrics.listen", ":9091")
	v.SetDefault("caputils.metrics.path", "/metrics")
}

// ValidateAndApplyDefaults checks the loaded values and fills in the ones
// that may be left empty.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log ──
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Pattern == "" {
		cfg.Log.Pattern = log.DefaultPattern
	}
	if cfg.Log.Time == "" {
		cfg.Log.Time = log.DefaultTime
	}
	if cfg.Log.File.Enabled && cfg.Log.File.Path == "" {
		return fmt.Errorf("log.file.path is required when log.file.enabled=true")
	}

	// ── Stream ──
	if cfg.Stream.BufferSize < 0 {
		return fmt.Errorf("invalid stream.buffer_size: %d", cfg.Stream.BufferSize)
	}
	if len(cfg.Stream.MAMPid) >= capfile.MAMPidSize {
		return fmt.Errorf("stream.mampid %q is longer than %d characters", cfg.Stream.MAMPid, capfile.MAMPidSize-1)
	}

	// ── MArC ──
	for name, port := range map[string]int{
		"marc.client_port": cfg.Marc.ClientPort,
		"marc.relay_port":  cfg.Marc.RelayPort,
		"marc.server_port": cfg.Marc.ServerPort,
	} {
		if port <= 0 || port > 0xffff {
			return fmt.Errorf("invalid %s: %d", name, port)
		}
	}
	if cfg.Marc.RelayAttempts < 1 {
		return fmt.Errorf("marc.relay_attempts must be at least 1, got %d", cfg.Marc.RelayAttempts)
	}
	if cfg.Marc.RelayTimeoutFactor <= 0 {
		return fmt.Errorf("marc.relay_timeout_factor must be positive, got %s", cfg.Marc.RelayTimeoutFactor)
	}
	if cfg.Marc.MaxFilters < 0 || cfg.Marc.MaxFilters > 0xffff {
		return fmt.Errorf("invalid marc.max_filters: %d", cfg.Marc.MaxFilters)
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled {
		if cfg.Metrics.Listen == "" {
			return fmt.Errorf("metrics.listen is required when metrics.enabled=true")
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			return fmt.Errorf("invalid metrics.path: %q", cfg.Metrics.Path)
		}
	}
	return nil
}

// LoggerConfig converts the log section for log.New.
func (cfg *Config) LoggerConfig() log.Config {
	lc := log.Config{
		Level:   cfg.Log.Level,
		Pattern: cfg.Log.Pattern,
		Time:    cfg.Log.Time,
	}
	if cfg.Log.File.Enabled {
		lc.File = &log.FileAppenderOpt{
			Filename:   cfg.Log.File.Path,
			MaxSize:    cfg.Log.File.MaxSizeMB,
			MaxBackups: cfg.Log.File.MaxBackups,
			MaxAge:     cfg.Log.File.MaxAgeDays,
			Compress:   cfg.Log.File.Compress,
		}
	}
	return lc
}
