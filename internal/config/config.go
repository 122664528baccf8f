package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxRecentEntries caps how many outage lines a statistics read returns.
const MaxRecentEntries = 10

// Config represents configuration data for the availability agent.
type Config struct {
	DataDirectory string `yaml:"data_directory"`
	MarkerFile    string `yaml:"marker_file"`
	OutageLogFile string `yaml:"outage_log_file"`

	ReachabilityTarget  string `yaml:"reachability_target"`
	ProbeTimeoutSeconds int    `yaml:"probe_timeout_seconds"`

	TimeServer               string `yaml:"time_server"`
	TimeServerTimeoutSeconds int    `yaml:"time_server_timeout_seconds"`
	UTCOffsetHours           int    `yaml:"utc_offset_hours"`

	InitialDelaySeconds    int `yaml:"initial_delay_seconds"`
	IntervalSeconds        int `yaml:"interval_seconds"`
	OutageThresholdSeconds int `yaml:"outage_threshold_seconds"`
	RecentEntriesLimit     int `yaml:"recent_entries_limit"`

	SnapshotAddress        string `yaml:"snapshot_address"`
	SnapshotTimeoutSeconds int    `yaml:"snapshot_timeout_seconds"`
	SnapshotMaxBytes       int64  `yaml:"snapshot_max_bytes"`

	ListenAddress string `yaml:"listen_address"`
	HistorySize   int    `yaml:"history_size"`
}

// DefaultConfig returns sensible defaults in case no configuration file is provided.
func DefaultConfig() Config {
	return Config{
		DataDirectory:            filepath.Join(".dist", "data"),
		MarkerFile:               "lighter.time",
		OutageLogFile:            "logdb.db",
		ReachabilityTarget:       "www.google.com",
		ProbeTimeoutSeconds:      4,
		TimeServer:               "pool.ntp.org",
		TimeServerTimeoutSeconds: 3,
		UTCOffsetHours:           2,
		InitialDelaySeconds:      5,
		IntervalSeconds:          10,
		OutageThresholdSeconds:   60,
		RecentEntriesLimit:       MaxRecentEntries,
		SnapshotAddress:          "127.0.0.1:9000",
		SnapshotTimeoutSeconds:   10,
		SnapshotMaxBytes:         16 << 20,
		ListenAddress:            ":8080",
		HistorySize:              360,
	}
}

// Load reads configuration from yaml file. Missing files fall back to defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.DataDirectory == "" {
		c.DataDirectory = def.DataDirectory
	}
	if c.MarkerFile == "" {
		c.MarkerFile = def.MarkerFile
	}
	if c.OutageLogFile == "" {
		c.OutageLogFile = def.OutageLogFile
	}
	if c.ReachabilityTarget == "" {
		c.ReachabilityTarget = def.ReachabilityTarget
	}
	if c.ProbeTimeoutSeconds <= 0 {
		c.ProbeTimeoutSeconds = def.ProbeTimeoutSeconds
	}
	if c.TimeServer == "" {
		c.TimeServer = def.TimeServer
	}
	if c.TimeServerTimeoutSeconds <= 0 {
		c.TimeServerTimeoutSeconds = def.TimeServerTimeoutSeconds
	}
	if c.InitialDelaySeconds < 0 {
		c.InitialDelaySeconds = def.InitialDelaySeconds
	}
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = def.IntervalSeconds
	}
	if c.OutageThresholdSeconds <= 0 {
		c.OutageThresholdSeconds = def.OutageThresholdSeconds
	}
	if c.RecentEntriesLimit == 0 {
		c.RecentEntriesLimit = def.RecentEntriesLimit
	}
	if c.SnapshotTimeoutSeconds <= 0 {
		c.SnapshotTimeoutSeconds = def.SnapshotTimeoutSeconds
	}
	if c.SnapshotMaxBytes <= 0 {
		c.SnapshotMaxBytes = def.SnapshotMaxBytes
	}
	if c.ListenAddress == "" {
		c.ListenAddress = def.ListenAddress
	}
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
}

// Validate rejects values that cannot be normalised into something usable.
func (c Config) Validate() error {
	if c.RecentEntriesLimit < 1 || c.RecentEntriesLimit > MaxRecentEntries {
		return fmt.Errorf("recent_entries_limit must be between 1 and %d", MaxRecentEntries)
	}
	if c.UTCOffsetHours < -14 || c.UTCOffsetHours > 14 {
		return fmt.Errorf("utc_offset_hours %d out of range", c.UTCOffsetHours)
	}
	if _, _, err := net.SplitHostPort(c.SnapshotAddress); err != nil {
		return fmt.Errorf("snapshot_address: %w", err)
	}
	return nil
}

// MarkerPath is the on-disk location of the last-online marker.
func (c Config) MarkerPath() string {
	return filepath.Join(c.DataDirectory, c.MarkerFile)
}

// OutageLogPath is the on-disk location of the outage log.
func (c Config) OutageLogPath() string {
	return filepath.Join(c.DataDirectory, c.OutageLogFile)
}

func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

func (c Config) TimeServerTimeout() time.Duration {
	return time.Duration(c.TimeServerTimeoutSeconds) * time.Second
}

func (c Config) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelaySeconds) * time.Second
}

func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c Config) OutageThreshold() time.Duration {
	return time.Duration(c.OutageThresholdSeconds) * time.Second
}

func (c Config) SnapshotTimeout() time.Duration {
	return time.Duration(c.SnapshotTimeoutSeconds) * time.Second
}

// Location is the fixed zone applied to network time.
func (c Config) Location() *time.Location {
	return time.FixedZone(fmt.Sprintf("UTC%+d", c.UTCOffsetHours), c.UTCOffsetHours*3600)
}
