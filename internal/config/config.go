package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Tracker TrackerConfig `yaml:"tracker"`
	Debug   bool          `yaml:"debug"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

type TrackerConfig struct {
	RootDir              string        `yaml:"root_dir"`
	MaxSessions          int           `yaml:"max_sessions"`
	SessionTTL           time.Duration `yaml:"session_ttl"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	ResyncInterval       time.Duration `yaml:"resync_interval"`
	DebounceDelay        time.Duration `yaml:"debounce_delay"`
	RewriteSizeThreshold int64         `yaml:"rewrite_size_threshold"`
	RewriteTimeThreshold time.Duration `yaml:"rewrite_time_threshold"`
	BroadcastThrottle    time.Duration `yaml:"broadcast_throttle"`
	SnapshotInterval     time.Duration `yaml:"snapshot_interval"`
	AutoCompact          bool          `yaml:"auto_compact"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Tracker: TrackerConfig{
			RootDir:              defaultRootDir(),
			MaxSessions:          50,
			SessionTTL:           30 * time.Minute,
			SweepInterval:        time.Minute,
			ResyncInterval:       30 * time.Second,
			DebounceDelay:        100 * time.Millisecond,
			RewriteSizeThreshold: 5000,
			RewriteTimeThreshold: 60 * time.Second,
			BroadcastThrottle:    100 * time.Millisecond,
			SnapshotInterval:     5 * time.Second,
			AutoCompact:          true,
		},
	}
}

// Load reads the YAML config at path, falling back to defaults when the
// file does not exist. TOKENWATCH_* environment variables override both.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TOKENWATCH_ROOT_DIR"); v != "" {
		c.Tracker.RootDir = v
	}
	if v := os.Getenv("TOKENWATCH_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Tracker.MaxSessions = n
		}
	}
	if v := os.Getenv("TOKENWATCH_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Tracker.SessionTTL = d
		}
	}
	if v := os.Getenv("TOKENWATCH_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Tracker.SweepInterval = d
		}
	}
	if v := os.Getenv("TOKENWATCH_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("TOKENWATCH_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Debug = b
		}
	}
}

func defaultRootDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".claude", "projects")
	}
	return filepath.Join(home, ".claude", "projects")
}
