// Package config loads the TOML configuration shared by the Manager,
// Tester, and Controller, layering environment overrides on top of the
// file. Grounded on bobmcallan-vire's internal/common/config.go, which uses
// github.com/pelletier/go-toml/v2 the same way: unmarshal onto a
// defaults-populated struct, then apply env overrides.
package config

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds every tunable the CLI doesn't already expose as a flag.
type Config struct {
	SocketPath    string        `toml:"socket_path"`
	DataDir       string        `toml:"data_dir"`
	RuntimeDir    string        `toml:"runtime_dir"`
	LogsDir       string        `toml:"logs_dir"`
	BugzillaURL   string        `toml:"bugzilla_url"`
	MetricsAddr   string        `toml:"metrics_addr"`
	HangTimeout   time.Duration `toml:"-"`
	HangTimeoutS  string        `toml:"hang_timeout"`
	KeepAlive     time.Duration `toml:"-"`
	KeepAliveS    string        `toml:"keep_alive"`
	AutoScan      time.Duration `toml:"-"`
	AutoScanS     string        `toml:"auto_scan_interval"`
	Irker         IrkerConfig   `toml:"irker"`
	Log           LogConfig     `toml:"log"`
}

// IrkerConfig configures the out-of-scope IRC relay notifier.
type IrkerConfig struct {
	ListenerAddr string `toml:"listener_addr"`
	Channel      string `toml:"channel"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// Default returns the out-of-the-box configuration.
func Default() *Config {
	return &Config{
		SocketPath:   "tattoo.socket",
		DataDir:      "/var/lib/tattoo",
		RuntimeDir:   "/tmp/tattoo-run",
		LogsDir:      "/var/log/tattoo",
		BugzillaURL:  "https://bugs.gentoo.org",
		HangTimeoutS: "6h",
		KeepAliveS:   "10m",
		AutoScanS:    "4h",
		Irker: IrkerConfig{
			ListenerAddr: "127.0.0.1:6659",
			Channel:      "ircs://irc.libera.chat:6697/#gentoo-arthurzam",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path (if it exists) over the defaults, applies environment
// overrides, then parses the duration fields. A missing path is not an
// error: the CLI's default config location is optional.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	var err error
	if cfg.HangTimeout, err = time.ParseDuration(cfg.HangTimeoutS); err != nil {
		return nil, fmt.Errorf("config: hang_timeout: %w", err)
	}
	if cfg.KeepAlive, err = time.ParseDuration(cfg.KeepAliveS); err != nil {
		return nil, fmt.Errorf("config: keep_alive: %w", err)
	}
	if cfg.AutoScan, err = time.ParseDuration(cfg.AutoScanS); err != nil {
		return nil, fmt.Errorf("config: auto_scan_interval: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies the environment variables §6 names.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HANG_TIMEOUT_SECS"); v != "" {
		cfg.HangTimeoutS = v + "s"
	}
}
