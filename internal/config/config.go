package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/pelletier/go-toml/v2"

	"github.com/nowplaying/nowplaying/internal/logging"
)

const (
	AppName = "nowplaying"

	BackendMPV   = "mpv"
	BackendMPRIS = "mpris"
)

// Config holds daemon configuration loaded from TOML. Posting credentials
// live in the settings file inside StorageDir, not here.
type Config struct {
	StorageDir string        `toml:"storage_dir"`
	Player     PlayerConfig  `toml:"player"`
	Network    NetworkConfig `toml:"network"`
	Logging    LoggingConfig `toml:"logging"`
	History    HistoryConfig `toml:"history"`
}

type PlayerConfig struct {
	Backend        string   `toml:"backend"` // mpv, mpris
	MPVPath        string   `toml:"mpv_path"`
	IPC            string   `toml:"ipc"`
	Spawn          bool     `toml:"spawn"`
	ExtraArgs      []string `toml:"extra_args"`
	MPRISName      string   `toml:"mpris_name"`
	PollIntervalMs int      `toml:"poll_interval_ms"`
}

type NetworkConfig struct {
	TimeoutMs           int `toml:"timeout_ms"`
	MinPostIntervalSecs int `toml:"min_post_interval_secs"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Stderr bool   `toml:"stderr"`
}

type HistoryConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns the configuration used when no file exists. Keys missing
// from a file keep these values.
func Default() Config {
	return Config{
		StorageDir: filepath.Join(xdg.DataHome, AppName),
		Player: PlayerConfig{
			Backend:        BackendMPV,
			MPVPath:        "mpv",
			PollIntervalMs: 1000,
		},
		Network: NetworkConfig{
			TimeoutMs: 30000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		History: HistoryConfig{
			Enabled: true,
		},
	}
}

// Load reads configuration from disk. If path is empty, the XDG config
// location is used. A missing file yields Default.
func Load(path string) (*Config, string, error) {
	cfgPath := path
	if cfgPath == "" {
		var err error
		cfgPath, err = DefaultPath()
		if err != nil {
			return nil, "", fmt.Errorf("resolve config path: %w", err)
		}
	}

	cfg := Default()
	data, err := os.ReadFile(cfgPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, cfgPath, fmt.Errorf("read config: %w", err)
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, cfgPath, fmt.Errorf("parse config: %w", err)
		}
	}

	applyDefaults(&cfg)

	if err := Validate(cfg); err != nil {
		return nil, cfgPath, err
	}
	return &cfg, cfgPath, nil
}

// DefaultPath returns $XDG_CONFIG_HOME/nowplaying/config.toml, creating the
// directory.
func DefaultPath() (string, error) {
	return xdg.ConfigFile(filepath.Join(AppName, "config.toml"))
}

// Save writes cfg as TOML.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.StorageDir == "" {
		cfg.StorageDir = def.StorageDir
	}
	if cfg.Player.Backend == "" {
		cfg.Player.Backend = def.Player.Backend
	}
	if cfg.Player.MPVPath == "" {
		cfg.Player.MPVPath = def.Player.MPVPath
	}
	if cfg.Player.PollIntervalMs == 0 {
		cfg.Player.PollIntervalMs = def.Player.PollIntervalMs
	}
	if cfg.Network.TimeoutMs == 0 {
		cfg.Network.TimeoutMs = def.Network.TimeoutMs
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
}

// Validate performs semantic validation of the config.
func Validate(cfg Config) error {
	if cfg.StorageDir == "" {
		return errors.New("storage_dir is required")
	}
	switch cfg.Player.Backend {
	case BackendMPV:
		if cfg.Player.Spawn {
			if err := checkExecutable(cfg.Player.MPVPath); err != nil {
				return err
			}
		}
	case BackendMPRIS:
	default:
		return fmt.Errorf("player.backend must be %q or %q, got %q", BackendMPV, BackendMPRIS, cfg.Player.Backend)
	}
	if cfg.Player.PollIntervalMs < 100 {
		return errors.New("player.poll_interval_ms must be at least 100")
	}
	if cfg.Network.TimeoutMs < 0 {
		return errors.New("network.timeout_ms must not be negative")
	}
	if cfg.Network.MinPostIntervalSecs < 0 {
		return errors.New("network.min_post_interval_secs must not be negative")
	}
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

func checkExecutable(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, lookErr := execLookPath(path); lookErr != nil {
				return fmt.Errorf("mpv not found (%s): %w", path, lookErr)
			}
		}
	}
	return nil
}

// NetworkTimeout is the per-request HTTP timeout.
func (c Config) NetworkTimeout() time.Duration {
	return time.Duration(c.Network.TimeoutMs) * time.Millisecond
}

// MinPostInterval is the minimum spacing between notes; zero disables pacing.
func (c Config) MinPostInterval() time.Duration {
	return time.Duration(c.Network.MinPostIntervalSecs) * time.Second
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Player.PollIntervalMs) * time.Millisecond
}

// DeadlineContext returns a context with default timeout based on the network timeout.
func (c Config) DeadlineContext() (context.Context, context.CancelFunc) {
	d := c.NetworkTimeout()
	if d == 0 {
		d = 8 * time.Second
	}
	return context.WithTimeout(context.Background(), d)
}

// execLookPath is a test seam.
var execLookPath = func(file string) (string, error) {
	return exec.LookPath(file)
}
