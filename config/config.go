package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "chatsync"
	// DefaultPageSize is the history page size when none is configured.
	DefaultPageSize = 30
	// DefaultHealInterval is how often the conversation healer checks.
	DefaultHealInterval = 10 * time.Second
	// DefaultLogLevel is used when no level is configured.
	DefaultLogLevel = "info"
	// DefaultLogFormat is used when no format is configured.
	DefaultLogFormat = "console"
	// configFileName is the persisted configuration file.
	configFileName = "config.yaml"
	// envFileName is the optional dotenv file read from the working and
	// data directories.
	envFileName = ".env"
)

// Environment overrides. They apply to the returned config only and are
// never written back to disk.
const (
	EnvDataDir   = "CHATSYNC_DATA_DIR"
	EnvServerURL = "CHATSYNC_SERVER_URL"
	EnvAPIURL    = "CHATSYNC_API_URL"
	EnvToken     = "CHATSYNC_TOKEN"
	EnvLogLevel  = "CHATSYNC_LOG_LEVEL"
)

// ClientConfig contains persistent client settings.
type ClientConfig struct {
	DeviceID string `yaml:"device_id"`
	// ServerURL is the realtime channel endpoint, ws:// or wss://. When empty
	// the relay is looked up on the local network.
	ServerURL    string        `yaml:"server_url"`
	APIURL       string        `yaml:"api_url"`
	Token        string        `yaml:"token,omitempty"`
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"`
	PageSize     int           `yaml:"page_size"`
	HealInterval time.Duration `yaml:"heal_interval"`
	ICEServers   []string      `yaml:"ice_servers"`
	// MetricsAddr serves Prometheus metrics when set, e.g. 127.0.0.1:9464.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CHATSYNC_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvDataDir); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.yaml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectory creates the app data directory if needed.
func EnsureDataDirectory(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// LoadEnv reads .env from the working directory and then from dataDir.
// Variables already set in the process environment win. Missing files are
// ignored.
func LoadEnv(dataDir string) error {
	for _, path := range []string{envFileName, filepath.Join(dataDir, envFileName)} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.yaml from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.yaml to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns the
// config with environment overrides applied, plus its path.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectory(dataDir); err != nil {
		return nil, "", err
	}
	if err := LoadEnv(dataDir); err != nil {
		return nil, "", err
	}
	// A .env in the working directory may relocate the data directory.
	if override := os.Getenv(EnvDataDir); override != "" && override != dataDir {
		dataDir = override
		if err := EnsureDataDirectory(dataDir); err != nil {
			return nil, "", err
		}
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	applyEnv(cfg)
	return cfg, cfgPath, nil
}

// Validate reports settings the client cannot run without.
func (c *ClientConfig) Validate() error {
	if strings.TrimSpace(c.APIURL) == "" {
		return errors.New("api_url is required")
	}
	if strings.TrimSpace(c.Token) == "" {
		return errors.New("token is required")
	}
	if c.ServerURL != "" && !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		return fmt.Errorf("server_url %q must use ws:// or wss://", c.ServerURL)
	}
	return nil
}

func defaultConfig() *ClientConfig {
	return &ClientConfig{
		DeviceID:     uuid.NewString(),
		LogLevel:     DefaultLogLevel,
		LogFormat:    DefaultLogFormat,
		PageSize:     DefaultPageSize,
		HealInterval: DefaultHealInterval,
	}
}

func normalizeDefaults(cfg *ClientConfig) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = DefaultLogFormat
		updated = true
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
		updated = true
	}
	if cfg.HealInterval <= 0 {
		cfg.HealInterval = DefaultHealInterval
		updated = true
	}
	trimmed := strings.TrimRight(cfg.APIURL, "/")
	if trimmed != cfg.APIURL {
		cfg.APIURL = trimmed
		updated = true
	}

	return updated
}

func applyEnv(cfg *ClientConfig) {
	if v := os.Getenv(EnvServerURL); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv(EnvAPIURL); v != "" {
		cfg.APIURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv(EnvToken); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
}
