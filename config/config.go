package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "vsfy"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "VSFY_DATA_DIR"
	// DefaultServerPort is the rendezvous server's session port.
	DefaultServerPort = 50001
	// DefaultMediaDirectory is scanned for shareable files.
	DefaultMediaDirectory = "/tmp/vsfy"
	// DefaultMaxFrameSize bounds one protocol frame (1 MB).
	DefaultMaxFrameSize = 1024 * 1024
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DefaultAllowedExtensions lists the media types advertised by default.
var DefaultAllowedExtensions = []string{"mp3", "wav", "aac"}

// Config contains persistent settings shared by the server and client modes.
type Config struct {
	InstanceID          string   `json:"instance_id"`
	ServerAddress       string   `json:"server_address"`
	ServerPort          int      `json:"server_port"`
	AdvertiseAddress    string   `json:"advertise_address"`
	MediaDirectory      string   `json:"media_directory"`
	AllowedExtensions   []string `json:"allowed_extensions"`
	MaxFrameSize        int      `json:"max_frame_size"`
	ProgressivePlayback bool     `json:"progressive_playback"`
	PlayerCommand       []string `json:"player_command"`
	ConnectRetries      int      `json:"connect_retries"`
	AdvertiseServer     bool     `json:"advertise_server"`
	DiscoverServer      bool     `json:"discover_server"`
	MaxSessions         int      `json:"max_sessions"`
	HistoryEnabled      bool     `json:"history_enabled"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If VSFY_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
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

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns both.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create directory %q: %w", dataDir, err)
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = Default()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// Default returns a fresh config with a new instance ID.
func Default() *Config {
	return &Config{
		InstanceID:        uuid.NewString(),
		ServerAddress:     "",
		ServerPort:        DefaultServerPort,
		MediaDirectory:    DefaultMediaDirectory,
		AllowedExtensions: append([]string(nil), DefaultAllowedExtensions...),
		MaxFrameSize:      DefaultMaxFrameSize,
		AdvertiseServer:   true,
		DiscoverServer:    true,
		HistoryEnabled:    true,
	}
}

// ServerEndpoint returns host:port for the configured server, or "" when the
// address must be discovered.
func (c *Config) ServerEndpoint() string {
	host := strings.TrimSpace(c.ServerAddress)
	if host == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(c.ServerPort))
}

func normalizeDefaults(cfg *Config) bool {
	updated := false

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
		updated = true
	}
	if cfg.ServerPort <= 0 || cfg.ServerPort > 65535 {
		cfg.ServerPort = DefaultServerPort
		updated = true
	}
	if strings.TrimSpace(cfg.MediaDirectory) == "" {
		cfg.MediaDirectory = DefaultMediaDirectory
		updated = true
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = append([]string(nil), DefaultAllowedExtensions...)
		updated = true
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
		updated = true
	}
	if cfg.ConnectRetries < 0 {
		cfg.ConnectRetries = 0
		updated = true
	}
	if cfg.MaxSessions < 0 {
		cfg.MaxSessions = 0
		updated = true
	}

	return updated
}
