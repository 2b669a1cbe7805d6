package config

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.InstanceID == "" {
		t.Fatalf("expected non-empty instance ID")
	}
	if firstCfg.ServerPort != DefaultServerPort {
		t.Fatalf("expected default server port %d, got %d", DefaultServerPort, firstCfg.ServerPort)
	}
	if firstCfg.MediaDirectory != DefaultMediaDirectory {
		t.Fatalf("expected default media directory, got %q", firstCfg.MediaDirectory)
	}
	if firstCfg.ProgressivePlayback {
		t.Fatalf("expected progressive playback to default off")
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.InstanceID != firstCfg.InstanceID {
		t.Fatalf("expected stable instance ID, got %q then %q", firstCfg.InstanceID, secondCfg.InstanceID)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	partial := &Config{
		ServerAddress: "192.168.2.223",
		ServerPort:    -1,
		MaxFrameSize:  0,
	}
	if err := Save(ConfigPath(tempDir), partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.InstanceID == "" {
		t.Fatalf("expected instance ID to be filled in")
	}
	if cfg.ServerPort != DefaultServerPort {
		t.Fatalf("expected server port normalized to %d, got %d", DefaultServerPort, cfg.ServerPort)
	}
	if cfg.MaxFrameSize != DefaultMaxFrameSize {
		t.Fatalf("expected max frame size normalized, got %d", cfg.MaxFrameSize)
	}
	if len(cfg.AllowedExtensions) != len(DefaultAllowedExtensions) {
		t.Fatalf("expected default extensions, got %v", cfg.AllowedExtensions)
	}

	reloaded, err := Load(ConfigPath(tempDir))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.InstanceID != cfg.InstanceID {
		t.Fatalf("expected normalized config to be persisted")
	}
}

func TestServerEndpoint(t *testing.T) {
	cfg := Default()
	if got := cfg.ServerEndpoint(); got != "" {
		t.Fatalf("expected empty endpoint without address, got %q", got)
	}

	cfg.ServerAddress = "192.168.2.223"
	if got := cfg.ServerEndpoint(); got != "192.168.2.223:50001" {
		t.Fatalf("unexpected endpoint: %q", got)
	}

	cfg.ServerAddress = "media-box:6000"
	if got := cfg.ServerEndpoint(); got != "media-box:6000" {
		t.Fatalf("expected explicit port to be kept, got %q", got)
	}
}
