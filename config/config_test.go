package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

const testAccount = "+15550100"

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)
	t.Setenv("MSGSYNC_ACCOUNT_ADDRESS", testAccount)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.PortMode != PortModeAutomatic {
		t.Fatalf("expected default port mode %q, got %q", PortModeAutomatic, firstCfg.PortMode)
	}
	if firstCfg.ListenAddress() != ":0" {
		t.Fatalf("expected automatic listen address, got %q", firstCfg.ListenAddress())
	}
	if firstCfg.DispatchTimeout != DefaultDispatchTimeout || firstCfg.DispatchWorkers != DefaultDispatchWorkers {
		t.Fatalf("unexpected dispatch defaults %s / %d", firstCfg.DispatchTimeout, firstCfg.DispatchWorkers)
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
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.SweepInterval != DefaultSweepInterval {
		t.Fatalf("expected persisted sweep interval to reload, got %s", secondCfg.SweepInterval)
	}
}

func TestLoadOrCreateRequiresAccountAddress(t *testing.T) {
	t.Setenv(DataDirEnv, t.TempDir())

	if _, _, err := LoadOrCreate(); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration without an account address, got %v", err)
	}
}

func TestLoadOrCreateNormalizesLegacyPortModeFromExistingPort(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	legacy := &DeviceConfig{
		DeviceName:     "Legacy",
		AccountAddress: testAccount,
		ListeningPort:  9999,
	}
	if err := Save(cfgPath, legacy); err != nil {
		t.Fatalf("Save legacy config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.PortMode != PortModeFixed {
		t.Fatalf("expected legacy config to normalize to fixed mode, got %q", cfg.PortMode)
	}
	if cfg.ListenAddress() != ":9999" {
		t.Fatalf("expected legacy fixed listening port to be retained, got %q", cfg.ListenAddress())
	}
	if cfg.DeviceID == "" {
		t.Fatalf("expected a generated device ID")
	}
}

func TestEnvironmentOverridesAreNotPersisted(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)
	t.Setenv("MSGSYNC_ACCOUNT_ADDRESS", testAccount)
	t.Setenv("MSGSYNC_LOG_LEVEL", "debug")
	t.Setenv("MSGSYNC_DISPATCH_TIMEOUT", "3s")

	cfg, path, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.DispatchTimeout != 3*time.Second {
		t.Fatalf("expected env overrides, got %q / %s", cfg.LogLevel, cfg.DispatchTimeout)
	}

	stored, err := readFile(path)
	if err != nil {
		t.Fatalf("readFile failed: %v", err)
	}
	if stored.LogLevel != DefaultLogLevel || stored.AccountAddress != "" {
		t.Fatalf("expected env overrides to stay out of config.json, got %+v", stored)
	}
}

func TestValidateRejectsOutOfRangeValues(t *testing.T) {
	valid := defaultConfig()
	valid.AccountAddress = testAccount
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}

	mutations := []func(*DeviceConfig){
		func(c *DeviceConfig) { c.DeviceID = "not-a-uuid" },
		func(c *DeviceConfig) { c.LogLevel = "trace" },
		func(c *DeviceConfig) { c.LogFormat = "xml" },
		func(c *DeviceConfig) { c.DispatchWorkers = 0 },
		func(c *DeviceConfig) { c.DispatchTimeout = time.Millisecond },
		func(c *DeviceConfig) { c.PortMode = PortModeFixed; c.ListeningPort = 0 },
		func(c *DeviceConfig) { c.ListeningPort = 70000 },
	}
	for i, mutate := range mutations {
		cfg := *valid
		mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("mutation %d: expected ErrConfiguration, got %v", i, err)
		}
	}
}
