package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "msgsync"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "MSGSYNC_DATA_DIR"
	// EnvPrefix prefixes environment overrides, e.g. MSGSYNC_LOG_LEVEL.
	EnvPrefix = "MSGSYNC"
	// DefaultListeningPort is the TCP port used in fixed mode when none is set.
	DefaultListeningPort = 9999
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

const (
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultDispatchWorkers      = 4
	DefaultDispatchTimeout      = 10 * time.Second
	DefaultSweepInterval        = 30 * time.Second
	DefaultPruneInterval        = time.Hour
	DefaultDedupeRetention      = 30 * 24 * time.Hour
	DefaultDispatchLogRetention = 7 * 24 * time.Hour
	DefaultServiceName          = "_msgsync._tcp"
)

// ErrConfiguration wraps every load and validation failure.
var ErrConfiguration = errors.New("configuration error")

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID       string `json:"device_id" mapstructure:"device_id" validate:"required,uuid"`
	DeviceName     string `json:"device_name" mapstructure:"device_name" validate:"required"`
	AccountAddress string `json:"account_address" mapstructure:"account_address" validate:"required"`
	PortMode       string `json:"port_mode" mapstructure:"port_mode" validate:"oneof=automatic fixed"`
	ListeningPort  int    `json:"listening_port" mapstructure:"listening_port" validate:"min=0,max=65535"`
	ServiceName    string `json:"service_name" mapstructure:"service_name" validate:"required"`

	LogLevel  string `json:"log_level" mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `json:"log_format" mapstructure:"log_format" validate:"oneof=text json"`

	DispatchWorkers      int           `json:"dispatch_workers" mapstructure:"dispatch_workers" validate:"min=1,max=64"`
	DispatchTimeout      time.Duration `json:"dispatch_timeout" mapstructure:"dispatch_timeout" validate:"min=1s,max=5m"`
	SweepInterval        time.Duration `json:"sweep_interval" mapstructure:"sweep_interval" validate:"min=1s"`
	PruneInterval        time.Duration `json:"prune_interval" mapstructure:"prune_interval" validate:"min=1m"`
	DedupeRetention      time.Duration `json:"dedupe_retention" mapstructure:"dedupe_retention" validate:"min=1h"`
	DispatchLogRetention time.Duration `json:"dispatch_log_retention" mapstructure:"dispatch_log_retention" validate:"min=1h"`
}

// Validate checks field constraints.
func (c *DeviceConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if c.PortMode == PortModeFixed && c.ListeningPort == 0 {
		return fmt.Errorf("%w: fixed port mode requires listening_port", ErrConfiguration)
	}
	return nil
}

// ListenAddress returns the TCP address the sync listener binds.
func (c *DeviceConfig) ListenAddress() string {
	if c.PortMode == PortModeFixed {
		return fmt.Sprintf(":%d", c.ListeningPort)
	}
	return ":0"
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If MSGSYNC_DATA_DIR is set, its value is used as an explicit override.
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

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads config.json through viper, applies MSGSYNC_* environment
// overrides on top of it and validates the result.
func Load(path string) (*DeviceConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: read config: %v", ErrConfiguration, err)
	}

	var cfg DeviceConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
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

// LoadOrCreate ensures directories and config exist, then returns both.
// Missing persisted values are filled in and written back; environment
// overrides apply to the returned config only.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	stored, err := readFile(cfgPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := Save(cfgPath, defaultConfig()); err != nil {
			return nil, "", err
		}
	case err != nil:
		return nil, "", err
	default:
		if normalizeDefaults(stored) {
			if err := Save(cfgPath, stored); err != nil {
				return nil, "", err
			}
		}
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

func readFile(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := defaultConfig()
	v.SetDefault("device_id", "")
	v.SetDefault("device_name", defaults.DeviceName)
	v.SetDefault("account_address", "")
	v.SetDefault("port_mode", defaults.PortMode)
	v.SetDefault("listening_port", defaults.ListeningPort)
	v.SetDefault("service_name", defaults.ServiceName)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)
	v.SetDefault("dispatch_workers", defaults.DispatchWorkers)
	v.SetDefault("dispatch_timeout", defaults.DispatchTimeout)
	v.SetDefault("sweep_interval", defaults.SweepInterval)
	v.SetDefault("prune_interval", defaults.PruneInterval)
	v.SetDefault("dedupe_retention", defaults.DedupeRetention)
	v.SetDefault("dispatch_log_retention", defaults.DispatchLogRetention)
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "msgsync device"
}

func defaultConfig() *DeviceConfig {
	return &DeviceConfig{
		DeviceID:             uuid.NewString(),
		DeviceName:           defaultDeviceName(),
		PortMode:             PortModeAutomatic,
		ListeningPort:        0,
		ServiceName:          DefaultServiceName,
		LogLevel:             DefaultLogLevel,
		LogFormat:            DefaultLogFormat,
		DispatchWorkers:      DefaultDispatchWorkers,
		DispatchTimeout:      DefaultDispatchTimeout,
		SweepInterval:        DefaultSweepInterval,
		PruneInterval:        DefaultPruneInterval,
		DedupeRetention:      DefaultDedupeRetention,
		DispatchLogRetention: DefaultDispatchLogRetention,
	}
}

func normalizeDefaults(cfg *DeviceConfig) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	defaults := defaultConfig()
	fill := func(current *string, fallback string) {
		if *current == "" {
			*current = fallback
			updated = true
		}
	}
	fillDuration := func(current *time.Duration, fallback time.Duration) {
		if *current <= 0 {
			*current = fallback
			updated = true
		}
	}
	fill(&cfg.ServiceName, defaults.ServiceName)
	fill(&cfg.LogLevel, defaults.LogLevel)
	fill(&cfg.LogFormat, defaults.LogFormat)
	if cfg.DispatchWorkers <= 0 {
		cfg.DispatchWorkers = defaults.DispatchWorkers
		updated = true
	}
	fillDuration(&cfg.DispatchTimeout, defaults.DispatchTimeout)
	fillDuration(&cfg.SweepInterval, defaults.SweepInterval)
	fillDuration(&cfg.PruneInterval, defaults.PruneInterval)
	fillDuration(&cfg.DedupeRetention, defaults.DedupeRetention)
	fillDuration(&cfg.DispatchLogRetention, defaults.DispatchLogRetention)

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
