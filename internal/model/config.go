package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// CacheConfig controls the Local Store.
type CacheConfig struct {
	// Enabled turns background population and pruning on or off.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// MaxSizeMB is the on-disk budget enforced by pruning.
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`

	// DBPath is the SQLite database file.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// SyncConfig controls the Sync Orchestrator schedule and batch sizes.
type SyncConfig struct {
	IntervalSec         int      `mapstructure:"interval_sec" yaml:"interval_sec"`
	PopulateIntervalSec int      `mapstructure:"populate_interval_sec" yaml:"populate_interval_sec"`
	PopulateBatch       int      `mapstructure:"populate_batch" yaml:"populate_batch"`
	PopulateDelayMs     int      `mapstructure:"populate_delay_ms" yaml:"populate_delay_ms"`
	RefreshBatchSize    int      `mapstructure:"refresh_batch_size" yaml:"refresh_batch_size"`
	FullSyncViews       []string `mapstructure:"full_sync_views" yaml:"full_sync_views"`
	FullSyncMaxResults  int      `mapstructure:"full_sync_max_results" yaml:"full_sync_max_results"`
}

// ConnectivityConfig controls the Connectivity Monitor.
type ConnectivityConfig struct {
	DebounceMs     int    `mapstructure:"debounce_ms" yaml:"debounce_ms"`
	OnlinePollSec  int    `mapstructure:"online_poll_sec" yaml:"online_poll_sec"`
	OfflinePollSec int    `mapstructure:"offline_poll_sec" yaml:"offline_poll_sec"`
	ProbeAddr      string `mapstructure:"probe_addr" yaml:"probe_addr"`
}

// RemoteConfig holds the remote mail service client settings. The OAuth
// token itself lives in the system keyring under CredentialKey.
type RemoteConfig struct {
	ClientID          string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret      string `mapstructure:"client_secret" yaml:"client_secret"`
	CredentialKey     string `mapstructure:"credential_key" yaml:"credential_key"`
	RequestsPerSecond int    `mapstructure:"requests_per_second" yaml:"requests_per_second"`
}

// StatusConfig controls the diagnostics HTTP surface.
type StatusConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig holds logging preferences.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Cache        CacheConfig        `mapstructure:"cache" yaml:"cache"`
	Sync         SyncConfig         `mapstructure:"sync" yaml:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" yaml:"connectivity"`
	Remote       RemoteConfig       `mapstructure:"remote" yaml:"remote"`
	Status       StatusConfig       `mapstructure:"status" yaml:"status"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
}

// CacheSettings is the slice of configuration consulted before every
// prune and populate pass.
type CacheSettings struct {
	Enabled   bool
	MaxSizeMB int
}

// MaxSizeBytes returns the cache budget in bytes.
func (c CacheSettings) MaxSizeBytes() int64 {
	return int64(c.MaxSizeMB) * 1024 * 1024
}

// DefaultFullSyncViews are the views kept warm by a full sync.
var DefaultFullSyncViews = []string{
	"in:inbox",
	"label:pending",
	"label:todo",
	"is:starred",
	"in:sent",
}

// DefaultConfigDir returns ~/.config/mailcache.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mailcache")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailcache/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultAppConfig returns a sensible default configuration.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Cache: CacheConfig{
			Enabled:   true,
			MaxSizeMB: 500,
			DBPath:    filepath.Join(DefaultConfigDir(), "cache.db"),
		},
		Sync: SyncConfig{
			IntervalSec:         60,
			PopulateIntervalSec: 120,
			PopulateBatch:       10,
			PopulateDelayMs:     500,
			RefreshBatchSize:    20,
			FullSyncViews:       append([]string(nil), DefaultFullSyncViews...),
			FullSyncMaxResults:  50,
		},
		Connectivity: ConnectivityConfig{
			DebounceMs:     3000,
			OnlinePollSec:  30,
			OfflinePollSec: 10,
			ProbeAddr:      "gmail.googleapis.com:443",
		},
		Remote: RemoteConfig{
			CredentialKey:     "gmail-token",
			RequestsPerSecond: 10,
		},
		Status: StatusConfig{
			Addr: "127.0.0.1:7787",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// newViper builds a viper instance bound to path with defaults and
// MAILCACHE_* environment overrides.
func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("mailcache")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults so missing keys resolve to sensible values.
	d := DefaultAppConfig()
	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.max_size_mb", d.Cache.MaxSizeMB)
	v.SetDefault("cache.db_path", d.Cache.DBPath)
	v.SetDefault("sync.interval_sec", d.Sync.IntervalSec)
	v.SetDefault("sync.populate_interval_sec", d.Sync.PopulateIntervalSec)
	v.SetDefault("sync.populate_batch", d.Sync.PopulateBatch)
	v.SetDefault("sync.populate_delay_ms", d.Sync.PopulateDelayMs)
	v.SetDefault("sync.refresh_batch_size", d.Sync.RefreshBatchSize)
	v.SetDefault("sync.full_sync_views", d.Sync.FullSyncViews)
	v.SetDefault("sync.full_sync_max_results", d.Sync.FullSyncMaxResults)
	v.SetDefault("connectivity.debounce_ms", d.Connectivity.DebounceMs)
	v.SetDefault("connectivity.online_poll_sec", d.Connectivity.OnlinePollSec)
	v.SetDefault("connectivity.offline_poll_sec", d.Connectivity.OfflinePollSec)
	v.SetDefault("connectivity.probe_addr", d.Connectivity.ProbeAddr)
	v.SetDefault("remote.credential_key", d.Remote.CredentialKey)
	v.SetDefault("remote.requests_per_second", d.Remote.RequestsPerSecond)
	v.SetDefault("status.addr", d.Status.Addr)
	v.SetDefault("log.level", d.Log.Level)

	return v
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration with
// environment overrides applied.
func LoadConfig(path string) (*AppConfig, error) {
	v := newViper(path)

	if err := readConfig(v); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := DefaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	normalizeConfig(cfg)

	return cfg, nil
}

// readConfig reads the config file, treating a missing file as empty.
func readConfig(v *viper.Viper) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}

// normalizeConfig replaces non-positive values with defaults.
func normalizeConfig(cfg *AppConfig) {
	d := DefaultAppConfig()
	if cfg.Cache.MaxSizeMB <= 0 {
		cfg.Cache.MaxSizeMB = d.Cache.MaxSizeMB
	}
	if cfg.Sync.IntervalSec <= 0 {
		cfg.Sync.IntervalSec = d.Sync.IntervalSec
	}
	if cfg.Sync.PopulateIntervalSec <= 0 {
		cfg.Sync.PopulateIntervalSec = d.Sync.PopulateIntervalSec
	}
	if cfg.Sync.PopulateBatch <= 0 {
		cfg.Sync.PopulateBatch = d.Sync.PopulateBatch
	}
	if cfg.Sync.RefreshBatchSize <= 0 {
		cfg.Sync.RefreshBatchSize = d.Sync.RefreshBatchSize
	}
	if len(cfg.Sync.FullSyncViews) == 0 {
		cfg.Sync.FullSyncViews = d.Sync.FullSyncViews
	}
	if cfg.Sync.FullSyncMaxResults <= 0 {
		cfg.Sync.FullSyncMaxResults = d.Sync.FullSyncMaxResults
	}
	if cfg.Connectivity.DebounceMs <= 0 {
		cfg.Connectivity.DebounceMs = d.Connectivity.DebounceMs
	}
	if cfg.Remote.RequestsPerSecond <= 0 {
		cfg.Remote.RequestsPerSecond = d.Remote.RequestsPerSecond
	}
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("cache", cfg.Cache)
	v.Set("sync", cfg.Sync)
	v.Set("connectivity", cfg.Connectivity)
	v.Set("remote", cfg.Remote)
	v.Set("status", cfg.Status)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

// ConfigWatcher keeps the latest configuration in memory and reloads it
// whenever the file changes on disk.
type ConfigWatcher struct {
	mu       sync.RWMutex
	v        *viper.Viper
	cfg      *AppConfig
	onChange func(*AppConfig, error)
}

// WatchConfig loads path and starts watching it. onChange, if non-nil,
// is called after every reload attempt.
func WatchConfig(path string, onChange func(*AppConfig, error)) (*ConfigWatcher, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	w := &ConfigWatcher{v: newViper(path), cfg: cfg, onChange: onChange}
	if err := readConfig(w.v); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if _, statErr := os.Stat(path); statErr == nil {
		w.v.OnConfigChange(func(fsnotify.Event) { w.reload() })
		w.v.WatchConfig()
	}

	return w, nil
}

func (w *ConfigWatcher) reload() {
	cfg := DefaultAppConfig()
	err := w.v.Unmarshal(cfg)
	if err == nil {
		normalizeConfig(cfg)
		w.mu.Lock()
		w.cfg = cfg
		w.mu.Unlock()
	}
	if w.onChange != nil {
		w.onChange(cfg, err)
	}
}

// Config returns the current configuration snapshot.
func (w *ConfigWatcher) Config() AppConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return *w.cfg
}

// CacheSettings returns the current cache enablement and budget.
func (w *ConfigWatcher) CacheSettings() CacheSettings {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return CacheSettings{
		Enabled:   w.cfg.Cache.Enabled,
		MaxSizeMB: w.cfg.Cache.MaxSizeMB,
	}
}

// StaticSettings is a fixed CacheSettings provider.
type StaticSettings CacheSettings

// CacheSettings returns s.
func (s StaticSettings) CacheSettings() CacheSettings {
	return CacheSettings(s)
}
