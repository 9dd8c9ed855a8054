package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chenxiaolong/MirrorMobile/internal/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides,
// e.g. MIRRORMOBILE_PREFERENCES_AUTO_START=false
const EnvPrefix = "MIRRORMOBILE"

// reloadDelay collapses the burst of events a single save produces
const reloadDelay = 100 * time.Millisecond

// Manager handles configuration. Changes are written to the file and read
// back, so the file and the environment are the only sources besides the
// defaults.
type Manager struct {
	configPath string

	// vmu serializes every use of v, which is not safe for concurrent use
	vmu sync.Mutex
	v   *viper.Viper

	mu     sync.RWMutex
	config *Config

	watchMu  sync.Mutex
	watchers []func(*Config)
	watching bool
}

// DefaultPath returns $HOME/.config/mirrormobile/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "mirrormobile", "config.yaml"), nil
}

// NewManager creates a new configuration manager. An empty configFile selects
// DefaultPath(). A missing file is created with the defaults.
func NewManager(configFile string) (*Manager, error) {
	configPath := configFile
	if configPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	v := newViper(configPath)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m := &Manager{
		configPath: configPath,
		v:          v,
	}

	log := logger.WithComponent("config")

	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}

		log.Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		if err := m.save(Defaults()); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}
	if _, err := m.reload(); err != nil {
		return nil, err
	}

	log.Info().
		Str("path", m.configPath).
		Bool("auto_start", m.config.Preferences.AutoStart).
		Str("permission_mode", string(m.config.Permission.Mode)).
		Msg("Config loaded")

	return m, nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	return v
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound)
}

type setting struct {
	key   string
	value any
}

// schema lists every key in file order with its default
func schema() []setting {
	d := Defaults()
	return []setting{
		{"log_level", d.LogLevel},
		{"log_pretty", d.LogPretty},
		{"server_port", d.ServerPort},
		{"preferences.auto_start", d.Preferences.AutoStart},
		{"preferences.wake_lock", d.Preferences.WakeLock},
		{"preferences.debug_mode", d.Preferences.DebugMode},
		{"capture.source", d.Capture.Source},
		{"capture.fps", d.Capture.FPS},
		{"permission.mode", string(d.Permission.Mode)},
		{"host.enabled", d.Host.Enabled},
		{"host.width", d.Host.Width},
		{"host.height", d.Host.Height},
		{"host.dpi", d.Host.DPI},
		{"vehicle.assume_driving_until_known", d.Vehicle.AssumeDrivingUntilKnown},
	}
}

// setDefaults registers every key so env overrides and Unmarshal see it
func setDefaults(v *viper.Viper) {
	for _, s := range schema() {
		v.SetDefault(s.key, s.value)
	}
}

// Keys returns every configuration key as a dotted path
func Keys() []string {
	settings := schema()
	keys := make([]string, 0, len(settings))
	for _, s := range settings {
		keys = append(keys, s.key)
	}
	return keys
}

// IsKey reports whether key names a configuration value
func IsKey(key string) bool {
	for _, s := range schema() {
		if s.key == key {
			return true
		}
	}
	return false
}

// EnvVar returns the environment variable that overrides key
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// EnvOverrides returns the keys currently overridden from the environment
// along with the raw variable values
func EnvOverrides() map[string]string {
	overrides := make(map[string]string)
	for _, key := range Keys() {
		if value, ok := os.LookupEnv(EnvVar(key)); ok {
			overrides[key] = value
		}
	}
	return overrides
}

// Values flattens cfg into dotted keys
func Values(cfg *Config) (map[string]any, error) {
	v, err := fromConfig(cfg)
	if err != nil {
		return nil, err
	}

	values := make(map[string]any)
	for _, key := range Keys() {
		values[key] = v.Get(key)
	}
	return values, nil
}

// fromConfig loads cfg into a standalone viper instance
func fromConfig(cfg *Config) (*viper.Viper, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return v, nil
}

// reload rebuilds the typed config from viper. The caller holds vmu.
func (m *Manager) reload() (bool, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return false, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return false, fmt.Errorf("invalid config %s: %w", m.configPath, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	changed := m.config == nil || *m.config != cfg
	m.config = &cfg
	return changed, nil
}

// Reload re-reads the config file. Watchers are notified when the result
// differs from the current config.
func (m *Manager) Reload() error {
	m.vmu.Lock()
	err := m.v.ReadInConfig()
	changed := false
	if err == nil {
		changed, err = m.reload()
	}
	m.vmu.Unlock()

	if err != nil {
		return err
	}
	if changed {
		logger.WithComponent("config").Info().Str("path", m.configPath).Msg("Config reloaded")
		m.notify()
	}
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	cfg := *m.config
	return &cfg
}

// Lookup returns the current value of a dotted key
func (m *Manager) Lookup(key string) (any, error) {
	if !IsKey(key) {
		return nil, fmt.Errorf("configuration key not found: %s", key)
	}

	values, err := Values(m.Get())
	if err != nil {
		return nil, err
	}
	return values[key], nil
}

// Set updates a single dotted key, validates the result and saves it.
// String values are converted to the type of the field.
func (m *Manager) Set(key string, value any) error {
	if !IsKey(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	return m.update(func(cfg *Config) error {
		v, err := fromConfig(cfg)
		if err != nil {
			return err
		}
		v.Set(key, value)

		var next Config
		if err := v.Unmarshal(&next); err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		*cfg = next
		return nil
	})
}

// SetPreferences replaces all preferences, saves, and notifies watchers
func (m *Manager) SetPreferences(p Preferences) error {
	return m.update(func(cfg *Config) error {
		cfg.Preferences = p
		return nil
	})
}

// update applies change to the config as stored in the file, writes it and
// reads it back. Environment overrides still win over the written values.
func (m *Manager) update(change func(*Config) error) error {
	changed, err := m.updateLocked(change)
	if err != nil {
		return err
	}
	if changed {
		m.notify()
	}
	return nil
}

func (m *Manager) updateLocked(change func(*Config) error) (bool, error) {
	m.vmu.Lock()
	defer m.vmu.Unlock()

	cfg, err := m.stored()
	if err != nil {
		return false, err
	}
	if err := change(cfg); err != nil {
		return false, err
	}
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	if err := m.save(cfg); err != nil {
		return false, err
	}
	if err := m.v.ReadInConfig(); err != nil {
		return false, fmt.Errorf("failed to read config: %w", err)
	}
	return m.reload()
}

// stored returns the config as described by the defaults and the file alone
func (m *Manager) stored() (*Config, error) {
	v := newViper(m.configPath)
	if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// save replaces the config file so readers never see a partial write
func (m *Manager) save(cfg *Config) error {
	log := logger.WithComponent("config")

	log.Debug().
		Str("path", m.configPath).
		Msg("Saving config")

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tmp.Name(), m.configPath); err != nil {
		log.Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	log.Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// AutoStart reports the auto start preference
func (m *Manager) AutoStart() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Preferences.AutoStart
}

// WakeLock reports the wake lock preference
func (m *Manager) WakeLock() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Preferences.WakeLock
}

// DebugMode reports the debug mode preference
func (m *Manager) DebugMode() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Preferences.DebugMode
}

// Watch registers fn to be called after the config changes through Set,
// SetPreferences or Reload.
func (m *Manager) Watch(fn func(*Config)) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	m.watchers = append(m.watchers, fn)
}

// WatchFile reloads the config when the file on disk changes, until ctx is
// cancelled
func (m *Manager) WatchFile(ctx context.Context) error {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	if m.watching {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	// The directory is watched because saves replace the file
	if err := watcher.Add(filepath.Dir(m.configPath)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	m.watching = true
	go m.watchLoop(ctx, watcher)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	log := logger.WithComponent("config")
	target := filepath.Clean(m.configPath)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
		_ = watcher.Close()

		m.watchMu.Lock()
		m.watching = false
		m.watchMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDelay, func() {
				if err := m.Reload(); err != nil {
					log.Warn().Err(err).Str("path", target).Msg("Ignoring invalid config change")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (m *Manager) notify() {
	cfg := m.Get()

	m.watchMu.Lock()
	watchers := append([]func(*Config){}, m.watchers...)
	m.watchMu.Unlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
