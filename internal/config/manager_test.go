package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestNewManager_CreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	m, err := NewManager(path)
	require.NoError(t, err)

	if diff := cmp.Diff(Defaults(), m.Get()); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var onDisk Config
	require.NoError(t, yaml.Unmarshal(data, &onDisk))
	assert.Equal(t, *Defaults(), onDisk)
}

func TestNewManager_ReadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
preferences:
  auto_start: false
permission:
  mode: auto
capture:
  source: pattern
  fps: 5
`), 0644))

	m, err := NewManager(path)
	require.NoError(t, err)

	want := Defaults()
	want.LogLevel = "debug"
	want.Preferences.AutoStart = false
	want.Permission.Mode = PermissionModeAuto
	want.Capture.Source = SourcePattern
	want.Capture.FPS = 5

	if diff := cmp.Diff(want, m.Get()); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, m.AutoStart())
	assert.True(t, m.WakeLock())
}

func TestNewManager_RejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("permission:\n  mode: telepathy\n"), 0644))

	_, err := NewManager(path)
	assert.ErrorContains(t, err, "invalid permission mode")
}

func TestNewManager_EnvOverride(t *testing.T) {
	t.Setenv("MIRRORMOBILE_PREFERENCES_AUTO_START", "false")

	m, err := NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.False(t, m.AutoStart())
}

func TestManager_Set(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)

	require.NoError(t, m.Set("server_port", 9090))
	assert.Equal(t, 9090, m.Get().ServerPort)

	err = m.Set("capture.fps", 500)
	require.Error(t, err)
	assert.Equal(t, 15, m.Get().Capture.FPS, "rejected value must not stick")

	reloaded, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, reloaded.Get().ServerPort)
}

func TestManager_SetPreferencesNotifiesWatchers(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	var seen []Preferences
	m.Watch(func(cfg *Config) {
		seen = append(seen, cfg.Preferences)
	})

	prefs := Preferences{AutoStart: false, WakeLock: false, DebugMode: true}
	require.NoError(t, m.SetPreferences(prefs))

	require.Len(t, seen, 1)
	assert.Equal(t, prefs, seen[0])
	assert.True(t, m.DebugMode())
	assert.False(t, m.WakeLock())
}

func TestManager_SetConvertsStrings(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	require.NoError(t, m.Set("preferences.auto_start", "false"))
	require.NoError(t, m.Set("capture.fps", "30"))
	assert.False(t, m.AutoStart())
	assert.Equal(t, 30, m.Get().Capture.FPS)

	assert.Error(t, m.Set("capture.fps", "fast"))
	assert.Equal(t, 30, m.Get().Capture.FPS)
}

func TestManager_SetRejectsUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.ErrorContains(t, m.Set("preferences.autostart", true), "configuration key not found")
	assert.ErrorContains(t, m.Set("preferences", "x"), "configuration key not found")

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestManager_Lookup(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	v, err := m.Lookup("capture.source")
	require.NoError(t, err)
	assert.Equal(t, SourceX11, v)

	v, err = m.Lookup("host.width")
	require.NoError(t, err)
	assert.Equal(t, 1280, v)

	_, err = m.Lookup("host")
	assert.Error(t, err)
}

func TestValuesCoverEveryKey(t *testing.T) {
	values, err := Values(Defaults())
	require.NoError(t, err)

	assert.Len(t, values, len(Keys()))
	for _, key := range Keys() {
		assert.Contains(t, values, key)
	}
	assert.Equal(t, "prompt", values["permission.mode"])
	assert.Equal(t, true, values["preferences.wake_lock"])
}

func TestEnvOverrides(t *testing.T) {
	assert.Equal(t, "MIRRORMOBILE_PREFERENCES_AUTO_START", EnvVar("preferences.auto_start"))
	assert.Equal(t, "MIRRORMOBILE_LOG_LEVEL", EnvVar("log_level"))

	t.Setenv("MIRRORMOBILE_SERVER_PORT", "9000")
	assert.Equal(t, map[string]string{"server_port": "9000"}, EnvOverrides())
}

func TestManager_EnvOverrideIsNotPersisted(t *testing.T) {
	t.Setenv("MIRRORMOBILE_SERVER_PORT", "9000")

	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, m.Get().ServerPort)

	require.NoError(t, m.SetPreferences(Preferences{DebugMode: true}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk Config
	require.NoError(t, yaml.Unmarshal(data, &onDisk))
	assert.Equal(t, 8080, onDisk.ServerPort)
	assert.True(t, onDisk.Preferences.DebugMode)
}

func TestManager_FileEditWinsAfterSetPreferences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)

	require.NoError(t, m.SetPreferences(Preferences{AutoStart: false, WakeLock: true}))
	require.False(t, m.AutoStart())

	var seen []Preferences
	m.Watch(func(cfg *Config) {
		seen = append(seen, cfg.Preferences)
	})

	require.NoError(t, os.WriteFile(path, []byte("preferences:\n  auto_start: true\n  wake_lock: true\n"), 0644))
	require.NoError(t, m.Reload())

	assert.True(t, m.AutoStart(), "the file must win over earlier changes")
	assert.Equal(t, []Preferences{{AutoStart: true, WakeLock: true}}, seen)

	// Reading the same file again is not a change
	require.NoError(t, m.Reload())
	assert.Len(t, seen, 1)
}

func TestManager_ReloadKeepsConfigOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("capture:\n  fps: 0\n"), 0644))
	assert.Error(t, m.Reload())
	assert.Equal(t, 15, m.Get().Capture.FPS)
}

func TestManager_WatchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, m.WatchFile(ctx))

	changed := make(chan Preferences, 1)
	m.Watch(func(cfg *Config) {
		select {
		case changed <- cfg.Preferences:
		default:
		}
	})

	require.NoError(t, os.WriteFile(path, []byte("preferences:\n  debug_mode: true\n"), 0644))

	select {
	case prefs := <-changed:
		assert.True(t, prefs.DebugMode)
	case <-time.After(5 * time.Second):
		t.Fatal("file change was not picked up")
	}
	assert.True(t, m.DebugMode())
}

// Run with -race: saves and file reloads share one viper instance
func TestManager_ConcurrentSetPreferences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, m.WatchFile(ctx))

	var wg sync.WaitGroup
	errs := make(chan error, 8*10)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				prefs := Preferences{AutoStart: i%2 == 0, WakeLock: j%2 == 0, DebugMode: true}
				if err := m.SetPreferences(prefs); err != nil {
					errs <- fmt.Errorf("goroutine %d: %w", i, err)
				}
				_ = m.Get()
				_, _ = m.Lookup("preferences.auto_start")
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}

	// The last save is what the file and the manager agree on
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk Config
	require.NoError(t, yaml.Unmarshal(data, &onDisk))
	assert.Equal(t, onDisk.Preferences, m.Get().Preferences)
	assert.True(t, m.DebugMode())
}

func TestConfig_Validate(t *testing.T) {
	cases := map[string]func(*Config){
		"port":   func(c *Config) { c.ServerPort = 0 },
		"fps":    func(c *Config) { c.Capture.FPS = 0 },
		"source": func(c *Config) { c.Capture.Source = "v4l2" },
		"host":   func(c *Config) { c.Host.DPI = 0 },
		"level":  func(c *Config) { c.LogLevel = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Defaults().Validate())
}
