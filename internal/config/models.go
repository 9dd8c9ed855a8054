package config

import (
	"fmt"

	"github.com/chenxiaolong/MirrorMobile/internal/logger"
)

// PermissionMode selects how the capture permission is requested
type PermissionMode string

const (
	PermissionModePrompt PermissionMode = "prompt" // Answered through the control API
	PermissionModePortal PermissionMode = "portal" // xdg-desktop-portal ScreenCast dialog
	PermissionModeAuto   PermissionMode = "auto"   // Granted without asking
)

// Capture sources
const (
	SourceX11     = "x11"
	SourcePattern = "pattern"
)

// Config represents the application configuration
type Config struct {
	LogLevel   string `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogPretty  bool   `json:"log_pretty" yaml:"log_pretty" mapstructure:"log_pretty"`
	ServerPort int    `json:"server_port" yaml:"server_port" mapstructure:"server_port"`

	Preferences Preferences      `json:"preferences" yaml:"preferences" mapstructure:"preferences"`
	Capture     CaptureConfig    `json:"capture" yaml:"capture" mapstructure:"capture"`
	Permission  PermissionConfig `json:"permission" yaml:"permission" mapstructure:"permission"`
	Host        HostConfig       `json:"host" yaml:"host" mapstructure:"host"`
	Vehicle     VehicleConfig    `json:"vehicle" yaml:"vehicle" mapstructure:"vehicle"`
}

// Preferences are the user-facing toggles
type Preferences struct {
	// AutoStart starts mirroring (or prompts for permission) as soon as both the
	// capture service and the head unit surface are available.
	AutoStart bool `json:"auto_start" yaml:"auto_start" mapstructure:"auto_start"`
	// WakeLock keeps the screen on while a capture session is running.
	WakeLock bool `json:"wake_lock" yaml:"wake_lock" mapstructure:"wake_lock"`
	// DebugMode shows the exit action on the head unit.
	DebugMode bool `json:"debug_mode" yaml:"debug_mode" mapstructure:"debug_mode"`
}

// CaptureConfig represents capture session configuration
type CaptureConfig struct {
	Source string `json:"source" yaml:"source" mapstructure:"source"`
	FPS    int    `json:"fps" yaml:"fps" mapstructure:"fps"`
}

// PermissionConfig represents permission request configuration
type PermissionConfig struct {
	Mode PermissionMode `json:"mode" yaml:"mode" mapstructure:"mode"`
}

// HostConfig represents the head unit window configuration
type HostConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Width   int  `json:"width" yaml:"width" mapstructure:"width"`
	Height  int  `json:"height" yaml:"height" mapstructure:"height"`
	DPI     int  `json:"dpi" yaml:"dpi" mapstructure:"dpi"`
}

// VehicleConfig represents vehicle telemetry handling
type VehicleConfig struct {
	// AssumeDrivingUntilKnown starts in the driving state until the first
	// speed reading arrives.
	AssumeDrivingUntilKnown bool `json:"assume_driving_until_known" yaml:"assume_driving_until_known" mapstructure:"assume_driving_until_known"`
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		LogLevel:   "info",
		ServerPort: 8080,
		Preferences: Preferences{
			AutoStart: true,
			WakeLock:  true,
		},
		Capture: CaptureConfig{
			Source: SourceX11,
			FPS:    15,
		},
		Permission: PermissionConfig{
			Mode: PermissionModePrompt,
		},
		Host: HostConfig{
			Enabled: true,
			Width:   1280,
			Height:  720,
			DPI:     160,
		},
	}
}

// Validate checks the configuration for values the rest of the program cannot handle
func (c *Config) Validate() error {
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server port: %d", c.ServerPort)
	}
	if c.Capture.FPS <= 0 || c.Capture.FPS > 60 {
		return fmt.Errorf("invalid capture fps: %d (use 1-60)", c.Capture.FPS)
	}
	switch c.Capture.Source {
	case SourceX11, SourcePattern:
	default:
		return fmt.Errorf("invalid capture source: %s (use: %s, %s)", c.Capture.Source, SourceX11, SourcePattern)
	}
	switch c.Permission.Mode {
	case PermissionModePrompt, PermissionModePortal, PermissionModeAuto:
	default:
		return fmt.Errorf("invalid permission mode: %s (use: prompt, portal, auto)", c.Permission.Mode)
	}
	if c.Host.Width <= 0 || c.Host.Height <= 0 || c.Host.DPI <= 0 {
		return fmt.Errorf("invalid host surface: %dx%d @ %d dpi", c.Host.Width, c.Host.Height, c.Host.DPI)
	}
	return nil
}
