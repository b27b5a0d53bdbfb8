// Package config loads the v4l2test driver configuration from defaults, an
// optional file and VIDPLANE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the driver configuration.
type Config struct {
	Display DisplayConfig `mapstructure:"display"`
	Decode  DecodeConfig  `mapstructure:"decode"`
	Streams []string      `mapstructure:"streams"` // descriptor files, one per decoder
	Report  string        `mapstructure:"report"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	RTMP    RTMPConfig    `mapstructure:"rtmp"`
}

// DisplayConfig selects the card and window.
type DisplayConfig struct {
	CardPath               string `mapstructure:"card_path"`
	Width                  int    `mapstructure:"width"`
	Height                 int    `mapstructure:"height"`
	DisableAtomic          bool   `mapstructure:"disable_atomic"`
	GraphicsPrefersPrimary bool   `mapstructure:"graphics_prefers_primary"`
	EmitFPS                bool   `mapstructure:"emit_fps"`
}

// DecodeConfig tunes the decode sessions.
type DecodeConfig struct {
	Device               string        `mapstructure:"device"` // empty to discover
	Frames               int           `mapstructure:"frames"`
	Suite                []int         `mapstructure:"suite"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	DequeueTimeout       time.Duration `mapstructure:"dequeue_timeout"`
	WatchdogStallSamples int           `mapstructure:"watchdog_stall_samples"`
	DisablePacing        bool          `mapstructure:"disable_pacing"`
	SuiteGap             time.Duration `mapstructure:"suite_gap"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"` // empty disables /metrics
}

// RTMPConfig configures the ingest command.
type RTMPConfig struct {
	Listen   string `mapstructure:"listen"`
	MaxUnits int    `mapstructure:"max_units"`
}

// Manager wraps the viper instance the CLI binds its flags to.
type Manager struct {
	viper  *viper.Viper
	config *Config
}

// NewManager creates a manager reading VIDPLANE_* variables. PLATFORM_FPS
// is honored as display.emit_fps.
func NewManager() (*Manager, error) {
	v := viper.New()
	v.SetEnvPrefix("VIDPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv("display.emit_fps", "VIDPLANE_DISPLAY_EMIT_FPS", "PLATFORM_FPS"); err != nil {
		return nil, fmt.Errorf("failed to bind PLATFORM_FPS: %w", err)
	}
	if err := v.BindEnv("log.level", "VIDPLANE_LOG_LEVEL"); err != nil {
		return nil, fmt.Errorf("failed to bind VIDPLANE_LOG_LEVEL: %w", err)
	}

	m := &Manager{viper: v}
	m.setDefaults()
	return m, nil
}

// Viper returns the underlying instance for flag binding.
func (m *Manager) Viper() *viper.Viper { return m.viper }

func (m *Manager) setDefaults() {
	v := m.viper
	v.SetDefault("display.card_path", "/dev/dri/card0")
	v.SetDefault("display.width", 1920)
	v.SetDefault("display.height", 1080)
	v.SetDefault("display.disable_atomic", false)
	v.SetDefault("display.graphics_prefers_primary", false)
	v.SetDefault("display.emit_fps", false)

	v.SetDefault("decode.device", "")
	v.SetDefault("decode.frames", 400)
	v.SetDefault("decode.suite", []int{1, 2, 3, 4})
	v.SetDefault("decode.poll_interval", 8*time.Millisecond)
	v.SetDefault("decode.dequeue_timeout", 100*time.Millisecond)
	v.SetDefault("decode.watchdog_stall_samples", 1000)
	v.SetDefault("decode.disable_pacing", false)
	v.SetDefault("decode.suite_gap", 2*time.Second)

	v.SetDefault("streams", []string{})
	v.SetDefault("report", "/tmp/v4l2test-report.txt")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("rtmp.listen", ":1935")
	v.SetDefault("rtmp.max_units", 2000)
}

// Load reads file, when not empty, and the environment.
func (m *Manager) Load(file string) error {
	if file != "" {
		m.viper.SetConfigFile(file)
		if err := m.viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file at %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := m.viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := validate(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	m.config = cfg
	return nil
}

// Config returns the loaded configuration, or nil before Load.
func (m *Manager) Config() *Config { return m.config }

func validate(cfg *Config) error {
	var errs []error
	if cfg.Display.Width <= 0 || cfg.Display.Height <= 0 {
		errs = append(errs, fmt.Errorf("display size %dx%d", cfg.Display.Width, cfg.Display.Height))
	}
	if cfg.Decode.Frames <= 0 {
		errs = append(errs, fmt.Errorf("decode.frames %d", cfg.Decode.Frames))
	}
	if len(cfg.Decode.Suite) == 0 {
		errs = append(errs, errors.New("decode.suite is empty"))
	}
	for _, n := range cfg.Decode.Suite {
		if n < 1 || n > 4 {
			errs = append(errs, fmt.Errorf("decode.suite entry %d: 1 to 4 decoders", n))
		}
	}
	if len(cfg.Streams) > 4 {
		errs = append(errs, fmt.Errorf("%d streams: at most 4", len(cfg.Streams)))
	}
	switch cfg.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q", cfg.Log.Format))
	}
	return errors.Join(errs...)
}
