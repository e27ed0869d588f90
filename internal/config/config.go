// Package config provides configuration management for cortexpuppet
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/normanking/cortexpuppet/internal/emotion"
	"github.com/normanking/cortexpuppet/internal/logging"
	"github.com/normanking/cortexpuppet/internal/motion"
	"github.com/spf13/viper"
)

const (
	envPrefix = "CORTEXPUPPET"
	dirName   = ".cortexpuppet"
)

// Config holds all application configuration
type Config struct {
	Surface  SurfaceConfig  `mapstructure:"surface"`
	Loader   LoaderConfig   `mapstructure:"loader"`
	Restore  RestoreConfig  `mapstructure:"restore"`
	Motion   MotionConfig   `mapstructure:"motion"`
	Emotion  emotion.Groups `mapstructure:"emotion"`
	Assets   AssetsConfig   `mapstructure:"assets"`
	Tracking TrackingConfig `mapstructure:"tracking"`
	Logging  logging.Config `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// SurfaceConfig configures the drawing surface
type SurfaceConfig struct {
	Title       string  `mapstructure:"title"`
	Width       int     `mapstructure:"width"`
	Height      int     `mapstructure:"height"`
	PixelRatio  float32 `mapstructure:"pixel_ratio"`
	Transparent bool    `mapstructure:"transparent"`
}

// LoaderConfig holds the per-origin settle windows
type LoaderConfig struct {
	BundledSettle time.Duration `mapstructure:"bundled_settle"`
	RemoteSettle  time.Duration `mapstructure:"remote_settle"`
}

// RestoreConfig configures context-loss recovery
type RestoreConfig struct {
	Delay    time.Duration `mapstructure:"delay"`
	Attempts int           `mapstructure:"attempts"`
}

// MotionConfig configures the motion mapper
type MotionConfig struct {
	BlendFactor float32 `mapstructure:"blend_factor"`
	Mode        string  `mapstructure:"mode"` // face, upper-body, full-body
	IdleMotion  bool    `mapstructure:"idle_motion"`
}

// AssetsConfig configures where models come from
type AssetsConfig struct {
	Manifest     string        `mapstructure:"manifest"`
	WatchChanges bool          `mapstructure:"watch_changes"`
	ScanURL      string        `mapstructure:"scan_url"` // optional remote listing
	Default      string        `mapstructure:"default"`  // model id loaded at startup
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	Attempts     int           `mapstructure:"attempts"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
}

// TrackingConfig configures the tracking feed
type TrackingConfig struct {
	URL            string        `mapstructure:"url"` // empty disables the feed
	MaxSampleAge   time.Duration `mapstructure:"max_sample_age"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Namespace string `mapstructure:"namespace"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	logCfg := logging.DefaultConfig()
	return &Config{
		Surface: SurfaceConfig{
			Title:      "CortexPuppet",
			Width:      800,
			Height:     600,
			PixelRatio: 1,
		},
		Loader: LoaderConfig{
			BundledSettle: 100 * time.Millisecond,
			RemoteSettle:  400 * time.Millisecond,
		},
		Restore: RestoreConfig{
			Delay:    500 * time.Millisecond,
			Attempts: 3,
		},
		Motion: MotionConfig{
			BlendFactor: motion.DefaultBlendFactor,
			Mode:        motion.ModeFace.String(),
			IdleMotion:  true,
		},
		Emotion: emotion.DefaultGroups(),
		Assets: AssetsConfig{
			Manifest:     "models.yaml",
			WatchChanges: true,
			FetchTimeout: 30 * time.Second,
			Attempts:     3,
			RetryDelay:   250 * time.Millisecond,
		},
		Tracking: TrackingConfig{
			MaxSampleAge:   500 * time.Millisecond,
			ReconnectDelay: 2 * time.Second,
			MaxReconnects:  5,
		},
		Logging: *logCfg,
		Metrics: MetricsConfig{
			Enabled:   false,
			Addr:      "127.0.0.1:9464",
			Namespace: "cortexpuppet",
		},
	}
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Surface.Width <= 0 || c.Surface.Height <= 0 {
		errs = append(errs, fmt.Errorf("surface: size %dx%d must be positive", c.Surface.Width, c.Surface.Height))
	}
	if c.Surface.PixelRatio <= 0 {
		errs = append(errs, fmt.Errorf("surface: pixel_ratio %v must be positive", c.Surface.PixelRatio))
	}
	if c.Loader.BundledSettle < 0 || c.Loader.RemoteSettle < 0 {
		errs = append(errs, errors.New("loader: settle windows must not be negative"))
	}
	if c.Restore.Attempts < 1 {
		errs = append(errs, fmt.Errorf("restore: attempts %d must be at least 1", c.Restore.Attempts))
	}
	if c.Motion.BlendFactor <= 0 || c.Motion.BlendFactor > 1 {
		errs = append(errs, fmt.Errorf("motion: blend_factor %v must be in (0, 1]", c.Motion.BlendFactor))
	}
	if _, err := motion.ParseTrackingMode(c.Motion.Mode); err != nil {
		errs = append(errs, fmt.Errorf("motion: %w", err))
	}
	if c.Assets.Manifest == "" && c.Assets.ScanURL == "" {
		errs = append(errs, errors.New("assets: a manifest or scan_url is required"))
	}
	return errors.Join(errs...)
}

// TrackingMode returns the parsed motion mode. Call Validate first.
func (c *Config) TrackingMode() motion.TrackingMode {
	mode, err := motion.ParseTrackingMode(c.Motion.Mode)
	if err != nil {
		return motion.ModeFace
	}
	return mode
}

// NewViper returns a viper instance seeded with defaults and environment
// overrides, e.g. CORTEXPUPPET_SURFACE_WIDTH.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())
	return v
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("surface.title", cfg.Surface.Title)
	v.SetDefault("surface.width", cfg.Surface.Width)
	v.SetDefault("surface.height", cfg.Surface.Height)
	v.SetDefault("surface.pixel_ratio", cfg.Surface.PixelRatio)
	v.SetDefault("surface.transparent", cfg.Surface.Transparent)

	v.SetDefault("loader.bundled_settle", cfg.Loader.BundledSettle)
	v.SetDefault("loader.remote_settle", cfg.Loader.RemoteSettle)

	v.SetDefault("restore.delay", cfg.Restore.Delay)
	v.SetDefault("restore.attempts", cfg.Restore.Attempts)

	v.SetDefault("motion.blend_factor", cfg.Motion.BlendFactor)
	v.SetDefault("motion.mode", cfg.Motion.Mode)
	v.SetDefault("motion.idle_motion", cfg.Motion.IdleMotion)

	v.SetDefault("emotion.energetic", cfg.Emotion.Energetic)
	v.SetDefault("emotion.intense", cfg.Emotion.Intense)
	v.SetDefault("emotion.idle", cfg.Emotion.Idle)

	v.SetDefault("assets.manifest", cfg.Assets.Manifest)
	v.SetDefault("assets.watch_changes", cfg.Assets.WatchChanges)
	v.SetDefault("assets.scan_url", cfg.Assets.ScanURL)
	v.SetDefault("assets.default", cfg.Assets.Default)
	v.SetDefault("assets.fetch_timeout", cfg.Assets.FetchTimeout)
	v.SetDefault("assets.attempts", cfg.Assets.Attempts)
	v.SetDefault("assets.retry_delay", cfg.Assets.RetryDelay)

	v.SetDefault("tracking.url", cfg.Tracking.URL)
	v.SetDefault("tracking.max_sample_age", cfg.Tracking.MaxSampleAge)
	v.SetDefault("tracking.reconnect_delay", cfg.Tracking.ReconnectDelay)
	v.SetDefault("tracking.max_reconnects", cfg.Tracking.MaxReconnects)

	v.SetDefault("logging.dir", cfg.Logging.LogDir)
	v.SetDefault("logging.level", string(cfg.Logging.Level))
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.max_size_mb", cfg.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", cfg.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", cfg.Logging.MaxAgeDays)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
	v.SetDefault("metrics.namespace", cfg.Metrics.Namespace)
}

// Load reads configuration from path, or from config.yaml in the config
// directory and the working directory when path is empty. A missing file
// is not an error; defaults and environment overrides still apply.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		if dir, err := GetConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path != "" && errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML to path.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)
	for _, key := range v.AllKeys() {
		if d, ok := v.Get(key).(time.Duration); ok {
			v.Set(key, d.String())
		}
	}
	return v.WriteConfigAs(path)
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, dirName), nil
}
