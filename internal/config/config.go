// Package config provides configuration management for the crawl runtime.
// It defines the configuration structure shared by the scheduler, the store
// and the media pipeline, together with default values and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store backends
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// StoreConfig selects and configures the collection backend
type StoreConfig struct {
	Backend      string `mapstructure:"backend" yaml:"backend"`             // "json" or "sqlite"
	DataDir      string `mapstructure:"data_dir" yaml:"data_dir"`           // Directory for JSON collections (defaults to <root>/db)
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"` // SQLite database file
}

// MediaConfig holds media pipeline settings
type MediaConfig struct {
	EncoderPath    string        `mapstructure:"encoder_path" yaml:"encoder_path"`       // Still-image encoder binary (cwebp)
	EncoderQuality int           `mapstructure:"encoder_quality" yaml:"encoder_quality"` // Encoder quality 0-100
	RemuxPath      string        `mapstructure:"remux_path" yaml:"remux_path"`           // Stream remux binary (ffmpeg)
	ThumbnailCell  int           `mapstructure:"thumbnail_cell" yaml:"thumbnail_cell"`   // Pixel size of one montage cell
	MaxInflight    int           `mapstructure:"max_inflight" yaml:"max_inflight"`       // Backpressure limit on in-flight downloads (0=unlimited)
	InflightPoll   time.Duration `mapstructure:"inflight_poll" yaml:"inflight_poll"`     // Sleep between backpressure checks
}

// SourceConfig declares one catalog source
type SourceConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	BaseURL  string `mapstructure:"base_url" yaml:"base_url"`
	MaxPages int    `mapstructure:"max_pages" yaml:"max_pages"` // Listing page cap (0=unlimited)
	// Delay overrides request_delay for the base_url host (0=global delay)
	Delay time.Duration `mapstructure:"request_delay" yaml:"request_delay,omitempty"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	FilePath   string `mapstructure:"file" yaml:"file"`
	MaxSize    int64  `mapstructure:"max_size" yaml:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// Config holds the runtime configuration. It is built once at startup and
// passed to constructors; nothing reads it as global state.
type Config struct {
	// Scheduling
	Concurrency   int           `mapstructure:"concurrency" yaml:"concurrency"`       // Concurrency ceiling of the task pool
	TaskTimeout   time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`     // Global per-task timeout
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`   // Queue drain polling interval
	StatsInterval time.Duration `mapstructure:"stats_interval" yaml:"stats_interval"` // Queue depth report interval
	ReviewMode    bool          `mapstructure:"review_mode" yaml:"review_mode"`       // Favour in-flight media over new page discovery

	// HTTP
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"` // HTTP request timeout
	RequestDelay   time.Duration `mapstructure:"request_delay" yaml:"request_delay"`     // Minimum delay between requests per host
	UserAgent      string        `mapstructure:"user_agent" yaml:"user_agent"`           // HTTP User-Agent header
	Headers        []string      `mapstructure:"headers" yaml:"headers"`                 // Extra headers in "Name: Value" form

	// Freshness
	TTLHours float64 `mapstructure:"ttl_hours" yaml:"ttl_hours"` // Re-fetch entities older than this
	Force    bool    `mapstructure:"force" yaml:"force"`         // Ignore freshness and re-fetch everything

	// Filesystem
	RootDir string `mapstructure:"root_dir" yaml:"root_dir"` // Root of download/, thumbnails/ and temp/

	Sources    []SourceConfig `mapstructure:"sources" yaml:"sources"`
	Store      StoreConfig    `mapstructure:"store" yaml:"store"`
	Media      MediaConfig    `mapstructure:"media" yaml:"media"`
	Log        LogConfig      `mapstructure:"log" yaml:"log"`
	StatusAddr string         `mapstructure:"status_addr" yaml:"status_addr"` // Listen address of the status server ("" disables)
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Concurrency:    8,
		TaskTimeout:    10 * time.Minute,
		PollInterval:   1 * time.Second,
		StatsInterval:  30 * time.Second,
		RequestTimeout: 60 * time.Second,
		RequestDelay:   200 * time.Millisecond,
		UserAgent:      "ItemTadoru/1.0",
		TTLHours:       24,
		RootDir:        ".",
		Store: StoreConfig{
			Backend:      BackendJSON,
			DatabasePath: "./itemtadoru.db",
		},
		Media: MediaConfig{
			EncoderPath:    "cwebp",
			EncoderQuality: 80,
			RemuxPath:      "ffmpeg",
			ThumbnailCell:  256,
			MaxInflight:    0,
			InflightPoll:   1 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSize:    100,
			MaxBackups: 5,
		},
	}
}

// Validate checks if the configuration is valid. It is called before any
// task is scheduled so that misconfiguration fails fast.
func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}

	if c.TaskTimeout <= 0 || c.RequestTimeout <= 0 {
		return ErrInvalidTimeout
	}

	if c.TTLHours <= 0 {
		return ErrInvalidTTL
	}

	if c.RootDir == "" {
		return ErrEmptyRootDir
	}

	switch c.Store.Backend {
	case BackendJSON:
	case BackendSQLite:
		if c.Store.DatabasePath == "" {
			return ErrEmptyDatabasePath
		}
	default:
		return ErrUnknownBackend
	}

	if c.Media.EncoderQuality < 0 || c.Media.EncoderQuality > 100 {
		return ErrInvalidQuality
	}

	seen := make(map[string]bool, len(c.Sources))
	for _, src := range c.Sources {
		if !validSourceName(src.Name) || src.BaseURL == "" || seen[src.Name] {
			return fmt.Errorf("%w: %q", ErrInvalidSource, src.Name)
		}
		seen[src.Name] = true
	}

	if c.PollInterval <= 0 {
		c.PollInterval = 1 * time.Second
	}
	if c.Media.ThumbnailCell <= 0 {
		c.Media.ThumbnailCell = 256
	}
	if c.Media.InflightPoll <= 0 {
		c.Media.InflightPoll = 1 * time.Second
	}

	return nil
}

// TTL returns the freshness window as a duration
func (c *Config) TTL() time.Duration {
	return time.Duration(c.TTLHours * float64(time.Hour))
}

// Source returns the declared source called name
func (c *Config) Source(name string) (SourceConfig, bool) {
	for _, src := range c.Sources {
		if src.Name == name {
			return src, true
		}
	}
	return SourceConfig{}, false
}

// SourceNames lists the declared sources in declaration order
func (c *Config) SourceNames() []string {
	names := make([]string, 0, len(c.Sources))
	for _, src := range c.Sources {
		names = append(names, src.Name)
	}
	return names
}

// DataDir returns the directory holding JSON collections
func (c *Config) DataDir() string {
	if c.Store.DataDir != "" {
		return c.Store.DataDir
	}
	return filepath.Join(c.RootDir, "db")
}

// EnsureDirs creates the root directory and the collection directory
func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(c.RootDir, 0750); err != nil {
		return err
	}
	if c.Store.Backend == BackendJSON {
		return os.MkdirAll(c.DataDir(), 0750)
	}
	return os.MkdirAll(filepath.Dir(c.Store.DatabasePath), 0750)
}

// validSourceName reports whether name can prefix collection files and
// media directories without leaving the data tree
func validSourceName(name string) bool {
	return name != "" && name != "." && !strings.ContainsAny(name, `/\`) && filepath.IsLocal(name)
}
