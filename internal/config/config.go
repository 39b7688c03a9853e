// Package config handles configuration loading for the image server.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Source kinds.
const (
	KindMemory = "memory"
	KindZarr   = "zarr"
	KindTileDB = "tiledb"
)

// Config represents the server configuration.
type Config struct {
	Server  ServerConfig   `yaml:"server" toml:"server"`
	Sources []SourceConfig `yaml:"sources" toml:"sources"`
	Cache   CacheConfig    `yaml:"cache" toml:"cache"`
	Loader  LoaderConfig   `yaml:"loader" toml:"loader"`
	Render  RenderConfig   `yaml:"render" toml:"render"`
	Jobs    JobsConfig     `yaml:"jobs" toml:"jobs"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port          int      `yaml:"port" toml:"port"`
	CORSOrigins   []string `yaml:"cors_origins" toml:"cors_origins"`
	Title         string   `yaml:"title" toml:"title"`
	DefaultSource string   `yaml:"default_source" toml:"default_source"`
	// LogFile, when set, receives the log output with size-based rotation.
	LogFile       string `yaml:"log_file" toml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb" toml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups" toml:"log_max_backups"`
}

// SourceConfig describes one image source.
type SourceConfig struct {
	Name string `yaml:"name" toml:"name"`
	Kind string `yaml:"kind" toml:"kind"`
	Path string `yaml:"path" toml:"path"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	PixelSizeMB     int `yaml:"pixel_size_mb" toml:"pixel_size_mb"`
	PixelTTLMinutes int `yaml:"pixel_ttl_minutes" toml:"pixel_ttl_minutes"`
	QueryCacheSize  int `yaml:"query_cache_size" toml:"query_cache_size"`
}

// LoaderConfig controls how unit reads are issued.
type LoaderConfig struct {
	// MaxConcurrent bounds concurrent unit reads per request.
	MaxConcurrent int `yaml:"max_concurrent" toml:"max_concurrent"`
	// MaxOpenStores bounds pixel stores open at once per source; 0 is unbounded.
	MaxOpenStores int  `yaml:"max_open_stores" toml:"max_open_stores"`
	DebugTiming   bool `yaml:"debug_timing" toml:"debug_timing"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	TileSize        int    `yaml:"tile_size" toml:"tile_size"`
	DefaultColormap string `yaml:"default_colormap" toml:"default_colormap"`
}

// JobsConfig contains prefetch job settings.
type JobsConfig struct {
	SQLitePath    string `yaml:"sqlite_path" toml:"sqlite_path"`
	MaxConcurrent int    `yaml:"max_concurrent" toml:"max_concurrent"`
	QueueSize     int    `yaml:"queue_size" toml:"queue_size"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
}

// Load reads configuration from a YAML or TOML file, chosen by extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		for _, key := range md.Undecoded() {
			log.Printf("[Config] ignoring unknown key %q in %s", key.String(), path)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          8080,
			CORSOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
			LogMaxSizeMB:  100,
			LogMaxBackups: 3,
		},
		Sources: []SourceConfig{
			{Name: "demo", Kind: KindMemory},
		},
		Cache: CacheConfig{
			PixelSizeMB:     512,
			PixelTTLMinutes: 10,
			QueryCacheSize:  1000,
		},
		Loader: LoaderConfig{
			MaxConcurrent: 8,
		},
		Render: RenderConfig{
			TileSize:        256,
			DefaultColormap: "gray",
		},
		Jobs: JobsConfig{
			SQLitePath:    "./data/prefetch_jobs.sqlite",
			MaxConcurrent: 1,
			QueueSize:     100,
			RetentionDays: 7,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.LogMaxSizeMB == 0 {
		cfg.Server.LogMaxSizeMB = defaults.Server.LogMaxSizeMB
	}
	if cfg.Server.LogMaxBackups == 0 {
		cfg.Server.LogMaxBackups = defaults.Server.LogMaxBackups
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = defaults.Sources
	}
	if cfg.Server.DefaultSource == "" {
		cfg.Server.DefaultSource = cfg.Sources[0].Name
	}
	if cfg.Cache.PixelSizeMB == 0 {
		cfg.Cache.PixelSizeMB = defaults.Cache.PixelSizeMB
	}
	if cfg.Cache.PixelTTLMinutes == 0 {
		cfg.Cache.PixelTTLMinutes = defaults.Cache.PixelTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Loader.MaxConcurrent == 0 {
		cfg.Loader.MaxConcurrent = defaults.Loader.MaxConcurrent
	}
	if cfg.Render.TileSize == 0 {
		cfg.Render.TileSize = defaults.Render.TileSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.QueueSize == 0 {
		cfg.Jobs.QueueSize = defaults.Jobs.QueueSize
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
}

// Validate checks the source list.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("sources[%d]: empty name", i))
			continue
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("sources[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true

		switch s.Kind {
		case KindMemory:
		case KindZarr, KindTileDB:
			if s.Path == "" {
				errs = append(errs, fmt.Errorf("source %q: %s needs a path", s.Name, s.Kind))
			}
		default:
			errs = append(errs, fmt.Errorf("source %q: unknown kind %q", s.Name, s.Kind))
		}
	}
	if len(c.Sources) > 0 && !seen[c.Server.DefaultSource] {
		errs = append(errs, fmt.Errorf("default_source %q is not a configured source", c.Server.DefaultSource))
	}
	return errors.Join(errs...)
}

// SourceNames returns source names in config order.
func (c *Config) SourceNames() []string {
	names := make([]string, len(c.Sources))
	for i, s := range c.Sources {
		names[i] = s.Name
	}
	return names
}
