// Package config handles configuration loading for the connectivity server
// and CLI.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pam-connect/server/internal/cache"
	"github.com/pam-connect/server/internal/data/scene"
	"github.com/pam-connect/server/internal/mapping"
	"github.com/pam-connect/server/internal/service"
)

// Config represents the full configuration.
type Config struct {
	Server      ServerConfig             `yaml:"server"`
	Scene       SceneConfig              `yaml:"scene"`
	Engine      EngineConfig             `yaml:"engine"`
	Cache       CacheConfig              `yaml:"cache"`
	Store       StoreConfig              `yaml:"store"`
	Render      RenderConfig             `yaml:"render"`
	Connections []service.ConnectionSpec `yaml:"connections"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// SceneConfig locates the scene file.
type SceneConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig tunes the connectivity computation.
type EngineConfig struct {
	// Workers is 0 for one worker per CPU, -1 to run sequentially.
	Workers              int     `yaml:"workers"`
	Seed                 int64   `yaml:"seed"`
	InterpolationQuality int     `yaml:"interpolation_quality"`
	QuadtreeDepth        int     `yaml:"quadtree_depth"`
	GridResolution       float64 `yaml:"grid_resolution"`
	UVThreshold          float64 `yaml:"uv_threshold"`
	RayFactor            float64 `yaml:"ray_factor"`
	Debug                bool    `yaml:"debug"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	QuadtreeEntries   int `yaml:"quadtree_entries"`
	PayloadSizeMB     int `yaml:"payload_size_mb"`
	PayloadTTLMinutes int `yaml:"payload_ttl_minutes"`
}

// StoreConfig contains run persistence settings.
type StoreConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	TileSize        int    `yaml:"tile_size"`
	DefaultColormap string `yaml:"default_colormap"`
}

// Load reads configuration from a YAML file. A missing file yields the
// default configuration. Keys absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a YAML document.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", service.ErrConfiguration, err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Scene: SceneConfig{
			Path: "./data/scene.json",
		},
		Engine: EngineConfig{
			Workers:              service.WorkersSequential,
			InterpolationQuality: mapping.DefaultInterpolationQuality,
			QuadtreeDepth:        mapping.DefaultQuadtreeDepth,
			GridResolution:       0.02,
			UVThreshold:          mapping.DefaultUVThreshold,
			RayFactor:            mapping.DefaultRayFactor,
		},
		Cache: CacheConfig{
			QuadtreeEntries:   64,
			PayloadSizeMB:     128,
			PayloadTTLMinutes: 30,
		},
		Store: StoreConfig{
			SQLitePath:    "./data/pam.sqlite",
			RetentionDays: 7,
			MaxConcurrent: 1,
		},
		Render: RenderConfig{
			TileSize:        256,
			DefaultColormap: "viridis",
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
	if cfg.Scene.Path == "" {
		cfg.Scene.Path = defaults.Scene.Path
	}
	if cfg.Engine.InterpolationQuality <= 0 {
		cfg.Engine.InterpolationQuality = defaults.Engine.InterpolationQuality
	}
	if cfg.Engine.QuadtreeDepth <= 0 {
		cfg.Engine.QuadtreeDepth = defaults.Engine.QuadtreeDepth
	}
	if cfg.Engine.GridResolution <= 0 {
		cfg.Engine.GridResolution = defaults.Engine.GridResolution
	}
	if cfg.Engine.UVThreshold <= 0 {
		cfg.Engine.UVThreshold = defaults.Engine.UVThreshold
	}
	if cfg.Engine.RayFactor <= 0 {
		cfg.Engine.RayFactor = defaults.Engine.RayFactor
	}
	if cfg.Cache.QuadtreeEntries <= 0 {
		cfg.Cache.QuadtreeEntries = defaults.Cache.QuadtreeEntries
	}
	if cfg.Cache.PayloadSizeMB <= 0 {
		cfg.Cache.PayloadSizeMB = defaults.Cache.PayloadSizeMB
	}
	if cfg.Cache.PayloadTTLMinutes <= 0 {
		cfg.Cache.PayloadTTLMinutes = defaults.Cache.PayloadTTLMinutes
	}
	if cfg.Store.RetentionDays <= 0 {
		cfg.Store.RetentionDays = defaults.Store.RetentionDays
	}
	if cfg.Store.MaxConcurrent <= 0 {
		cfg.Store.MaxConcurrent = defaults.Store.MaxConcurrent
	}
	if cfg.Render.TileSize <= 0 {
		cfg.Render.TileSize = defaults.Render.TileSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
}

// Validate checks the connections that can be checked without a scene.
func (c *Config) Validate() error {
	if c.Engine.Workers < service.WorkersSequential {
		return fmt.Errorf("%w: engine.workers must be -1, 0 or positive, got %d", service.ErrConfiguration, c.Engine.Workers)
	}
	seen := make(map[string]bool, len(c.Connections))
	for i, conn := range c.Connections {
		if err := conn.Validate(); err != nil {
			return fmt.Errorf("connections[%d]: %w", i, err)
		}
		label := conn.Label()
		if seen[label] {
			return fmt.Errorf("%w: connections[%d]: duplicate name %q", service.ErrConfiguration, i, label)
		}
		seen[label] = true
	}
	return nil
}

// ModelOptions returns the options of a model built from c.
func (c *Config) ModelOptions() service.Options {
	return service.Options{
		Workers:        c.Engine.Workers,
		Seed:           c.Engine.Seed,
		GridResolution: c.Engine.GridResolution,
		Mapper: mapping.Options{
			InterpolationQuality: c.Engine.InterpolationQuality,
			QuadtreeDepth:        c.Engine.QuadtreeDepth,
			UVThreshold:          c.Engine.UVThreshold,
			RayFactor:            c.Engine.RayFactor,
			Debug:                c.Engine.Debug,
		},
	}
}

// CacheOptions returns the cache settings of c.
func (c *Config) CacheOptions() cache.Config {
	return cache.Config{
		QuadtreeEntries: c.Cache.QuadtreeEntries,
		PayloadSizeMB:   c.Cache.PayloadSizeMB,
		PayloadTTL:      time.Duration(c.Cache.PayloadTTLMinutes) * time.Minute,
	}
}

// BuildModel builds a model over sc and registers every configured
// connection in order. c may be nil.
func (c *Config) BuildModel(sc *scene.Scene, cm *cache.Manager) (*service.Model, error) {
	m, err := service.FromScene(sc, cm, c.ModelOptions())
	if err != nil {
		return nil, err
	}
	for i, conn := range c.Connections {
		if _, err := m.AddConnection(conn); err != nil {
			return nil, fmt.Errorf("connections[%d]: %w", i, err)
		}
	}
	return m, nil
}
