// Package config loads viiru.yaml. Values are resolved as defaults, then the
// YAML file, then VIIRU_* environment variables, then Normalize and Validate.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// DataDir holds the journal, snapshots, archives and the sqlite index.
	DataDir string `yaml:"data_dir"`
	// CatalogDir holds optional .yaml/.jsonc opcode catalog overrides.
	CatalogDir string `yaml:"catalog_dir,omitempty"`

	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Archive ArchiveConfig `yaml:"archive"`
	Index   IndexConfig   `yaml:"index"`
	Driver  DriverConfig  `yaml:"driver"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// ProjectDir is the only directory loadProject/saveProject calls from
	// websocket clients may touch. Relative to DataDir unless absolute.
	ProjectDir string `yaml:"project_dir,omitempty"`
	// AllowedOrigins lists browser origins accepted on /v1/ws besides the
	// server's own host and loopback.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
	// AdminLoopbackOnly restricts /admin/v1/* to 127.0.0.1 and ::1.
	AdminLoopbackOnly bool `yaml:"admin_loopback_only"`
}

type SessionConfig struct {
	ID            string        `yaml:"id,omitempty"`
	AutosaveEvery time.Duration `yaml:"autosave_every"`
	// Journal turns the change journal on.
	Journal bool `yaml:"journal"`
	// Restore loads the newest snapshot under DataDir on start.
	Restore bool `yaml:"restore"`
}

type ArchiveConfig struct {
	Enabled bool `yaml:"enabled"`
	Keep    int  `yaml:"keep"`
}

type IndexConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

type DriverConfig struct {
	// GridPx converts driver grid cells into workspace pixels.
	GridPx float64 `yaml:"grid_px"`
	// Columns is how many gallery blocks go in one column before wrapping.
	Columns int `yaml:"columns"`
}

func Defaults() Config {
	return Config{
		DataDir: "./data",
		Server: ServerConfig{
			Addr:              "127.0.0.1:8090",
			AdminLoopbackOnly: true,
		},
		Session: SessionConfig{
			AutosaveEvery: time.Minute,
			Journal:       true,
			Restore:       false,
		},
		Archive: ArchiveConfig{Enabled: true, Keep: 10},
		Index:   IndexConfig{Enabled: true},
		Driver:  DriverConfig{GridPx: 50, Columns: 20},
	}
}

// Load reads path on top of Defaults. An empty path yields the defaults with
// environment overrides applied.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("viiru.yaml: %w", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("viiru.yaml: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped; variables already set win.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("%s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from VIIRU_* variables.
func (c *Config) ApplyEnv() error {
	if v, ok := env("VIIRU_DATA_DIR"); ok {
		c.DataDir = v
	}
	if v, ok := env("VIIRU_CATALOG_DIR"); ok {
		c.CatalogDir = v
	}
	if v, ok := env("VIIRU_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := env("VIIRU_PROJECT_DIR"); ok {
		c.Server.ProjectDir = v
	}
	if v, ok := env("VIIRU_SESSION_ID"); ok {
		c.Session.ID = v
	}
	if v, ok := env("VIIRU_AUTOSAVE_EVERY"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("VIIRU_AUTOSAVE_EVERY: %w", err)
		}
		c.Session.AutosaveEvery = d
	}
	c.Session.Journal = envBool("VIIRU_JOURNAL", c.Session.Journal)
	c.Session.Restore = envBool("VIIRU_RESTORE", c.Session.Restore)
	c.Archive.Enabled = envBool("VIIRU_ARCHIVE", c.Archive.Enabled)
	c.Archive.Keep = envInt("VIIRU_ARCHIVE_KEEP", c.Archive.Keep)
	c.Index.Enabled = envBool("VIIRU_INDEX", c.Index.Enabled)
	c.Server.AdminLoopbackOnly = envBool("VIIRU_ADMIN_LOOPBACK_ONLY", c.Server.AdminLoopbackOnly)
	return nil
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8090"
	}
	c.Server.ProjectDir = strings.TrimSpace(c.Server.ProjectDir)
	if c.Server.ProjectDir == "" {
		c.Server.ProjectDir = "projects"
	}
	if c.Index.Path == "" {
		c.Index.Path = "index/viiru.sqlite"
	}
	if c.Archive.Keep < 0 {
		c.Archive.Keep = 0
	}
	if c.Driver.GridPx == 0 {
		c.Driver.GridPx = 50
	}
	if c.Driver.Columns <= 0 {
		c.Driver.Columns = 20
	}
}

func (c Config) Validate() error {
	if c.Session.AutosaveEvery < 0 {
		return fmt.Errorf("session.autosave_every must be >= 0")
	}
	if c.Session.AutosaveEvery > 0 && c.Session.AutosaveEvery < time.Second {
		return fmt.Errorf("session.autosave_every must be at least 1s, got %s", c.Session.AutosaveEvery)
	}
	if c.Driver.GridPx < 0 {
		return fmt.Errorf("driver.grid_px must be positive")
	}
	return nil
}

// IndexPath resolves Index.Path against DataDir unless it is absolute.
func (c Config) IndexPath() string {
	if filepath.IsAbs(c.Index.Path) {
		return c.Index.Path
	}
	return filepath.Join(c.DataDir, c.Index.Path)
}

// ProjectRoot resolves Server.ProjectDir against DataDir unless it is
// absolute.
func (c Config) ProjectRoot() string {
	if filepath.IsAbs(c.Server.ProjectDir) {
		return c.Server.ProjectDir
	}
	return filepath.Join(c.DataDir, c.Server.ProjectDir)
}

func env(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func envBool(key string, def bool) bool {
	v, ok := env(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v, ok := env(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
