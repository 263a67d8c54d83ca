package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_RepoConfig(t *testing.T) {
	cfg, err := Load("../../configs/viiru.yaml")
	if err != nil {
		t.Fatalf("load viiru.yaml: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8090" {
		t.Fatalf("addr=%q want 127.0.0.1:8090", cfg.Server.Addr)
	}
	if got, want := cfg.ProjectRoot(), filepath.Join("data", "projects"); got != want {
		t.Fatalf("project root=%q want %q", got, want)
	}
	if cfg.Session.AutosaveEvery != time.Minute {
		t.Fatalf("autosave_every=%s want 1m", cfg.Session.AutosaveEvery)
	}
	if cfg.Driver.GridPx != 50 {
		t.Fatalf("grid_px=%v want 50", cfg.Driver.GridPx)
	}
	if got, want := cfg.IndexPath(), filepath.Join("data", "index", "viiru.sqlite"); got != want {
		t.Fatalf("index path=%q want %q", got, want)
	}
}

func TestLoad_EmptyPathIsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "./data" || cfg.Archive.Keep != 10 || !cfg.Index.Enabled {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Server.Addr != "127.0.0.1:8090" {
		t.Fatalf("addr=%q should default to loopback", cfg.Server.Addr)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "viiru.yaml")
	if err := os.WriteFile(path, []byte("server:\n  addr: \":9999\"\ndriver:\n  columns: 0\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("addr=%q want :9999", cfg.Server.Addr)
	}
	if !cfg.Server.AdminLoopbackOnly {
		t.Fatalf("admin_loopback_only should keep its default")
	}
	if cfg.Driver.Columns != 20 {
		t.Fatalf("columns=%d want 20 after normalize", cfg.Driver.Columns)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"sub-second autosave": "session:\n  autosave_every: 10ms\n",
		"negative grid":       "driver:\n  grid_px: -5\n",
		"not yaml":            "server: [\n",
	}
	for name, body := range cases {
		path := filepath.Join(dir, "c.yaml")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("VIIRU_ADDR", "127.0.0.1:7000")
	t.Setenv("VIIRU_AUTOSAVE_EVERY", "5s")
	t.Setenv("VIIRU_INDEX", "false")
	t.Setenv("VIIRU_ARCHIVE_KEEP", "3")
	t.Setenv("VIIRU_JOURNAL", "garbage")
	abs := t.TempDir()
	t.Setenv("VIIRU_PROJECT_DIR", abs)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:7000" {
		t.Fatalf("addr=%q", cfg.Server.Addr)
	}
	if cfg.ProjectRoot() != abs {
		t.Fatalf("project root=%q want absolute %q", cfg.ProjectRoot(), abs)
	}
	if cfg.Session.AutosaveEvery != 5*time.Second {
		t.Fatalf("autosave=%s want 5s", cfg.Session.AutosaveEvery)
	}
	if cfg.Index.Enabled {
		t.Fatalf("index should be disabled")
	}
	if cfg.Archive.Keep != 3 {
		t.Fatalf("keep=%d want 3", cfg.Archive.Keep)
	}
	if !cfg.Session.Journal {
		t.Fatalf("unparsable bool should keep the default")
	}

	t.Setenv("VIIRU_AUTOSAVE_EVERY", "soon")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("VIIRU_DATA_DIR=/tmp/viiru-dotenv\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("VIIRU_DATA_DIR", "")
	os.Unsetenv("VIIRU_DATA_DIR")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/tmp/viiru-dotenv" {
		t.Fatalf("data dir=%q", cfg.DataDir)
	}
}
