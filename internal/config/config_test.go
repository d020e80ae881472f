package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Upload.Quota != 20 {
		t.Errorf("Upload.Quota = %d, want 20", cfg.Upload.Quota)
	}
	if cfg.Upload.Retention() != 30*24*time.Hour {
		t.Errorf("Retention() = %v, want 720h", cfg.Upload.Retention())
	}
	if cfg.Backend.UploadTimeout != 30*time.Second {
		t.Errorf("UploadTimeout = %v, want 30s", cfg.Backend.UploadTimeout)
	}
	if cfg.Backend.MetadataTimeout != 10*time.Second {
		t.Errorf("MetadataTimeout = %v, want 10s", cfg.Backend.MetadataTimeout)
	}
	if cfg.Compression.UploadMaxWidth != 1600 || cfg.Compression.UploadQuality != 0.7 {
		t.Errorf("upload compression = %d/%.1f, want 1600/0.7", cfg.Compression.UploadMaxWidth, cfg.Compression.UploadQuality)
	}
	if cfg.Thumbnail.MaxSide != 200 {
		t.Errorf("Thumbnail.MaxSide = %d, want 200", cfg.Thumbnail.MaxSide)
	}
	if cfg.Compression.MaxPixels != 40_000_000 {
		t.Errorf("Compression.MaxPixels = %d, want 40000000", cfg.Compression.MaxPixels)
	}
	if cfg.Session.MaxSessions != 1000 || cfg.Session.IdleTTL != 12*time.Hour {
		t.Errorf("Session = %+v, want 1000/12h", cfg.Session)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: "9000"
backend:
  base_url: "http://backend:8000"
  upload_timeout: 45s
upload:
  quota: 5
compression:
  quality: 0.6
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("INTAKE_UPLOAD_WORKERS", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != "9000" {
		t.Errorf("Server.Port = %q, want 9000", cfg.Server.Port)
	}
	if cfg.Backend.BaseURL != "http://backend:8000" {
		t.Errorf("Backend.BaseURL = %q", cfg.Backend.BaseURL)
	}
	if cfg.Backend.UploadTimeout != 45*time.Second {
		t.Errorf("UploadTimeout = %v, want 45s", cfg.Backend.UploadTimeout)
	}
	if cfg.Upload.Quota != 5 {
		t.Errorf("Upload.Quota = %d, want 5", cfg.Upload.Quota)
	}
	if cfg.Upload.Workers != 3 {
		t.Errorf("Upload.Workers = %d, want 3 from env", cfg.Upload.Workers)
	}
	if cfg.Compression.Quality != 0.6 {
		t.Errorf("Compression.Quality = %v, want 0.6", cfg.Compression.Quality)
	}
}

func TestLoadRejectsInvalidQuota(t *testing.T) {
	t.Setenv("INTAKE_UPLOAD_QUOTA", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for zero quota")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
