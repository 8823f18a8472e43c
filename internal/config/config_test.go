package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadLayersFileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ostatus.yaml")
	doc := `
port: 9090
federation:
  base_url: https://social.example
  fallback_hub: https://hub.example/
  max_unbatched: 10
  min_lease: 2h
`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("OSTATUS_PORT", "7070")
	t.Setenv("OSTATUS_ALLOW_NO_HUB", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 7070 {
		t.Errorf("Port = %d, want environment value 7070", cfg.Port)
	}
	f := cfg.Federation
	if f.BaseURL != "https://social.example" || f.FallbackHub != "https://hub.example/" {
		t.Errorf("file values not applied: %+v", f)
	}
	if f.MaxUnbatched != 10 {
		t.Errorf("MaxUnbatched = %d, want 10", f.MaxUnbatched)
	}
	if f.MinLease != 2*time.Hour {
		t.Errorf("MinLease = %v, want 2h", f.MinLease)
	}
	if f.BatchSize != 1000 {
		t.Errorf("BatchSize default lost: %d", f.BatchSize)
	}
	if !f.AllowNoHub {
		t.Error("AllowNoHub from environment not applied")
	}
	if err := f.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestFederationValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Federation)
	}{
		{"relative base", func(f *Federation) { f.BaseURL = "/social" }},
		{"short secret", func(f *Federation) { f.SecretLength = 4 }},
		{"inverted lease", func(f *Federation) { f.MaxLease = time.Hour }},
		{"zero batch", func(f *Federation) { f.BatchSize = 0 }},
		{"tiny key", func(f *Federation) { f.KeyBits = 256 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := DefaultFederation()
			tt.mutate(&f)
			if err := f.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestFederationURL(t *testing.T) {
	f := DefaultFederation()
	f.BaseURL = "https://social.example/"
	if got := f.URL("/main/push/hub"); got != "https://social.example/main/push/hub" {
		t.Errorf("URL = %q", got)
	}
}
