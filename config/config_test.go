package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "zero pool size",
			mutate: func(cfg *Config) {
				cfg.PoolSize = 0
			},
			wantErr: "pool size",
		},
		{
			name: "pool larger than fan-out",
			mutate: func(cfg *Config) {
				cfg.PoolSize = 16
				cfg.FanOut = 8
			},
			wantErr: "cannot exceed fan-out",
		},
		{
			name: "zero max retries",
			mutate: func(cfg *Config) {
				cfg.MaxRetries = 0
			},
			wantErr: "max retries",
		},
		{
			name: "template without placeholder",
			mutate: func(cfg *Config) {
				cfg.DetailURLTemplate = "https://example.test/item"
			},
			wantErr: "%s",
		},
		{
			name: "template without host",
			mutate: func(cfg *Config) {
				cfg.DetailURLTemplate = "/item/%s"
			},
			wantErr: "host",
		},
		{
			name: "unknown backend",
			mutate: func(cfg *Config) {
				cfg.Backend = "carrier-pigeon"
			},
			wantErr: "backend",
		},
		{
			name: "negative timeout",
			mutate: func(cfg *Config) {
				cfg.Timeout = -1 * time.Second
			},
			wantErr: "timeout",
		},
		{
			name: "backoff above max",
			mutate: func(cfg *Config) {
				cfg.RetryBackoff = 5 * time.Second
				cfg.RetryBackoffMax = time.Second
			},
			wantErr: "retry backoff",
		},
		{
			name: "unknown output format",
			mutate: func(cfg *Config) {
				cfg.OutputFormat = "xml"
			},
			wantErr: "output format",
		},
		{
			name: "page control without page number",
			mutate: func(cfg *Config) {
				cfg.Layout.PageControl = "a.next"
			},
			wantErr: "page control",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestParseOverlaysDefaults(t *testing.T) {
	doc := `
pool_size = 4
fan_out = 16
retry_backoff = "250ms"
output_format = "sqlite"

[layout]
landmark = "h1.product-title"
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.PoolSize != 4 || cfg.FanOut != 16 {
		t.Fatalf("pool=%d fan-out=%d, want 4/16", cfg.PoolSize, cfg.FanOut)
	}
	if cfg.RetryBackoff != 250*time.Millisecond {
		t.Fatalf("retry backoff = %v, want 250ms", cfg.RetryBackoff)
	}
	if cfg.OutputFormat != "sqlite" {
		t.Fatalf("output format = %q, want sqlite", cfg.OutputFormat)
	}
	if cfg.Layout.Landmark != "h1.product-title" {
		t.Fatalf("landmark = %q", cfg.Layout.Landmark)
	}
	defaults := DefaultLayout()
	if cfg.Layout.ListingAnchor != defaults.ListingAnchor {
		t.Fatalf("listing anchor = %q, want default %q", cfg.Layout.ListingAnchor, defaults.ListingAnchor)
	}
	if cfg.MaxRetries != 3 {
		t.Fatalf("max retries = %d, want default 3", cfg.MaxRetries)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestParseRejectsBadDuration(t *testing.T) {
	if _, err := Parse([]byte(`timeout = "soon"`)); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("HARVEST_TEST_INT", " 12 ")
	t.Setenv("HARVEST_TEST_BAD", "twelve")
	t.Setenv("HARVEST_TEST_DUR", "1500ms")
	t.Setenv("HARVEST_TEST_EMPTY", "  ")

	if v, ok, err := EnvInt("HARVEST_TEST_INT"); err != nil || !ok || v != 12 {
		t.Fatalf("EnvInt = %d, %v, %v", v, ok, err)
	}
	if _, _, err := EnvInt("HARVEST_TEST_BAD"); err == nil {
		t.Fatalf("expected parse error")
	}
	if v, ok, err := EnvDuration("HARVEST_TEST_DUR"); err != nil || !ok || v != 1500*time.Millisecond {
		t.Fatalf("EnvDuration = %v, %v, %v", v, ok, err)
	}
	if _, ok := EnvString("HARVEST_TEST_EMPTY"); ok {
		t.Fatalf("blank value should be treated as unset")
	}
	if _, ok, _ := EnvInt("HARVEST_TEST_UNSET_" + strings.Repeat("X", 3)); ok {
		t.Fatalf("unset key should report !ok")
	}
}

func TestParseSources(t *testing.T) {
	input := strings.Join([]string{
		"https://shop.example.test/Products?cn1=Switches&page=1",
		"",
		"# disabled category",
		"  https://shop.example.test/Products?cat=9  ",
	}, "\n")

	sources, err := ParseSources(strings.NewReader(input), "cn1")
	if err != nil {
		t.Fatalf("parse sources: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(sources))
	}
	if sources[0].Label != "Switches" {
		t.Fatalf("label = %q, want Switches", sources[0].Label)
	}
	if sources[1].Locator != "https://shop.example.test/Products?cat=9" {
		t.Fatalf("locator = %q", sources[1].Locator)
	}
	if sources[1].Label != sources[1].Locator {
		t.Fatalf("label should fall back to locator, got %q", sources[1].Label)
	}
}

func TestLoadSources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "categories.txt")
	if err := os.WriteFile(path, []byte("https://a.test/list?cn1=Cables\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	sources, err := LoadSources(path, "cn1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(sources) != 1 || sources[0].Label != "Cables" {
		t.Fatalf("unexpected sources: %+v", sources)
	}
}
