package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "querygrant.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), false)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.CacheDSN != DefaultCacheDSN || cfg.PageSize != DefaultPageSize {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.HTTPTimeout != DefaultHTTPTimeout || cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadFailsWhenExplicitFileMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), true); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestLoadReadsYAML(t *testing.T) {
	path := writeConfig(t, `
api_key: key_123
base_url: https://redash.example.com
group_ids: [4, 7]
cache_dsn: /var/lib/querygrant/facts.db
page_size: 50
http_timeout: 10s
log_level: debug
`)
	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.APIKey != "key_123" || cfg.BaseURL != "https://redash.example.com" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.GroupIDs, []int{4, 7}) {
		t.Fatalf("unexpected groups %v", cfg.GroupIDs)
	}
	if cfg.PageSize != 50 || cfg.HTTPTimeout != 10*time.Second || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "http_timeout: soon\n")
	if _, err := Load(path, true); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
api_key: file_key
group_ids: [4]
page_size: 50
`)
	t.Setenv("QUERYGRANT_API_KEY", "env_key")
	t.Setenv("QUERYGRANT_BASE_URL", "https://env.example.com")
	t.Setenv("QUERYGRANT_GROUP_IDS", "7, 9")
	t.Setenv("QUERYGRANT_PAGE_SIZE", "10")
	t.Setenv("QUERYGRANT_HTTP_TIMEOUT", "5s")

	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.APIKey != "env_key" || cfg.BaseURL != "https://env.example.com" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.GroupIDs, []int{7, 9}) {
		t.Fatalf("unexpected groups %v", cfg.GroupIDs)
	}
	if cfg.PageSize != 10 || cfg.HTTPTimeout != 5*time.Second {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestInvalidEnvironmentValuesAreIgnored(t *testing.T) {
	t.Setenv("QUERYGRANT_GROUP_IDS", "seven")
	t.Setenv("QUERYGRANT_PAGE_SIZE", "-3")

	cfg, err := Load("", false)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(cfg.GroupIDs) != 0 || cfg.PageSize != DefaultPageSize {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestValidateRemote(t *testing.T) {
	cfg := Default()
	if err := cfg.ValidateRemote(); err == nil {
		t.Fatalf("expected missing credentials error")
	}
	cfg.APIKey = "k"
	cfg.BaseURL = "https://redash.example.com"
	if err := cfg.ValidateRemote(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.ValidateGroups(); err == nil {
		t.Fatalf("expected missing groups error")
	}
	cfg.GroupIDs = []int{7}
	if err := cfg.ValidateGroups(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
