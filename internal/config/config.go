// Package config assembles the runtime configuration from defaults, an
// optional YAML file and the environment. The result is an explicit value
// handed to constructors; nothing reads configuration globally at runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultCacheDSN    = "querygrant.db"
	DefaultPageSize    = 25
	DefaultHTTPTimeout = 30 * time.Second
	DefaultLogLevel    = "info"
)

type Config struct {
	APIKey      string
	BaseURL     string
	GroupIDs    []int
	CacheDSN    string
	PageSize    int
	HTTPTimeout time.Duration
	LogLevel    string
}

// fileConfig is the YAML shape; durations are strings ("30s") there.
type fileConfig struct {
	APIKey      string `yaml:"api_key"`
	BaseURL     string `yaml:"base_url"`
	GroupIDs    []int  `yaml:"group_ids"`
	CacheDSN    string `yaml:"cache_dsn"`
	PageSize    int    `yaml:"page_size"`
	HTTPTimeout string `yaml:"http_timeout"`
	LogLevel    string `yaml:"log_level"`
}

func Default() Config {
	return Config{
		CacheDSN:    DefaultCacheDSN,
		PageSize:    DefaultPageSize,
		HTTPTimeout: DefaultHTTPTimeout,
		LogLevel:    DefaultLogLevel,
	}
}

// Load builds the configuration: defaults, then the YAML file (required only
// when explicitly named), then environment overrides.
func Load(path string, explicit bool) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			var file fileConfig
			if err := yaml.Unmarshal(data, &file); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
			if err := file.apply(&cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
			// Default config file is optional.
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	if strings.TrimSpace(cfg.CacheDSN) == "" {
		cfg.CacheDSN = DefaultCacheDSN
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	return cfg, nil
}

func (f fileConfig) apply(cfg *Config) error {
	if strings.TrimSpace(f.APIKey) != "" {
		cfg.APIKey = strings.TrimSpace(f.APIKey)
	}
	if strings.TrimSpace(f.BaseURL) != "" {
		cfg.BaseURL = strings.TrimSpace(f.BaseURL)
	}
	if len(f.GroupIDs) > 0 {
		cfg.GroupIDs = f.GroupIDs
	}
	if strings.TrimSpace(f.CacheDSN) != "" {
		cfg.CacheDSN = strings.TrimSpace(f.CacheDSN)
	}
	if f.PageSize > 0 {
		cfg.PageSize = f.PageSize
	}
	if strings.TrimSpace(f.LogLevel) != "" {
		cfg.LogLevel = strings.TrimSpace(f.LogLevel)
	}
	if raw := strings.TrimSpace(f.HTTPTimeout); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("http_timeout: %w", err)
		}
		cfg.HTTPTimeout = timeout
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("QUERYGRANT_API_KEY")); v != "" {
		cfg.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("QUERYGRANT_BASE_URL")); v != "" {
		cfg.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("QUERYGRANT_CACHE_DSN")); v != "" {
		cfg.CacheDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("QUERYGRANT_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if ids, ok := parseGroupIDs(os.Getenv("QUERYGRANT_GROUP_IDS")); ok {
		cfg.GroupIDs = ids
	}
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv("QUERYGRANT_PAGE_SIZE"))); err == nil && v > 0 {
		cfg.PageSize = v
	}
	if v, err := time.ParseDuration(strings.TrimSpace(os.Getenv("QUERYGRANT_HTTP_TIMEOUT"))); err == nil && v > 0 {
		cfg.HTTPTimeout = v
	}
}

func parseGroupIDs(raw string) ([]int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	parts := strings.Split(raw, ",")
	ids := make([]int, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id <= 0 {
			return nil, false
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, false
	}
	return ids, true
}

// ValidateRemote checks the fields every remote-touching command needs.
func (c Config) ValidateRemote() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("api key is required (QUERYGRANT_API_KEY or api_key)")
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("base url is required (QUERYGRANT_BASE_URL or base_url)")
	}
	return nil
}

// ValidateGroups additionally requires at least one group id.
func (c Config) ValidateGroups() error {
	if err := c.ValidateRemote(); err != nil {
		return err
	}
	if len(c.GroupIDs) == 0 {
		return fmt.Errorf("at least one group id is required (QUERYGRANT_GROUP_IDS or group_ids)")
	}
	return nil
}
