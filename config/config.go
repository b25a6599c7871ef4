// Package config defines the CCOS substrate configuration schema and
// helpers for loading it from a YAML file, per SPEC_FULL.md section 10.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/ccos/runtime/catalog"
	"goa.design/ccos/runtime/security"
)

// ErrConfigNotFound is returned when the config file does not exist at the
// given path.
var ErrConfigNotFound = errors.New("ccos: config not found")

// Config is the top-level substrate configuration.
type Config struct {
	Security    SecurityConfig    `yaml:"security"`
	Marketplace MarketplaceConfig `yaml:"marketplace"`
	Store       StoreConfig       `yaml:"store"`
	AutoRepair  AutoRepairConfig  `yaml:"auto_repair"`
	Catalog     CatalogConfig     `yaml:"catalog"`
}

// CatalogConfig sets the Catalog-reuse match thresholds (spec.md section
// 4.5). Zero values fall back to catalog.DefaultThresholds.
type CatalogConfig struct {
	PlanMinScore    float64 `yaml:"plan_min_score,omitempty"`
	KeywordMinScore float64 `yaml:"keyword_min_score,omitempty"`
}

// Thresholds translates c into the runtime/catalog.Thresholds a Substrate
// expects, falling back to catalog.DefaultThresholds when c is unset.
func (c CatalogConfig) Thresholds() catalog.Thresholds {
	if c.PlanMinScore == 0 && c.KeywordMinScore == 0 {
		return catalog.DefaultThresholds()
	}
	return catalog.Thresholds{PlanMinScore: c.PlanMinScore, KeywordMinScore: c.KeywordMinScore}
}

// SecurityConfig carries the defaults a substrate applies when a caller
// does not supply an explicit SecurityContext, mirroring
// runtime/security.Context's fields.
type SecurityConfig struct {
	Level              string   `yaml:"level"`
	MaxExecutionTimeMS int64    `yaml:"max_execution_time_ms"`
	MaxMemoryBytes     int64    `yaml:"max_memory_bytes"`
	AllowedCapabilities []string `yaml:"allowed_capabilities,omitempty"`
	HTTPAllowHosts     []string `yaml:"http_allow_hosts,omitempty"`
}

// MarketplaceConfig carries provider endpoint configuration for capability
// providers that need a dial address (MCP server URLs, HTTP allow-hosts).
type MarketplaceConfig struct {
	MCPServerURLs map[string]string `yaml:"mcp_server_urls,omitempty"`
	HTTPBaseURLs  map[string]string `yaml:"http_base_urls,omitempty"`
}

// StoreBackend selects which concrete backing store a substrate wires for
// the Causal Chain and Checkpoint Archive.
type StoreBackend string

const (
	StoreBackendMemory StoreBackend = "memory"
	StoreBackendMongo  StoreBackend = "mongo"
)

// StoreConfig selects and configures the Causal Chain / Checkpoint Archive
// backend, and the Marketplace's distributed coalescing cache.
type StoreConfig struct {
	Backend    StoreBackend `yaml:"backend"`
	MongoURI   string       `yaml:"mongo_uri,omitempty"`
	MongoDB    string       `yaml:"mongo_db,omitempty"`
	RedisAddr  string       `yaml:"redis_addr,omitempty"`
}

// AutoRepairConfig bounds the Auto-Repair Loop.
type AutoRepairConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// Exists reports whether path refers to a readable file.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Load reads and validates the config at path. It returns ErrConfigNotFound
// if the file does not exist.
func Load(path string) (*Config, error) {
	exists, err := Exists(path)
	if err != nil {
		return nil, fmt.Errorf("config: checking existence: %w", err)
	}
	if !exists {
		return nil, ErrConfigNotFound
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing file: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with an all-in-memory, single-attempt-repair
// substrate's settings: no store backend beyond memory, no auto-repair
// retries, and a Standard-level security context with a 30s execution
// ceiling and no capability allow-list.
func Default() *Config {
	return &Config{
		Security: SecurityConfig{
			Level:              string(security.LevelStandard),
			MaxExecutionTimeMS: 30_000,
		},
		Store: StoreConfig{
			Backend: StoreBackendMemory,
		},
		AutoRepair: AutoRepairConfig{
			MaxAttempts: 1,
		},
	}
}

// SecurityOptions translates c into the runtime/security.Option list
// security.New expects, so a loaded Config can build the SecurityContext a
// substrate's plans run under.
func (c SecurityConfig) SecurityOptions() []security.Option {
	opts := []security.Option{security.WithLevel(security.Level(c.Level))}
	if c.MaxExecutionTimeMS > 0 {
		opts = append(opts, security.WithMaxExecutionTime(time.Duration(c.MaxExecutionTimeMS)*time.Millisecond))
	}
	if c.MaxMemoryBytes > 0 {
		opts = append(opts, security.WithMaxMemoryBytes(c.MaxMemoryBytes))
	}
	if len(c.AllowedCapabilities) > 0 {
		opts = append(opts, security.WithAllowedCapabilities(c.AllowedCapabilities...))
	}
	if len(c.HTTPAllowHosts) > 0 {
		opts = append(opts, security.WithHTTPAllowHosts(c.HTTPAllowHosts...))
	}
	return opts
}

func validate(cfg *Config) error {
	switch cfg.Store.Backend {
	case StoreBackendMemory:
	case StoreBackendMongo:
		if cfg.Store.MongoURI == "" {
			return errors.New("config: store.mongo_uri is required when store.backend is mongo")
		}
	default:
		return fmt.Errorf("config: unknown store.backend %q", cfg.Store.Backend)
	}
	if cfg.AutoRepair.MaxAttempts < 0 {
		return errors.New("config: auto_repair.max_attempts must be non-negative")
	}
	return nil
}
