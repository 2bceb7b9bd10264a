package permit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk form of a full rule set plus engine tuning. The
// external store normally serves this data; the file form exists for
// bootstrapping, tooling and tests.
type Config struct {
	Version     uint16              `json:"version" yaml:"version"`
	Engine      EngineConfig        `json:"engine" yaml:"engine"`
	Modules     []*Module           `json:"modules" yaml:"modules"`
	Types       []*PermissionType   `json:"types" yaml:"types"`
	Conditions  []*Condition        `json:"conditions" yaml:"conditions"`
	Permissions []*Permission       `json:"permissions" yaml:"permissions"`
	Overrides   []*DirectPermission `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// EngineConfig carries resolver and cache tuning knobs.
type EngineConfig struct {
	ConditionTimeoutMS int64 `json:"condition_timeout_ms" yaml:"condition_timeout_ms"`
	AuditBufferSize    int   `json:"audit_buffer_size" yaml:"audit_buffer_size"`
	CacheNumCounters   int64 `json:"cache_num_counters" yaml:"cache_num_counters"`
	CacheMaxCost       int64 `json:"cache_max_cost" yaml:"cache_max_cost"`
	CacheBufferItems   int64 `json:"cache_buffer_items" yaml:"cache_buffer_items"`
}

// ConditionTimeout returns the configured evaluator timeout, or the default.
func (ec EngineConfig) ConditionTimeout() time.Duration {
	if ec.ConditionTimeoutMS <= 0 {
		return DefaultConditionTimeout
	}
	return time.Duration(ec.ConditionTimeoutMS) * time.Millisecond
}

// CacheConfig returns the ristretto sizing for the condition cache.
func (ec EngineConfig) CacheConfig() CacheConfig {
	return CacheConfig{
		NumCounters: ec.CacheNumCounters,
		MaxCost:     ec.CacheMaxCost,
		BufferItems: ec.CacheBufferItems,
	}
}

// RuleSet extracts the evaluable rule data.
func (c *Config) RuleSet() *RuleSet {
	return &RuleSet{
		Modules:     c.Modules,
		Types:       c.Types,
		Conditions:  c.Conditions,
		Permissions: c.Permissions,
	}
}

// ToYAML exports the config.
func (c *Config) ToYAML() ([]byte, error) { return yaml.Marshal(c) }

// ToJSON exports the config.
func (c *Config) ToJSON() ([]byte, error) { return json.MarshalIndent(c, "", "  ") }

// ConfigLoader parses rule-set files.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader { return &ConfigLoader{} }

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile dispatches on the file extension (.yaml/.yml/.json).
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return l.LoadYAML(data)
	case ".json":
		return l.LoadJSON(data)
	default:
		return nil, fmt.Errorf("unsupported config format: %s", path)
	}
}

// FileSource serves a rule set from a file, for bootstrapping and tooling.
// It re-reads the file on every LoadConfiguration, so an external
// "configuration changed" signal can simply trigger Resolver.Reload.
type FileSource struct {
	Path   string
	loader *ConfigLoader
}

func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path, loader: NewConfigLoader()}
}

func (f *FileSource) LoadConfiguration(ctx context.Context) (*RuleSet, error) {
	cfg, err := f.loader.LoadFile(f.Path)
	if err != nil {
		return nil, err
	}
	return cfg.RuleSet(), nil
}

// StaticSource serves a fixed rule set, for tests and embedded use.
type StaticSource struct {
	Rules *RuleSet
}

func (s *StaticSource) LoadConfiguration(ctx context.Context) (*RuleSet, error) {
	return s.Rules, nil
}
