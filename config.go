package uow

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const defaultActivityChannel = "uow"

// ImportPolicy governs create-versus-update during import.
type ImportPolicy struct {
	// OverwriteWithServerChanges applies input values to records that
	// already exist. When false an existing record is only confirmed.
	OverwriteWithServerChanges bool `json:"overwrite_with_server_changes"`
	// IgnoreNullValueOverwrites leaves existing values untouched when the
	// input omits a field or sets it to null.
	IgnoreNullValueOverwrites bool `json:"ignore_null_value_overwrites"`
}

// DefaultImportPolicy overwrites existing records and clears fields missing
// from the input.
func DefaultImportPolicy() ImportPolicy {
	return ImportPolicy{OverwriteWithServerChanges: true}
}

// IsDefault reports whether p is the default policy. Any other policy needs
// an identity lookup to decide how to treat existing records.
func (p ImportPolicy) IsDefault() bool {
	return p == DefaultImportPolicy()
}

// Config holds manager initialization parameters. Store parameters are only
// read when the store is first opened.
type Config struct {
	StoreName       string        `json:"store_name,omitempty"`
	StoreLocation   string        `json:"store_location,omitempty"`
	Import          *ImportPolicy `json:"import,omitempty"`
	ActivityChannel string        `json:"activity_channel,omitempty"`
	ActivityEnabled *bool         `json:"activity_enabled,omitempty"`
	// PredicateEngine selects the evaluator for Where predicates: expr
	// (default), cel or js.
	PredicateEngine string `json:"predicate_engine,omitempty"`
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	policy := DefaultImportPolicy()
	enabled := true
	return Config{
		StoreName:       "default",
		Import:          &policy,
		ActivityChannel: defaultActivityChannel,
		ActivityEnabled: &enabled,
		PredicateEngine: "expr",
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source == nil {
		return
	}
	if source.StoreName != "" {
		c.StoreName = source.StoreName
	}
	if source.StoreLocation != "" {
		c.StoreLocation = source.StoreLocation
	}
	if source.Import != nil {
		policy := *source.Import
		c.Import = &policy
	}
	if source.ActivityChannel != "" {
		c.ActivityChannel = source.ActivityChannel
	}
	if source.ActivityEnabled != nil {
		enabled := *source.ActivityEnabled
		c.ActivityEnabled = &enabled
	}
	if source.PredicateEngine != "" {
		c.PredicateEngine = source.PredicateEngine
	}
}

// ImportPolicy returns the configured policy or the default.
func (c Config) ImportPolicy() ImportPolicy {
	if c.Import == nil {
		return DefaultImportPolicy()
	}
	return *c.Import
}

func (c Config) activityEnabled() bool {
	return c.ActivityEnabled == nil || *c.ActivityEnabled
}

// LoadConfig reads a JSON configuration file and merges it over
// DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("uow: read config %s: %w", path, err)
	}
	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return cfg, fmt.Errorf("uow: parse config %s: %w", path, err)
	}
	cfg.Merge(&loaded)
	cfg.StoreName = strings.TrimSpace(cfg.StoreName)
	return cfg, nil
}
