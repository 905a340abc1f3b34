// Package config loads the engine configuration from YAML and validates it
// against an embedded CUE schema before anything touches the database.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// TrackBinding declares a track and the environment it targets.
type TrackBinding struct {
	ID          string `json:"id" yaml:"id"`
	Role        string `json:"role" yaml:"role"`
	Environment string `json:"environment" yaml:"environment"`
}

// Config is the validated engine configuration. The json tags drive decoding
// from the unified CUE value; the yaml tags document the on-disk spelling.
type Config struct {
	Database                string         `json:"database" yaml:"database"`
	MergePolicy             string         `json:"merge_policy" yaml:"merge_policy"`
	MaxExpansionHops        int            `json:"max_expansion_hops" yaml:"max_expansion_hops"`
	DriftStalenessThreshold string         `json:"drift_staleness_threshold" yaml:"drift_staleness_threshold"`
	RetrofitLagThreshold    string         `json:"retrofit_lag_threshold" yaml:"retrofit_lag_threshold"`
	ScanInterval            string         `json:"scan_interval" yaml:"scan_interval"`
	ExcludeFromExpansion    []string       `json:"exclude_from_expansion" yaml:"exclude_from_expansion"`
	Tracks                  []TrackBinding `json:"tracks" yaml:"tracks"`
}

// Load reads, validates, and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates raw YAML against the embedded schema and decodes it.
// Schema defaults (merge policy, hop bound, thresholds) are filled in from
// the unified CUE value, so zero-config fields behave consistently.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("parse config: empty document")
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}

	unified := def.Unify(ctx.Encode(raw))
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// check covers the constraints CUE cannot express conveniently: duration
// syntax and binding consistency.
func (c *Config) check() error {
	for name, s := range map[string]string{
		"drift_staleness_threshold": c.DriftStalenessThreshold,
		"retrofit_lag_threshold":    c.RetrofitLagThreshold,
		"scan_interval":             c.ScanInterval,
	} {
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("invalid config: %s: %w", name, err)
		}
	}

	seen := make(map[string]bool, len(c.Tracks))
	envRole := make(map[[2]string]bool)
	for _, t := range c.Tracks {
		if seen[t.ID] {
			return fmt.Errorf("invalid config: duplicate track id %q", t.ID)
		}
		seen[t.ID] = true
		key := [2]string{t.Environment, t.Role}
		if envRole[key] {
			return fmt.Errorf("invalid config: environment %q bound to two %s tracks", t.Environment, t.Role)
		}
		envRole[key] = true
	}
	return nil
}

// StalenessThreshold returns the parsed drift staleness threshold.
func (c *Config) StalenessThreshold() time.Duration {
	return mustDuration(c.DriftStalenessThreshold)
}

// LagThreshold returns the parsed retrofit lag threshold.
func (c *Config) LagThreshold() time.Duration {
	return mustDuration(c.RetrofitLagThreshold)
}

// ScanPeriod returns the parsed scheduled-scan interval.
func (c *Config) ScanPeriod() time.Duration {
	return mustDuration(c.ScanInterval)
}

// mustDuration is safe after check() has run.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("unvalidated duration %q: %v", s, err))
	}
	return d
}
