package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"invoicegate.org/internal/ratelimit"
)

// fileConfig is the optional YAML document named by TRANSMIT_TIERS_FILE.
//
//	tiers:
//	  premium:
//	    transmissions_per_minute: 600
//	    burst_capacity: 100
//	assignments:
//	  "org:acme": premium
//	retry:
//	  default_strategy: linear
//	  default_max_retries: 5
//	  default_base_delay: 2s
type fileConfig struct {
	Tiers       map[string]ratelimit.Tier `yaml:"tiers"`
	Assignments map[string]string         `yaml:"assignments"`
	Retry       struct {
		DefaultStrategy   string `yaml:"default_strategy"`
		DefaultMaxRetries int    `yaml:"default_max_retries"`
		DefaultBaseDelay  string `yaml:"default_base_delay"`
	} `yaml:"retry"`

	baseDelay time.Duration
}

func readFile(path string) (*fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tiers file: %w", err)
	}
	return parseFile(raw)
}

func parseFile(raw []byte) (*fileConfig, error) {
	fc := &fileConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse tiers file: %w", err)
	}
	if fc.Retry.DefaultBaseDelay != "" {
		d, err := time.ParseDuration(fc.Retry.DefaultBaseDelay)
		if err != nil {
			return nil, fmt.Errorf("parse tiers file: retry.default_base_delay: %w", err)
		}
		fc.baseDelay = d
	}
	return fc, nil
}

// tiers merges file tiers over the built-in table. Unknown tier names,
// both as table keys and as assignment targets, are reported as errors.
func (fc *fileConfig) tiers() (map[ratelimit.TierName]ratelimit.Tier, map[string]ratelimit.TierName, []error) {
	var errs []error
	out := ratelimit.DefaultTiers()

	keys := make([]string, 0, len(fc.Tiers))
	for k := range fc.Tiers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name, err := ratelimit.ParseTier(k)
		if err != nil {
			errs = append(errs, fmt.Errorf("tiers file: %w", err))
			continue
		}
		t := fc.Tiers[k]
		t.Name = name
		if err := t.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tiers file: %w", err))
			continue
		}
		out[name] = t
	}

	assignments := make(map[string]ratelimit.TierName, len(fc.Assignments))
	for scope, tier := range fc.Assignments {
		name, err := ratelimit.ParseTier(tier)
		if err != nil {
			errs = append(errs, fmt.Errorf("tiers file: assignment %s: %w", scope, err))
			continue
		}
		assignments[scope] = name
	}
	return out, assignments, errs
}

func (fc *fileConfig) retryDefaults() (strategy string, maxRetries int, base time.Duration) {
	strategy, maxRetries, base = "exponential", 3, time.Second
	if fc.Retry.DefaultStrategy != "" {
		strategy = fc.Retry.DefaultStrategy
	}
	if fc.Retry.DefaultMaxRetries != 0 {
		maxRetries = fc.Retry.DefaultMaxRetries
	}
	if fc.baseDelay != 0 {
		base = fc.baseDelay
	}
	return strategy, maxRetries, base
}
