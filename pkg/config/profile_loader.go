package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ExecutionProfile tunes the pipeline without rebuilding. Values the
// profile leaves at zero fall back to the compiled defaults.
type ExecutionProfile struct {
	Name           string        `yaml:"name" json:"name"`
	IntentTTL      time.Duration `yaml:"intent_ttl" json:"intent_ttl"`
	SubmitTimeout  time.Duration `yaml:"submit_timeout" json:"submit_timeout"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout" json:"confirm_timeout"`
	Limiter        LimiterConfig `yaml:"limiter" json:"limiter"`
}

// LimiterConfig defines the gate's attempt token bucket.
type LimiterConfig struct {
	RatePerSec float64 `yaml:"rate_per_sec" json:"rate_per_sec"`
	Burst      int     `yaml:"burst" json:"burst"`
}

// UnmarshalYAML accepts durations in time.ParseDuration notation ("30s",
// "2m") and leaves absent fields untouched so compiled defaults survive.
func (p *ExecutionProfile) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name           string         `yaml:"name"`
		IntentTTL      string         `yaml:"intent_ttl"`
		SubmitTimeout  string         `yaml:"submit_timeout"`
		ConfirmTimeout string         `yaml:"confirm_timeout"`
		Limiter        *LimiterConfig `yaml:"limiter"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Name != "" {
		p.Name = raw.Name
	}
	if err := parseDuration(raw.IntentTTL, &p.IntentTTL); err != nil {
		return fmt.Errorf("intent_ttl: %w", err)
	}
	if err := parseDuration(raw.SubmitTimeout, &p.SubmitTimeout); err != nil {
		return fmt.Errorf("submit_timeout: %w", err)
	}
	if err := parseDuration(raw.ConfirmTimeout, &p.ConfirmTimeout); err != nil {
		return fmt.Errorf("confirm_timeout: %w", err)
	}
	if raw.Limiter != nil {
		p.Limiter = *raw.Limiter
	}
	return nil
}

func parseDuration(s string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

// DefaultProfile returns the compiled-in defaults.
func DefaultProfile() *ExecutionProfile {
	return &ExecutionProfile{
		Name:           "default",
		IntentTTL:      5 * time.Minute,
		SubmitTimeout:  30 * time.Second,
		ConfirmTimeout: 60 * time.Second,
		Limiter:        LimiterConfig{RatePerSec: 1, Burst: 5},
	}
}

// LoadProfile loads an execution profile YAML from path.
func LoadProfile(path string) (*ExecutionProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}

	profile := DefaultProfile()
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	if profile.Name == "" {
		profile.Name = "default"
	}
	return profile, nil
}
