package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/promogate/promogate/pkg/consensus"
)

// SourceProfile is the YAML-declared trust model for the data providers:
// per-source weights, the authoritative tie-breaker, and connection
// details for the fetch client.
type SourceProfile struct {
	Name          string         `yaml:"name" json:"name"`
	Authoritative string         `yaml:"authoritative" json:"authoritative"`
	Sources       []SourceConfig `yaml:"sources" json:"sources"`
}

// SourceConfig describes one provider endpoint and its trust weight.
type SourceConfig struct {
	ID            string  `yaml:"id" json:"id"`
	BaseURL       string  `yaml:"base_url" json:"base_url"`
	Weight        float64 `yaml:"weight" json:"weight"`
	RatePerSecond float64 `yaml:"rate_per_second,omitempty" json:"rate_per_second,omitempty"`
}

// LoadSourceProfile loads and validates a source profile YAML.
func LoadSourceProfile(path string) (*SourceProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load source profile: %w", err)
	}

	var profile SourceProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse source profile %s: %w", path, err)
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("source profile %s: %w", path, err)
	}
	return &profile, nil
}

// Validate enforces the trust-model constraints: at least one source,
// weights in (0, 1], unique IDs, and an authoritative source that is
// actually declared.
func (p *SourceProfile) Validate() error {
	if len(p.Sources) == 0 {
		return fmt.Errorf("no sources declared")
	}
	seen := make(map[string]struct{}, len(p.Sources))
	for _, src := range p.Sources {
		if src.ID == "" {
			return fmt.Errorf("source with empty id")
		}
		if _, dup := seen[src.ID]; dup {
			return fmt.Errorf("duplicate source id %q", src.ID)
		}
		seen[src.ID] = struct{}{}
		if src.Weight <= 0 || src.Weight > 1 {
			return fmt.Errorf("source %q weight %v outside (0, 1]", src.ID, src.Weight)
		}
	}
	if p.Authoritative != "" {
		if _, ok := seen[p.Authoritative]; !ok {
			return fmt.Errorf("authoritative source %q not declared", p.Authoritative)
		}
	}
	return nil
}

// ConsensusProfile converts the declared trust model into the consensus
// engine's form.
func (p *SourceProfile) ConsensusProfile() consensus.Profile {
	weights := make(map[string]float64, len(p.Sources))
	for _, src := range p.Sources {
		weights[src.ID] = src.Weight
	}
	return consensus.Profile{
		Weights:       weights,
		Authoritative: p.Authoritative,
	}
}
