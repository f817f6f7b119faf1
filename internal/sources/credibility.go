package sources

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// CredibilityConfig holds domain reputation rules.
type CredibilityConfig struct {
	TLDPatterns  []TLDRule    `yaml:"tld_patterns"`
	DomainGroups []DomainRule `yaml:"domain_groups"`
	DefaultScore float64      `yaml:"default_score"`
}

// TLDRule scores every domain ending in Suffix.
type TLDRule struct {
	Suffix string  `yaml:"suffix"`
	Score  float64 `yaml:"score"`
}

// DomainRule scores a named group of domains and their subdomains.
type DomainRule struct {
	Category string   `yaml:"category"`
	Score    float64  `yaml:"score"`
	Domains  []string `yaml:"domains"`
}

// DefaultCredibility is used when no credibility file is configured.
func DefaultCredibility() *CredibilityConfig {
	return &CredibilityConfig{
		TLDPatterns:  []TLDRule{{Suffix: ".edu", Score: 0.85}, {Suffix: ".gov", Score: 0.80}},
		DefaultScore: 0.60,
	}
}

// ParseCredibility decodes a credibility YAML document.
func ParseCredibility(data []byte) (*CredibilityConfig, error) {
	var cfg CredibilityConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse credibility rules: %w", err)
	}
	if cfg.DefaultScore <= 0 {
		cfg.DefaultScore = 0.60
	}
	return &cfg, nil
}

// Scorer scores domains. Rules can be swapped at runtime by the config watcher.
type Scorer struct {
	rules atomic.Pointer[CredibilityConfig]
}

// NewScorer returns a scorer using cfg, or the defaults when cfg is nil.
func NewScorer(cfg *CredibilityConfig) *Scorer {
	s := &Scorer{}
	if cfg == nil {
		cfg = DefaultCredibility()
	}
	s.rules.Store(cfg)
	return s
}

// LoadFile replaces the rules with the content of path.
func (s *Scorer) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read credibility rules: %w", err)
	}
	cfg, err := ParseCredibility(data)
	if err != nil {
		return err
	}
	s.rules.Store(cfg)
	return nil
}

// Replace swaps in cfg, or the defaults when cfg is nil.
func (s *Scorer) Replace(cfg *CredibilityConfig) {
	if cfg == nil {
		cfg = DefaultCredibility()
	}
	s.rules.Store(cfg)
}

// Rules returns the active rule set.
func (s *Scorer) Rules() *CredibilityConfig {
	return s.rules.Load()
}

// Score returns the credibility of a domain in [0,1].
func (s *Scorer) Score(domain string) float64 {
	cfg := s.rules.Load()
	domain = strings.ToLower(domain)
	for _, p := range cfg.TLDPatterns {
		if strings.HasSuffix(domain, p.Suffix) {
			return p.Score
		}
	}
	for _, g := range cfg.DomainGroups {
		for _, known := range g.Domains {
			known = strings.ToLower(known)
			if domain == known || strings.HasSuffix(domain, "."+known) {
				return g.Score
			}
		}
	}
	return cfg.DefaultScore
}
