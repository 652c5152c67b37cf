// Package config defines the YAML-backed configuration surface the
// crawl orchestration core consumes: per-source crawl behavior
// (parallelism, retries, timeouts, backoff) and per-domain frontier
// rules (allow/deny path globs, depth ceiling). Parsing a file from
// disk is a thin convenience used by cmd/sitesync; the core packages
// (pkg/queue, pkg/frontier, pkg/worker, pkg/executor) only ever see the
// typed structs below.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DomainRules is one domain's entry in a SourceProfile's
// allowed_domains mapping.
type DomainRules struct {
	AllowPaths []string `yaml:"allow_paths"`
	DenyPaths  []string `yaml:"deny_paths"`
}

// SourceProfile is the per-source frontier configuration: the seed
// URLs, the depth ceiling, and the domain allow/deny rule sets.
type SourceProfile struct {
	Name           string                 `yaml:"name"`
	StartURLs      []string               `yaml:"start_urls"`
	MaxDepth       int                    `yaml:"max_depth"`
	AllowedDomains map[string]DomainRules `yaml:"allowed_domains"`
	AuthPrefixes   []string               `yaml:"auth_redirect_prefixes"`
}

// Crawler is the crawler.* configuration surface from spec.md §6.
type Crawler struct {
	ParallelAgents       int     `yaml:"parallel_agents"`
	PagesPerAgent        int     `yaml:"pages_per_agent"`
	MaxRetries           int     `yaml:"max_retries"`
	FetchTimeoutSeconds  int     `yaml:"fetch_timeout_seconds"`
	LeaseTTLSeconds      int     `yaml:"lease_ttl_seconds"`
	MaxInFlight          int     `yaml:"max_in_flight"` // 0 = derive from ParallelAgents*PagesPerAgent
	BackoffBaseSeconds   float64 `yaml:"backoff_base_seconds"`
	BackoffCapSeconds    float64 `yaml:"backoff_cap_seconds"`
	JitterFraction       float64 `yaml:"jitter_fraction"`
	AuthRedirectPrefixes []string `yaml:"auth_redirect_prefixes"`
}

// DefaultCrawler returns the defaults named in spec.md §4.2/§4.5.
func DefaultCrawler() Crawler {
	return Crawler{
		ParallelAgents:      4,
		PagesPerAgent:       10,
		MaxRetries:          3,
		FetchTimeoutSeconds: 30,
		LeaseTTLSeconds:      60,
		BackoffBaseSeconds:  2,
		BackoffCapSeconds:   120,
		JitterFraction:      0.25,
	}
}

// EffectiveMaxInFlight returns the configured ceiling, or the derived
// default of ParallelAgents*PagesPerAgent when unset.
func (c Crawler) EffectiveMaxInFlight() int {
	if c.MaxInFlight > 0 {
		return c.MaxInFlight
	}
	return c.ParallelAgents * c.PagesPerAgent
}

// LeaseTTL returns LeaseTTLSeconds as a time.Duration.
func (c Crawler) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// FetchTimeout returns FetchTimeoutSeconds as a time.Duration.
func (c Crawler) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// LoadSourceProfile reads and parses a source profile YAML file.
func LoadSourceProfile(path string) (*SourceProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read source profile: %w", err)
	}
	var profile SourceProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse source profile: %w", err)
	}
	return &profile, nil
}

// LoadCrawler reads and parses a crawler config YAML file over
// DefaultCrawler: keys absent from the file keep their default values,
// while keys present in the file (even with a zero value) override them.
func LoadCrawler(path string) (*Crawler, error) {
	cfg := DefaultCrawler()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read crawler config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse crawler config: %w", err)
	}
	return &cfg, nil
}
