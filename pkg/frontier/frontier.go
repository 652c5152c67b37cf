// Package frontier implements the Frontier Filter: the pure,
// side-effect-free decision of whether a discovered URL may be
// admitted to the crawl (spec.md §4.3). The only mutable state it
// carries is the set of runtime deny rules the Executor's deny-rule
// channel consumer merges in as auth-redirects are discovered; every
// admission decision itself is a pure function of that snapshot.
package frontier

import (
	"net/url"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cuemby/sitesync/pkg/config"
)

// Decision is the Frontier Filter's verdict for a candidate URL.
type Decision int

const (
	Enqueue Decision = iota
	Drop
)

// domainRules is the mutable, guarded view of one domain's allow/deny
// globs: the profile's static rules plus any runtime-added deny globs.
type domainRules struct {
	allowPaths []string
	denyPaths  []string
}

// Filter evaluates discovered URLs against a SourceProfile's domain
// rules and max depth. A single Filter instance is shared by all
// workers processing one run; runtime deny rules added by
// AddRuntimeDenyRule become visible to every subsequent Allow call.
type Filter struct {
	maxDepth int

	mu      sync.RWMutex
	domains map[string]domainRules
}

// New builds a Filter from a SourceProfile's static allow/deny rules.
func New(profile *config.SourceProfile) *Filter {
	domains := make(map[string]domainRules, len(profile.AllowedDomains))
	for host, rules := range profile.AllowedDomains {
		domains[host] = domainRules{
			allowPaths: append([]string(nil), rules.AllowPaths...),
			denyPaths:  append([]string(nil), rules.DenyPaths...),
		}
	}
	return &Filter{
		maxDepth: profile.MaxDepth,
		domains:  domains,
	}
}

// AddRuntimeDenyRule merges a new deny glob into host's rule set for
// the remainder of the run. Safe for concurrent use with Allow.
func (f *Filter) AddRuntimeDenyRule(host, pathGlob string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rules := f.domains[host]
	rules.denyPaths = append(rules.denyPaths, pathGlob)
	f.domains[host] = rules
}

// Allow reports whether candidateURL, discovered at depth, should be
// enqueued. candidateURL must already be canonicalized.
func (f *Filter) Allow(candidateURL string, depth int) Decision {
	if depth > f.maxDepth {
		return Drop
	}

	u, err := url.Parse(candidateURL)
	if err != nil {
		return Drop
	}

	f.mu.RLock()
	rules, ok := f.domains[u.Host]
	// Copy the slices out before releasing the lock: AddRuntimeDenyRule
	// may reassign f.domains[host] concurrently, and doublestar.Match
	// does not need to run under the lock.
	allowPaths := append([]string(nil), rules.allowPaths...)
	denyPaths := append([]string(nil), rules.denyPaths...)
	f.mu.RUnlock()

	if !ok {
		return Drop
	}

	path := strings.TrimPrefix(u.Path, "/")

	for _, glob := range denyPaths {
		if matchesPath(glob, path) {
			return Drop
		}
	}

	if len(allowPaths) == 0 {
		return Enqueue
	}
	for _, glob := range allowPaths {
		if matchesPath(glob, path) {
			return Enqueue
		}
	}
	return Drop
}

// matchesPath matches path against glob using doublestar segment
// semantics: "*" matches exactly one path segment, "**" matches zero
// or more. Leading slashes are stripped from both operands so
// "/docs/**" and "docs/**" behave identically.
func matchesPath(glob, path string) bool {
	glob = strings.TrimPrefix(glob, "/")
	ok, err := doublestar.Match(glob, path)
	return err == nil && ok
}
