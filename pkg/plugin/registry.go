package plugin

import (
	"github.com/cuemby/sitesync/pkg/log"
)

// Registry resolves a fetch result to the Plugin that should
// normalize it: a deterministic capability match (Matches) over every
// registered plugin, followed by a fallback to a declared default
// plugin (spec.md §9 "Dynamic plugin dispatch"). Built-in plugins are
// registered before any host-discovered ones, and a failing discovered
// Factory is logged and skipped rather than aborting registry
// construction.
type Registry struct {
	plugins       []Plugin
	defaultPlugin Plugin
}

// NewRegistry builds a Registry from builtins (registered first, in
// order) and discovered (name, factory) pairs, both tried by capability
// match in Select. defaultPlugin, if non-nil, is returned only when no
// registered plugin's Matches claims the result — it must not also
// appear in builtins/discovered with a Matches that returns true
// unconditionally, or it would shadow every other plugin. A Factory
// that returns an error is logged and excluded; it does not prevent
// the remaining factories from running.
func NewRegistry(builtins []Plugin, discovered map[string]Factory, defaultPlugin Plugin) *Registry {
	r := &Registry{plugins: append([]Plugin(nil), builtins...), defaultPlugin: defaultPlugin}

	for name, factory := range discovered {
		p, err := factory()
		if err != nil {
			log.WithComponent("plugin").Warn().Err(err).Str("plugin", name).Msg("discovered plugin failed to load")
			continue
		}
		r.plugins = append(r.plugins, p)
	}

	return r
}

// Select returns the first registered plugin that matches assetHint
// and result, built-ins taking precedence over discovered plugins by
// registration order, falling back to the declared default plugin only
// once every registered plugin has refused.
func (r *Registry) Select(assetHint string, result *FetchResult) (Plugin, error) {
	for _, p := range r.plugins {
		if p.Matches(assetHint, result) {
			return p, nil
		}
	}
	if r.defaultPlugin != nil {
		return r.defaultPlugin, nil
	}
	return nil, ErrNoMatchingPlugin
}

// Plugins returns the registry's plugins in registration order.
func (r *Registry) Plugins() []Plugin {
	return append([]Plugin(nil), r.plugins...)
}
