// Package plugin is documented in plugin.go; see Fetcher, Plugin,
// and Registry for the collaborator contracts and discovery rules.
package plugin
