// Package plugin defines the Fetcher and Plugin collaborator
// contracts consumed by pkg/worker (spec.md §6), and the closed
// Registry that resolves a task's plugin_hint or asset-type
// inference to a concrete Plugin. Normalization logic itself — what a
// given Plugin actually does with a FetchResult — is out of scope
// for the core; this package specifies only the shape each plugin
// must honor.
package plugin

import (
	"context"
	"errors"
	"time"
)

// FetchResult is what Fetcher.Fetch returns on success.
type FetchResult struct {
	FinalURL        string
	StatusCode      int
	Headers         map[string][]string
	Body            []byte
	FetchedAt       time.Time
	SessionMetadata map[string]string
}

// TransientFetchError indicates a retryable fetch failure: timeouts,
// connection resets, 5xx responses.
type TransientFetchError struct {
	URL     string
	Message string
}

func (e *TransientFetchError) Error() string {
	return "transient fetch error for " + e.URL + ": " + e.Message
}

// PermanentFetchError indicates a fetch failure retrying will not
// resolve: 4xx responses (other than an auth redirect), DNS NXDOMAIN.
type PermanentFetchError struct {
	URL     string
	Message string
}

func (e *PermanentFetchError) Error() string {
	return "permanent fetch error for " + e.URL + ": " + e.Message
}

// NormalizationError indicates a Plugin could not turn a FetchResult
// into an AssetRecord.
type NormalizationError struct {
	URL     string
	Message string
}

func (e *NormalizationError) Error() string {
	return "normalization error for " + e.URL + ": " + e.Message
}

// Fetcher retrieves the content at url. Implementations must honor
// ctx cancellation so the Worker's hard fetch timeout (and the
// Executor's cancellation broadcast) can abort an in-flight fetch.
type Fetcher interface {
	Fetch(ctx context.Context, url string, profileName string) (*FetchResult, error)
}

// AssetRecord is what Plugin.Normalize produces from a FetchResult.
type AssetRecord struct {
	AssetType         string
	CanonicalURL      string
	NormalizedPayload []byte
	RawPayloadRef     string
	Relationships     []string // canonicalized outbound links discovered in the payload
	Provenance        map[string]string
}

// Plugin normalizes one FetchResult into an AssetRecord.
type Plugin interface {
	// Name identifies the plugin for plugin_hint matching and logging.
	Name() string
	// Matches reports whether this plugin should handle result, given
	// the task's plugin_hint (empty when the task carried none, in
	// which case a plugin may infer applicability from content type).
	Matches(assetHint string, result *FetchResult) bool
	Normalize(result *FetchResult) (*AssetRecord, error)
}

// Factory constructs a Plugin, returning an error if construction
// fails (e.g. missing configuration). A single failing Factory during
// discovery must not prevent the others from loading (spec.md §6).
type Factory func() (Plugin, error)

// ErrNoMatchingPlugin is returned by Registry.Select when no
// registered plugin claims a FetchResult.
var ErrNoMatchingPlugin = errors.New("plugin: no matching plugin for fetch result")
