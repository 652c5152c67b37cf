package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// PassthroughPlugin is the one built-in Plugin sitesync ships: it
// treats every FetchResult's body as an opaque byte payload and
// extracts no relationships. Real normalization (HTML parsing,
// markdown conversion, asset rewriting) is outside the core's scope
// per spec.md §1 and is expected to arrive via discovered plugins;
// this builtin exists so the Worker pipeline has something to invoke
// when no discovered plugin claims a result. It is meant to be wired
// in as a Registry's default plugin, not its builtins list — its
// Matches unconditionally returns true, so registering it as a
// capability-matched plugin would shadow every discovered plugin.
type PassthroughPlugin struct{}

func NewPassthroughPlugin() *PassthroughPlugin {
	return &PassthroughPlugin{}
}

func (p *PassthroughPlugin) Name() string { return "passthrough" }

// Matches always claims the result: PassthroughPlugin is meant to be
// registered as a Registry's default, where Matches is never actually
// consulted, not as a capability-matched builtin.
func (p *PassthroughPlugin) Matches(assetHint string, result *FetchResult) bool {
	return true
}

func (p *PassthroughPlugin) Normalize(result *FetchResult) (*AssetRecord, error) {
	sum := sha256.Sum256(result.Body)
	return &AssetRecord{
		AssetType:         "raw",
		CanonicalURL:      result.FinalURL,
		NormalizedPayload: result.Body,
		RawPayloadRef:     hex.EncodeToString(sum[:]),
		Provenance: map[string]string{
			"status_code": strconv.Itoa(result.StatusCode),
		},
	}, nil
}
