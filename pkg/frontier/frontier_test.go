package frontier

import (
	"testing"

	"github.com/cuemby/sitesync/pkg/config"
	"github.com/stretchr/testify/assert"
)

func testProfile() *config.SourceProfile {
	return &config.SourceProfile{
		Name:     "docs",
		MaxDepth: 3,
		AllowedDomains: map[string]config.DomainRules{
			"example.com": {
				AllowPaths: []string{"docs/**"},
				DenyPaths:  []string{"docs/private/**"},
			},
			"open.example.com": {},
		},
	}
}

func TestAllowWithinAllowPath(t *testing.T) {
	f := New(testProfile())
	assert.Equal(t, Enqueue, f.Allow("https://example.com/docs/guide", 1))
}

func TestDropOutsideAllowPath(t *testing.T) {
	f := New(testProfile())
	assert.Equal(t, Drop, f.Allow("https://example.com/blog/post", 1))
}

func TestDenyAlwaysWinsOverAllow(t *testing.T) {
	f := New(testProfile())
	assert.Equal(t, Drop, f.Allow("https://example.com/docs/private/secrets", 1))
}

func TestEmptyAllowPathsAcceptsAnyPathOnDomain(t *testing.T) {
	f := New(testProfile())
	assert.Equal(t, Enqueue, f.Allow("https://open.example.com/anything", 0))
}

func TestDropsUnknownDomain(t *testing.T) {
	f := New(testProfile())
	assert.Equal(t, Drop, f.Allow("https://not-allowed.com/docs/guide", 0))
}

func TestDropsBeyondMaxDepth(t *testing.T) {
	f := New(testProfile())
	assert.Equal(t, Drop, f.Allow("https://example.com/docs/guide", 4))
}

func TestRuntimeDenyRuleAppliesImmediately(t *testing.T) {
	f := New(testProfile())
	assert.Equal(t, Enqueue, f.Allow("https://example.com/docs/auth/login", 0))

	f.AddRuntimeDenyRule("example.com", "docs/auth/**")
	assert.Equal(t, Drop, f.Allow("https://example.com/docs/auth/login", 0))
}

func TestDoubleStarMatchesNestedSegments(t *testing.T) {
	f := New(testProfile())
	assert.Equal(t, Enqueue, f.Allow("https://example.com/docs/a/b/c", 2))
}

func TestCanonicalizeStripsFragmentAndDefaultPort(t *testing.T) {
	got, err := Canonicalize("HTTPS://Example.COM:443/Docs/Guide/#section")
	assert.NoError(t, err)
	assert.Equal(t, "https://example.com/Docs/Guide", got)
}

func TestCanonicalizeKeepsRootSlash(t *testing.T) {
	got, err := Canonicalize("https://example.com/")
	assert.NoError(t, err)
	assert.Equal(t, "https://example.com/", got)
}

func TestCanonicalizeKeepsNonDefaultPort(t *testing.T) {
	got, err := Canonicalize("http://example.com:8080/docs")
	assert.NoError(t, err)
	assert.Equal(t, "http://example.com:8080/docs", got)
}
