package worker

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/sitesync/pkg/config"
	"github.com/cuemby/sitesync/pkg/events"
	"github.com/cuemby/sitesync/pkg/frontier"
	"github.com/cuemby/sitesync/pkg/plugin"
	"github.com/cuemby/sitesync/pkg/queue"
	"github.com/cuemby/sitesync/pkg/storage"
	"github.com/cuemby/sitesync/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	result *plugin.FetchResult
	err    error
	delay  time.Duration
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, profileName string) (*plugin.FetchResult, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func testHarness(t *testing.T) (*queue.Queue, storage.Store, *frontier.Filter) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q := queue.New(store, nil, queue.Config{
		MaxRetries: 3,
		LeaseTTL:   time.Minute,
		BatchSize:  10,
		Backoff: storage.BackoffConfig{
			Base: time.Second, Cap: time.Minute,
			Jitter: func() float64 { return 0 },
		},
	})

	fr := frontier.New(&config.SourceProfile{
		MaxDepth: 5,
		AllowedDomains: map[string]config.DomainRules{
			"example.com": {},
		},
	})

	return q, store, fr
}

func leaseOneTask(t *testing.T, q *queue.Queue, runID, owner string) *types.Task {
	t.Helper()
	task := &types.Task{ID: uuid.NewString(), RunID: runID, URL: "https://example.com/a", SourceName: "docs", UpdatedAt: time.Now()}
	require.NoError(t, q.Enqueue(task))
	leased, err := q.Acquire(runID, owner, time.Now())
	require.NoError(t, err)
	require.Len(t, leased, 1)
	return leased[0]
}

func TestWorkerProcessSuccessPathDiscoversLinks(t *testing.T) {
	q, store, fr := testHarness(t)
	runID := uuid.NewString()
	task := leaseOneTask(t, q, runID, "worker-1")

	fetcher := &fakeFetcher{result: &plugin.FetchResult{
		FinalURL: task.URL, StatusCode: 200, Body: []byte("<html>hi</html>"), FetchedAt: time.Now(),
	}}
	registry := plugin.NewRegistry([]plugin.Plugin{&stubNormalizer{links: []string{"https://example.com/b"}}}, nil, nil)

	w := New(Config{ID: "worker-1", LeaseTTL: time.Minute, FetchTimeout: time.Second}, q, store, fr, registry, fetcher, nil, nil)
	require.NoError(t, w.Process(context.Background(), task))

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFinished, got.Status)

	asset, err := store.GetAssetBySource("docs", task.URL)
	require.NoError(t, err)
	assert.Equal(t, "html", asset.AssetType)

	pending, _, _, _, err := store.Counts(runID)
	require.NoError(t, err)
	assert.Equal(t, 1, pending, "discovered link should be enqueued")
}

func TestWorkerProcessTransientFetchErrorRetries(t *testing.T) {
	q, store, fr := testHarness(t)
	runID := uuid.NewString()
	task := leaseOneTask(t, q, runID, "worker-1")

	fetcher := &fakeFetcher{err: &plugin.TransientFetchError{URL: task.URL, Message: "connection reset"}}
	registry := plugin.NewRegistry([]plugin.Plugin{plugin.NewPassthroughPlugin()}, nil, nil)

	w := New(Config{ID: "worker-1", LeaseTTL: time.Minute, FetchTimeout: time.Second}, q, store, fr, registry, fetcher, nil, nil)
	require.NoError(t, w.Process(context.Background(), task))

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestWorkerProcessPermanentFetchErrorRecordsException(t *testing.T) {
	q, store, fr := testHarness(t)
	runID := uuid.NewString()
	task := leaseOneTask(t, q, runID, "worker-1")

	fetcher := &fakeFetcher{err: &plugin.PermanentFetchError{URL: task.URL, Message: "404 not found"}}
	registry := plugin.NewRegistry([]plugin.Plugin{plugin.NewPassthroughPlugin()}, nil, nil)

	w := New(Config{ID: "worker-1", LeaseTTL: time.Minute, FetchTimeout: time.Second}, q, store, fr, registry, fetcher, nil, nil)
	require.NoError(t, w.Process(context.Background(), task))

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusError, got.Status)

	exceptions, err := store.ListExceptions(runID)
	require.NoError(t, err)
	require.Len(t, exceptions, 1)
	assert.Equal(t, types.ExceptionKindPermanentFetch, exceptions[0].Kind)
}

func TestWorkerProcessFetchTimeoutIsTransient(t *testing.T) {
	q, store, fr := testHarness(t)
	runID := uuid.NewString()
	task := leaseOneTask(t, q, runID, "worker-1")

	fetcher := &fakeFetcher{delay: 50 * time.Millisecond}
	registry := plugin.NewRegistry([]plugin.Plugin{plugin.NewPassthroughPlugin()}, nil, nil)

	w := New(Config{ID: "worker-1", LeaseTTL: time.Minute, FetchTimeout: 5 * time.Millisecond}, q, store, fr, registry, fetcher, nil, nil)
	require.NoError(t, w.Process(context.Background(), task))

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, got.Status)
}

func TestWorkerProcessAuthRedirectSkipsLinkDiscoveryButVersionsAsset(t *testing.T) {
	q, store, fr := testHarness(t)
	runID := uuid.NewString()
	task := leaseOneTask(t, q, runID, "worker-1")

	fetcher := &fakeFetcher{result: &plugin.FetchResult{
		FinalURL: "https://example.com/auth/login?continue=/docs/guide", StatusCode: 200, FetchedAt: time.Now(),
	}}
	registry := plugin.NewRegistry([]plugin.Plugin{&stubNormalizer{links: []string{"https://example.com/should-not-be-enqueued"}}}, nil, nil)

	denyCh := make(chan DenyRule, 2)
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	w := New(Config{ID: "worker-1", LeaseTTL: time.Minute, FetchTimeout: time.Second, AuthRedirectPrefixes: []string{"/auth"}}, q, store, fr, registry, fetcher, denyCh, broker)
	require.NoError(t, w.Process(context.Background(), task))

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFinished, got.Status)

	var rules []DenyRule
	for i := 0; i < 2; i++ {
		select {
		case rule := <-denyCh:
			rules = append(rules, rule)
		case <-time.After(time.Second):
			t.Fatalf("expected 2 deny rules on the channel, got %d", len(rules))
		}
	}
	assert.ElementsMatch(t, []DenyRule{
		{Host: "example.com", PathGlob: "/auth/**"},
		{Host: "example.com", PathGlob: "/docs/guide/**"},
	}, rules)

	pending, _, _, _, err := store.Counts(runID)
	require.NoError(t, err)
	assert.Equal(t, 0, pending, "auth redirect must not discover links")

	for _, rule := range rules {
		fr.AddRuntimeDenyRule(rule.Host, rule.PathGlob)
	}
	assert.Equal(t, frontier.Drop, fr.Allow("https://example.com/auth/login", 1),
		"a later discovery of the auth path itself must be rejected once the deny rule is merged")
}

func TestWorkerProcessReleasesOnCancellation(t *testing.T) {
	q, store, fr := testHarness(t)
	runID := uuid.NewString()
	task := leaseOneTask(t, q, runID, "worker-1")

	fetcher := &fakeFetcher{delay: time.Second}
	registry := plugin.NewRegistry([]plugin.Plugin{plugin.NewPassthroughPlugin()}, nil, nil)

	w := New(Config{ID: "worker-1", LeaseTTL: time.Minute, FetchTimeout: 5 * time.Second}, q, store, fr, registry, fetcher, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_ = w.Process(ctx, task)

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, got.Status)
	assert.Equal(t, 0, got.AttemptCount, "cancellation must not count as a retry attempt")
}

// stubNormalizer is a Plugin whose Normalize returns a fixed set of
// discovered links, for exercising Worker.discoverLinks.
type stubNormalizer struct {
	links []string
}

func (s *stubNormalizer) Name() string { return "stub" }
func (s *stubNormalizer) Matches(assetHint string, result *plugin.FetchResult) bool {
	return true
}
func (s *stubNormalizer) Normalize(result *plugin.FetchResult) (*plugin.AssetRecord, error) {
	return &plugin.AssetRecord{
		AssetType:         "html",
		CanonicalURL:      result.FinalURL,
		NormalizedPayload: result.Body,
		Relationships:     s.links,
	}, nil
}
