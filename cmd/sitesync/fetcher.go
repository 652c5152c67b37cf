package main

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/sitesync/pkg/config"
	"github.com/cuemby/sitesync/pkg/plugin"
)

// defaultFetcher is the thin net/http-based Fetcher the CLI wires in so
// `sitesync crawl` is runnable out of the box. spec.md §1 explicitly
// places fetcher implementations out of scope ("we specify only the
// Fetcher contract") — this is not the headless-browser fetcher a real
// deployment would use for JS-rendered sources, just the minimal
// reference implementation for plain HTTP sources.
type defaultFetcher struct {
	client *http.Client
}

func newDefaultFetcher(crawler config.Crawler) *defaultFetcher {
	return &defaultFetcher{client: &http.Client{
		Timeout: crawler.FetchTimeout(),
	}}
}

func (f *defaultFetcher) Fetch(ctx context.Context, url string, profileName string) (*plugin.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &plugin.PermanentFetchError{URL: url, Message: err.Error()}
	}
	req.Header.Set("User-Agent", "sitesync/1.0 (+https://github.com/cuemby/sitesync)")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &plugin.TransientFetchError{URL: url, Message: "fetch timeout"}
		}
		return nil, &plugin.TransientFetchError{URL: url, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &plugin.TransientFetchError{URL: url, Message: err.Error()}
	}

	if resp.StatusCode >= 500 {
		return nil, &plugin.TransientFetchError{URL: url, Message: resp.Status}
	}
	if resp.StatusCode >= 400 {
		return nil, &plugin.PermanentFetchError{URL: url, Message: resp.Status}
	}

	return &plugin.FetchResult{
		FinalURL:   resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Headers:    map[string][]string(resp.Header),
		Body:       body,
		FetchedAt:  time.Now(),
	}, nil
}
