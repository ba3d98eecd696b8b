package fileops

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/fruitsalade/livedrive/internal/apperr"
	"github.com/fruitsalade/livedrive/internal/pathguard"
	"github.com/fruitsalade/livedrive/internal/retry"
)

// Fetcher downloads remote URLs into a directory.
type Fetcher struct {
	Client *http.Client
	Retry  retry.Config
}

// NewFetcher returns a Fetcher using client, or http.DefaultClient.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{Client: client, Retry: retry.DefaultConfig()}
}

// Fetch downloads rawURL into dir under the last segment of its path,
// taking the next free name if that exists. Transport errors and 5xx
// responses are retried.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, dir string) (string, error) {
	final, err := f.fetch(ctx, rawURL, dir)
	return final, record("fetch", err)
}

func (f *Fetcher) fetch(ctx context.Context, rawURL, dir string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", apperr.New(apperr.ErrValidation, fmt.Sprintf("invalid url %q", rawURL))
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." || !pathguard.IsSane(name) {
		name = u.Hostname()
	}

	resp, err := retry.DoWithResult(ctx, f.Retry, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.Client.Do(req)
		if err != nil {
			return nil, retry.Retryable(err)
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, retry.Retryable(fmt.Errorf("GET %s: %s", u.Redacted(), resp.Status))
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("GET %s: %s", u.Redacted(), resp.Status)
		}
		return resp, nil
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(dir, dirMode); err != nil {
		return "", fmt.Errorf("fetch into %s: %w", dir, apperr.Classify(err))
	}
	dst, err := UniquePath(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	if err := writeAtomic(dst, resp.Body, fileMode); err != nil {
		return "", err
	}
	return dst, nil
}
