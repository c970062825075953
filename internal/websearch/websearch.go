// Package websearch provides the web-search capability: thin HTTP clients
// for hosted search providers, tried in configured order.
package websearch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrNotConfigured is returned when no search provider has a credential.
var ErrNotConfigured = errors.New("no search provider configured")

// searchTimeout bounds a single provider call.
const searchTimeout = 12 * time.Second

// Result is a raw search hit as returned by a provider.
type Result struct {
	Title       string
	URL         string
	Snippet     string
	PublishedAt string // provider-reported date, free-form; may be empty
	Provider    string
}

// Client performs a web search against one provider.
type Client interface {
	// Name identifies the provider in logs and result attribution.
	Name() string

	// Search returns up to limit raw results for query.
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// Multi tries its clients in order and returns the first successful
// provider's results. All failures are joined into the returned error.
type Multi struct {
	clients []Client
}

// NewMulti builds a Multi over the given clients in priority order.
func NewMulti(clients ...Client) *Multi {
	return &Multi{clients: clients}
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if len(m.clients) == 0 {
		return nil, ErrNotConfigured
	}

	var errs []error
	for _, c := range m.clients {
		results, err := c.Search(ctx, query, limit)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			continue
		}
		return results, nil
	}
	return nil, errors.Join(errs...)
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: searchTimeout}
}

func checkStatus(resp *http.Response, provider string) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	return fmt.Errorf("%s returned status %d", provider, resp.StatusCode)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 6
	}
	if limit > 20 {
		return 20
	}
	return limit
}

func trimSnippet(s string) string {
	return strings.TrimSpace(s)
}
