package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const defaultBraveBaseURL = "https://api.search.brave.com/res/v1"

// BraveClient queries the Brave Web Search API.
type BraveClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewBraveClient creates a BraveClient. baseURL may be empty to use the
// public endpoint (tests point it at a local server).
func NewBraveClient(apiKey, baseURL string) *BraveClient {
	if baseURL == "" {
		baseURL = defaultBraveBaseURL
	}
	return &BraveClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: newHTTPClient(),
	}
}

func (c *BraveClient) Name() string { return "brave" }

// braveResponse mirrors the subset of the Brave response we consume.
type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			PageAge     string `json:"page_age"`
		} `json:"results"`
	} `json:"web"`
}

func (c *BraveClient) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	limit = clampLimit(limit)

	q := url.Values{}
	q.Set("q", query)
	q.Set("count", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/web/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "brave"); err != nil {
		return nil, err
	}

	var parsed braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	results := make([]Result, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		if len(results) == limit {
			break
		}
		results = append(results, Result{
			Title:       strings.TrimSpace(r.Title),
			URL:         strings.TrimSpace(r.URL),
			Snippet:     trimSnippet(r.Description),
			PublishedAt: r.PageAge,
			Provider:    "brave",
		})
	}
	return results, nil
}
