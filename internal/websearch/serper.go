package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const defaultSerperBaseURL = "https://google.serper.dev"

// SerperClient queries the Serper Google-search API.
type SerperClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewSerperClient creates a SerperClient. baseURL may be empty to use the
// public endpoint.
func NewSerperClient(apiKey, baseURL string) *SerperClient {
	if baseURL == "" {
		baseURL = defaultSerperBaseURL
	}
	return &SerperClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: newHTTPClient(),
	}
}

func (c *SerperClient) Name() string { return "serper" }

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
		Date    string `json:"date"`
	} `json:"organic"`
}

func (c *SerperClient) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	limit = clampLimit(limit)

	body, err := json.Marshal(map[string]any{"q": query, "num": limit})
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "serper"); err != nil {
		return nil, err
	}

	var parsed serperResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	results := make([]Result, 0, len(parsed.Organic))
	for _, r := range parsed.Organic {
		if len(results) == limit {
			break
		}
		results = append(results, Result{
			Title:       strings.TrimSpace(r.Title),
			URL:         strings.TrimSpace(r.Link),
			Snippet:     trimSnippet(r.Snippet),
			PublishedAt: r.Date,
			Provider:    "serper",
		})
	}
	return results, nil
}
