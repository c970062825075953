// Package webfetch retrieves pages for evidence gathering and extracts
// readable text from HTML, PDF, or plain-text responses.
package webfetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
)

const (
	fetchTimeout  = 15 * time.Second
	maxFetchBytes = 5 << 20 // 5MB

	// maxTextLen caps extracted text per document.
	maxTextLen = 40_000

	userAgent = "counsel/1.0 (+decision research)"
)

// Extraction methods reported in Document.Method.
const (
	MethodHTML  = "html"
	MethodPDF   = "pdf"
	MethodPlain = "plain"
)

// Document is the extracted textual content of a fetched URL.
type Document struct {
	URL    string
	Title  string
	Text   string
	Method string // which extraction path produced Text
}

// Fetcher performs bounded single-attempt page fetches. Failures are
// non-fatal to callers; the evidence gatherer simply drops failed fetches.
type Fetcher struct {
	httpClient *http.Client
}

// New creates a Fetcher with the default timeout.
func New() *Fetcher {
	return &Fetcher{httpClient: &http.Client{Timeout: fetchTimeout}}
}

// Fetch retrieves a URL and extracts its readable text.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Document{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf,text/plain;q=0.8,*/*;q=0.5")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Document{}, fmt.Errorf("fetching %s: status %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return Document{}, fmt.Errorf("reading %s: %w", rawURL, err)
	}

	contentType := resp.Header.Get("Content-Type")
	doc, err := extract(data, contentType)
	if err != nil {
		return Document{}, fmt.Errorf("extracting %s: %w", rawURL, err)
	}
	doc.URL = rawURL
	return doc, nil
}

func extract(data []byte, contentType string) (Document, error) {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "text/html"), strings.Contains(ct, "application/xhtml"):
		title, text := extractHTML(bytes.NewReader(data))
		return Document{Title: title, Text: truncate(text), Method: MethodHTML}, nil

	case strings.Contains(ct, "application/pdf"):
		text, err := extractPDF(data)
		if err != nil {
			return Document{}, err
		}
		return Document{Text: truncate(text), Method: MethodPDF}, nil

	default:
		// Sniff HTML served with a generic content type.
		if looksLikeHTML(data) {
			title, text := extractHTML(bytes.NewReader(data))
			return Document{Title: title, Text: truncate(text), Method: MethodHTML}, nil
		}
		return Document{Text: truncate(string(data)), Method: MethodPlain}, nil
	}
}

// extractPDF pulls plain text out of PDF bytes.
func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	r, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var sb strings.Builder
	if _, err := io.Copy(&sb, r); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return sb.String(), nil
}

func looksLikeHTML(data []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(data[:min(len(data), 512)]))
	return bytes.Contains(head, []byte("<html")) || bytes.Contains(head, []byte("<!doctype html"))
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxTextLen {
		return s
	}
	return s[:maxTextLen]
}
