// Package memory searches prior completed decisions by relevance to a
// free-text query, using each record's lowercase search blob.
package memory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/counsel/internal/storage"
)

// maxSnippets caps how many prior decisions a search returns.
const maxSnippets = 3

// scanLimit bounds how many records one search considers.
const scanLimit = 200

// RecordLister abstracts the store for testing.
type RecordLister interface {
	ListCompletedRecords(limit int) ([]storage.CompletedRecord, error)
}

// Snippet is one prior-decision match.
type Snippet struct {
	Title             string `json:"title"`
	RecommendedOption string `json:"recommended_option"`
	Rationale         string `json:"rationale"`
	Confidence        string `json:"confidence"`
	Score             int    `json:"score"`
}

// Searcher ranks completed decision records against a query by token
// overlap with the search blob.
type Searcher struct {
	store RecordLister
}

// New creates a Searcher over the given record store.
func New(store RecordLister) *Searcher {
	return &Searcher{store: store}
}

// Search returns up to 3 prior-decision snippets relevant to query, most
// relevant first. An empty query or no overlap yields no results.
func (s *Searcher) Search(query string) ([]Snippet, error) {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	records, err := s.store.ListCompletedRecords(scanLimit)
	if err != nil {
		return nil, fmt.Errorf("listing completed records: %w", err)
	}

	var matches []Snippet
	for _, r := range records {
		score := overlap(tokens, r.SearchBlob)
		if score == 0 {
			continue
		}
		matches = append(matches, Snippet{
			Title:             r.Title,
			RecommendedOption: r.RecommendedOption,
			Rationale:         r.Rationale,
			Confidence:        r.Confidence,
			Score:             score,
		})
	}

	// Records arrive most recent first; stable sort keeps recency as the
	// tiebreaker.
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	if len(matches) > maxSnippets {
		matches = matches[:maxSnippets]
	}
	return matches, nil
}

// tokenize lowercases the query and keeps distinct words of 3+ characters.
func tokenize(query string) []string {
	seen := make(map[string]bool)
	var tokens []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,;:!?()[]\"'")
		if len(w) < 3 || seen[w] {
			continue
		}
		seen[w] = true
		tokens = append(tokens, w)
	}
	return tokens
}

func overlap(tokens []string, blob string) int {
	score := 0
	for _, t := range tokens {
		if strings.Contains(blob, t) {
			score++
		}
	}
	return score
}
