// Package ranking deduplicates and orders raw search results by static
// signals: input position, recency, domain trust, and snippet richness.
package ranking

import (
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/counsel/internal/websearch"
)

// Ranked is a raw search hit annotated with its score and 1-based rank.
// Produced fresh per ranking call; never persisted.
type Ranked struct {
	websearch.Result
	Score int
	Rank  int
}

// domainBonuses maps a hostname's top-level label to a fixed trust bonus.
var domainBonuses = map[string]int{
	"gov": 8,
	"edu": 6,
	"org": 4,
}

// publishedLayouts covers the date shapes search providers actually return.
var publishedLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
}

// Rank deduplicates results by trimmed URL (first occurrence wins, empty
// URLs dropped), scores each survivor, and returns them sorted by score
// descending. Equal scores keep their relative input order.
func Rank(results []websearch.Result, now time.Time) []Ranked {
	seen := make(map[string]bool, len(results))
	ranked := make([]Ranked, 0, len(results))

	for i, r := range results {
		u := strings.TrimSpace(r.URL)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		r.URL = u
		ranked = append(ranked, Ranked{
			Result: r,
			Score:  score(r, i, now),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})

	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

func score(r websearch.Result, originalIndex int, now time.Time) int {
	s := 14 - originalIndex
	if s < 0 {
		s = 0
	}
	s += recencyBonus(r.PublishedAt, now)
	s += domainBonus(r.URL)
	s += snippetSignal(r.Snippet)
	return s
}

// recencyBonus rewards recently published results. Unparsable dates score 0.
func recencyBonus(published string, now time.Time) int {
	published = strings.TrimSpace(published)
	if published == "" {
		return 0
	}

	var t time.Time
	var err error
	for _, layout := range publishedLayouts {
		t, err = time.Parse(layout, published)
		if err == nil {
			break
		}
	}
	if err != nil {
		return 0
	}

	age := now.Sub(t)
	switch {
	case age <= 7*24*time.Hour:
		return 10
	case age <= 30*24*time.Hour:
		return 6
	case age <= 120*24*time.Hour:
		return 3
	default:
		return 0
	}
}

// domainBonus scores trust by the hostname's top-level label. Malformed
// URLs score 0 rather than failing the ranking pass.
func domainBonus(rawURL string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return 0
	}
	labels := strings.Split(host, ".")
	return domainBonuses[labels[len(labels)-1]]
}

func snippetSignal(snippet string) int {
	s := len(snippet) / 120
	if s > 5 {
		return 5
	}
	return s
}
