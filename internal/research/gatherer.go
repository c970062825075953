package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/counsel/internal/intake"
	"github.com/kalambet/counsel/internal/memory"
	"github.com/kalambet/counsel/internal/ranking"
	"github.com/kalambet/counsel/internal/storage"
	"github.com/kalambet/counsel/internal/webfetch"
	"github.com/kalambet/counsel/internal/websearch"
)

const (
	resultsPerQuery = 6
	topRankedKeep   = 8
	topRankedFetch  = 4
	maxUserURLs     = 4
	maxFetches      = 6
	fetchParallel   = 3

	// maxEvidenceLen bounds the assembled evidence block to keep prompts
	// within budget.
	maxEvidenceLen = 30_000

	snippetTruncate = 280
	extractTruncate = 4_000
)

// Evidence-sufficiency thresholds: enough distinct ranked URLs, or enough
// successfully fetched documents.
const (
	minRankedURLs  = 3
	minFetchedDocs = 2
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"'\)\]]+`)

// SourceStore persists sources found during gathering.
type SourceStore interface {
	UpsertSource(src storage.Source) error
}

// MemorySearcher looks up prior completed decisions.
type MemorySearcher interface {
	Search(query string) ([]memory.Snippet, error)
}

// PageFetcher retrieves and extracts one URL.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (webfetch.Document, error)
}

// Citation is a compact source reference for the final reply.
type Citation struct {
	Title string
	URL   string
}

// Bundle is the outcome of one evidence-gathering pass.
type Bundle struct {
	Provider    string // provider that produced the query plan
	Queries     []string
	Evidence    string
	Citations   []Citation
	Sufficient  bool
	Warnings    []string
	RankedURLs  int
	FetchedDocs int
}

// Gatherer runs the research pass: plan, search, rank, persist, fetch,
// recall, assemble.
type Gatherer struct {
	planner *Planner
	search  websearch.Client
	fetcher PageFetcher
	memory  MemorySearcher
	sources SourceStore
	now     func() time.Time
}

// NewGatherer wires a Gatherer. now may be nil for time.Now.
func NewGatherer(planner *Planner, search websearch.Client, fetcher PageFetcher, mem MemorySearcher, sources SourceStore, now func() time.Time) *Gatherer {
	if now == nil {
		now = time.Now
	}
	return &Gatherer{
		planner: planner,
		search:  search,
		fetcher: fetcher,
		memory:  mem,
		sources: sources,
		now:     now,
	}
}

// Gather executes a full research pass for a decision. Individual search
// and fetch failures are collected as warnings, never fatal; the sufficiency
// flag tells the caller whether synthesis should be attempted this turn.
func (g *Gatherer) Gather(ctx context.Context, decisionID string, in intake.Intake, latestUserText string) (Bundle, error) {
	queries, planProvider := g.planner.Plan(ctx, in, latestUserText)
	if len(queries) > maxQueries {
		queries = queries[:maxQueries]
	}

	var bundle Bundle
	bundle.Provider = planProvider
	bundle.Queries = queries

	// Search fan-out: one failed query never aborts the pass.
	var all []websearch.Result
	for _, q := range queries {
		results, err := g.search.Search(ctx, q, resultsPerQuery)
		if err != nil {
			bundle.Warnings = append(bundle.Warnings, fmt.Sprintf("search %q failed: %v", q, err))
			continue
		}
		all = append(all, results...)
	}

	ranked := ranking.Rank(all, g.now())
	bundle.RankedURLs = len(ranked)
	topRanked := ranked
	if len(topRanked) > topRankedKeep {
		topRanked = topRanked[:topRankedKeep]
	}

	userURLs := extractUserURLs(latestUserText)

	// Persist ranked and user-provided sources.
	for _, r := range topRanked {
		g.persistSource(decisionID, r.Title, r.URL, false)
		bundle.Citations = append(bundle.Citations, Citation{Title: r.Title, URL: r.URL})
	}
	for _, u := range userURLs {
		g.persistSource(decisionID, "", u, true)
		bundle.Citations = append(bundle.Citations, Citation{URL: u})
	}

	docs := g.fetchAll(ctx, fetchTargets(topRanked, userURLs))
	bundle.FetchedDocs = len(docs)

	// Prior-decision memory.
	var snippets []memory.Snippet
	memoryQuery := strings.TrimSpace(in.Goal + " " + in.OptionsScope)
	if memoryQuery != "" {
		var err error
		snippets, err = g.memory.Search(memoryQuery)
		if err != nil {
			slog.Warn("memory search failed", "error", err)
			snippets = nil
		}
	}

	bundle.Evidence = assembleEvidence(g.now(), in, queries, topRanked, docs, snippets, bundle.Warnings)
	bundle.Sufficient = bundle.RankedURLs >= minRankedURLs || bundle.FetchedDocs >= minFetchedDocs
	return bundle, nil
}

func (g *Gatherer) persistSource(decisionID, title, url string, userProvided bool) {
	err := g.sources.UpsertSource(storage.Source{
		ID:           uuid.NewString(),
		DecisionID:   decisionID,
		Title:        title,
		URL:          url,
		UserProvided: userProvided,
		FetchedAt:    g.now(),
	})
	if err != nil {
		slog.Warn("persisting source failed", "url", url, "error", err)
	}
}

// fetchTargets picks the top 4 ranked URLs plus user-provided URLs, capped
// at 6 total, deduplicated.
func fetchTargets(topRanked []ranking.Ranked, userURLs []string) []string {
	seen := make(map[string]bool)
	var targets []string
	add := func(u string) {
		if u == "" || seen[u] || len(targets) == maxFetches {
			return
		}
		seen[u] = true
		targets = append(targets, u)
	}
	for i, r := range topRanked {
		if i == topRankedFetch {
			break
		}
		add(r.URL)
	}
	for _, u := range userURLs {
		add(u)
	}
	return targets
}

// fetchAll retrieves targets concurrently. A failed fetch is dropped, not
// retried; successful documents keep target order.
func (g *Gatherer) fetchAll(ctx context.Context, targets []string) []webfetch.Document {
	var mu sync.Mutex
	docs := make(map[string]webfetch.Document, len(targets))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(fetchParallel)
	for _, target := range targets {
		eg.Go(func() error {
			doc, err := g.fetcher.Fetch(ctx, target)
			if err != nil {
				slog.Debug("page fetch failed, dropping", "url", target, "error", err)
				return nil
			}
			mu.Lock()
			docs[target] = doc
			mu.Unlock()
			return nil
		})
	}
	eg.Wait() // goroutines never return errors

	ordered := make([]webfetch.Document, 0, len(docs))
	for _, target := range targets {
		if doc, ok := docs[target]; ok {
			ordered = append(ordered, doc)
		}
	}
	return ordered
}

// extractUserURLs pulls the first 4 distinct URLs the user pasted.
func extractUserURLs(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	seen := make(map[string]bool, len(matches))
	var urls []string
	for _, m := range matches {
		m = strings.TrimRight(m, ".,;")
		if seen[m] {
			continue
		}
		seen[m] = true
		urls = append(urls, m)
		if len(urls) == maxUserURLs {
			break
		}
	}
	return urls
}

func assembleEvidence(now time.Time, in intake.Intake, queries []string, topRanked []ranking.Ranked, docs []webfetch.Document, snippets []memory.Snippet, warnings []string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Current time: %s\n\n", now.UTC().Format(time.RFC3339))

	intakeJSON, err := json.MarshalIndent(in, "", "  ")
	if err == nil {
		fmt.Fprintf(&sb, "Intake:\n%s\n\n", intakeJSON)
	}

	fmt.Fprintf(&sb, "Queries used:\n")
	for _, q := range queries {
		fmt.Fprintf(&sb, "- %s\n", q)
	}
	sb.WriteString("\n")

	if len(topRanked) > 0 {
		sb.WriteString("Top search results:\n")
		for _, r := range topRanked {
			fmt.Fprintf(&sb, "[S%d] %s\n%s\n", r.Rank, r.Title, r.URL)
			if r.PublishedAt != "" {
				fmt.Fprintf(&sb, "Published: %s\n", r.PublishedAt)
			}
			if r.Snippet != "" {
				fmt.Fprintf(&sb, "%s\n", truncateTo(r.Snippet, snippetTruncate))
			}
			sb.WriteString("\n")
		}
	}

	if len(docs) > 0 {
		sb.WriteString("Fetched page extracts:\n")
		for _, d := range docs {
			title := d.Title
			if title == "" {
				title = d.URL
			}
			fmt.Fprintf(&sb, "--- %s (%s)\n%s\n\n", title, d.URL, truncateTo(d.Text, extractTruncate))
		}
	}

	if len(snippets) > 0 {
		sb.WriteString("Relevant prior decisions:\n")
		for _, s := range snippets {
			fmt.Fprintf(&sb, "- %s — recommended %q (%s): %s\n", s.Title, s.RecommendedOption, s.Confidence, truncateTo(s.Rationale, snippetTruncate))
		}
		sb.WriteString("\n")
	}

	if len(warnings) > 0 {
		sb.WriteString("Search warnings:\n")
		for _, w := range warnings {
			fmt.Fprintf(&sb, "- %s\n", w)
		}
	}

	return truncateTo(sb.String(), maxEvidenceLen)
}

func truncateTo(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
