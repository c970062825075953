package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/counsel/internal/intake"
	"github.com/kalambet/counsel/internal/memory"
	"github.com/kalambet/counsel/internal/provider"
	"github.com/kalambet/counsel/internal/ranking"
	"github.com/kalambet/counsel/internal/storage"
	"github.com/kalambet/counsel/internal/webfetch"
	"github.com/kalambet/counsel/internal/websearch"
)

type stubSearch struct {
	results map[string][]websearch.Result
	errs    map[string]error
	calls   []string
}

func (s *stubSearch) Name() string { return "stub" }
func (s *stubSearch) Search(ctx context.Context, query string, limit int) ([]websearch.Result, error) {
	s.calls = append(s.calls, query)
	if err, ok := s.errs[query]; ok {
		return nil, err
	}
	return s.results[query], nil
}

type stubFetcher struct {
	docs map[string]webfetch.Document
}

func (s *stubFetcher) Fetch(ctx context.Context, url string) (webfetch.Document, error) {
	if doc, ok := s.docs[url]; ok {
		return doc, nil
	}
	return webfetch.Document{}, errors.New("fetch failed")
}

type stubMemory struct {
	snippets []memory.Snippet
	queries  []string
}

func (s *stubMemory) Search(query string) ([]memory.Snippet, error) {
	s.queries = append(s.queries, query)
	return s.snippets, nil
}

type recordingSources struct {
	sources []storage.Source
}

func (r *recordingSources) UpsertSource(src storage.Source) error {
	r.sources = append(r.sources, src)
	return nil
}

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// fallbackPlanner plans without a model (empty runner → deterministic path).
func fallbackPlanner() *Planner {
	return NewPlanner(provider.NewRunner(nil))
}

func richIntake() intake.Intake {
	return intake.Intake{
		Goal:         "choose a laptop",
		OptionsScope: "thinkpad vs macbook",
		Constraints:  []string{"budget 2000"},
		Timeline:     "two weeks",
	}
}

func TestGatherInsufficientEvidence(t *testing.T) {
	// 2 distinct ranked URLs and 1 successful fetch: below both thresholds.
	search := &stubSearch{results: map[string][]websearch.Result{
		"choose a laptop latest analysis": {
			{Title: "A", URL: "https://a.example"},
			{Title: "B", URL: "https://b.example"},
		},
	}}
	fetcher := &stubFetcher{docs: map[string]webfetch.Document{
		"https://a.example": {URL: "https://a.example", Text: "content a", Method: webfetch.MethodHTML},
	}}
	sources := &recordingSources{}

	g := NewGatherer(fallbackPlanner(), search, fetcher, &stubMemory{}, sources, func() time.Time { return fixedNow })
	bundle, err := g.Gather(context.Background(), "d1", richIntake(), "")
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	if bundle.RankedURLs != 2 || bundle.FetchedDocs != 1 {
		t.Errorf("ranked=%d fetched=%d", bundle.RankedURLs, bundle.FetchedDocs)
	}
	if bundle.Sufficient {
		t.Error("2 URLs + 1 fetch must be insufficient")
	}
}

func TestGatherSufficientByRankedURLs(t *testing.T) {
	search := &stubSearch{results: map[string][]websearch.Result{
		"choose a laptop latest analysis": {
			{Title: "A", URL: "https://a.example"},
			{Title: "B", URL: "https://b.example"},
			{Title: "C", URL: "https://c.example"},
		},
	}}
	g := NewGatherer(fallbackPlanner(), search, &stubFetcher{}, &stubMemory{}, &recordingSources{}, func() time.Time { return fixedNow })

	bundle, err := g.Gather(context.Background(), "d1", richIntake(), "")
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if !bundle.Sufficient {
		t.Error("3 distinct ranked URLs should be sufficient despite zero fetches")
	}
}

func TestGatherCollectsSearchErrorsAsWarnings(t *testing.T) {
	search := &stubSearch{
		results: map[string][]websearch.Result{
			"thinkpad vs macbook comparison": {{Title: "A", URL: "https://a.example"}},
		},
		errs: map[string]error{
			"choose a laptop latest analysis": errors.New("quota exceeded"),
		},
	}
	g := NewGatherer(fallbackPlanner(), search, &stubFetcher{}, &stubMemory{}, &recordingSources{}, func() time.Time { return fixedNow })

	bundle, err := g.Gather(context.Background(), "d1", richIntake(), "")
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(bundle.Warnings) == 0 {
		t.Fatal("failed query should produce a warning")
	}
	if bundle.RankedURLs != 1 {
		t.Errorf("surviving query results should still be ranked, got %d", bundle.RankedURLs)
	}
	if !strings.Contains(bundle.Evidence, "quota exceeded") {
		t.Error("warnings should appear in the evidence block")
	}
}

func TestGatherPersistsRankedAndUserSources(t *testing.T) {
	search := &stubSearch{results: map[string][]websearch.Result{
		"choose a laptop latest analysis": {{Title: "A", URL: "https://a.example"}},
	}}
	sources := &recordingSources{}
	g := NewGatherer(fallbackPlanner(), search, &stubFetcher{}, &stubMemory{}, sources, func() time.Time { return fixedNow })

	userText := "also check https://review.example/laptops and https://review.example/laptops again"
	_, err := g.Gather(context.Background(), "d1", richIntake(), userText)
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	var rankedCount, userCount int
	for _, s := range sources.sources {
		if s.UserProvided {
			userCount++
			if s.URL != "https://review.example/laptops" {
				t.Errorf("user URL = %q", s.URL)
			}
		} else {
			rankedCount++
		}
	}
	if rankedCount != 1 {
		t.Errorf("ranked sources persisted = %d, want 1", rankedCount)
	}
	if userCount != 1 {
		t.Errorf("user sources persisted = %d, want 1 (deduplicated)", userCount)
	}
}

func TestGatherQueriesMemoryWithGoalAndScope(t *testing.T) {
	mem := &stubMemory{snippets: []memory.Snippet{
		{Title: "Prior pick", RecommendedOption: "thinkpad", Confidence: "high", Rationale: "durable"},
	}}
	g := NewGatherer(fallbackPlanner(), &stubSearch{}, &stubFetcher{}, mem, &recordingSources{}, func() time.Time { return fixedNow })

	bundle, err := g.Gather(context.Background(), "d1", richIntake(), "")
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(mem.queries) != 1 || !strings.Contains(mem.queries[0], "choose a laptop") {
		t.Errorf("memory queries = %v", mem.queries)
	}
	if !strings.Contains(bundle.Evidence, "Prior pick") {
		t.Error("prior decisions should appear in the evidence block")
	}
}

func TestGatherEvidenceCapped(t *testing.T) {
	big := strings.Repeat("verbose snippet text ", 200)
	results := make([]websearch.Result, 0, 8)
	for i := 0; i < 8; i++ {
		results = append(results, websearch.Result{
			Title:   fmt.Sprintf("R%d", i),
			URL:     fmt.Sprintf("https://r%d.example", i),
			Snippet: big,
		})
	}
	search := &stubSearch{results: map[string][]websearch.Result{
		"choose a laptop latest analysis": results,
	}}
	docs := map[string]webfetch.Document{}
	for i := 0; i < 4; i++ {
		docs[fmt.Sprintf("https://r%d.example", i)] = webfetch.Document{
			URL: fmt.Sprintf("https://r%d.example", i), Text: strings.Repeat("long body ", 3000),
		}
	}
	g := NewGatherer(fallbackPlanner(), search, &stubFetcher{docs: docs}, &stubMemory{}, &recordingSources{}, func() time.Time { return fixedNow })

	bundle, err := g.Gather(context.Background(), "d1", richIntake(), "")
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(bundle.Evidence) > 30_000 {
		t.Errorf("evidence block = %d chars, want <= 30000", len(bundle.Evidence))
	}
}

func TestExtractUserURLsFirstFourDistinct(t *testing.T) {
	text := "see https://a.example, https://b.example and https://a.example plus " +
		"https://c.example https://d.example https://e.example"
	got := extractUserURLs(text)
	if len(got) != 4 {
		t.Fatalf("got %d URLs: %v", len(got), got)
	}
	if got[0] != "https://a.example" || got[3] != "https://d.example" {
		t.Errorf("urls = %v", got)
	}
}

func TestFetchTargetsCapAndDedup(t *testing.T) {
	top := makeRanked("https://a.example", "https://b.example", "https://c.example", "https://d.example", "https://e.example")
	user := []string{"https://b.example", "https://u1.example", "https://u2.example", "https://u3.example"}

	targets := fetchTargets(top, user)
	if len(targets) != 6 {
		t.Fatalf("got %d targets, want 6 max", len(targets))
	}
	// Top 4 ranked then distinct user URLs.
	want := []string{"https://a.example", "https://b.example", "https://c.example", "https://d.example", "https://u1.example", "https://u2.example"}
	for i := range want {
		if targets[i] != want[i] {
			t.Errorf("target[%d] = %q, want %q", i, targets[i], want[i])
		}
	}
}

func makeRanked(urls ...string) []ranking.Ranked {
	out := make([]ranking.Ranked, len(urls))
	for i, u := range urls {
		out[i] = ranking.Ranked{Result: websearch.Result{URL: u}, Rank: i + 1}
	}
	return out
}
