package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/kalambet/counsel/internal/storage"
)

const summaryJSON = `{
	"title": "Laptop for video editing",
	"userGoal": "pick a laptop for video editing under $2000",
	"constraints": ["under $2000", "16GB RAM minimum"],
	"optionsConsidered": [
		{"option": "MacBook Pro", "pros": ["battery"], "cons": ["price"]},
		{"option": "ThinkPad P1", "pros": ["ports"], "cons": ["weight"]}
	],
	"recommendedOption": "MacBook Pro",
	"rationale": "best export times in the budget",
	"confidence": "high",
	"outcome": "ordered one"
}`

func TestCompleteStructuredSummary(t *testing.T) {
	client := &scriptedClient{responses: []string{summaryJSON}}
	o, store := newHarness(t, client, nil, nil)
	d := startDecision(t, o, "pick a laptop for video editing under $2000")
	mustAppend(t, o, d.ID, "user", "pick a laptop for video editing under $2000")
	if err := store.UpsertSource(storage.Source{ID: "s1", DecisionID: d.ID, Title: "Review", URL: "https://example.org/review"}); err != nil {
		t.Fatalf("UpsertSource: %v", err)
	}

	record, err := o.Complete(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if record.Title != "Laptop for video editing" {
		t.Errorf("title = %q", record.Title)
	}
	if record.RecommendedOption != "MacBook Pro" {
		t.Errorf("recommendedOption = %q", record.RecommendedOption)
	}
	if len(record.Constraints) != 2 || len(record.OptionsConsidered) != 2 {
		t.Errorf("constraints/options not carried: %+v", record)
	}
	if len(record.Sources) != 1 || record.Sources[0] != "https://example.org/review" {
		t.Errorf("sources = %v", record.Sources)
	}
	for _, want := range []string{"laptop for video editing", "macbook pro", "thinkpad p1"} {
		if !strings.Contains(record.SearchBlob, want) {
			t.Errorf("search blob missing %q: %q", want, record.SearchBlob)
		}
	}

	got, err := store.GetDecision(d.ID)
	if err != nil {
		t.Fatalf("GetDecision: %v", err)
	}
	if got.Status != storage.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if _, err := o.ActiveDecision(); err != ErrNoActiveDecision {
		t.Errorf("active pointer not cleared: %v", err)
	}
}

func TestCompleteHeuristicFallback(t *testing.T) {
	// No usable model responses: the structured and free-text attempts both
	// fail, and the heuristic summary must still produce a record.
	o, store := newHarness(t, &scriptedClient{}, nil, nil)
	d := startDecision(t, o, "")
	mustAppend(t, o, d.ID, "user", "Should I switch our team from Jira to Linear?")
	putState(t, store, d.ID, recommendedState())

	record, err := o.Complete(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if record.UserGoal != "Should I switch our team from Jira to Linear?" {
		t.Errorf("userGoal = %q, want first user message", record.UserGoal)
	}
	if record.RecommendedOption != "Option A" {
		t.Errorf("recommendedOption = %q, want standing recommendation", record.RecommendedOption)
	}
	if record.Confidence != "medium" {
		t.Errorf("confidence = %q", record.Confidence)
	}
	if !strings.Contains(record.SearchBlob, "option a") {
		t.Errorf("search blob missing recommendation: %q", record.SearchBlob)
	}
}

func TestCompleteHeuristicWithoutRecommendation(t *testing.T) {
	o, _ := newHarness(t, &scriptedClient{}, nil, nil)
	d := startDecision(t, o, "choose a database")

	record, err := o.Complete(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if record.RecommendedOption != "No recommendation reached" {
		t.Errorf("recommendedOption = %q", record.RecommendedOption)
	}
	if record.Confidence != "low" {
		t.Errorf("confidence = %q", record.Confidence)
	}
}

func TestCompleteFreeTextFallbackParsesJSON(t *testing.T) {
	// First (structured) response is unparsable, second is JSON wrapped in
	// prose: the free-text rung must recover it.
	client := &scriptedClient{responses: []string{
		"I cannot produce JSON right now",
		"Here is the record:\n```json\n" + summaryJSON + "\n```",
	}}
	o, _ := newHarness(t, client, nil, nil)
	d := startDecision(t, o, "pick a laptop")

	record, err := o.Complete(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if record.Title != "Laptop for video editing" {
		t.Errorf("title = %q, want parsed free-text summary", record.Title)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	client := &scriptedClient{responses: []string{summaryJSON}}
	o, _ := newHarness(t, client, nil, nil)
	d := startDecision(t, o, "pick a laptop")

	first, err := o.Complete(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	second, err := o.Complete(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second Complete produced a new record: %s vs %s", second.ID, first.ID)
	}
}

func mustAppend(t *testing.T, o *Orchestrator, decisionID, role, content string) {
	t.Helper()
	if err := o.appendMessage(decisionID, role, content); err != nil {
		t.Fatalf("appendMessage: %v", err)
	}
}
