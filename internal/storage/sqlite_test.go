package storage

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateDecision(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.CreateDecision(Decision{
		ID:        id,
		Title:     "Laptop choice",
		Goal:      "pick a laptop",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateDecision: %v", err)
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestDecisionLifecycle(t *testing.T) {
	s := openTestStore(t)
	mustCreateDecision(t, s, "d1")

	d, err := s.GetDecision("d1")
	if err != nil {
		t.Fatalf("GetDecision: %v", err)
	}
	if d.Status != StatusActive {
		t.Errorf("status = %q, want %q", d.Status, StatusActive)
	}
	if !d.CompletedAt.IsZero() {
		t.Errorf("CompletedAt should be zero before completion")
	}

	done := time.Now()
	if err := s.MarkDecisionCompleted("d1", done); err != nil {
		t.Fatalf("MarkDecisionCompleted: %v", err)
	}
	d, err = s.GetDecision("d1")
	if err != nil {
		t.Fatalf("GetDecision after completion: %v", err)
	}
	if d.Status != StatusCompleted || d.CompletedAt.IsZero() {
		t.Errorf("completion not recorded: status=%q completed_at=%v", d.Status, d.CompletedAt)
	}

	// Completing an already-completed decision is ErrNotFound.
	if err := s.MarkDecisionCompleted("d1", done); !errors.Is(err, ErrNotFound) {
		t.Errorf("second MarkDecisionCompleted = %v, want ErrNotFound", err)
	}
}

func TestStateGetBeforeWriteIsNotFound(t *testing.T) {
	s := openTestStore(t)
	mustCreateDecision(t, s, "d1")

	if _, err := s.GetState("d1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetState before write = %v, want ErrNotFound", err)
	}
}

func TestStateReplaceOverwrites(t *testing.T) {
	s := openTestStore(t)
	mustCreateDecision(t, s, "d1")

	if err := s.ReplaceState("d1", []byte(`{"stage":"intake"}`)); err != nil {
		t.Fatalf("first ReplaceState: %v", err)
	}
	if err := s.ReplaceState("d1", []byte(`{"stage":"research"}`)); err != nil {
		t.Fatalf("second ReplaceState: %v", err)
	}

	raw, err := s.GetState("d1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if string(raw) != `{"stage":"research"}` {
		t.Errorf("state = %s, want replaced value", raw)
	}
}

func TestMessagesOrderedByInsertion(t *testing.T) {
	s := openTestStore(t)
	mustCreateDecision(t, s, "d1")

	// Same created_at on purpose: ordering must come from insertion, not time.
	at := time.Now()
	for i, content := range []string{"first", "second", "third"} {
		err := s.AppendMessage(Message{
			ID:         "m" + string(rune('1'+i)),
			DecisionID: "d1",
			Role:       "user",
			Content:    content,
			CreatedAt:  at,
		})
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	msgs, err := s.ListMessages("d1", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, want := range []string{"first", "second", "third"} {
		if msgs[i].Content != want {
			t.Errorf("message %d = %q, want %q", i, msgs[i].Content, want)
		}
	}
}

func TestSourcesDedupedByURL(t *testing.T) {
	s := openTestStore(t)
	mustCreateDecision(t, s, "d1")

	base := time.Now()
	src := Source{ID: "s1", DecisionID: "d1", Title: "", URL: "https://example.gov/report", FetchedAt: base}
	if err := s.UpsertSource(src); err != nil {
		t.Fatalf("UpsertSource: %v", err)
	}

	// Same URL again with a title and a later timestamp.
	src.ID = "s2"
	src.Title = "Annual report"
	src.FetchedAt = base.Add(time.Minute)
	if err := s.UpsertSource(src); err != nil {
		t.Fatalf("UpsertSource (dup): %v", err)
	}

	sources, err := s.ListSources("d1")
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(sources) != 1 {
		t.Fatalf("got %d sources, want 1 after dedup", len(sources))
	}
	if sources[0].Title != "Annual report" {
		t.Errorf("title not refreshed: %q", sources[0].Title)
	}
}

func TestSourcesCappedAtTen(t *testing.T) {
	s := openTestStore(t)
	mustCreateDecision(t, s, "d1")

	base := time.Now()
	for i := 0; i < 14; i++ {
		err := s.UpsertSource(Source{
			ID:         "s" + string(rune('a'+i)),
			DecisionID: "d1",
			URL:        "https://example.com/page" + string(rune('a'+i)),
			FetchedAt:  base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("UpsertSource %d: %v", i, err)
		}
	}

	sources, err := s.ListSources("d1")
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(sources) != 10 {
		t.Fatalf("got %d sources, want 10 (most recent)", len(sources))
	}
	// Most recent first.
	if !sources[0].FetchedAt.After(sources[9].FetchedAt) {
		t.Errorf("sources not ordered most recent first")
	}
}

func TestCompletedRecordRoundTrip(t *testing.T) {
	s := openTestStore(t)
	mustCreateDecision(t, s, "d1")

	rec := CompletedRecord{
		ID:                "r1",
		DecisionID:        "d1",
		Title:             "Laptop Choice",
		UserGoal:          "pick a laptop for travel",
		Constraints:       []string{"budget under 2000", "under 1.5kg"},
		OptionsConsidered: []OptionConsidered{{Option: "ThinkPad X1", Pros: []string{"light"}, Cons: []string{"price"}}},
		RecommendedOption: "ThinkPad X1",
		Rationale:         "best weight/battery tradeoff",
		Confidence:        "high",
		Sources:           []string{"https://example.org/review"},
		Outcome:           "",
		SearchBlob:        strings.ToLower("Laptop Choice pick a laptop for travel ThinkPad X1 best weight/battery tradeoff"),
		CreatedAt:         time.Now(),
	}
	if err := s.SaveCompletedRecord(rec); err != nil {
		t.Fatalf("SaveCompletedRecord: %v", err)
	}

	got, err := s.GetCompletedRecord("d1")
	if err != nil {
		t.Fatalf("GetCompletedRecord: %v", err)
	}

	if got.Title != rec.Title || got.UserGoal != rec.UserGoal ||
		got.RecommendedOption != rec.RecommendedOption || got.Rationale != rec.Rationale ||
		got.Confidence != rec.Confidence {
		t.Errorf("scalar fields not preserved: %+v", got)
	}
	if len(got.Constraints) != 2 || got.Constraints[0] != "budget under 2000" {
		t.Errorf("constraints not preserved: %v", got.Constraints)
	}
	if len(got.OptionsConsidered) != 1 || got.OptionsConsidered[0].Option != "ThinkPad X1" {
		t.Errorf("options not preserved: %v", got.OptionsConsidered)
	}
	if len(got.Sources) != 1 {
		t.Errorf("sources not preserved: %v", got.Sources)
	}
	if !strings.Contains(got.SearchBlob, "laptop choice") || !strings.Contains(got.SearchBlob, "thinkpad x1") {
		t.Errorf("search blob missing lowercase title/option: %q", got.SearchBlob)
	}
}

func TestSettings(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetSetting("active_decision"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSetting on empty = %v, want ErrNotFound", err)
	}
	if err := s.SetSetting("active_decision", "d1"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	v, err := s.GetSetting("active_decision")
	if err != nil || v != "d1" {
		t.Fatalf("GetSetting = %q, %v", v, err)
	}
	if err := s.DeleteSetting("active_decision"); err != nil {
		t.Fatalf("DeleteSetting: %v", err)
	}
	if _, err := s.GetSetting("active_decision"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSetting after delete = %v, want ErrNotFound", err)
	}
}
