package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/counsel/internal/provider"
	"github.com/kalambet/counsel/internal/storage"
)

// decisionSummary is the model-produced shape of a completed record.
type decisionSummary struct {
	Title             string                     `json:"title"`
	UserGoal          string                     `json:"userGoal"`
	Constraints       []string                   `json:"constraints"`
	OptionsConsidered []storage.OptionConsidered `json:"optionsConsidered"`
	RecommendedOption string                     `json:"recommendedOption"`
	Rationale         string                     `json:"rationale"`
	Confidence        string                     `json:"confidence"`
	Outcome           string                     `json:"outcome"`
}

var summarySchema = &provider.Schema{
	Type: "object",
	Properties: map[string]provider.SchemaProperty{
		"title":       {Type: "string", Description: "Short title for the decision"},
		"userGoal":    {Type: "string", Description: "What the user set out to decide"},
		"constraints": {Type: "array", Items: &provider.SchemaProperty{Type: "string"}},
		"optionsConsidered": {Type: "array", Description: "Each option with its pros and cons",
			Items: &provider.SchemaProperty{Type: "object"}},
		"recommendedOption": {Type: "string"},
		"rationale":         {Type: "string"},
		"confidence":        {Type: "string", Description: "low, medium, or high"},
		"outcome":           {Type: "string", Description: "What the user decided or did, if stated"},
	},
	Required: []string{"title", "userGoal", "recommendedOption"},
}

// Complete closes out a decision: summarize the full history into a
// Completed Decision Record, persist it, mark the decision completed, and
// clear the active-decision pointer. Summarization failures degrade
// through a free-text parse and finally a heuristic summary, so completion
// always produces a record.
func (o *Orchestrator) Complete(ctx context.Context, decisionID string) (storage.CompletedRecord, error) {
	d, err := o.store.GetDecision(decisionID)
	if err != nil {
		return storage.CompletedRecord{}, fmt.Errorf("loading decision: %w", err)
	}
	if d.Status == storage.StatusCompleted {
		return o.store.GetCompletedRecord(decisionID)
	}

	st := loadState(o.store, decisionID)
	msgs, err := o.store.ListMessages(decisionID, 0)
	if err != nil {
		return storage.CompletedRecord{}, fmt.Errorf("loading history: %w", err)
	}
	sources, err := o.store.ListSources(decisionID)
	if err != nil {
		return storage.CompletedRecord{}, fmt.Errorf("loading sources: %w", err)
	}

	summary := o.summarize(ctx, d, st, msgs, sources)

	now := o.now().UTC()
	record := storage.CompletedRecord{
		ID:                uuid.NewString(),
		DecisionID:        decisionID,
		Title:             summary.Title,
		UserGoal:          summary.UserGoal,
		Constraints:       summary.Constraints,
		OptionsConsidered: summary.OptionsConsidered,
		RecommendedOption: summary.RecommendedOption,
		Rationale:         summary.Rationale,
		Confidence:        summary.Confidence,
		Outcome:           summary.Outcome,
		CreatedAt:         now,
	}
	for _, s := range sources {
		record.Sources = append(record.Sources, s.URL)
	}
	record.SearchBlob = buildSearchBlob(record)

	if err := o.store.SaveCompletedRecord(record); err != nil {
		return storage.CompletedRecord{}, fmt.Errorf("saving completed record: %w", err)
	}
	if err := o.store.MarkDecisionCompleted(decisionID, now); err != nil {
		return storage.CompletedRecord{}, fmt.Errorf("marking decision completed: %w", err)
	}
	if active, _ := o.store.GetSetting(settingActiveDecision); active == decisionID {
		if err := o.store.DeleteSetting(settingActiveDecision); err != nil {
			slog.Warn("clearing active decision pointer", "error", err)
		}
	}
	return record, nil
}

// summarize runs the fallback ladder: structured extraction, then
// free-text with JSON parsing, then a heuristic built from the raw
// conversation. It never fails.
func (o *Orchestrator) summarize(ctx context.Context, d storage.Decision, st State, msgs []storage.Message, sources []storage.Source) decisionSummary {
	prompt := summaryPrompt(d, msgs, sources)

	if s, err := o.summarizeStructured(ctx, prompt, true); err == nil {
		return normalizeSummary(s, d, st, msgs)
	} else {
		slog.Warn("structured completion summary failed, retrying as free text", "error", err)
	}
	if s, err := o.summarizeStructured(ctx, prompt, false); err == nil {
		return normalizeSummary(s, d, st, msgs)
	} else {
		slog.Warn("free-text completion summary failed, using heuristic", "error", err)
	}
	return heuristicSummary(d, st, msgs)
}

func (o *Orchestrator) summarizeStructured(ctx context.Context, prompt string, structured bool) (decisionSummary, error) {
	req := provider.Request{
		System:   "Summarize a finished decision conversation into a structured record.",
		Messages: []provider.Message{{Role: "user", Content: prompt}},
	}
	if structured {
		req.Schema = summarySchema
	} else {
		req.Messages[0].Content += "\n\nRespond with only a single JSON object with keys: " +
			"title, userGoal, constraints, optionsConsidered, recommendedOption, rationale, confidence, outcome."
	}
	resp, _, err := o.runner.Complete(ctx, req)
	if err != nil {
		return decisionSummary{}, err
	}
	raw, err := provider.ExtractJSONObject(resp)
	if err != nil {
		return decisionSummary{}, err
	}
	var s decisionSummary
	if err := json.Unmarshal(raw, &s); err != nil {
		return decisionSummary{}, err
	}
	if strings.TrimSpace(s.Title) == "" && strings.TrimSpace(s.RecommendedOption) == "" {
		return decisionSummary{}, fmt.Errorf("summary missing title and recommendation")
	}
	return s, nil
}

func summaryPrompt(d storage.Decision, msgs []storage.Message, sources []storage.Source) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Decision: %s\nGoal: %s\n\nConversation:\n", d.Title, d.Goal)
	for _, m := range msgs {
		fmt.Fprintf(&sb, "[%s] %s\n", m.Role, m.Content)
	}
	if len(sources) > 0 {
		sb.WriteString("\nSources consulted:\n")
		for _, s := range sources {
			fmt.Fprintf(&sb, "- %s (%s)\n", s.Title, s.URL)
		}
	}
	return sb.String()
}

// normalizeSummary backfills gaps in a model summary from known state.
func normalizeSummary(s decisionSummary, d storage.Decision, st State, msgs []storage.Message) decisionSummary {
	h := heuristicSummary(d, st, msgs)
	if strings.TrimSpace(s.Title) == "" {
		s.Title = h.Title
	}
	if strings.TrimSpace(s.UserGoal) == "" {
		s.UserGoal = h.UserGoal
	}
	if len(s.Constraints) == 0 {
		s.Constraints = h.Constraints
	}
	if strings.TrimSpace(s.RecommendedOption) == "" {
		s.RecommendedOption = h.RecommendedOption
	}
	if strings.TrimSpace(s.Rationale) == "" {
		s.Rationale = h.Rationale
	}
	if strings.TrimSpace(s.Confidence) == "" {
		s.Confidence = h.Confidence
	}
	return s
}

// heuristicSummary builds a record from raw conversation state alone:
// first user message as the goal, standing recommendation as the answer.
func heuristicSummary(d storage.Decision, st State, msgs []storage.Message) decisionSummary {
	s := decisionSummary{
		Title:       d.Title,
		UserGoal:    d.Goal,
		Constraints: st.Intake.Constraints,
	}
	if s.UserGoal == "" {
		for _, m := range msgs {
			if m.Role == "user" && strings.TrimSpace(m.Content) != "" {
				s.UserGoal = strings.TrimSpace(m.Content)
				break
			}
		}
	}
	if s.Title == "" {
		s.Title = decisionTitle(s.UserGoal)
	}
	if st.Intake.Goal != "" {
		s.UserGoal = st.Intake.Goal
	}
	if r := st.Recommendation; r != nil {
		s.RecommendedOption = r.RecommendedOption
		s.Rationale = r.Rationale
		s.Confidence = r.Confidence
	}
	if s.RecommendedOption == "" {
		s.RecommendedOption = "No recommendation reached"
		s.Confidence = "low"
	}
	return s
}

// buildSearchBlob concatenates the record's textual fields, lowercased,
// for later memory search.
func buildSearchBlob(r storage.CompletedRecord) string {
	parts := []string{r.Title, r.UserGoal, r.RecommendedOption, r.Rationale, r.Outcome}
	parts = append(parts, r.Constraints...)
	for _, opt := range r.OptionsConsidered {
		parts = append(parts, opt.Option)
		parts = append(parts, opt.Pros...)
		parts = append(parts, opt.Cons...)
	}
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.ToLower(strings.Join(kept, " "))
}
