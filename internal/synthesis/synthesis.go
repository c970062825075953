// Package synthesis turns an evidence bundle into a structured
// recommendation and composes the assistant's reply.
package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/counsel/internal/provider"
	"github.com/kalambet/counsel/internal/research"
)

const (
	maxTradeoffs    = 6
	maxRejected     = 6
	maxTriggers     = 6
	maxReplySources = 6
)

// Recommendation is the structured synthesis result.
type Recommendation struct {
	Recommendation       string   `json:"recommendation"`
	Confidence           string   `json:"confidence"` // "low", "medium", "high"
	Rationale            string   `json:"rationale"`
	Tradeoffs            []string `json:"tradeoffs"`
	RejectedAlternatives []string `json:"rejectedAlternatives"`
	ChangeTriggers       []string `json:"changeTriggers"`
	Response             string   `json:"response"` // narrative, references evidence tags like [S1]
}

// Prior is the previously issued recommendation, if any.
type Prior struct {
	Option     string
	Confidence string
	Rationale  string
}

// Synthesizer produces recommendations via the model fallback chain.
type Synthesizer struct {
	runner *provider.Runner
}

// New creates a Synthesizer over the given runner.
func New(runner *provider.Runner) *Synthesizer {
	return &Synthesizer{runner: runner}
}

var recommendationSchema = &provider.Schema{
	Type: "object",
	Properties: map[string]provider.SchemaProperty{
		"recommendation": {Type: "string", Description: "The recommended option, stated plainly"},
		"confidence":     {Type: "string", Description: "One of: low, medium, high"},
		"rationale":      {Type: "string", Description: "Why this option wins, grounded in the evidence"},
		"tradeoffs": {Type: "array", Description: "1-6 tradeoffs the user accepts with this option",
			Items: &provider.SchemaProperty{Type: "string"}},
		"rejectedAlternatives": {Type: "array", Description: "Up to 6 alternatives considered and rejected, with reasons",
			Items: &provider.SchemaProperty{Type: "string"}},
		"changeTriggers": {Type: "array", Description: "Up to 6 events that should trigger revisiting this decision",
			Items: &provider.SchemaProperty{Type: "string"}},
		"response": {Type: "string", Description: "Conversational answer referencing evidence by tag, e.g. [S1]"},
	},
	Required: []string{"recommendation", "confidence", "rationale", "response"},
}

// Synthesize asks the model for a structured recommendation from the
// evidence bundle. When the result differs from the prior recommendation
// and the narrative doesn't flag it, a synthetic "What changed" note is
// appended.
func (s *Synthesizer) Synthesize(ctx context.Context, bundle research.Bundle, prior *Prior) (Recommendation, string, error) {
	prompt := buildPrompt(bundle, prior)

	resp, prov, err := s.runner.Complete(ctx, provider.Request{
		System: "You are a careful decision-support analyst. Recommend one option, " +
			"grounded strictly in the supplied evidence. Cite evidence tags like [S1].",
		Messages: []provider.Message{{Role: "user", Content: prompt}},
		Schema:   recommendationSchema,
	})
	if err != nil {
		return Recommendation{}, "", fmt.Errorf("synthesizing recommendation: %w", err)
	}

	raw, err := provider.ExtractJSONObject(resp)
	if err != nil {
		return Recommendation{}, "", fmt.Errorf("parsing recommendation: %w", err)
	}
	var rec Recommendation
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Recommendation{}, "", fmt.Errorf("parsing recommendation: %w", err)
	}

	rec = clamp(rec)
	rec = noteChange(rec, prior)
	return rec, prov, nil
}

func buildPrompt(bundle research.Bundle, prior *Prior) string {
	var sb strings.Builder
	sb.WriteString("Evidence gathered this pass:\n\n")
	sb.WriteString(bundle.Evidence)
	sb.WriteString("\n\n")
	if prior != nil {
		fmt.Fprintf(&sb, "Prior recommendation: %q (confidence %s). Rationale: %s\n",
			prior.Option, prior.Confidence, prior.Rationale)
		sb.WriteString("If the evidence still supports it, keep it; if not, revise and explain what changed.\n")
	}
	sb.WriteString("Produce the structured recommendation now.")
	return sb.String()
}

func clamp(rec Recommendation) Recommendation {
	switch strings.ToLower(strings.TrimSpace(rec.Confidence)) {
	case "low":
		rec.Confidence = "low"
	case "high":
		rec.Confidence = "high"
	default:
		rec.Confidence = "medium"
	}
	rec.Tradeoffs = capList(rec.Tradeoffs, maxTradeoffs)
	rec.RejectedAlternatives = capList(rec.RejectedAlternatives, maxRejected)
	rec.ChangeTriggers = capList(rec.ChangeTriggers, maxTriggers)
	return rec
}

func capList(items []string, max int) []string {
	var out []string
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		out = append(out, it)
		if len(out) == max {
			break
		}
	}
	return out
}

// noteChange appends a synthetic change note when the recommendation moved
// and the narrative doesn't already mention it.
func noteChange(rec Recommendation, prior *Prior) Recommendation {
	if prior == nil || prior.Option == "" {
		return rec
	}
	if strings.EqualFold(strings.TrimSpace(prior.Option), strings.TrimSpace(rec.Recommendation)) {
		return rec
	}
	lower := strings.ToLower(rec.Response)
	if strings.Contains(lower, "what changed") || strings.Contains(lower, "changed from") {
		return rec
	}
	rec.Response = strings.TrimSpace(rec.Response) + fmt.Sprintf(
		"\n\nWhat changed: the earlier recommendation was %q; based on the latest evidence it is now %q.",
		prior.Option, rec.Recommendation)
	return rec
}

// ComposeReply renders the final assistant message: narrative, structured
// recommendation block, then a numbered source list (max 6).
func ComposeReply(rec Recommendation, citations []research.Citation) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(rec.Response))
	sb.WriteString("\n\n")

	fmt.Fprintf(&sb, "Recommendation: %s\n", rec.Recommendation)
	fmt.Fprintf(&sb, "Confidence: %s\n", rec.Confidence)
	fmt.Fprintf(&sb, "Rationale: %s\n", rec.Rationale)
	writeList(&sb, "Tradeoffs", rec.Tradeoffs)
	writeList(&sb, "Rejected alternatives", rec.RejectedAlternatives)
	writeList(&sb, "Revisit if", rec.ChangeTriggers)

	if len(citations) > 0 {
		sb.WriteString("\nSources checked:\n")
		for i, c := range citations {
			if i == maxReplySources {
				break
			}
			if c.Title != "" {
				fmt.Fprintf(&sb, "%d. %s — %s\n", i+1, c.Title, c.URL)
			} else {
				fmt.Fprintf(&sb, "%d. %s\n", i+1, c.URL)
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

func writeList(sb *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "%s:\n", label)
	for _, it := range items {
		fmt.Fprintf(sb, "- %s\n", it)
	}
}

// StillResearching is the fixed reply when evidence is insufficient this
// turn.
func StillResearching(bundle research.Bundle) string {
	var sb strings.Builder
	sb.WriteString("I'm still researching — the evidence gathered so far isn't solid enough for a recommendation. ")
	sb.WriteString("You can speed this up by pasting links you trust or tightening your constraints.")
	if len(bundle.Queries) > 0 {
		sb.WriteString("\n\nQueries tried:\n")
		for _, q := range bundle.Queries {
			fmt.Fprintf(&sb, "- %s\n", q)
		}
	}
	return strings.TrimSpace(sb.String())
}
