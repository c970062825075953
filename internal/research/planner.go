// Package research plans search queries and gathers evidence for a
// decision: search fan-out, ranking, page fetches, and prior-decision
// memory, assembled into a bounded evidence block.
package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/counsel/internal/intake"
	"github.com/kalambet/counsel/internal/provider"
)

const (
	minQueries = 3
	maxQueries = 6
)

// genericQueries is the last-resort query triad when intake offers nothing
// to plan from.
var genericQueries = []string{
	"decision making best practices",
	"comparing options pros and cons",
	"how to evaluate alternatives tradeoffs",
}

// Planner derives search queries from intake state, asking the model first
// and falling back deterministically on any model failure.
type Planner struct {
	runner *provider.Runner
}

// NewPlanner creates a Planner over the given fallback runner.
func NewPlanner(runner *provider.Runner) *Planner {
	return &Planner{runner: runner}
}

var planSchema = &provider.Schema{
	Type: "object",
	Properties: map[string]provider.SchemaProperty{
		"queries": {
			Type:        "array",
			Description: "3-6 non-overlapping web search queries",
			Items:       &provider.SchemaProperty{Type: "string"},
		},
	},
	Required: []string{"queries"},
}

// Plan returns 3-6 search queries plus the provider that produced them
// ("fallback" when the model path failed). It never fails: the deterministic
// fallback guarantees at least one usable query.
func (p *Planner) Plan(ctx context.Context, in intake.Intake, latestUserText string) ([]string, string) {
	queries, prov, err := p.planWithModel(ctx, in, latestUserText)
	if err != nil {
		slog.Warn("query planning via model failed, using deterministic fallback", "error", err)
		return FallbackQueries(in), "fallback"
	}
	return queries, prov
}

func (p *Planner) planWithModel(ctx context.Context, in intake.Intake, latestUserText string) ([]string, string, error) {
	intakeJSON, err := json.Marshal(in)
	if err != nil {
		return nil, "", fmt.Errorf("marshalling intake: %w", err)
	}

	prompt := fmt.Sprintf(
		"Derive %d-%d non-overlapping web search queries to research this decision.\n"+
			"Intake: %s\nLatest user message: %s\n"+
			"Favor queries that surface recent, factual comparisons.",
		minQueries, maxQueries, intakeJSON, latestUserText,
	)

	resp, prov, err := p.runner.Complete(ctx, provider.Request{
		System:   "You plan web research for a decision-support assistant.",
		Messages: []provider.Message{{Role: "user", Content: prompt}},
		Schema:   planSchema,
	})
	if err != nil {
		return nil, "", err
	}

	raw, err := provider.ExtractJSONObject(resp)
	if err != nil {
		return nil, "", fmt.Errorf("parsing plan: %w", err)
	}
	var parsed struct {
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, "", fmt.Errorf("parsing plan: %w", err)
	}

	queries := dedupeQueries(parsed.Queries)
	if len(queries) < minQueries {
		return nil, "", fmt.Errorf("model returned %d usable queries, want at least %d", len(queries), minQueries)
	}
	if len(queries) > maxQueries {
		queries = queries[:maxQueries]
	}
	return queries, prov, nil
}

func dedupeQueries(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	var out []string
	for _, q := range raw {
		q = strings.TrimSpace(q)
		key := strings.ToLower(q)
		if q == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
	}
	return out
}

// FallbackQueries builds queries from intake alone, guaranteeing at least
// the generic triad when intake is empty.
func FallbackQueries(in intake.Intake) []string {
	var candidates []string
	appendPhrase := func(base, suffix string) {
		base = strings.TrimSpace(base)
		if base == "" {
			return
		}
		if phrase := base + " " + suffix; len(phrase) > 4 {
			candidates = append(candidates, phrase)
		}
	}
	appendPhrase(in.Goal, "latest analysis")
	appendPhrase(in.OptionsScope, "comparison")
	appendPhrase(strings.Join(in.Constraints, " "), "best options")
	appendPhrase(in.Timeline, "market outlook")

	if len(candidates) >= 3 {
		if len(candidates) > 4 {
			candidates = candidates[:4]
		}
		return candidates
	}

	joined := strings.TrimSpace(strings.Join([]string{in.Goal, in.OptionsScope, in.Timeline}, " "))
	joined = strings.Join(strings.Fields(joined), " ")
	if len(joined) > 4 {
		return []string{
			joined,
			joined + " latest updates",
			joined + " risks and tradeoffs",
		}
	}

	return append([]string{}, genericQueries...)
}
