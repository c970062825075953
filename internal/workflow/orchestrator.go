package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/counsel/internal/intake"
	"github.com/kalambet/counsel/internal/provider"
	"github.com/kalambet/counsel/internal/research"
	"github.com/kalambet/counsel/internal/storage"
	"github.com/kalambet/counsel/internal/synthesis"
)

const (
	// settings key holding the id of the decision new messages attach to
	settingActiveDecision = "active_decision"

	maxContextMessages = 12
	maxQuestions       = 4
	maxTitleLen        = 80
)

// shortAcks short-circuit recommendation-stage classification: these are
// acknowledgements, not requests, and spend no model calls.
var shortAcks = map[string]bool{
	"thanks": true, "thank you": true, "thx": true,
	"ok": true, "okay": true, "k": true,
	"done": true, "great": true, "cool": true, "nice": true,
	"got it": true, "sounds good": true, "perfect": true, "noted": true,
}

// TurnResult is the outcome of one processed user message.
type TurnResult struct {
	Reply string
	Stage Stage
}

// Orchestrator drives one turn per user message through the stage machine
// and owns the decision lifecycle.
type Orchestrator struct {
	store    *storage.Store
	runner   *provider.Runner
	gatherer *research.Gatherer
	synth    *synthesis.Synthesizer
	now      func() time.Time
}

func New(store *storage.Store, runner *provider.Runner, gatherer *research.Gatherer, synth *synthesis.Synthesizer) *Orchestrator {
	return &Orchestrator{
		store:    store,
		runner:   runner,
		gatherer: gatherer,
		synth:    synth,
		now:      time.Now,
	}
}

// StartDecision creates a new active decision from the user's opening goal
// text and points the active-decision setting at it.
func (o *Orchestrator) StartDecision(goalText string) (storage.Decision, error) {
	goalText = strings.TrimSpace(goalText)
	d := storage.Decision{
		ID:        uuid.NewString(),
		Title:     decisionTitle(goalText),
		Goal:      goalText,
		Status:    storage.StatusActive,
		CreatedAt: o.now().UTC(),
	}
	if err := o.store.CreateDecision(d); err != nil {
		return storage.Decision{}, fmt.Errorf("creating decision: %w", err)
	}
	if err := o.store.SetSetting(settingActiveDecision, d.ID); err != nil {
		return storage.Decision{}, fmt.Errorf("setting active decision: %w", err)
	}
	return d, nil
}

// ActiveDecision resolves the decision the next message attaches to.
func (o *Orchestrator) ActiveDecision() (storage.Decision, error) {
	id, err := o.store.GetSetting(settingActiveDecision)
	if err == storage.ErrNotFound || id == "" {
		return storage.Decision{}, ErrNoActiveDecision
	}
	if err != nil {
		return storage.Decision{}, err
	}
	d, err := o.store.GetDecision(id)
	if err == storage.ErrNotFound {
		return storage.Decision{}, ErrNoActiveDecision
	}
	return d, err
}

// HandleTurn processes one inbound user message: persist it, dispatch on
// the decision's stage, persist updated state, and append exactly one
// assistant reply.
func (o *Orchestrator) HandleTurn(ctx context.Context, decisionID, userText string) (TurnResult, error) {
	d, err := o.store.GetDecision(decisionID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("loading decision: %w", err)
	}
	if d.Status != storage.StatusActive {
		return TurnResult{}, fmt.Errorf("decision %s is %s, not active", d.ID, d.Status)
	}

	if err := o.appendMessage(decisionID, "user", userText); err != nil {
		return TurnResult{}, err
	}

	st := loadState(o.store, decisionID)

	var reply string
	switch st.Stage {
	case StageResearch:
		reply, st, err = o.researchTurn(ctx, decisionID, st, userText)
	case StageRecommendation:
		reply, st, err = o.recommendationTurn(ctx, decisionID, st, userText)
	default:
		reply, st, err = o.intakeTurn(ctx, decisionID, st, userText)
	}
	if err != nil {
		return TurnResult{}, err
	}

	// State first, reply second: a crash between the two loses a reply,
	// never progress.
	if err := saveState(o.store, decisionID, st); err != nil {
		return TurnResult{}, err
	}
	if err := o.appendMessage(decisionID, "assistant", reply); err != nil {
		return TurnResult{}, err
	}
	return TurnResult{Reply: reply, Stage: st.Stage}, nil
}

// --- intake stage ---

type intakeExtraction struct {
	Fields          intake.Intake `json:"fields"`
	Acknowledgement string        `json:"acknowledgement"`
	Questions       []string      `json:"questions"`
}

var intakeSchema = &provider.Schema{
	Type: "object",
	Properties: map[string]provider.SchemaProperty{
		"fields": {Type: "object", Description: "Structured intake fields extracted from the conversation; omit anything the user has not said"},
		"acknowledgement": {Type: "string", Description: "One short sentence acknowledging what the user just told you"},
		"questions": {Type: "array", Description: "Up to 4 clarifying questions for the still-unknown fields",
			Items: &provider.SchemaProperty{Type: "string"}},
	},
	Required: []string{"fields", "acknowledgement"},
}

func (o *Orchestrator) intakeTurn(ctx context.Context, decisionID string, st State, userText string) (string, State, error) {
	ext, err := o.extractIntake(ctx, decisionID)
	if err != nil {
		return "", st, fmt.Errorf("intake analysis: %w", err)
	}

	st.Intake = intake.Merge(st.Intake, ext.Fields)

	if intake.IsComplete(st.Intake) {
		st.Stage = StageResearch
		researchReply, newState, err := o.researchTurn(ctx, decisionID, st, userText)
		if err != nil {
			return "", st, err
		}
		ack := strings.TrimSpace(ext.Acknowledgement)
		if ack == "" {
			ack = "Got it — I have what I need."
		}
		return ack + " Researching now.\n\n" + researchReply, newState, nil
	}

	missing := intake.MissingFields(st.Intake)
	questions := combineQuestions(ext.Questions, intake.QuestionsFor(missing))
	pct := int(intake.Progress(st.Intake)*100 + 0.5)

	var sb strings.Builder
	if ack := strings.TrimSpace(ext.Acknowledgement); ack != "" {
		sb.WriteString(ack)
		sb.WriteString("\n\n")
	}
	sb.WriteString("To research this well I still need a few things:\n")
	for _, q := range questions {
		fmt.Fprintf(&sb, "- %s\n", q)
	}
	fmt.Fprintf(&sb, "\nIntake progress: %d%%", pct)
	return sb.String(), st, nil
}

func (o *Orchestrator) extractIntake(ctx context.Context, decisionID string) (intakeExtraction, error) {
	resp, _, err := o.runner.Complete(ctx, provider.Request{
		System: "You extract structured decision intake from a conversation. " +
			"Fill only fields the user actually stated: goal, optionsScope, constraints, " +
			"timeline, riskTolerance, successCriteria, mustAvoid.",
		Messages: o.conversation(decisionID),
		Schema:   intakeSchema,
	})
	if err != nil {
		return intakeExtraction{}, err
	}
	raw, err := provider.ExtractJSONObject(resp)
	if err != nil {
		return intakeExtraction{}, err
	}
	var ext intakeExtraction
	if err := json.Unmarshal(raw, &ext); err != nil {
		return intakeExtraction{}, err
	}
	return ext, nil
}

// combineQuestions merges model-proposed and rule-based questions,
// deduplicated case-insensitively, capped at 4.
func combineQuestions(fromModel, fallback []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, q := range append(append([]string{}, fromModel...), fallback...) {
		q = strings.TrimSpace(q)
		key := strings.ToLower(q)
		if q == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
		if len(out) == maxQuestions {
			break
		}
	}
	return out
}

// --- research stage ---

func (o *Orchestrator) researchTurn(ctx context.Context, decisionID string, st State, userText string) (string, State, error) {
	bundle, err := o.gatherer.Gather(ctx, decisionID, st.Intake, userText)
	if err != nil {
		return "", st, fmt.Errorf("gathering evidence: %w", err)
	}
	st.Research.Queries = bundle.Queries
	st.Research.LastResearchAt = o.now().UTC()

	if !bundle.Sufficient {
		st.Stage = StageResearch
		return synthesis.StillResearching(bundle), st, nil
	}

	var prior *synthesis.Prior
	if r := st.Recommendation; r != nil {
		prior = &synthesis.Prior{Option: r.RecommendedOption, Confidence: r.Confidence, Rationale: r.Rationale}
	}
	rec, prov, err := o.synth.Synthesize(ctx, bundle, prior)
	if err != nil {
		return "", st, err
	}
	slog.Debug("recommendation synthesized", "decision", decisionID, "provider", prov, "confidence", rec.Confidence)

	st.Recommendation = &RecommendationState{
		RecommendedOption: rec.Recommendation,
		Confidence:        rec.Confidence,
		Rationale:         rec.Rationale,
		UpdatedAt:         o.now().UTC(),
	}
	st.Stage = StageRecommendation
	return synthesis.ComposeReply(rec, bundle.Citations), st, nil
}

// --- recommendation stage ---

func (o *Orchestrator) recommendationTurn(ctx context.Context, decisionID string, st State, userText string) (string, State, error) {
	if isShortAck(userText) {
		reply := "You're welcome. The recommendation stands — say the word if anything changes, " +
			"or complete the decision to file it away."
		return reply, st, nil
	}

	action := o.classifyFollowUp(ctx, st, userText)
	if action == "clarify_existing" {
		reply, err := o.clarifyExisting(ctx, decisionID, st, userText)
		if err != nil {
			return "", st, err
		}
		return reply, st, nil
	}

	// Explicit recommendation -> research edge.
	st.Stage = StageResearch
	return o.researchTurn(ctx, decisionID, st, userText)
}

func isShortAck(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimRight(t, ".!?")
	return shortAcks[t]
}

var classifySchema = &provider.Schema{
	Type: "object",
	Properties: map[string]provider.SchemaProperty{
		"action": {Type: "string", Description: "clarify_existing if the message can be answered from the current recommendation; reresearch if it changes the question or demands fresh evidence"},
	},
	Required: []string{"action"},
}

// classifyFollowUp decides clarify_existing vs reresearch. On any model
// failure it errs toward reresearch: re-verifying beats standing pat on a
// stale answer.
func (o *Orchestrator) classifyFollowUp(ctx context.Context, st State, userText string) string {
	intakeJSON, _ := json.Marshal(st.Intake)
	recJSON, _ := json.Marshal(st.Recommendation)
	resp, _, err := o.runner.Complete(ctx, provider.Request{
		System: "Classify a follow-up message in a decision conversation.",
		Messages: []provider.Message{{
			Role: "user",
			Content: fmt.Sprintf("Intake: %s\nCurrent recommendation: %s\nUser message: %q\n\nClassify.",
				intakeJSON, recJSON, userText),
		}},
		Schema: classifySchema,
	})
	if err != nil {
		slog.Warn("follow-up classification failed, defaulting to reresearch", "error", err)
		return "reresearch"
	}
	raw, err := provider.ExtractJSONObject(resp)
	if err != nil {
		return "reresearch"
	}
	var c struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(raw, &c); err != nil || c.Action != "clarify_existing" {
		return "reresearch"
	}
	return "clarify_existing"
}

// clarifyExisting answers from the standing recommendation and persisted
// sources without re-running research.
func (o *Orchestrator) clarifyExisting(ctx context.Context, decisionID string, st State, userText string) (string, error) {
	sources, err := o.store.ListSources(decisionID)
	if err != nil {
		slog.Warn("listing sources for clarification", "error", err)
	}
	var sb strings.Builder
	recJSON, _ := json.MarshalIndent(st.Recommendation, "", "  ")
	fmt.Fprintf(&sb, "Current recommendation:\n%s\n\nSources already checked:\n", recJSON)
	for _, s := range sources {
		fmt.Fprintf(&sb, "- %s (%s)\n", s.Title, s.URL)
	}
	fmt.Fprintf(&sb, "\nUser question: %s", userText)

	resp, _, err := o.runner.Complete(ctx, provider.Request{
		System: "Answer the user's question using only the recommendation and sources provided. " +
			"Do not invent new research.",
		Messages: []provider.Message{{Role: "user", Content: sb.String()}},
	})
	if err != nil {
		return "", fmt.Errorf("clarifying recommendation: %w", err)
	}
	return strings.TrimSpace(resp), nil
}

// --- helpers ---

func (o *Orchestrator) appendMessage(decisionID, role, content string) error {
	err := o.store.AppendMessage(storage.Message{
		ID:         uuid.NewString(),
		DecisionID: decisionID,
		Role:       role,
		Content:    content,
		CreatedAt:  o.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("appending %s message: %w", role, err)
	}
	return nil
}

// conversation returns the tail of the decision's history as model
// messages. Only user and assistant roles are forwarded.
func (o *Orchestrator) conversation(decisionID string) []provider.Message {
	msgs, err := o.store.ListMessages(decisionID, 0)
	if err != nil {
		slog.Warn("listing messages for context", "error", err)
		return nil
	}
	if len(msgs) > maxContextMessages {
		msgs = msgs[len(msgs)-maxContextMessages:]
	}
	out := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		out = append(out, provider.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func decisionTitle(goal string) string {
	if goal == "" {
		return "Untitled decision"
	}
	if len(goal) <= maxTitleLen {
		return goal
	}
	cut := strings.LastIndex(goal[:maxTitleLen], " ")
	if cut < maxTitleLen/2 {
		cut = maxTitleLen
	}
	return goal[:cut] + "…"
}
