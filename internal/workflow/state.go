// Package workflow is the decision turn orchestrator: a stage machine
// driving each decision through intake, research, and recommendation.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/counsel/internal/intake"
	"github.com/kalambet/counsel/internal/storage"
)

// Stage is the workflow position of a decision.
type Stage string

const (
	StageIntake         Stage = "intake"
	StageResearch       Stage = "research"
	StageRecommendation Stage = "recommendation"
)

// ResearchState tracks the most recent research pass.
type ResearchState struct {
	Queries        []string  `json:"queries,omitempty"`
	LastResearchAt time.Time `json:"lastResearchAt,omitzero"`
}

// RecommendationState is the current standing recommendation.
type RecommendationState struct {
	RecommendedOption string    `json:"recommendedOption"`
	Confidence        string    `json:"confidence"`
	Rationale         string    `json:"rationale"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// State is the per-decision runtime state, read at turn start and replaced
// at well-defined points during the turn.
type State struct {
	Stage          Stage                `json:"stage"`
	Intake         intake.Intake        `json:"intake"`
	Research       ResearchState        `json:"research"`
	Recommendation *RecommendationState `json:"recommendation,omitempty"`
}

// normalizeStage maps anything unrecognized back to intake.
func normalizeStage(s Stage) Stage {
	switch s {
	case StageIntake, StageResearch, StageRecommendation:
		return s
	default:
		return StageIntake
	}
}

// loadState returns the decision's runtime state, defaulting a missing or
// unreadable record to a fresh intake-stage state.
func loadState(store *storage.Store, decisionID string) State {
	raw, err := store.GetState(decisionID)
	if err != nil {
		return State{Stage: StageIntake}
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{Stage: StageIntake}
	}
	st.Stage = normalizeStage(st.Stage)
	return st
}

func saveState(store *storage.Store, decisionID string, st State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding runtime state: %w", err)
	}
	if err := store.ReplaceState(decisionID, raw); err != nil {
		return fmt.Errorf("persisting runtime state: %w", err)
	}
	return nil
}

// ErrNoActiveDecision is returned when an operation needs the active
// decision and none is set.
var ErrNoActiveDecision = errors.New("no active decision")
