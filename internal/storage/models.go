package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Decision lifecycle statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Decision is one user-initiated research/decision session.
type Decision struct {
	ID          string
	Title       string
	Goal        string
	Status      string
	CreatedAt   time.Time
	CompletedAt time.Time // zero until the decision is completed
}

// Message is a decision-scoped conversation entry, append-only and ordered
// by insertion.
type Message struct {
	ID         string
	DecisionID string
	Role       string // "user", "assistant", "system", "tool"
	Content    string
	CreatedAt  time.Time
}

// Source cites a research URL backing a decision. Deduplicated by URL per
// decision; an upsert refreshes title and fetch timestamp.
type Source struct {
	ID           string
	DecisionID   string
	Title        string
	URL          string
	UserProvided bool
	FetchedAt    time.Time
}

// OptionConsidered is one option/pros/cons triple in a completed record.
type OptionConsidered struct {
	Option string   `json:"option"`
	Pros   []string `json:"pros,omitempty"`
	Cons   []string `json:"cons,omitempty"`
}

// CompletedRecord is the immutable structured summary of a finished
// decision. SearchBlob is a lowercase concatenation of the textual fields,
// used for memory search.
type CompletedRecord struct {
	ID                string
	DecisionID        string
	Title             string
	UserGoal          string
	Constraints       []string
	OptionsConsidered []OptionConsidered
	RecommendedOption string
	Rationale         string
	Confidence        string
	Sources           []string
	Outcome           string
	SearchBlob        string
	CreatedAt         time.Time
}
