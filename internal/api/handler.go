// Package api exposes the decision workflow over a loopback HTTP API and
// an MCP server, both behind bearer auth.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/counsel/internal/memory"
	"github.com/kalambet/counsel/internal/storage"
	"github.com/kalambet/counsel/internal/workflow"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Workflow is the orchestrator surface the API needs.
type Workflow interface {
	HandleTurn(ctx context.Context, decisionID, userText string) (workflow.TurnResult, error)
	StartDecision(goalText string) (storage.Decision, error)
	ActiveDecision() (storage.Decision, error)
	Complete(ctx context.Context, decisionID string) (storage.CompletedRecord, error)
}

// MemorySearcher looks up prior completed decisions.
type MemorySearcher interface {
	Search(query string) ([]memory.Snippet, error)
}

// Deps holds the handler's collaborators.
type Deps struct {
	Workflow Workflow
	Store    *storage.Store
	Memory   MemorySearcher
	Token    string
}

// NewHandler returns the counsel REST API. Everything except /health
// requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/turn", handleTurn(deps))
		r.Post("/decisions", handleStartDecision(deps))
		r.Get("/decisions", handleListDecisions(deps))
		r.Get("/decisions/{id}", handleGetDecision(deps))
		r.Get("/decisions/{id}/sources", handleListSources(deps))
		r.Post("/decisions/{id}/complete", handleComplete(deps))
		r.Get("/memory", handleMemory(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type turnRequest struct {
	DecisionID string `json:"decision_id"`
	Message    string `json:"message"`
}

type turnResponse struct {
	DecisionID string `json:"decision_id"`
	Stage      string `json:"stage"`
	Reply      string `json:"reply"`
}

// handleTurn routes one user message through the workflow. With no
// decision_id the message goes to the active decision, starting a new one
// if none is active.
func handleTurn(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req turnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}

		decisionID := req.DecisionID
		if decisionID == "" {
			active, err := deps.Workflow.ActiveDecision()
			switch err {
			case nil:
				decisionID = active.ID
			case workflow.ErrNoActiveDecision:
				d, err := deps.Workflow.StartDecision(req.Message)
				if err != nil {
					httpError(w, http.StatusInternalServerError, "api_error", "starting decision: %v", err)
					return
				}
				decisionID = d.ID
			default:
				httpError(w, http.StatusInternalServerError, "api_error", "resolving active decision: %v", err)
				return
			}
		}

		result, err := deps.Workflow.HandleTurn(r.Context(), decisionID, req.Message)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "turn failed: %v", err)
			return
		}
		writeJSON(w, turnResponse{
			DecisionID: decisionID,
			Stage:      string(result.Stage),
			Reply:      result.Reply,
		})
	}
}

type startDecisionRequest struct {
	Goal string `json:"goal"`
}

func handleStartDecision(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req startDecisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		d, err := deps.Workflow.StartDecision(req.Goal)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "starting decision: %v", err)
			return
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, decisionJSON(d))
	}
}

func handleListDecisions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		decisions, err := deps.Store.ListDecisions(50)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing decisions: %v", err)
			return
		}
		out := make([]map[string]any, 0, len(decisions))
		for _, d := range decisions {
			out = append(out, decisionJSON(d))
		}
		writeJSON(w, out)
	}
}

func handleGetDecision(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := deps.Store.GetDecision(chi.URLParam(r, "id"))
		if err == storage.ErrNotFound {
			httpError(w, http.StatusNotFound, "not_found", "no such decision")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading decision: %v", err)
			return
		}
		writeJSON(w, decisionJSON(d))
	}
}

func handleListSources(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sources, err := deps.Store.ListSources(chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing sources: %v", err)
			return
		}
		type sourceJSON struct {
			Title        string `json:"title"`
			URL          string `json:"url"`
			UserProvided bool   `json:"user_provided"`
			FetchedAt    string `json:"fetched_at"`
		}
		out := make([]sourceJSON, 0, len(sources))
		for _, s := range sources {
			out = append(out, sourceJSON{
				Title:        s.Title,
				URL:          s.URL,
				UserProvided: s.UserProvided,
				FetchedAt:    s.FetchedAt.Format(time.RFC3339),
			})
		}
		writeJSON(w, out)
	}
}

func handleComplete(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		record, err := deps.Workflow.Complete(r.Context(), chi.URLParam(r, "id"))
		if err == storage.ErrNotFound {
			httpError(w, http.StatusNotFound, "not_found", "no such decision")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "completing decision: %v", err)
			return
		}
		writeJSON(w, map[string]any{
			"decision_id":        record.DecisionID,
			"title":              record.Title,
			"recommended_option": record.RecommendedOption,
			"confidence":         record.Confidence,
			"rationale":          record.Rationale,
			"sources":            record.Sources,
		})
	}
}

func handleMemory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		snippets, err := deps.Memory.Search(query)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "memory search: %v", err)
			return
		}
		if snippets == nil {
			snippets = []memory.Snippet{}
		}
		writeJSON(w, snippets)
	}
}

func decisionJSON(d storage.Decision) map[string]any {
	out := map[string]any{
		"id":         d.ID,
		"title":      d.Title,
		"goal":       d.Goal,
		"status":     d.Status,
		"created_at": d.CreatedAt.Format(time.RFC3339),
	}
	if !d.CompletedAt.IsZero() {
		out["completed_at"] = d.CompletedAt.Format(time.RFC3339)
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
