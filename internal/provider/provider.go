// Package provider implements the model-call capability: credentialed
// provider candidates, per-provider HTTP clients, and a fallback runner that
// masks transient provider failures.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Provider identifiers.
const (
	OpenAI     = "openai"
	Anthropic  = "anthropic"
	OpenRouter = "openrouter"
)

// ErrNoProviders is returned when no candidate has a credential. Fatal for
// the turn; not retried.
var ErrNoProviders = errors.New("no provider configured: set at least one model API key")

// Message is a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema describes the expected JSON output structure for structured
// completions.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes a single field within a Schema.
type SchemaProperty struct {
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Items       *SchemaProperty `json:"items,omitempty"`
}

// Request is one logical model call. A non-nil Schema requests
// schema-constrained JSON output.
type Request struct {
	System   string
	Messages []Message
	Schema   *Schema
}

// Client performs completions against one provider.
type Client interface {
	Complete(ctx context.Context, model string, req Request) (string, error)
}

// Candidate is a credentialed, orderable (provider, model) pair with its
// resolved client. Resolution happens once, in Resolve.
type Candidate struct {
	Provider string
	Model    string
	Client   Client
}

// ExtractJSONObject salvages a JSON object from a model response that may
// wrap it in markdown code fences or conversational filler.
func ExtractJSONObject(resp string) ([]byte, error) {
	s := strings.TrimSpace(resp)

	// Strip markdown code fences.
	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if strings.HasPrefix(s, "json") {
			s = s[4:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}
	return []byte(s[start : end+1]), nil
}
