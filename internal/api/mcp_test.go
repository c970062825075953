package api

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/counsel/internal/memory"
	"github.com/kalambet/counsel/internal/storage"
	"github.com/kalambet/counsel/internal/workflow"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T, wf Workflow) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{
		Workflow: wf,
		Store:    store,
		Memory:   &mockMemory{},
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_DecisionMessage(t *testing.T) {
	wf := &mockWorkflow{
		handleTurn: func(_ context.Context, decisionID, userText string) (workflow.TurnResult, error) {
			if decisionID != "d1" {
				t.Errorf("decisionID = %q", decisionID)
			}
			if userText != "what about warranty?" {
				t.Errorf("userText = %q", userText)
			}
			return workflow.TurnResult{Reply: "covered for 3 years", Stage: workflow.StageRecommendation}, nil
		},
	}
	deps, _ := newTestMCPDeps(t, wf)
	handler := mcpDecisionMessage(deps)

	result, err := handler(context.Background(), makeCallToolRequest("decision_message", map[string]interface{}{
		"decision_id": "d1",
		"message":     "what about warranty?",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if toolText(t, result) != "covered for 3 years" {
		t.Errorf("reply = %q", toolText(t, result))
	}
}

func TestMCPTool_DecisionMessage_StartsDecision(t *testing.T) {
	started := false
	wf := &mockWorkflow{
		activeDecision: func() (storage.Decision, error) {
			return storage.Decision{}, workflow.ErrNoActiveDecision
		},
		startDecision: func(goalText string) (storage.Decision, error) {
			started = true
			return storage.Decision{ID: "fresh"}, nil
		},
		handleTurn: func(_ context.Context, decisionID, _ string) (workflow.TurnResult, error) {
			if decisionID != "fresh" {
				t.Errorf("decisionID = %q, want fresh", decisionID)
			}
			return workflow.TurnResult{Reply: "ok"}, nil
		},
	}
	deps, _ := newTestMCPDeps(t, wf)
	handler := mcpDecisionMessage(deps)

	result, err := handler(context.Background(), makeCallToolRequest("decision_message", map[string]interface{}{
		"message": "help me decide",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if !started {
		t.Error("expected a new decision to be started")
	}
}

func TestMCPTool_DecisionMessage_RequiresMessage(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &mockWorkflow{})
	handler := mcpDecisionMessage(deps)

	result, err := handler(context.Background(), makeCallToolRequest("decision_message", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing message")
	}
}

func TestMCPTool_DecisionComplete(t *testing.T) {
	wf := &mockWorkflow{
		activeDecision: func() (storage.Decision, error) {
			return storage.Decision{ID: "d2"}, nil
		},
		complete: func(_ context.Context, decisionID string) (storage.CompletedRecord, error) {
			return storage.CompletedRecord{DecisionID: decisionID, Title: "Laptop", RecommendedOption: "Option B"}, nil
		},
	}
	deps, _ := newTestMCPDeps(t, wf)
	handler := mcpDecisionComplete(deps)

	result, err := handler(context.Background(), makeCallToolRequest("decision_complete", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &record); err != nil {
		t.Fatalf("decoding record: %v", err)
	}
	if record["decision_id"] != "d2" || record["recommended_option"] != "Option B" {
		t.Errorf("record = %v", record)
	}
}

func TestMCPTool_DecisionComplete_NoActive(t *testing.T) {
	wf := &mockWorkflow{
		activeDecision: func() (storage.Decision, error) {
			return storage.Decision{}, workflow.ErrNoActiveDecision
		},
	}
	deps, _ := newTestMCPDeps(t, wf)
	handler := mcpDecisionComplete(deps)

	result, err := handler(context.Background(), makeCallToolRequest("decision_complete", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error when nothing is active")
	}
}

func TestMCPTool_ListDecisions(t *testing.T) {
	deps, store := newTestMCPDeps(t, &mockWorkflow{})
	if err := store.CreateDecision(storage.Decision{ID: "d3", Title: "Bank choice", Status: storage.StatusActive, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("CreateDecision: %v", err)
	}
	handler := mcpListDecisions(deps)

	result, err := handler(context.Background(), makeCallToolRequest("list_decisions", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var list []map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &list); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(list) != 1 || list[0]["title"] != "Bank choice" {
		t.Errorf("list = %v", list)
	}
}

func TestMCPTool_DecisionMemory(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &mockWorkflow{})
	deps.Memory = &mockMemory{snippets: []memory.Snippet{
		{Title: "Laptop pick", RecommendedOption: "ThinkPad", Score: 3},
	}}
	handler := mcpDecisionMemory(deps)

	result, err := handler(context.Background(), makeCallToolRequest("decision_memory", map[string]interface{}{
		"query": "laptop",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var snippets []memory.Snippet
	if err := json.Unmarshal([]byte(toolText(t, result)), &snippets); err != nil {
		t.Fatalf("decoding snippets: %v", err)
	}
	if len(snippets) != 1 || snippets[0].RecommendedOption != "ThinkPad" {
		t.Errorf("snippets = %v", snippets)
	}
}

func TestMCPTool_DecisionMemory_SearchError(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &mockWorkflow{})
	deps.Memory = &mockMemory{err: errors.New("boom")}
	handler := mcpDecisionMemory(deps)

	result, err := handler(context.Background(), makeCallToolRequest("decision_memory", map[string]interface{}{
		"query": "laptop",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error on search failure")
	}
}

func TestMCPResource_ActiveDecision(t *testing.T) {
	wf := &mockWorkflow{
		activeDecision: func() (storage.Decision, error) {
			return storage.Decision{ID: "d5", Title: "Car", Status: storage.StatusActive, CreatedAt: time.Now().UTC()}, nil
		},
	}
	deps, _ := newTestMCPDeps(t, wf)
	handler := mcpResourceActive(deps)

	contents, err := handler(context.Background(), makeReadResourceRequest("decision://active"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var d map[string]any
	if err := json.Unmarshal([]byte(tc.Text), &d); err != nil {
		t.Fatalf("decoding decision: %v", err)
	}
	if d["id"] != "d5" {
		t.Errorf("decision = %v", d)
	}
}

func TestMCPResource_ActiveDecision_None(t *testing.T) {
	wf := &mockWorkflow{
		activeDecision: func() (storage.Decision, error) {
			return storage.Decision{}, workflow.ErrNoActiveDecision
		},
	}
	deps, _ := newTestMCPDeps(t, wf)
	handler := mcpResourceActive(deps)

	contents, err := handler(context.Background(), makeReadResourceRequest("decision://active"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc := contents[0].(mcp.TextResourceContents)
	if tc.Text != "null" {
		t.Errorf("text = %q, want null", tc.Text)
	}
}
