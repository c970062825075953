package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/counsel/internal/storage"
	"github.com/kalambet/counsel/internal/workflow"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Workflow Workflow
	Store    *storage.Store
	Memory   MemorySearcher
}

// NewMCPServer creates an MCP server with the counsel tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"counsel",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("counsel — decision-support assistant: structured intake, web research, and revisable recommendations."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("decision_message",
			mcp.WithDescription("Send a message into a decision conversation and get the assistant's reply. Omit decision_id to use (or start) the active decision."),
			mcp.WithString("message", mcp.Description("The user's message"), mcp.Required()),
			mcp.WithString("decision_id", mcp.Description("Target decision; defaults to the active one")),
		),
		mcpDecisionMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("decision_complete",
			mcp.WithDescription("Complete a decision: summarize it into an immutable record and close it."),
			mcp.WithString("decision_id", mcp.Description("Decision to complete; defaults to the active one")),
		),
		mcpDecisionComplete(deps),
	)

	s.AddTool(
		mcp.NewTool("list_decisions",
			mcp.WithDescription("List recent decisions with status and title."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of decisions (default 20)")),
		),
		mcpListDecisions(deps),
	)

	s.AddTool(
		mcp.NewTool("decision_memory",
			mcp.WithDescription("Search previously completed decisions for relevant outcomes."),
			mcp.WithString("query", mcp.Description("Free-text search query"), mcp.Required()),
		),
		mcpDecisionMemory(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"decision://active",
			"Active Decision",
			mcp.WithResourceDescription("The currently active decision as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceActive(deps),
	)

	return s
}

func mcpDecisionMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		decisionID := req.GetString("decision_id", "")
		if decisionID == "" {
			active, err := deps.Workflow.ActiveDecision()
			switch err {
			case nil:
				decisionID = active.ID
			case workflow.ErrNoActiveDecision:
				d, err := deps.Workflow.StartDecision(message)
				if err != nil {
					return mcpError(fmt.Sprintf("failed to start decision: %v", err)), nil
				}
				decisionID = d.ID
			default:
				return mcpError(fmt.Sprintf("failed to resolve active decision: %v", err)), nil
			}
		}

		result, err := deps.Workflow.HandleTurn(ctx, decisionID, message)
		if err != nil {
			return mcpError(fmt.Sprintf("turn failed: %v", err)), nil
		}
		return mcpText(result.Reply), nil
	}
}

func mcpDecisionComplete(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		decisionID := req.GetString("decision_id", "")
		if decisionID == "" {
			active, err := deps.Workflow.ActiveDecision()
			if err != nil {
				return mcpError("no active decision to complete"), nil
			}
			decisionID = active.ID
		}

		record, err := deps.Workflow.Complete(ctx, decisionID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to complete decision: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"decision_id":        record.DecisionID,
			"title":              record.Title,
			"recommended_option": record.RecommendedOption,
			"confidence":         record.Confidence,
			"rationale":          record.Rationale,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal record: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListDecisions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		decisions, err := deps.Store.ListDecisions(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list decisions: %v", err)), nil
		}
		if len(decisions) == 0 {
			return mcpText("[]"), nil
		}

		type decisionSummary struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			Status    string `json:"status"`
			CreatedAt string `json:"created_at"`
		}
		out := make([]decisionSummary, len(decisions))
		for i, d := range decisions {
			out[i] = decisionSummary{
				ID:        d.ID,
				Title:     d.Title,
				Status:    d.Status,
				CreatedAt: d.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal decisions: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpDecisionMemory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		snippets, err := deps.Memory.Search(query)
		if err != nil {
			return mcpError(fmt.Sprintf("memory search failed: %v", err)), nil
		}
		if len(snippets) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(snippets)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal snippets: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceActive(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		d, err := deps.Workflow.ActiveDecision()
		if err == workflow.ErrNoActiveDecision {
			return []mcp.ResourceContents{
				mcp.TextResourceContents{
					URI:      req.Params.URI,
					MIMEType: "application/json",
					Text:     "null",
				},
			}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve active decision: %w", err)
		}

		b, err := json.Marshal(decisionJSON(d))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal decision: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
