package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/deepqueue/internal/apperr"
	"github.com/kalambet/deepqueue/internal/research"
)

const (
	mcpRecentLimit    = 10
	mcpQuestionRunes  = 200
	recentResourceURI = "research://recent"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *research.Store
	Submitter Submitter
	Timeline  Timeline
}

// NewMCPServer creates an MCP server exposing research submission and
// inspection.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"deepqueue",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("deepqueue runs long research questions asynchronously. Submit a question, then poll it by id."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_research",
			mcp.WithDescription("Submit a research question. Returns the created record; poll it with get_research."),
			mcp.WithString("question", mcp.Description("The question to research"), mcp.Required()),
		),
		mcpSubmitResearch(deps),
	)

	s.AddTool(
		mcp.NewTool("get_research",
			mcp.WithDescription("Fetch a research record by id, including its result once completed."),
			mcp.WithString("id", mcp.Description("Research id"), mcp.Required()),
		),
		mcpGetResearch(deps),
	)

	s.AddTool(
		mcp.NewTool("research_timeline",
			mcp.WithDescription("List the broker delivery events for a research request, oldest first."),
			mcp.WithString("id", mcp.Description("Research id"), mcp.Required()),
		),
		mcpResearchTimeline(deps),
	)

	s.AddResource(
		mcp.NewResource(
			recentResourceURI,
			"Recent Research",
			mcp.WithResourceDescription("The 10 most recently created research requests"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSubmitResearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		rec, err := deps.Submitter.Submit(ctx, question)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to submit: %v", err)), nil
		}
		return mcpJSON(rec)
	}
}

func mcpGetResearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		rec, err := findResearch(ctx, deps.Store, id)
		if apperr.IsNotFound(err) {
			return mcpError(fmt.Sprintf("research %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get research: %v", err)), nil
		}
		return mcpJSON(rec)
	}
}

func mcpResearchTimeline(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		rec, err := findResearch(ctx, deps.Store, id)
		if apperr.IsNotFound(err) {
			return mcpError(fmt.Sprintf("research %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get research: %v", err)), nil
		}

		timeline, err := deps.Timeline.GetCorrelatedEvents(ctx, rec.ID, rec.UpstreamJobID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to fetch events: %v", err)), nil
		}
		return mcpJSON(map[string]any{
			"researchId": rec.ID,
			"events":     timeline,
			"count":      len(timeline),
		})
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		all, err := deps.Store.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list research: %w", err)
		}
		if len(all) > mcpRecentLimit {
			all = all[:mcpRecentLimit]
		}

		type researchSummary struct {
			ID        string          `json:"id"`
			Status    research.Status `json:"status"`
			CreatedAt string          `json:"createdAt"`
			Question  string          `json:"question"`
		}

		summaries := make([]researchSummary, len(all))
		for i, r := range all {
			summaries[i] = researchSummary{
				ID:        r.ID,
				Status:    r.Status,
				CreatedAt: r.CreatedAt.Format(time.RFC3339),
				Question:  research.Truncate(r.Question, mcpQuestionRunes),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal research: %w", err)
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

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
