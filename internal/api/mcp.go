package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/fathom/internal/plan"
)

// NewMCPServer creates an MCP server exposing the research lifecycle as
// tools, so an agent can drive plan/approve/run/cancel without the HTTP API.
func NewMCPServer(deps Deps) *server.MCPServer {
	if deps.RunCtx == nil {
		deps.RunCtx = context.Background()
	}

	s := server.NewMCPServer(
		"fathom",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("fathom — background deep-research runs with plan approval, progress events, and cancellation."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("create_project",
			mcp.WithDescription("Create a new research project."),
			mcp.WithString("title", mcp.Description("Project title"), mcp.Required()),
		),
		mcpCreateProject(deps),
	)

	s.AddTool(
		mcp.NewTool("plan_research",
			mcp.WithDescription("Generate a new draft research plan version for a project from conversation content."),
			mcp.WithString("project_id", mcp.Description("Project ID"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Conversation content to derive the research scope from"), mcp.Required()),
		),
		mcpPlanResearch(deps),
	)

	s.AddTool(
		mcp.NewTool("approve_plan",
			mcp.WithDescription("Approve the project's latest draft plan so a run can be started."),
			mcp.WithString("project_id", mcp.Description("Project ID"), mcp.Required()),
		),
		mcpApprovePlan(deps),
	)

	s.AddTool(
		mcp.NewTool("start_research",
			mcp.WithDescription("Start a background research run against the project's approved plan."),
			mcp.WithString("project_id", mcp.Description("Project ID"), mcp.Required()),
		),
		mcpStartResearch(deps),
	)

	s.AddTool(
		mcp.NewTool("research_status",
			mcp.WithDescription("Get a run's status and its most recent progress events."),
			mcp.WithString("run_id", mcp.Description("Run ID"), mcp.Required()),
			mcp.WithNumber("after", mcp.Description("Only return events with sequence number greater than this")),
		),
		mcpResearchStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_research",
			mcp.WithDescription("Request cancellation of a run. The run stops at its next stage boundary."),
			mcp.WithString("run_id", mcp.Description("Run ID"), mcp.Required()),
		),
		mcpCancelResearch(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"research://projects",
			"Research Projects",
			mcp.WithResourceDescription("Recent research projects with status"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceProjects(deps),
	)

	return s
}

func mcpCreateProject(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return mcpError("title is required"), nil
		}

		p, err := deps.Store.CreateProject("mcp", title)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to create project: %v", err)), nil
		}
		return mcpJSON(p)
	}
}

func mcpPlanResearch(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		scope, markdown, err := deps.Planner.Generate(content)
		if err != nil {
			return mcpError(fmt.Sprintf("generating plan: %v", err)), nil
		}
		scopeJSON, err := plan.MarshalScope(scope)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		p, err := deps.Store.CreatePlan(projectID, scopeJSON, markdown)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to create plan: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Created plan version %d (draft) for project %s:\n\n%s", p.Version, projectID, p.Markdown)), nil
	}
}

func mcpApprovePlan(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}

		p, err := deps.Store.ApproveLatestPlan(projectID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to approve plan: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Approved plan version %d for project %s", p.Version, projectID)), nil
	}
}

func mcpStartResearch(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}

		run, err := deps.Store.CreateRun(projectID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to start run: %v", err)), nil
		}

		deps.Executor.Start(deps.RunCtx, projectID, run.ID)
		return mcpText(fmt.Sprintf("Started run %s (plan version %d)", run.ID, run.PlanVersion)), nil
	}
}

func mcpResearchStatus(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := req.RequireString("run_id")
		if err != nil {
			return mcpError("run_id is required"), nil
		}
		after := int64(req.GetInt("after", 0))

		run, err := deps.Store.GetRun(runID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get run: %v", err)), nil
		}
		events, err := deps.Store.ListEvents(runID, after)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list events: %v", err)), nil
		}

		type eventSummary struct {
			Seq     int64  `json:"seq"`
			Stage   string `json:"stage"`
			Level   string `json:"level"`
			Message string `json:"message"`
		}
		summaries := make([]eventSummary, len(events))
		for i, ev := range events {
			summaries[i] = eventSummary{Seq: ev.Seq, Stage: string(ev.Stage), Level: string(ev.Level), Message: ev.Message}
		}

		return mcpJSON(map[string]any{
			"run":    run,
			"events": summaries,
		})
	}
}

func mcpCancelResearch(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := req.RequireString("run_id")
		if err != nil {
			return mcpError("run_id is required"), nil
		}

		run, err := deps.Store.RequestRunCancellation(runID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to cancel run: %v", err)), nil
		}
		deps.Registry.RequestCancel(runID)

		return mcpText(fmt.Sprintf("Run %s is %s", runID, run.Status)), nil
	}
}

func mcpResourceProjects(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		projects, err := deps.Store.ListProjects(20)
		if err != nil {
			return nil, fmt.Errorf("failed to list projects: %w", err)
		}

		type projectSummary struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			Status    string `json:"status"`
			UpdatedAt string `json:"updated_at"`
		}
		summaries := make([]projectSummary, len(projects))
		for i, p := range projects {
			summaries[i] = projectSummary{
				ID:        p.ID,
				Title:     p.Title,
				Status:    string(p.Status),
				UpdatedAt: p.UpdatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal projects: %w", err)
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
	b, err := json.Marshal(v)
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
