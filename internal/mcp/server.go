// Package mcp exposes the daemon's operations API as MCP tools so an
// assistant can start workflows, approve replies and query detections.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ankittk/aide/pkg/models"
)

// Backend is the slice of the operations API the tools call. *client.Client
// implements it.
type Backend interface {
	ListWorkflows(ctx context.Context) ([]models.Workflow, error)
	StartRun(ctx context.Context, name string, inputs map[string]any) (models.Run, error)
	GetRun(ctx context.Context, runID string) (models.Run, error)
	ResumeRun(ctx context.Context, runID, decision string) (models.Run, error)
	PostEvents(ctx context.Context, events any) ([]models.Detection, error)
	ListDetections(ctx context.Context) ([]models.Detection, error)
	AssessRisk(ctx context.Context, files, functions []string) (models.RiskAssessment, error)
	ListReplies(ctx context.Context) ([]models.Reply, error)
	ApproveReply(ctx context.Context, id string) (models.Reply, error)
	RejectReply(ctx context.Context, id string) (models.Reply, error)
}

type Server struct {
	mcpServer *server.MCPServer
	backend   Backend
}

func NewServer(backend Backend, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"aide",
			version,
			server.WithToolCapabilities(true),
		),
		backend: backend,
	}
	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves MCP over stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("list_workflows",
			mcp.WithDescription("List the workflow definitions the daemon has loaded"),
		),
		s.handleListWorkflows,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("start_workflow",
			mcp.WithDescription("Start a workflow run"),
			mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
			mcp.WithString("inputs", mcp.Description("Inputs as a JSON object")),
		),
		s.handleStartWorkflow,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("get_run",
			mcp.WithDescription("Get the state of a workflow run"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("Run ID")),
		),
		s.handleGetRun,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("resume_run",
			mcp.WithDescription("Approve or deny a run waiting for approval"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("Run ID")),
			mcp.WithString("decision", mcp.Required(), mcp.Description("approved or denied")),
		),
		s.handleResumeRun,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("ingest_events",
			mcp.WithDescription("Send log events to the detection engine and return any detections"),
			mcp.WithString("events", mcp.Required(), mcp.Description("One event object or an array of events, as JSON")),
		),
		s.handleIngestEvents,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("list_detections",
			mcp.WithDescription("List recent threat detections"),
		),
		s.handleListDetections,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("assess_risk",
			mcp.WithDescription("Score a change by the incident history of the files and functions it touches"),
			mcp.WithString("files", mcp.Description("Comma-separated file paths")),
			mcp.WithString("functions", mcp.Description("Comma-separated function names")),
		),
		s.handleAssessRisk,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("list_replies",
			mcp.WithDescription("List queued auto-replies"),
		),
		s.handleListReplies,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("review_reply",
			mcp.WithDescription("Approve or reject a reply pending approval"),
			mcp.WithString("id", mcp.Required(), mcp.Description("Reply ID")),
			mcp.WithBoolean("approve", mcp.Required(), mcp.Description("true to approve, false to reject")),
		),
		s.handleReviewReply,
	)
}

func arguments(request mcp.CallToolRequest) (map[string]any, bool) {
	if request.Params.Arguments == nil {
		return map[string]any{}, true
	}
	args, ok := request.Params.Arguments.(map[string]any)
	return args, ok
}

func requiredString(args map[string]any, key string) (string, *mcp.CallToolResult) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", mcp.NewToolResultError("Missing required parameter: " + key)
	}
	return v, nil
}

func jsonResult(v any, err error, action string) (*mcp.CallToolResult, error) {
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %v", action, err)), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) handleListWorkflows(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wfs, err := s.backend.ListWorkflows(ctx)
	return jsonResult(wfs, err, "list workflows")
}

func (s *Server) handleStartWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := arguments(request)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	name, bad := requiredString(args, "name")
	if bad != nil {
		return bad, nil
	}
	inputs := map[string]any{}
	if raw, _ := args["inputs"].(string); strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("inputs must be a JSON object: %v", err)), nil
		}
	}
	run, err := s.backend.StartRun(ctx, name, inputs)
	return jsonResult(run, err, "start workflow")
}

func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := arguments(request)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	id, bad := requiredString(args, "run_id")
	if bad != nil {
		return bad, nil
	}
	run, err := s.backend.GetRun(ctx, id)
	return jsonResult(run, err, "get run")
}

func (s *Server) handleResumeRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := arguments(request)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	id, bad := requiredString(args, "run_id")
	if bad != nil {
		return bad, nil
	}
	decision, bad := requiredString(args, "decision")
	if bad != nil {
		return bad, nil
	}
	run, err := s.backend.ResumeRun(ctx, id, decision)
	return jsonResult(run, err, "resume run")
}

func (s *Server) handleIngestEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := arguments(request)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	raw, bad := requiredString(args, "events")
	if bad != nil {
		return bad, nil
	}
	if !json.Valid([]byte(raw)) {
		return mcp.NewToolResultError("events must be valid JSON"), nil
	}
	dets, err := s.backend.PostEvents(ctx, json.RawMessage(raw))
	return jsonResult(dets, err, "ingest events")
}

func (s *Server) handleListDetections(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dets, err := s.backend.ListDetections(ctx)
	return jsonResult(dets, err, "list detections")
}

func (s *Server) handleAssessRisk(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := arguments(request)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	files, _ := args["files"].(string)
	funcs, _ := args["functions"].(string)
	risk, err := s.backend.AssessRisk(ctx, splitList(files), splitList(funcs))
	return jsonResult(risk, err, "assess risk")
}

func (s *Server) handleListReplies(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	replies, err := s.backend.ListReplies(ctx)
	return jsonResult(replies, err, "list replies")
}

func (s *Server) handleReviewReply(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := arguments(request)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	id, bad := requiredString(args, "id")
	if bad != nil {
		return bad, nil
	}
	approve, ok := args["approve"].(bool)
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: approve"), nil
	}
	if approve {
		r, err := s.backend.ApproveReply(ctx, id)
		return jsonResult(r, err, "approve reply")
	}
	r, err := s.backend.RejectReply(ctx, id)
	return jsonResult(r, err, "reject reply")
}
