// Package mcp exposes the workflow orchestrator as an MCP server over stdio,
// so agents can open tickets, answer clarification questions, and inspect
// sessions through tool calls.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/triagekit/triagekit/internal/engine"
	"github.com/triagekit/triagekit/internal/validation"
)

// TriageServerDeps holds the dependencies for creating a TriageServer.
type TriageServerDeps struct {
	Engine    *engine.Engine
	Validator *validation.IntakeValidator
	Logger    *slog.Logger
}

// TriageServer wraps an MCP server with support-workflow tool handlers.
type TriageServer struct {
	engine    *engine.Engine
	validator *validation.IntakeValidator
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewTriageServer creates a TriageServer with all 6 tools registered.
func NewTriageServer(deps TriageServerDeps) *TriageServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &TriageServer{
		engine:    deps.Engine,
		validator: deps.Validator,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"triagekit",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Triagekit runs customer support tickets through an eleven-stage workflow. Use support.process to open and process a ticket, support.respond to supply customer answers to a waiting session, support.state and support.history to inspect sessions, support.sessions to list them, and support.report for a shaped summary."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *TriageServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *TriageServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 6 registered MCP tools as ServerTool entries.
func (s *TriageServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: processTool(), Handler: s.handleProcess},
		{Tool: respondTool(), Handler: s.handleRespond},
		{Tool: stateTool(), Handler: s.handleState},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: sessionsTool(), Handler: s.handleSessions},
		{Tool: reportTool(), Handler: s.handleReport},
	}
}

// --- Tool definitions ---

func processTool() mcp.Tool {
	return mcp.NewTool("support.process",
		mcp.WithDescription("Open a support ticket and run it through the workflow"),
		mcp.WithString("customer_name", mcp.Required(), mcp.Description("Customer's name")),
		mcp.WithString("email", mcp.Required(), mcp.Description("Customer's email address")),
		mcp.WithString("query", mcp.Required(), mcp.Description("The customer's support request text")),
		mcp.WithString("priority",
			mcp.Enum("low", "medium", "high", "urgent"),
			mcp.Description("Ticket priority (default: medium)"),
		),
		mcp.WithString("ticket_id",
			mcp.Description("Ticket ID to use instead of a derived one"),
		),
	)
}

func respondTool() mcp.Tool {
	return mcp.NewTool("support.respond",
		mcp.WithDescription("Supply customer answers to a session waiting for clarification"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the waiting session")),
		mcp.WithObject("answers", mcp.Required(), mcp.Description("Customer answers keyed by question topic")),
	)
}

func stateTool() mcp.Tool {
	return mcp.NewTool("support.state",
		mcp.WithDescription("Get the latest workflow state for a session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the session to query")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("support.history",
		mcp.WithDescription("Get all state versions for a session, oldest first"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the session to query")),
	)
}

func sessionsTool() mcp.Tool {
	return mcp.NewTool("support.sessions",
		mcp.WithDescription("List all support sessions with summary info"),
	)
}

func reportTool() mcp.Tool {
	return mcp.NewTool("support.report",
		mcp.WithDescription("Get a shaped summary report for a session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the session to report on")),
	)
}
