package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
)

// handleProcess opens a ticket and runs the workflow. Intake payloads are
// schema-checked at the boundary before the engine sees them.
func (s *TriageServer) handleProcess(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payload := map[string]any{
		"customer_name": req.GetString("customer_name", ""),
		"email":         req.GetString("email", ""),
		"query":         req.GetString("query", ""),
	}
	if priority := req.GetString("priority", ""); priority != "" {
		payload["priority"] = priority
	}
	if ticketID := req.GetString("ticket_id", ""); ticketID != "" {
		payload["ticket_id"] = ticketID
	}

	intake, err := s.validator.ValidateMap(payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("intake validation failed: %v", err)), nil
	}

	result, runErr := s.engine.Run(ctx, intake)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", runErr)), nil
	}

	s.logger.Info("ticket processed",
		slog.String("session_id", result.SessionID),
		slog.String("status", result.Status),
	)
	return marshalResult(result)
}

// handleRespond feeds customer answers into a waiting session and continues
// the workflow.
func (s *TriageServer) handleRespond(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	answers := mcp.ParseStringMap(req, "answers", nil)
	if len(answers) == 0 {
		return mcp.NewToolResultError("answers is required"), nil
	}

	result, resumeErr := s.engine.Resume(ctx, sessionID, answers)
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}

	s.logger.Info("session resumed",
		slog.String("session_id", sessionID),
		slog.String("status", result.Status),
	)
	return marshalResult(result)
}

// handleState returns the latest state version for a session.
func (s *TriageServer) handleState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	state, stateErr := s.engine.State(ctx, sessionID)
	if stateErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("state query failed: %v", stateErr)), nil
	}
	return marshalResult(state)
}

// handleHistory returns all state versions for a session.
func (s *TriageServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	history, histErr := s.engine.History(ctx, sessionID)
	if histErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("history query failed: %v", histErr)), nil
	}
	return marshalResult(map[string]any{
		"session_id": sessionID,
		"versions":   len(history),
		"history":    history,
	})
}

// handleSessions lists summary info for all sessions.
func (s *TriageServer) handleSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions, err := s.engine.Sessions(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session listing failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"total":    len(sessions),
		"sessions": sessions,
	})
}

// handleReport returns the session summary shaped by the configured report
// query.
func (s *TriageServer) handleReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	report, repErr := s.engine.Report(ctx, sessionID)
	if repErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("report failed: %v", repErr)), nil
	}
	return marshalResult(report)
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
