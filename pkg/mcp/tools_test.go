package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triagekit/triagekit/internal/capability"
	"github.com/triagekit/triagekit/internal/engine"
	"github.com/triagekit/triagekit/internal/rules"
	"github.com/triagekit/triagekit/internal/statestore"
	"github.com/triagekit/triagekit/internal/validation"
	"github.com/triagekit/triagekit/pkg/schema"
)

func newTestServer(t *testing.T) (*TriageServer, *capability.StubProvider) {
	t.Helper()
	store := statestore.NewMemoryStore()
	provider := capability.NewStubProvider()
	dr, err := rules.New()
	require.NoError(t, err)
	validator, err := validation.NewIntakeValidator()
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	return NewTriageServer(TriageServerDeps{
		Engine:    engine.New(store, provider, dr, logger),
		Validator: validator,
		Logger:    logger,
	}), provider
}

func callRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultDoc(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, result.IsError)
	require.NotEmpty(t, result.Content)
	text := mcp.GetTextFromContent(result.Content[0])

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &doc))
	return doc
}

func processTicket(t *testing.T, s *TriageServer) map[string]any {
	t.Helper()
	result, err := s.handleProcess(context.Background(), callRequest("support.process", map[string]any{
		"customer_name": "Jane Doe",
		"email":         "jane@example.com",
		"query":         "My payment failed and my card was declined",
		"priority":      "high",
	}))
	require.NoError(t, err)
	return resultDoc(t, result)
}

func TestHandleProcess(t *testing.T) {
	s, _ := newTestServer(t)

	doc := processTicket(t, s)
	assert.Equal(t, schema.StatusResolved, doc["status"])
	assert.Equal(t, false, doc["escalated"])
	assert.NotEmpty(t, doc["session_id"])
	assert.NotEmpty(t, doc["ticket_id"])
	assert.Equal(t, float64(10), doc["stages_completed"])
}

func TestHandleProcessSuppliedTicketID(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleProcess(context.Background(), callRequest("support.process", map[string]any{
		"customer_name": "Jane Doe",
		"email":         "jane@example.com",
		"query":         "My payment failed",
		"ticket_id":     "TKT-EXTERNAL-42",
	}))
	require.NoError(t, err)

	doc := resultDoc(t, result)
	assert.Equal(t, "TKT-EXTERNAL-42", doc["ticket_id"])
}

func TestHandleProcessValidationError(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleProcess(context.Background(), callRequest("support.process", map[string]any{
		"customer_name": "Jane Doe",
		"email":         "not-an-email",
		"query":         "help",
	}))
	require.NoError(t, err, "tool errors are returned in-band")
	require.True(t, result.IsError)
	assert.Contains(t, mcp.GetTextFromContent(result.Content[0]), "intake validation failed")
}

func TestHandleRespondFlow(t *testing.T) {
	s, provider := newTestServer(t)
	provider.Respond("clarify_question", func(req *schema.CapabilityRequest) *schema.CapabilityResult {
		return &schema.CapabilityResult{
			Success: true,
			Data: map[string]any{
				"questions_needed": true,
				"questions":        []any{"Which card did you use?"},
			},
		}
	})

	doc := processTicket(t, s)
	require.Equal(t, schema.StatusWaitingForCustomer, doc["status"])
	sessionID := doc["session_id"].(string)

	result, err := s.handleRespond(context.Background(), callRequest("support.respond", map[string]any{
		"session_id": sessionID,
		"answers":    map[string]any{"Which card did you use?": "Visa ending 4242"},
	}))
	require.NoError(t, err)

	resumed := resultDoc(t, result)
	assert.Equal(t, schema.StatusResolved, resumed["status"])
}

func TestHandleRespondMissingArguments(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	result, err := s.handleRespond(ctx, callRequest("support.respond", map[string]any{
		"answers": map[string]any{"q": "a"},
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, mcp.GetTextFromContent(result.Content[0]), "session_id is required")

	result, err = s.handleRespond(ctx, callRequest("support.respond", map[string]any{
		"session_id": "sess-1",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, mcp.GetTextFromContent(result.Content[0]), "answers is required")
}

func TestHandleStateAndHistory(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	doc := processTicket(t, s)
	sessionID := doc["session_id"].(string)

	stateResult, err := s.handleState(ctx, callRequest("support.state", map[string]any{
		"session_id": sessionID,
	}))
	require.NoError(t, err)
	state := resultDoc(t, stateResult)
	assert.Equal(t, sessionID, state["session_id"])
	assert.Equal(t, schema.StageComplete, state["current_stage"])

	histResult, err := s.handleHistory(ctx, callRequest("support.history", map[string]any{
		"session_id": sessionID,
	}))
	require.NoError(t, err)
	hist := resultDoc(t, histResult)
	assert.Equal(t, sessionID, hist["session_id"])
	assert.Equal(t, float64(10), hist["versions"])
}

func TestHandleStateUnknownSession(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleState(context.Background(), callRequest("support.state", map[string]any{
		"session_id": "missing",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, mcp.GetTextFromContent(result.Content[0]), "SESSION_NOT_FOUND")
}

func TestHandleSessions(t *testing.T) {
	s, _ := newTestServer(t)

	processTicket(t, s)
	processTicket(t, s)

	result, err := s.handleSessions(context.Background(), callRequest("support.sessions", nil))
	require.NoError(t, err)
	doc := resultDoc(t, result)
	assert.Equal(t, float64(2), doc["total"])
	sessions, ok := doc["sessions"].([]any)
	require.True(t, ok)
	assert.Len(t, sessions, 2)
}

func TestHandleReport(t *testing.T) {
	s, _ := newTestServer(t)

	doc := processTicket(t, s)
	sessionID := doc["session_id"].(string)

	result, err := s.handleReport(context.Background(), callRequest("support.report", map[string]any{
		"session_id": sessionID,
	}))
	require.NoError(t, err)

	report := resultDoc(t, result)
	assert.Equal(t, sessionID, report["session_id"])
	assert.Equal(t, schema.StatusResolved, report["status"])
	stages, ok := report["stages"].([]any)
	require.True(t, ok)
	assert.Len(t, stages, 11)
}
