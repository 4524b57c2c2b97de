package stages

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triagekit/triagekit/pkg/schema"
)

func TestUpdateAutoClosesOnHighScore(t *testing.T) {
	runner, store, provider := newTestRunner(t)
	sessionID := newSession(t, store)
	applyState(t, store, sessionID, schema.StageDecide, schema.Updates{
		schema.FieldRetrievedSolutions: billingSolutions(),
		schema.FieldSolutionScores:     billingScores(),
		schema.FieldEscalationDecision: false,
		schema.FieldSelectedSolution:   map[string]any{"solution_id": "SOL-001", "score": 92.0},
		schema.FieldDecisionReasoning:  "Auto-resolved with solution score 92",
	})

	var closeParams map[string]any
	provider.Respond("close_ticket", func(req *schema.CapabilityRequest) *schema.CapabilityResult {
		closeParams = req.Parameters
		return &schema.CapabilityResult{
			Success: true,
			Data:    map[string]any{"ticket_closed": true},
		}
	})

	state, err := runner.Update(context.Background(), sessionID)
	require.NoError(t, err)

	require.NotNil(t, state.TicketStatus)
	assert.Equal(t, "closed", *state.TicketStatus)
	require.NotNil(t, closeParams)
	assert.Equal(t, "resolved_billing_issue", closeParams["resolution_code"])

	entry := lastLogEntry(t, store, sessionID)
	assert.Equal(t, []string{"update_ticket", "close_ticket"}, entry.AbilitiesExecuted)
	assert.Equal(t, schema.StageStatusCompleted, entry.Status)
}

func TestUpdateKeepsTicketOpenOnModestScore(t *testing.T) {
	runner, store, _ := newTestRunner(t)
	sessionID := newSession(t, store)
	applyState(t, store, sessionID, schema.StageDecide, schema.Updates{
		schema.FieldRetrievedSolutions: billingSolutions(),
		schema.FieldSolutionScores: map[string]any{
			"SOL-002": map[string]any{"overall_score": 78.0},
		},
		schema.FieldEscalationDecision: false,
		schema.FieldSelectedSolution:   map[string]any{"solution_id": "SOL-002", "score": 78.0},
	})

	state, err := runner.Update(context.Background(), sessionID)
	require.NoError(t, err)

	require.NotNil(t, state.TicketStatus)
	assert.Equal(t, "in_progress", *state.TicketStatus)

	entry := lastLogEntry(t, store, sessionID)
	assert.Equal(t, []string{"update_ticket"}, entry.AbilitiesExecuted, "no close call below the auto-close bar")
}

func TestUpdateEscalatedTicket(t *testing.T) {
	runner, store, provider := newTestRunner(t)
	sessionID := newSession(t, store)
	applyState(t, store, sessionID, schema.StageDecide, schema.Updates{
		schema.FieldEscalationDecision: true,
		schema.FieldDecisionReasoning:  "Escalated due to low solution score (55)",
	})

	var updateParams map[string]any
	provider.Respond("update_ticket", func(req *schema.CapabilityRequest) *schema.CapabilityResult {
		updateParams = req.Parameters
		return &schema.CapabilityResult{
			Success: true,
			Data:    map[string]any{"ticket_updated": true, "new_status": "escalated"},
		}
	})

	state, err := runner.Update(context.Background(), sessionID)
	require.NoError(t, err)

	require.NotNil(t, updateParams)
	assert.Equal(t, "escalated", updateParams["new_status"])
	assert.Equal(t, "human_agent", updateParams["assigned_agent"])
	assert.Equal(t, "high", updateParams["priority"])

	require.NotNil(t, state.TicketStatus)
	assert.Equal(t, "escalated", *state.TicketStatus)

	entry := lastLogEntry(t, store, sessionID)
	assert.Equal(t, []string{"update_ticket"}, entry.AbilitiesExecuted, "escalated sessions never auto-close")
}

func TestUpdateIncludesSolutionAndSLAParams(t *testing.T) {
	runner, store, provider := newTestRunner(t)
	sessionID := newSession(t, store)
	applyState(t, store, sessionID, schema.StageDecide, schema.Updates{
		schema.FieldRetrievedSolutions: billingSolutions(),
		schema.FieldSolutionScores: map[string]any{
			"SOL-001": map[string]any{"overall_score": 80.0},
		},
		schema.FieldEscalationDecision: false,
		schema.FieldSelectedSolution:   map[string]any{"solution_id": "SOL-001", "score": 80.0},
		schema.FieldCalculatedFlags: map[string]any{
			"sla_targets": map[string]any{"first_response": "4 hours", "resolution": "24 hours"},
		},
	})

	var params map[string]any
	provider.Respond("update_ticket", func(req *schema.CapabilityRequest) *schema.CapabilityResult {
		params = req.Parameters
		return &schema.CapabilityResult{Success: true, Data: map[string]any{"new_status": "in_progress"}}
	})

	_, err := runner.Update(context.Background(), sessionID)
	require.NoError(t, err)

	require.NotNil(t, params)
	assert.Equal(t, "Billing Payment Failure Resolution", params["resolution_approach"])
	assert.Equal(t, "15 minutes", params["estimated_resolution_time"])
	assert.Equal(t, "24 hours", params["sla_target"])
	assert.Equal(t,
		[]string{"new_status", "resolution_approach", "estimated_resolution_time", "sla_target"},
		params["fields_to_update"])
}

func TestUpdateMissingPrerequisite(t *testing.T) {
	runner, store, _ := newTestRunner(t)
	sessionID := newSession(t, store)

	_, err := runner.Update(context.Background(), sessionID)
	require.Error(t, err)

	var te *schema.TriageError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, schema.ErrCodeMissingPrereq, te.Code)
}

func TestResolutionCodes(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Billing Payment Failure Resolution", "resolved_billing_issue"},
		{"Account Login Reset", "resolved_account_issue"},
		{"Technical Bug Workaround", "resolved_technical_issue"},
		{"How to export data", "resolved_general_inquiry"},
		{"", "resolved_general_inquiry"},
	}
	for _, tt := range tests {
		state := &schema.WorkflowState{
			SelectedSolution:   map[string]any{"solution_id": "SOL-X"},
			RetrievedSolutions: []map[string]any{{"id": "SOL-X", "title": tt.title}},
		}
		assert.Equal(t, tt.want, resolutionCode(state), tt.title)
	}
}
