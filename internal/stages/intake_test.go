package stages

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triagekit/triagekit/pkg/schema"
)

func TestIntakeCreatesSession(t *testing.T) {
	runner, store, _ := newTestRunner(t)

	state, err := runner.Intake(context.Background(), &schema.IntakeRequest{
		CustomerName: "Jane Doe",
		Email:        "jane@example.com",
		Query:        "My payment failed",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, state.SessionID)
	assert.Equal(t, schema.PriorityMedium, state.Priority, "priority defaults to medium")
	require.NotNil(t, state.TicketStatus)
	assert.Equal(t, "open", *state.TicketStatus)

	require.Len(t, state.ExecutionLog, 1)
	entry := state.ExecutionLog[0]
	assert.Equal(t, schema.StageIntake, entry.StageName)
	assert.Equal(t, 1, entry.StageID)
	assert.Equal(t, schema.StageStatusCompleted, entry.Status)
	assert.Equal(t, state.TicketID, entry.Output["ticket_id"])
	assert.Equal(t, "open", entry.Output["ticket_status"])
	assert.Empty(t, entry.AbilitiesExecuted)

	history, err := store.GetHistory(context.Background(), state.SessionID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestIntakeRejectsInvalidRequest(t *testing.T) {
	runner, store, _ := newTestRunner(t)

	_, err := runner.Intake(context.Background(), &schema.IntakeRequest{
		CustomerName: "Jane Doe",
		Email:        "bad-email",
		Query:        "help",
	})
	require.Error(t, err)

	var te *schema.TriageError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, schema.ErrCodeValidation, te.Code)

	infos, listErr := store.ListSessions(context.Background())
	require.NoError(t, listErr)
	assert.Empty(t, infos, "nothing persisted on validation failure")
}
