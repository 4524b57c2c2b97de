package statestore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triagekit/triagekit/pkg/schema"
)

func seedSession(t *testing.T, store Store) *schema.WorkflowState {
	t.Helper()
	state, err := store.Create(context.Background(), &schema.IntakeRequest{
		CustomerName: "Jane Doe",
		Email:        "jane@example.com",
		Query:        "My payment failed",
		Priority:     schema.PriorityHigh,
	})
	require.NoError(t, err)
	return state
}

// --- Create Tests ---

func TestMemoryCreateSeedsVersionOne(t *testing.T) {
	store := NewMemoryStore()
	state := seedSession(t, store)

	assert.NotEmpty(t, state.SessionID)
	assert.Regexp(t, `^TKT-\d{8}-[0-9a-f]{8}$`, state.TicketID)
	assert.Equal(t, schema.StageIntake, state.CurrentStage)
	require.NotNil(t, state.TicketStatus)
	assert.Equal(t, "open", *state.TicketStatus)

	history, err := store.GetHistory(context.Background(), state.SessionID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestMemoryCreateHonorsSuppliedTicketID(t *testing.T) {
	store := NewMemoryStore()
	state, err := store.Create(context.Background(), &schema.IntakeRequest{
		CustomerName: "Jane Doe",
		Email:        "jane@example.com",
		Query:        "My payment failed",
		TicketID:     "TKT-EXTERNAL-42",
	})
	require.NoError(t, err)
	assert.Equal(t, "TKT-EXTERNAL-42", state.TicketID)
	assert.NotEmpty(t, state.SessionID, "session ID stays the true key")
}

func TestMemoryCreateDefaultsPriority(t *testing.T) {
	store := NewMemoryStore()
	state, err := store.Create(context.Background(), &schema.IntakeRequest{
		CustomerName: "Sam",
		Email:        "sam@example.com",
		Query:        "Login issue",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.PriorityMedium, state.Priority)
}

// --- ApplyUpdate Tests ---

func TestMemoryApplyUpdateAppendsOneVersion(t *testing.T) {
	store := NewMemoryStore()
	state := seedSession(t, store)
	ctx := context.Background()

	next, err := store.ApplyUpdate(ctx, state.SessionID, schema.StageUnderstand, schema.Updates{
		schema.FieldParsedRequest: map[string]any{"intent": "billing"},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.StageUnderstand, next.CurrentStage)
	assert.Equal(t, "billing", next.ParsedRequest["intent"])

	history, err := store.GetHistory(ctx, state.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Nil(t, history[0].ParsedRequest, "prior version untouched")
	assert.Equal(t, schema.StageIntake, history[0].CurrentStage)
}

func TestMemoryApplyUpdateUnknownKeyDiagnostic(t *testing.T) {
	store := NewMemoryStore()
	state := seedSession(t, store)

	next, err := store.ApplyUpdate(context.Background(), state.SessionID, schema.StageDecide, schema.Updates{
		schema.Field("decision_timestamp"): "2026-09-01T00:00:00Z",
	})
	require.NoError(t, err, "unknown keys never fail the update")
	require.Len(t, next.Errors, 1)
	assert.Equal(t, "Unknown state key: decision_timestamp from stage DECIDE", next.Errors[0])
}

func TestMemoryApplyUpdateUnknownSession(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.ApplyUpdate(context.Background(), "nope", schema.StageUnderstand, nil)

	var te *schema.TriageError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, schema.ErrCodeSessionNotFound, te.Code)
}

// --- AppendLogEntry Tests ---

func TestMemoryAppendLogEntryMutatesLatestInPlace(t *testing.T) {
	store := NewMemoryStore()
	state := seedSession(t, store)
	ctx := context.Background()

	_, err := store.ApplyUpdate(ctx, state.SessionID, schema.StageUnderstand, schema.Updates{
		schema.FieldParsedRequest: map[string]any{"intent": "billing"},
	})
	require.NoError(t, err)

	entry := &schema.ExecutionLogEntry{
		StageName:         schema.StageUnderstand,
		Status:            schema.StageStatusCompleted,
		AbilitiesExecuted: []string{"parse_request_text", "extract_entities"},
		BackendUsed:       "internal-processing",
		DurationMs:        12,
	}
	require.NoError(t, store.AppendLogEntry(ctx, state.SessionID, entry))
	assert.Equal(t, 2, entry.StageID, "stage id filled from stage name")

	history, err := store.GetHistory(ctx, state.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 2, "log append creates no new version")
	require.Len(t, history[1].ExecutionLog, 1)
	assert.Empty(t, history[0].ExecutionLog)
	assert.False(t, history[1].ExecutionLog[0].Timestamp.IsZero())
}

func TestMemoryAppendLogEntryMirrorsError(t *testing.T) {
	store := NewMemoryStore()
	state := seedSession(t, store)
	ctx := context.Background()

	entry := &schema.ExecutionLogEntry{
		StageName:    schema.StagePrepare,
		Status:       schema.StageStatusFailed,
		ErrorMessage: "missing required data from previous stages: parsed_request",
	}
	require.NoError(t, store.AppendLogEntry(ctx, state.SessionID, entry))

	latest, err := store.GetLatest(ctx, state.SessionID)
	require.NoError(t, err)
	require.Len(t, latest.Errors, 1)
	assert.Equal(t,
		"PREPARE: missing required data from previous stages: parsed_request",
		latest.Errors[0])
}

// --- GetLatest Tests ---

func TestMemoryGetLatestReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	state := seedSession(t, store)
	ctx := context.Background()

	first, err := store.GetLatest(ctx, state.SessionID)
	require.NoError(t, err)
	first.CustomerName = "mutated"

	second, err := store.GetLatest(ctx, state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", second.CustomerName)
}

// --- ListSessions Tests ---

func TestMemoryListSessions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	a := seedSession(t, store)
	b := seedSession(t, store)

	_, err := store.ApplyUpdate(ctx, b.SessionID, schema.StageComplete, schema.Updates{
		schema.FieldWorkflowCompleted: true,
	})
	require.NoError(t, err)

	infos, err := store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	byID := map[string]*SessionInfo{}
	for _, info := range infos {
		byID[info.SessionID] = info
	}
	assert.False(t, byID[a.SessionID].Completed)
	assert.Equal(t, 1, byID[a.SessionID].Versions)
	assert.True(t, byID[b.SessionID].Completed)
	assert.Equal(t, 2, byID[b.SessionID].Versions)
}

// --- Purge Tests ---

func TestMemoryPurgeIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	state := seedSession(t, store)
	ctx := context.Background()

	require.NoError(t, store.Purge(ctx, state.SessionID))
	require.NoError(t, store.Purge(ctx, state.SessionID))

	_, err := store.GetLatest(ctx, state.SessionID)
	var te *schema.TriageError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, schema.ErrCodeSessionNotFound, te.Code)
}
