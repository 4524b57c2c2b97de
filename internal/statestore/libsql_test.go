package statestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triagekit/triagekit/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

// --- Create Tests ---

func TestLibSQLCreateAndGetLatest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := seedSession(t, store)

	got, err := store.GetLatest(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, created.SessionID, got.SessionID)
	assert.Equal(t, created.TicketID, got.TicketID)
	assert.Equal(t, "Jane Doe", got.CustomerName)
	assert.Equal(t, schema.StageIntake, got.CurrentStage)
	require.NotNil(t, got.TicketStatus)
	assert.Equal(t, "open", *got.TicketStatus)
}

func TestLibSQLGetLatestUnknownSession(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetLatest(context.Background(), "missing")
	var te *schema.TriageError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, schema.ErrCodeSessionNotFound, te.Code)
}

// --- Version Tests ---

func TestLibSQLApplyUpdateVersioning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	state := seedSession(t, store)

	_, err := store.ApplyUpdate(ctx, state.SessionID, schema.StageUnderstand, schema.Updates{
		schema.FieldParsedRequest: map[string]any{"intent": "billing"},
	})
	require.NoError(t, err)

	_, err = store.ApplyUpdate(ctx, state.SessionID, schema.StagePrepare, schema.Updates{
		schema.FieldNormalizedFields: map[string]any{"category": "billing"},
	})
	require.NoError(t, err)

	history, err := store.GetHistory(ctx, state.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, schema.StageIntake, history[0].CurrentStage)
	assert.Equal(t, schema.StageUnderstand, history[1].CurrentStage)
	assert.Equal(t, schema.StagePrepare, history[2].CurrentStage)
	assert.Nil(t, history[1].NormalizedFields, "earlier version unaffected by later updates")
}

func TestLibSQLApplyUpdatePersistsDiagnostics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	state := seedSession(t, store)

	next, err := store.ApplyUpdate(ctx, state.SessionID, schema.StageRetrieve, schema.Updates{
		schema.Field("search_metadata"): map[string]any{"total_results": 3},
	})
	require.NoError(t, err)
	require.Len(t, next.Errors, 1)
	assert.Equal(t, "Unknown state key: search_metadata from stage RETRIEVE", next.Errors[0])

	// Diagnostics survive a round trip through the side table.
	got, err := store.GetLatest(ctx, state.SessionID)
	require.NoError(t, err)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, next.Errors[0], got.Errors[0])
}

// --- Execution Log Tests ---

func TestLibSQLAppendLogEntryOrderAndMirroring(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	state := seedSession(t, store)

	require.NoError(t, store.AppendLogEntry(ctx, state.SessionID, &schema.ExecutionLogEntry{
		StageName:         schema.StageIntake,
		Status:            schema.StageStatusCompleted,
		AbilitiesExecuted: []string{},
	}))
	require.NoError(t, store.AppendLogEntry(ctx, state.SessionID, &schema.ExecutionLogEntry{
		StageName:    schema.StageUnderstand,
		Status:       schema.StageStatusFailed,
		ErrorMessage: "parse_request_text failed: backend unavailable",
	}))

	got, err := store.GetLatest(ctx, state.SessionID)
	require.NoError(t, err)
	require.Len(t, got.ExecutionLog, 2)
	assert.Equal(t, schema.StageIntake, got.ExecutionLog[0].StageName)
	assert.Equal(t, 1, got.ExecutionLog[0].StageID)
	assert.Equal(t, schema.StageUnderstand, got.ExecutionLog[1].StageName)
	assert.Equal(t, schema.StageStatusFailed, got.ExecutionLog[1].Status)

	require.Len(t, got.Errors, 1)
	assert.Equal(t, "UNDERSTAND: parse_request_text failed: backend unavailable", got.Errors[0])

	history, err := store.GetHistory(ctx, state.SessionID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "log appends create no new versions")
}

func TestLibSQLAppendLogEntryUnknownSession(t *testing.T) {
	store := newTestStore(t)

	err := store.AppendLogEntry(context.Background(), "missing", &schema.ExecutionLogEntry{
		StageName: schema.StageIntake,
		Status:    schema.StageStatusCompleted,
	})
	var te *schema.TriageError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, schema.ErrCodeSessionNotFound, te.Code)
}

// --- Session Listing Tests ---

func TestLibSQLListSessions(t *testing.T) {
	store := newTestStore(t)
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
	assert.True(t, byID[b.SessionID].Completed)
	assert.Equal(t, schema.StageComplete, byID[b.SessionID].CurrentStage)
	assert.Equal(t, 2, byID[b.SessionID].Versions)
}

// --- Purge Tests ---

func TestLibSQLPurge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	state := seedSession(t, store)

	require.NoError(t, store.AppendLogEntry(ctx, state.SessionID, &schema.ExecutionLogEntry{
		StageName: schema.StageIntake,
		Status:    schema.StageStatusCompleted,
	}))

	require.NoError(t, store.Purge(ctx, state.SessionID))
	require.NoError(t, store.Purge(ctx, state.SessionID), "purge is idempotent")

	_, err := store.GetLatest(ctx, state.SessionID)
	var te *schema.TriageError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, schema.ErrCodeSessionNotFound, te.Code)

	infos, err := store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)
}
