package engine

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triagekit/triagekit/internal/capability"
	"github.com/triagekit/triagekit/internal/rules"
	"github.com/triagekit/triagekit/internal/statestore"
	"github.com/triagekit/triagekit/pkg/schema"
)

func newTestEngine(t *testing.T) (*Engine, *statestore.MemoryStore, *capability.StubProvider) {
	t.Helper()
	store := statestore.NewMemoryStore()
	provider := capability.NewStubProvider()
	dr, err := rules.New()
	require.NoError(t, err)
	return New(store, provider, dr, slog.New(slog.DiscardHandler)), store, provider
}

func billingIntake() *schema.IntakeRequest {
	return &schema.IntakeRequest{
		CustomerName: "Jane Doe",
		Email:        "jane@example.com",
		Query:        "My payment failed and my card was declined",
		Priority:     schema.PriorityHigh,
	}
}

// lowScoreEvaluation forces the DECIDE stage onto the escalation branch.
func lowScoreEvaluation(provider *capability.StubProvider) {
	provider.Respond("solution_evaluation", func(req *schema.CapabilityRequest) *schema.CapabilityResult {
		return &schema.CapabilityResult{
			Success: true,
			Data: map[string]any{
				"solution_scores": map[string]any{
					"SOL-001": map[string]any{"overall_score": 55.0},
				},
			},
		}
	})
}

// questionsNeeded makes the ASK stage produce outstanding questions so WAIT
// pauses the workflow.
func questionsNeeded(provider *capability.StubProvider) {
	provider.Respond("clarify_question", func(req *schema.CapabilityRequest) *schema.CapabilityResult {
		return &schema.CapabilityResult{
			Success: true,
			Data: map[string]any{
				"questions_needed": true,
				"questions":        []any{"Which card did you use?"},
			},
		}
	})
}

func TestRunHappyPathResolves(t *testing.T) {
	engine, store, _ := newTestEngine(t)

	result, err := engine.Run(context.Background(), billingIntake())
	require.NoError(t, err)

	assert.Equal(t, schema.StatusResolved, result.Status)
	assert.False(t, result.Escalated)
	assert.NotEmpty(t, result.SessionID)
	assert.Contains(t, result.Resolution, "Billing Payment Failure Resolution")

	// Eleven log entries: ten completed stages plus the skipped WAIT.
	require.Len(t, result.ExecutionLog, 11)
	assert.Equal(t, 10, result.StagesCompleted)

	stageNames := make([]string, 0, len(result.ExecutionLog))
	for _, entry := range result.ExecutionLog {
		stageNames = append(stageNames, entry.StageName)
	}
	assert.Equal(t, schema.StageOrder, stageNames)

	waitEntry := result.ExecutionLog[4]
	assert.Equal(t, schema.StageWait, waitEntry.StageName)
	assert.Equal(t, schema.StageStatusSkipped, waitEntry.Status)

	state, err := store.GetLatest(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.NotNil(t, state.WorkflowCompleted)
	assert.True(t, *state.WorkflowCompleted)
	require.NotNil(t, state.TicketStatus)
	assert.Equal(t, "closed", *state.TicketStatus)
	assert.Equal(t, schema.StatusResolved, state.FinalPayload["status"])
}

func TestRunEscalatesAndExitsEarly(t *testing.T) {
	engine, store, provider := newTestEngine(t)
	lowScoreEvaluation(provider)

	result, err := engine.Run(context.Background(), billingIntake())
	require.NoError(t, err)

	assert.Equal(t, schema.StatusEscalated, result.Status)
	assert.True(t, result.Escalated)
	assert.Equal(t, "Issue escalated to human agent for further assistance.", result.Resolution)

	// INTAKE through DECIDE only; no post-decision stages run.
	require.Len(t, result.ExecutionLog, 7)
	assert.Equal(t, schema.StageDecide, result.ExecutionLog[6].StageName)

	state, err := store.GetLatest(context.Background(), result.SessionID)
	require.NoError(t, err)
	assert.Nil(t, state.WorkflowCompleted)
	assert.Nil(t, state.SelectedSolution)
	require.NotNil(t, state.EscalationDecision)
	assert.True(t, *state.EscalationDecision)
}

func TestRunPausesForCustomerAndResumes(t *testing.T) {
	engine, store, provider := newTestEngine(t)
	questionsNeeded(provider)
	ctx := context.Background()

	paused, err := engine.Run(ctx, billingIntake())
	require.NoError(t, err)
	assert.Equal(t, schema.StatusWaitingForCustomer, paused.Status)

	state, err := store.GetLatest(ctx, paused.SessionID)
	require.NoError(t, err)
	require.NotNil(t, state.WaitingForResponse)
	assert.True(t, *state.WaitingForResponse)
	assert.Equal(t, []string{"Which card did you use?"}, state.QuestionsAsked)

	result, err := engine.Resume(ctx, paused.SessionID, map[string]any{
		"Which card did you use?": "Visa ending 4242",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.StatusResolved, result.Status)

	final, err := store.GetLatest(ctx, result.SessionID)
	require.NoError(t, err)
	require.NotNil(t, final.WaitingForResponse)
	assert.False(t, *final.WaitingForResponse)
	require.NotNil(t, final.CustomerResponses)
	require.NotNil(t, final.WorkflowCompleted)
	assert.True(t, *final.WorkflowCompleted)

	// The WAIT stage logged twice: once pausing, once completing.
	waitStatuses := []schema.StageStatus{}
	for _, entry := range final.ExecutionLog {
		if entry.StageName == schema.StageWait {
			waitStatuses = append(waitStatuses, entry.Status)
		}
	}
	assert.Equal(t, []schema.StageStatus{schema.StageStatusInProgress, schema.StageStatusCompleted}, waitStatuses)
}

func TestResumeRejectsNonWaitingSession(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	result, err := engine.Run(ctx, billingIntake())
	require.NoError(t, err)
	require.Equal(t, schema.StatusResolved, result.Status)

	_, err = engine.Resume(ctx, result.SessionID, map[string]any{"q": "a"})
	require.Error(t, err)

	var te *schema.TriageError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, schema.ErrCodeInvalidTransition, te.Code)
	assert.Contains(t, te.Message, "not waiting for customer responses")
}

func TestResumeRequiresAnswers(t *testing.T) {
	engine, _, provider := newTestEngine(t)
	questionsNeeded(provider)
	ctx := context.Background()

	paused, err := engine.Run(ctx, billingIntake())
	require.NoError(t, err)

	_, err = engine.Resume(ctx, paused.SessionID, nil)
	require.Error(t, err)

	var te *schema.TriageError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, schema.ErrCodeValidation, te.Code)
}

func TestResumeUnknownSession(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.Resume(context.Background(), "missing", map[string]any{"q": "a"})
	var te *schema.TriageError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, schema.ErrCodeSessionNotFound, te.Code)
}

func TestRunRejectsInvalidIntake(t *testing.T) {
	engine, store, _ := newTestEngine(t)

	_, err := engine.Run(context.Background(), &schema.IntakeRequest{
		CustomerName: "Jane Doe",
		Email:        "nope",
		Query:        "help",
	})
	require.Error(t, err)

	var te *schema.TriageError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, schema.ErrCodeValidation, te.Code)

	infos, listErr := store.ListSessions(context.Background())
	require.NoError(t, listErr)
	assert.Empty(t, infos)
}

func TestReportShapesSummary(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	result, err := engine.Run(ctx, billingIntake())
	require.NoError(t, err)

	report, err := engine.Report(ctx, result.SessionID)
	require.NoError(t, err)

	doc, ok := report.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, result.SessionID, doc["session_id"])
	assert.Equal(t, result.TicketID, doc["ticket_id"])
	assert.Equal(t, schema.StatusResolved, doc["status"])
	assert.Equal(t, false, doc["escalated"])

	stagesOut, ok := doc["stages"].([]any)
	require.True(t, ok)
	assert.Len(t, stagesOut, 11)
	first := stagesOut[0].(map[string]any)
	assert.Equal(t, schema.StageIntake, first["stage"])
}

func TestHistoryGrowsOneVersionPerUpdatingStage(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	result, err := engine.Run(ctx, billingIntake())
	require.NoError(t, err)

	history, err := engine.History(ctx, result.SessionID)
	require.NoError(t, err)
	// INTAKE seeds v1; UNDERSTAND, PREPARE, ASK, RETRIEVE, DECIDE, UPDATE,
	// CREATE, DO, COMPLETE each append one. WAIT is skipped and appends none.
	assert.Len(t, history, 10)
	assert.Equal(t, schema.StageIntake, history[0].CurrentStage)
	assert.Equal(t, schema.StageComplete, history[len(history)-1].CurrentStage)
}
