// Package engine drives support sessions through the eleven-stage workflow:
// INTAKE, UNDERSTAND, PREPARE, ASK, WAIT, RETRIEVE, DECIDE, then either
// UPDATE, CREATE, DO, COMPLETE or an escalation exit after DECIDE.
package engine

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/triagekit/triagekit/internal/capability"
	"github.com/triagekit/triagekit/internal/logging"
	"github.com/triagekit/triagekit/internal/rules"
	"github.com/triagekit/triagekit/internal/stages"
	"github.com/triagekit/triagekit/internal/statestore"
	"github.com/triagekit/triagekit/pkg/schema"
)

// Engine orchestrates stage execution for support sessions.
type Engine struct {
	store  statestore.Store
	runner *stages.Runner
	rules  *rules.DecisionRules
	fsm    *StageFSM
	logger *slog.Logger
}

// New creates a workflow engine.
func New(store statestore.Store, provider capability.Provider, dr *rules.DecisionRules, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		runner: stages.NewRunner(store, provider, dr, logger),
		rules:  dr,
		fsm:    NewStageFSM(),
		logger: logger,
	}
}

// Run executes a full workflow pass for a new intake request. If the WAIT
// stage pauses for customer answers, the returned envelope carries status
// waiting_for_customer and the session ID to resume with.
func (e *Engine) Run(ctx context.Context, req *schema.IntakeRequest) (*schema.ResultEnvelope, error) {
	state, err := e.runner.Intake(ctx, req)
	if err != nil {
		return nil, err
	}
	sessionID := state.SessionID
	ctx = logging.WithSessionID(ctx, sessionID)
	e.logger.InfoContext(ctx, "workflow started", slog.String("ticket_id", state.TicketID))

	steps := []struct {
		from, to string
		run      func(context.Context, string) (*schema.WorkflowState, error)
	}{
		{schema.StageIntake, schema.StageUnderstand, e.runner.Understand},
		{schema.StageUnderstand, schema.StagePrepare, e.runner.Prepare},
		{schema.StagePrepare, schema.StageAsk, e.runner.Ask},
	}
	for _, step := range steps {
		if err := e.fsm.Transition(sessionID, step.from, step.to); err != nil {
			return nil, err
		}
		if _, err := step.run(ctx, sessionID); err != nil {
			return nil, err
		}
	}

	if err := e.fsm.Transition(sessionID, schema.StageAsk, schema.StageWait); err != nil {
		return nil, err
	}
	outcome, err := e.runner.Wait(ctx, sessionID, nil)
	if err != nil {
		return nil, err
	}
	if outcome.Waiting {
		e.logger.InfoContext(ctx, "workflow paused for customer input")
		return e.envelope(ctx, sessionID)
	}

	return e.runFromRetrieve(ctx, sessionID)
}

// Resume continues a session paused in WAIT, feeding it the customer answers.
func (e *Engine) Resume(ctx context.Context, sessionID string, answers map[string]any) (*schema.ResultEnvelope, error) {
	ctx = logging.WithSessionID(ctx, sessionID)

	state, err := e.store.GetLatest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state.WaitingForResponse == nil || !*state.WaitingForResponse {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"session %q is not waiting for customer responses", sessionID)
	}
	if len(answers) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"resume requires customer answers").WithStage(schema.StageWait)
	}

	if err := e.fsm.Transition(sessionID, schema.StageWait, schema.StageWait); err != nil {
		return nil, err
	}
	if _, err := e.runner.Wait(ctx, sessionID, answers); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "workflow resumed")

	return e.runFromRetrieve(ctx, sessionID)
}

// runFromRetrieve carries a session from RETRIEVE to its terminal state.
func (e *Engine) runFromRetrieve(ctx context.Context, sessionID string) (*schema.ResultEnvelope, error) {
	if err := e.fsm.Transition(sessionID, schema.StageWait, schema.StageRetrieve); err != nil {
		return nil, err
	}
	if _, err := e.runner.Retrieve(ctx, sessionID); err != nil {
		return nil, err
	}

	if err := e.fsm.Transition(sessionID, schema.StageRetrieve, schema.StageDecide); err != nil {
		return nil, err
	}
	decision, err := e.runner.Decide(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if decision.Escalated {
		e.logger.InfoContext(ctx, "workflow exited on escalation",
			slog.String("best_score", formatFloat(decision.BestScore)))
		return e.envelope(ctx, sessionID)
	}

	steps := []struct {
		from, to string
		run      func(context.Context, string) (*schema.WorkflowState, error)
	}{
		{schema.StageDecide, schema.StageUpdate, e.runner.Update},
		{schema.StageUpdate, schema.StageCreate, e.runner.Create},
		{schema.StageCreate, schema.StageDo, e.runner.Do},
		{schema.StageDo, schema.StageComplete, e.runner.Complete},
	}
	for _, step := range steps {
		if err := e.fsm.Transition(sessionID, step.from, step.to); err != nil {
			return nil, err
		}
		if _, err := step.run(ctx, sessionID); err != nil {
			return nil, err
		}
	}

	return e.envelope(ctx, sessionID)
}

// State returns the latest state version for a session.
func (e *Engine) State(ctx context.Context, sessionID string) (*schema.WorkflowState, error) {
	return e.store.GetLatest(ctx, sessionID)
}

// History returns all state versions for a session, oldest first.
func (e *Engine) History(ctx context.Context, sessionID string) ([]*schema.WorkflowState, error) {
	return e.store.GetHistory(ctx, sessionID)
}

// Sessions lists summary info for all sessions.
func (e *Engine) Sessions(ctx context.Context) ([]*statestore.SessionInfo, error) {
	return e.store.ListSessions(ctx)
}

// Report shapes a session summary through the configured report query.
func (e *Engine) Report(ctx context.Context, sessionID string) (any, error) {
	env, err := e.envelope(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	log := make([]any, 0, len(env.ExecutionLog))
	for _, entry := range env.ExecutionLog {
		abilities := make([]any, 0, len(entry.AbilitiesExecuted))
		for _, a := range entry.AbilitiesExecuted {
			abilities = append(abilities, a)
		}
		log = append(log, map[string]any{
			"stage_id":           entry.StageID,
			"stage_name":         entry.StageName,
			"status":             string(entry.Status),
			"abilities_executed": abilities,
			"backend_used":       entry.BackendUsed,
			"duration_ms":        entry.DurationMs,
			"error_message":      entry.ErrorMessage,
			"timestamp":          entry.Timestamp.Format(time.RFC3339),
		})
	}
	summary := map[string]any{
		"session_id":         env.SessionID,
		"ticket_id":          env.TicketID,
		"status":             env.Status,
		"escalated":          env.Escalated,
		"stages_completed":   env.StagesCompleted,
		"processing_time_ms": env.ProcessingTimeMs,
		"execution_log":      log,
	}
	return e.rules.ShapeReport(ctx, summary)
}

// envelope builds the caller-facing result summary from the latest state.
func (e *Engine) envelope(ctx context.Context, sessionID string) (*schema.ResultEnvelope, error) {
	state, err := e.store.GetLatest(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var totalMs int64
	completed := 0
	for _, entry := range state.ExecutionLog {
		totalMs += entry.DurationMs
		if entry.Status == schema.StageStatusCompleted {
			completed++
		}
	}

	env := &schema.ResultEnvelope{
		TicketID:         state.TicketID,
		SessionID:        state.SessionID,
		Escalated:        state.EscalationDecision != nil && *state.EscalationDecision,
		ExecutionLog:     state.ExecutionLog,
		ProcessingTimeMs: totalMs,
		StagesCompleted:  completed,
	}

	switch {
	case state.FinalPayload != nil:
		env.Status, _ = state.FinalPayload["status"].(string)
		env.Resolution, _ = state.FinalPayload["resolution"].(string)
		if env.Status == "" {
			env.Status = schema.StatusCompleted
		}
	case env.Escalated:
		env.Status = schema.StatusEscalated
		env.Resolution = "Issue escalated to human agent for further assistance."
	case state.WaitingForResponse != nil && *state.WaitingForResponse:
		env.Status = schema.StatusWaitingForCustomer
	default:
		env.Status = schema.StatusCompleted
	}
	return env, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
