package stages

import (
	"context"
	"log/slog"

	"github.com/triagekit/triagekit/internal/logging"
	"github.com/triagekit/triagekit/pkg/schema"
)

// WaitOutcome reports how the WAIT stage resolved.
type WaitOutcome struct {
	State *schema.WorkflowState

	// Skipped is true when no clarification was needed.
	Skipped bool

	// Waiting is true when questions are outstanding and no answers were
	// supplied; the workflow pauses here until Resume provides them.
	Waiting bool
}

// Wait handles the human-in-the-loop pause. With no clarification needed the
// stage is skipped. With questions outstanding and no answers, the session is
// marked waiting and control returns to the caller. With answers supplied the
// stage extracts and stores them, clearing the waiting marker.
func (r *Runner) Wait(ctx context.Context, sessionID string, answers map[string]any) (*WaitOutcome, error) {
	ctx = logging.WithSessionID(ctx, sessionID)
	ctx = logging.WithStage(ctx, schema.StageWait)
	t := newTrace()

	state, err := r.store.GetLatest(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if !boolValue(state.ClarificationNeeded) {
		if err := r.finishStage(ctx, sessionID, schema.StageWait, t, schema.StageStatusSkipped,
			map[string]any{"reason": "No clarification needed"}); err != nil {
			return nil, err
		}
		r.logger.InfoContext(ctx, "wait stage skipped")
		latest, err := r.store.GetLatest(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return &WaitOutcome{State: latest, Skipped: true}, nil
	}

	if len(answers) == 0 {
		updates := schema.Updates{
			schema.FieldCustomerResponses:  nil,
			schema.FieldWaitingForResponse: true,
		}
		if _, err := r.store.ApplyUpdate(ctx, sessionID, schema.StageWait, updates); err != nil {
			return nil, r.failStage(ctx, sessionID, schema.StageWait, t, err)
		}
		if err := r.finishStage(ctx, sessionID, schema.StageWait, t, schema.StageStatusInProgress,
			map[string]any{"status": "waiting_for_customer_response"}); err != nil {
			return nil, err
		}
		r.logger.InfoContext(ctx, "waiting for customer responses",
			slog.Int("questions_outstanding", len(state.QuestionsAsked)))
		latest, err := r.store.GetLatest(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return &WaitOutcome{State: latest, Waiting: true}, nil
	}

	extracted, err := r.invoke(ctx, state, t, schema.StageWait, "extract_answer", nil, map[string]any{
		"questions_asked":    state.QuestionsAsked,
		"customer_responses": answers,
		"original_query":     state.Query,
		"customer_name":      state.CustomerName,
	})
	if err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StageWait, t, err)
	}

	completeness := 1.0
	if _, ok := extracted["completeness"]; ok {
		completeness = getFloat(extracted, "completeness")
	}

	updates := schema.Updates{
		schema.FieldCustomerResponses:    extracted,
		schema.FieldWaitingForResponse:   false,
		schema.FieldResponseCompleteness: completeness,
	}
	if _, err := r.store.ApplyUpdate(ctx, sessionID, schema.StageWait, updates); err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StageWait, t, err)
	}

	output := map[string]any{
		"customer_responses":    extracted,
		"waiting_for_response":  false,
		"response_completeness": completeness,
	}
	if err := r.finishStage(ctx, sessionID, schema.StageWait, t, schema.StageStatusCompleted, output); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "customer responses processed",
		slog.Float64("completeness", completeness))
	latest, err := r.store.GetLatest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &WaitOutcome{State: latest}, nil
}
