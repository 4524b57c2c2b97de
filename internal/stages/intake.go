package stages

import (
	"context"
	"log/slog"

	"github.com/triagekit/triagekit/internal/logging"
	"github.com/triagekit/triagekit/pkg/schema"
)

// Intake validates the request, creates the session, and seeds version 1 of
// the state with a derived ticket ID. Nothing is persisted when validation
// fails; all violations are reported together.
func (r *Runner) Intake(ctx context.Context, req *schema.IntakeRequest) (*schema.WorkflowState, error) {
	t := newTrace()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	state, err := r.store.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithSessionID(ctx, state.SessionID)
	ctx = logging.WithStage(ctx, schema.StageIntake)

	output := map[string]any{
		"session_id":    state.SessionID,
		"ticket_id":     state.TicketID,
		"ticket_status": "open",
		"priority":      state.Priority,
	}
	if err := r.finishStage(ctx, state.SessionID, schema.StageIntake, t, schema.StageStatusCompleted, output); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "session created",
		slog.String("ticket_id", state.TicketID),
		slog.String("priority", state.Priority),
	)
	return r.store.GetLatest(ctx, state.SessionID)
}
