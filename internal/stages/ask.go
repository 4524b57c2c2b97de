package stages

import (
	"context"
	"log/slog"

	"github.com/triagekit/triagekit/internal/logging"
	"github.com/triagekit/triagekit/pkg/schema"
)

// Ask assesses whether clarification is needed and records the questions to
// put to the customer. When the backend reports no questions are needed the
// session proceeds straight through WAIT.
func (r *Runner) Ask(ctx context.Context, sessionID string) (*schema.WorkflowState, error) {
	ctx = logging.WithSessionID(ctx, sessionID)
	ctx = logging.WithStage(ctx, schema.StageAsk)
	t := newTrace()

	state, err := r.store.GetLatest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	prereqs := []struct {
		field   string
		present bool
	}{
		{"parsed_request", state.ParsedRequest != nil},
		{"extracted_entities", state.ExtractedEntities != nil},
		{"calculated_flags", state.CalculatedFlags != nil},
	}
	for _, p := range prereqs {
		if !p.present {
			return nil, r.failStage(ctx, sessionID, schema.StageAsk, t,
				missingPrereq(schema.StageAsk, p.field))
		}
	}

	data, err := r.invoke(ctx, state, t, schema.StageAsk, "clarify_question", nil, map[string]any{
		"customer_name":      state.CustomerName,
		"email":              state.Email,
		"query":              state.Query,
		"parsed_request":     state.ParsedRequest,
		"extracted_entities": state.ExtractedEntities,
		"enriched_records":   state.EnrichedRecords,
		"calculated_flags":   state.CalculatedFlags,
	})
	if err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StageAsk, t, err)
	}

	needed := getBool(data, "questions_needed")
	questions, _ := data["questions"].([]any)

	updates := schema.Updates{
		schema.FieldClarificationNeeded: needed,
		schema.FieldQuestionsAsked:      questions,
	}
	if _, err := r.store.ApplyUpdate(ctx, sessionID, schema.StageAsk, updates); err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StageAsk, t, err)
	}

	output := map[string]any{
		"clarification_needed": needed,
		"questions_asked":      questions,
	}
	if err := r.finishStage(ctx, sessionID, schema.StageAsk, t, schema.StageStatusCompleted, output); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "clarification assessed",
		slog.Bool("clarification_needed", needed),
		slog.Int("questions", len(questions)),
	)
	return r.store.GetLatest(ctx, sessionID)
}
