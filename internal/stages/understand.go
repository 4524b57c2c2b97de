package stages

import (
	"context"
	"log/slog"

	"github.com/triagekit/triagekit/internal/logging"
	"github.com/triagekit/triagekit/pkg/schema"
)

// Understand parses the customer query into structured data and extracts
// entities. Abilities run in a fixed order: parse_request_text, then
// extract_entities.
func (r *Runner) Understand(ctx context.Context, sessionID string) (*schema.WorkflowState, error) {
	ctx = logging.WithSessionID(ctx, sessionID)
	ctx = logging.WithStage(ctx, schema.StageUnderstand)
	t := newTrace()

	state, err := r.store.GetLatest(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	parsed, err := r.invoke(ctx, state, t, schema.StageUnderstand, "parse_request_text", nil, map[string]any{
		"query":         state.Query,
		"customer_name": state.CustomerName,
		"priority":      state.Priority,
	})
	if err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StageUnderstand, t, err)
	}

	entities, err := r.invoke(ctx, state, t, schema.StageUnderstand, "extract_entities", nil, map[string]any{
		"query":          state.Query,
		"parsed_request": parsed,
		"customer_name":  state.CustomerName,
		"email":          state.Email,
	})
	if err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StageUnderstand, t, err)
	}

	updates := schema.Updates{
		schema.FieldParsedRequest:     parsed,
		schema.FieldExtractedEntities: entities,
	}
	if _, err := r.store.ApplyUpdate(ctx, sessionID, schema.StageUnderstand, updates); err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StageUnderstand, t, err)
	}

	output := map[string]any{
		"parsed_request":     parsed,
		"extracted_entities": entities,
	}
	if err := r.finishStage(ctx, sessionID, schema.StageUnderstand, t, schema.StageStatusCompleted, output); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "request understood",
		slog.String("intent", getString(nested(parsed, "structured_request"), "intent")),
		slog.Int64("duration_ms", t.elapsedMs()),
	)
	return r.store.GetLatest(ctx, sessionID)
}
