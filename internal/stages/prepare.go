package stages

import (
	"context"
	"log/slog"

	"github.com/triagekit/triagekit/internal/logging"
	"github.com/triagekit/triagekit/pkg/schema"
)

// Prepare normalizes fields, enriches the record with account and SLA data,
// and derives calculated flags. Requires UNDERSTAND output.
func (r *Runner) Prepare(ctx context.Context, sessionID string) (*schema.WorkflowState, error) {
	ctx = logging.WithSessionID(ctx, sessionID)
	ctx = logging.WithStage(ctx, schema.StagePrepare)
	t := newTrace()

	state, err := r.store.GetLatest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state.ParsedRequest == nil {
		return nil, r.failStage(ctx, sessionID, schema.StagePrepare, t,
			missingPrereq(schema.StagePrepare, "parsed_request"))
	}
	if state.ExtractedEntities == nil {
		return nil, r.failStage(ctx, sessionID, schema.StagePrepare, t,
			missingPrereq(schema.StagePrepare, "extracted_entities"))
	}

	normalized, err := r.invoke(ctx, state, t, schema.StagePrepare, "normalize_fields", nil, map[string]any{
		"customer_name":      state.CustomerName,
		"email":              state.Email,
		"priority":           state.Priority,
		"ticket_id":          state.TicketID,
		"parsed_request":     state.ParsedRequest,
		"extracted_entities": state.ExtractedEntities,
	})
	if err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StagePrepare, t, err)
	}

	enriched, err := r.invoke(ctx, state, t, schema.StagePrepare, "enrich_records", nil, map[string]any{
		"customer_name":      state.CustomerName,
		"email":              state.Email,
		"ticket_id":          state.TicketID,
		"normalized_fields":  normalized,
		"extracted_entities": state.ExtractedEntities,
	})
	if err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StagePrepare, t, err)
	}

	flags, err := r.invoke(ctx, state, t, schema.StagePrepare, "add_flags_calculations", nil, map[string]any{
		"customer_name":      state.CustomerName,
		"priority":           state.Priority,
		"enriched_records":   enriched,
		"parsed_request":     state.ParsedRequest,
		"extracted_entities": state.ExtractedEntities,
	})
	if err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StagePrepare, t, err)
	}

	updates := schema.Updates{
		schema.FieldNormalizedFields: normalized,
		schema.FieldEnrichedRecords:  enriched,
		schema.FieldCalculatedFlags:  flags,
	}
	if _, err := r.store.ApplyUpdate(ctx, sessionID, schema.StagePrepare, updates); err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StagePrepare, t, err)
	}

	output := map[string]any{
		"normalized_fields": normalized,
		"enriched_records":  enriched,
		"calculated_flags":  flags,
	}
	if err := r.finishStage(ctx, sessionID, schema.StagePrepare, t, schema.StageStatusCompleted, output); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "data prepared",
		slog.String("customer_tier", getString(enriched, "customer_tier")),
		slog.Int64("duration_ms", t.elapsedMs()),
	)
	return r.store.GetLatest(ctx, sessionID)
}
