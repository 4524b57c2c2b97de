package stages

import (
	"context"
	"log/slog"
	"strings"

	"github.com/triagekit/triagekit/internal/logging"
	"github.com/triagekit/triagekit/pkg/schema"
)

// Create generates the customer-facing response with a tone matched to the
// customer's situation.
func (r *Runner) Create(ctx context.Context, sessionID string) (*schema.WorkflowState, error) {
	ctx = logging.WithSessionID(ctx, sessionID)
	ctx = logging.WithStage(ctx, schema.StageCreate)
	t := newTrace()

	state, err := r.store.GetLatest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state.TicketUpdates == nil && state.EscalationDecision == nil {
		return nil, r.failStage(ctx, sessionID, schema.StageCreate, t,
			missingPrereq(schema.StageCreate, "ticket_updates"))
	}

	tone := responseTone(state)
	data, err := r.invoke(ctx, state, t, schema.StageCreate, "response_generation",
		map[string]any{
			"tone":                  tone,
			"include_next_steps":    true,
			"include_contact_info":  true,
			"personalization_level": "high",
			"max_length":            500,
			"format":                "email",
		},
		map[string]any{
			"customer_name":       state.CustomerName,
			"email":               state.Email,
			"original_query":      state.Query,
			"ticket_id":           state.TicketID,
			"selected_solution":   state.SelectedSolution,
			"escalation_decision": boolValue(state.EscalationDecision),
			"ticket_status":       stringValue(state.TicketStatus),
			"enriched_records":    state.EnrichedRecords,
			"response_tone":       tone,
		})
	if err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StageCreate, t, err)
	}

	response := getString(data, "generated_response")
	metadata := nested(data, "response_metadata")

	updates := schema.Updates{
		schema.FieldGeneratedResponse: response,
		schema.FieldResponseMetadata:  metadata,
	}
	if _, err := r.store.ApplyUpdate(ctx, sessionID, schema.StageCreate, updates); err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StageCreate, t, err)
	}

	output := map[string]any{
		"generated_response": response,
		"response_metadata":  metadata,
	}
	if err := r.finishStage(ctx, sessionID, schema.StageCreate, t, schema.StageStatusCompleted, output); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "response generated",
		slog.String("tone", tone),
		slog.Int("length_chars", len(response)),
	)
	return r.store.GetLatest(ctx, sessionID)
}

// responseTone picks the response tone: escalated sessions get an apologetic
// register, otherwise the parsed customer sentiment decides.
func responseTone(state *schema.WorkflowState) string {
	if boolValue(state.EscalationDecision) {
		return "apologetic_professional"
	}
	sentiment := strings.ToLower(getString(nested(state.ParsedRequest, "structured_request"), "customer_sentiment"))
	switch sentiment {
	case "frustrated":
		return "empathetic_professional"
	case "angry":
		return "calming_professional"
	}
	return "professional_friendly"
}
