package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/triagekit/triagekit/internal/logging"
	"github.com/triagekit/triagekit/internal/rules"
	"github.com/triagekit/triagekit/pkg/schema"
)

// Update pushes the decision into the ticket system. When the auto-close rule
// passes, the ticket is also closed; otherwise the status comes from the
// update result.
func (r *Runner) Update(ctx context.Context, sessionID string) (*schema.WorkflowState, error) {
	ctx = logging.WithSessionID(ctx, sessionID)
	ctx = logging.WithStage(ctx, schema.StageUpdate)
	t := newTrace()

	state, err := r.store.GetLatest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state.EscalationDecision == nil && state.SelectedSolution == nil {
		return nil, r.failStage(ctx, sessionID, schema.StageUpdate, t,
			missingPrereq(schema.StageUpdate, "escalation_decision"))
	}

	updateResult, err := r.invoke(ctx, state, t, schema.StageUpdate, "update_ticket",
		updateTicketParams(state),
		map[string]any{
			"ticket_id":           state.TicketID,
			"customer_name":       state.CustomerName,
			"escalation_decision": boolValue(state.EscalationDecision),
			"selected_solution":   state.SelectedSolution,
			"decision_reasoning":  stringValue(state.DecisionReasoning),
			"solution_scores":     state.SolutionScores,
			"enriched_records":    state.EnrichedRecords,
			"calculated_flags":    state.CalculatedFlags,
		})
	if err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StageUpdate, t, err)
	}

	autoClose, err := r.shouldCloseTicket(ctx, state)
	if err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StageUpdate, t, err)
	}

	ticketStatus := ""
	if autoClose {
		if _, err := r.invoke(ctx, state, t, schema.StageUpdate, "close_ticket",
			map[string]any{
				"resolution_code":              resolutionCode(state),
				"customer_satisfaction_survey": true,
				"follow_up_required":           false,
			},
			map[string]any{
				"ticket_id":          state.TicketID,
				"customer_name":      state.CustomerName,
				"selected_solution":  state.SelectedSolution,
				"resolution_summary": closureSummary(state),
			}); err != nil {
			return nil, r.failStage(ctx, sessionID, schema.StageUpdate, t, err)
		}
		ticketStatus = "closed"
	} else {
		ticketStatus = getString(updateResult, "new_status")
		if ticketStatus == "" {
			ticketStatus = "in_progress"
		}
	}

	updates := schema.Updates{
		schema.FieldTicketUpdates: updateResult,
		schema.FieldTicketStatus:  ticketStatus,
	}
	if _, err := r.store.ApplyUpdate(ctx, sessionID, schema.StageUpdate, updates); err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StageUpdate, t, err)
	}

	output := map[string]any{
		"ticket_updates": updateResult,
		"ticket_status":  ticketStatus,
	}
	if err := r.finishStage(ctx, sessionID, schema.StageUpdate, t, schema.StageStatusCompleted, output); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "ticket updated",
		slog.String("ticket_status", ticketStatus),
		slog.Bool("closed", autoClose),
	)
	return r.store.GetLatest(ctx, sessionID)
}

// shouldCloseTicket applies the auto-close rule to the selected solution's
// overall score. Escalated sessions and sessions without a scored selection
// never auto-close.
func (r *Runner) shouldCloseTicket(ctx context.Context, state *schema.WorkflowState) (bool, error) {
	if boolValue(state.EscalationDecision) {
		return false, nil
	}
	if state.SelectedSolution == nil {
		return false, nil
	}
	solutionID := getString(state.SelectedSolution, "solution_id")
	entry, ok := state.SolutionScores[solutionID].(map[string]any)
	if !ok {
		return false, nil
	}
	return r.rules.ShouldAutoClose(ctx, rules.Facts{
		Score:    getFloat(entry, "overall_score"),
		Priority: state.Priority,
	})
}

func updateTicketParams(state *schema.WorkflowState) map[string]any {
	params := map[string]any{}
	fields := []string{}

	if boolValue(state.EscalationDecision) {
		params["new_status"] = "escalated"
		params["assigned_agent"] = "human_agent"
		params["priority"] = "high"
		fields = append(fields, "new_status", "assigned_agent", "priority")
	} else {
		params["new_status"] = "in_progress"
		fields = append(fields, "new_status")
	}

	if title := selectedSolutionTitle(state); title != "" {
		params["resolution_approach"] = title
		params["estimated_resolution_time"] = getString(selectedSolutionRecord(state), "estimated_resolution_time")
		fields = append(fields, "resolution_approach", "estimated_resolution_time")
	}

	if targets := nested(state.CalculatedFlags, "sla_targets"); targets != nil {
		params["sla_target"] = targets["resolution"]
		fields = append(fields, "sla_target")
	}

	params["fields_to_update"] = fields
	return params
}

// selectedSolutionRecord resolves the selected solution ID back to the full
// knowledge base record retrieved earlier.
func selectedSolutionRecord(state *schema.WorkflowState) map[string]any {
	id := getString(state.SelectedSolution, "solution_id")
	if id == "" {
		return nil
	}
	for _, sol := range state.RetrievedSolutions {
		if getString(sol, "id") == id {
			return sol
		}
	}
	return nil
}

func selectedSolutionTitle(state *schema.WorkflowState) string {
	return getString(selectedSolutionRecord(state), "title")
}

func resolutionCode(state *schema.WorkflowState) string {
	title := strings.ToLower(selectedSolutionTitle(state))
	switch {
	case strings.Contains(title, "billing"), strings.Contains(title, "payment"):
		return "resolved_billing_issue"
	case strings.Contains(title, "account"), strings.Contains(title, "login"):
		return "resolved_account_issue"
	case strings.Contains(title, "technical"), strings.Contains(title, "bug"):
		return "resolved_technical_issue"
	}
	return "resolved_general_inquiry"
}

func closureSummary(state *schema.WorkflowState) string {
	title := selectedSolutionTitle(state)
	if title == "" {
		title = "Standard Resolution"
	}
	summary := fmt.Sprintf("Issue resolved for %s using solution: %s.", state.CustomerName, title)
	if reasoning := stringValue(state.DecisionReasoning); reasoning != "" {
		summary += " Decision rationale: " + reasoning
	}
	return summary
}
