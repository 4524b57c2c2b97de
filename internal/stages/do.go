package stages

import (
	"context"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/triagekit/triagekit/internal/logging"
	"github.com/triagekit/triagekit/internal/rules"
	"github.com/triagekit/triagekit/pkg/schema"
)

// Do executes the backend API calls the selected solution requires and, when
// the notification rule permits, dispatches customer notifications.
func (r *Runner) Do(ctx context.Context, sessionID string) (*schema.WorkflowState, error) {
	ctx = logging.WithSessionID(ctx, sessionID)
	ctx = logging.WithStage(ctx, schema.StageDo)
	t := newTrace()

	state, err := r.store.GetLatest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state.GeneratedResponse == nil && state.SelectedSolution == nil {
		return nil, r.failStage(ctx, sessionID, schema.StageDo, t,
			missingPrereq(schema.StageDo, "generated_response"))
	}

	actions := requiredAPIActions(state)
	apiResult, err := r.invoke(ctx, state, t, schema.StageDo, "execute_api_calls",
		map[string]any{
			"api_actions":        actions,
			"timeout_seconds":    30,
			"retry_attempts":     3,
			"parallel_execution": true,
		},
		map[string]any{
			"customer_name":      state.CustomerName,
			"email":              state.Email,
			"ticket_id":          state.TicketID,
			"selected_solution":  state.SelectedSolution,
			"customer_responses": state.CustomerResponses,
			"enriched_records":   state.EnrichedRecords,
			"api_actions":        actions,
		})
	if err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StageDo, t, err)
	}
	apiCalls, _ := apiResult["api_calls_executed"].([]any)

	notify, err := r.rules.ShouldNotify(ctx, rules.Facts{
		Score:     selectedSolutionScore(state),
		Priority:  state.Priority,
		Escalated: boolValue(state.EscalationDecision),
	})
	if err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StageDo, t, err)
	}

	var notifications []any
	if notify {
		notifyResult, err := r.invoke(ctx, state, t, schema.StageDo, "trigger_notifications",
			map[string]any{
				"send_email":     true,
				"send_sms":       false,
				"send_push":      false,
				"include_survey": stringValue(state.TicketStatus) == "closed",
				"priority":       notificationPriority(state),
			},
			map[string]any{
				"customer_name":            state.CustomerName,
				"email":                    state.Email,
				"ticket_id":                state.TicketID,
				"generated_response":       stringValue(state.GeneratedResponse),
				"ticket_status":            stringValue(state.TicketStatus),
				"escalation_decision":      boolValue(state.EscalationDecision),
				"notification_preferences": notificationPreferences(state),
			})
		if err != nil {
			return nil, r.failStage(ctx, sessionID, schema.StageDo, t, err)
		}
		notifications, _ = notifyResult["notifications_sent"].([]any)
	}

	updates := schema.Updates{
		schema.FieldAPICallsExecuted:  apiCalls,
		schema.FieldNotificationsSent: notifications,
	}
	if _, err := r.store.ApplyUpdate(ctx, sessionID, schema.StageDo, updates); err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StageDo, t, err)
	}

	output := map[string]any{
		"api_calls_executed": apiCalls,
		"notifications_sent": notifications,
	}
	if err := r.finishStage(ctx, sessionID, schema.StageDo, t, schema.StageStatusCompleted, output); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "actions executed",
		slog.Int("api_calls", len(apiCalls)),
		slog.Int("notifications", len(notifications)),
		slog.Bool("notifications_allowed", notify),
	)
	return r.store.GetLatest(ctx, sessionID)
}

// requiredAPIActions derives backend calls from the selected solution's title.
// Every resolution logs a CRM interaction regardless of category.
func requiredAPIActions(state *schema.WorkflowState) []map[string]any {
	now := time.Now().UTC().Format(time.RFC3339)
	title := strings.ToLower(selectedSolutionTitle(state))

	var actions []map[string]any
	switch {
	case strings.Contains(title, "billing"), strings.Contains(title, "payment"):
		actions = append(actions,
			map[string]any{
				"system":   "billing_system",
				"action":   "update_payment_method",
				"endpoint": "/billing/update_payment",
				"data": map[string]any{
					"customer_id": state.EnrichedRecords["account_id"],
					"ticket_id":   state.TicketID,
				},
			},
			crmUpdateAction(state, "billing_resolution", now),
		)
	case strings.Contains(title, "account"), strings.Contains(title, "login"):
		actions = append(actions,
			map[string]any{
				"system":   "auth_system",
				"action":   "reset_account_flags",
				"endpoint": "/auth/account/reset_flags",
				"data": map[string]any{
					"email":     state.Email,
					"ticket_id": state.TicketID,
				},
			},
			crmUpdateAction(state, "account_resolution", now),
		)
	case strings.Contains(title, "technical"), strings.Contains(title, "bug"):
		actions = append(actions, map[string]any{
			"system":   "support_system",
			"action":   "create_bug_report",
			"endpoint": "/support/bugs/create",
			"data": map[string]any{
				"customer_email":    state.Email,
				"issue_description": state.Query,
				"ticket_id":         state.TicketID,
			},
		})
	}

	resolution := selectedSolutionTitle(state)
	if resolution == "" {
		resolution = "Standard Resolution"
	}
	actions = append(actions, map[string]any{
		"system":   "crm_system",
		"action":   "log_interaction",
		"endpoint": "/crm/interactions/log",
		"data": map[string]any{
			"customer_email":   state.Email,
			"ticket_id":        state.TicketID,
			"interaction_type": "automated_resolution",
			"resolution":       resolution,
			"timestamp":        now,
		},
	})
	return actions
}

func crmUpdateAction(state *schema.WorkflowState, interactionType, timestamp string) map[string]any {
	return map[string]any{
		"system":   "crm_system",
		"action":   "update_customer_record",
		"endpoint": "/crm/customer/update",
		"data": map[string]any{
			"customer_email":   state.Email,
			"last_interaction": timestamp,
			"interaction_type": interactionType,
		},
	}
}

// notificationPreferences merges customer preferences from enrichment over
// the defaults.
func notificationPreferences(state *schema.WorkflowState) map[string]any {
	prefs := map[string]any{
		"email":    true,
		"sms":      false,
		"push":     false,
		"language": "en",
		"timezone": "UTC",
	}
	if custom := nested(state.EnrichedRecords, "notification_preferences"); custom != nil {
		maps.Copy(prefs, custom)
	}
	return prefs
}

func notificationPriority(state *schema.WorkflowState) string {
	if boolValue(state.EscalationDecision) {
		return "high"
	}
	if getString(state.EnrichedRecords, "customer_tier") == "premium" {
		return "high"
	}
	return "normal"
}

// selectedSolutionScore returns the overall score of the selected solution,
// or 0 when nothing was selected.
func selectedSolutionScore(state *schema.WorkflowState) float64 {
	id := getString(state.SelectedSolution, "solution_id")
	if entry, ok := state.SolutionScores[id].(map[string]any); ok {
		return getFloat(entry, "overall_score")
	}
	return 0
}
