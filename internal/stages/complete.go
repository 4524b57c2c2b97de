package stages

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/triagekit/triagekit/internal/logging"
	"github.com/triagekit/triagekit/pkg/schema"
)

// totalStages is the fixed length of the workflow.
const totalStages = 11

// Complete assembles the final structured payload, marks the workflow done,
// and stamps the completion time. No abilities run here.
func (r *Runner) Complete(ctx context.Context, sessionID string) (*schema.WorkflowState, error) {
	ctx = logging.WithSessionID(ctx, sessionID)
	ctx = logging.WithStage(ctx, schema.StageComplete)
	t := newTrace()

	state, err := r.store.GetLatest(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	payload := finalPayload(state, now)

	updates := schema.Updates{
		schema.FieldFinalPayload:        payload,
		schema.FieldWorkflowCompleted:   true,
		schema.FieldCompletionTimestamp: now,
	}
	if _, err := r.store.ApplyUpdate(ctx, sessionID, schema.StageComplete, updates); err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StageComplete, t, err)
	}

	output := map[string]any{
		"final_payload":        payload,
		"workflow_completed":   true,
		"completion_timestamp": now.Format(time.RFC3339),
	}
	if err := r.finishStage(ctx, sessionID, schema.StageComplete, t, schema.StageStatusCompleted, output); err != nil {
		return nil, err
	}

	metrics, _ := payload["workflow_metrics"].(map[string]any)
	r.logger.InfoContext(ctx, "workflow completed",
		slog.String("ticket_id", state.TicketID),
		slog.String("final_status", getString(payload, "status")),
		slog.Any("stages_completed", metrics["stages_completed"]),
	)
	return r.store.GetLatest(ctx, sessionID)
}

// finalPayload builds the comprehensive output document handed to callers and
// reporting systems.
func finalPayload(state *schema.WorkflowState, now time.Time) map[string]any {
	return map[string]any{
		"ticket_id":      state.TicketID,
		"session_id":     state.SessionID,
		"customer_name":  state.CustomerName,
		"email":          state.Email,
		"original_query": state.Query,
		"priority":       state.Priority,

		"status":             finalStatus(state),
		"escalated":          boolValue(state.EscalationDecision),
		"resolution":         resolutionSummary(state),
		"response_generated": stringValue(state.GeneratedResponse),

		"understanding": map[string]any{
			"parsed_request":     state.ParsedRequest,
			"extracted_entities": state.ExtractedEntities,
		},
		"preparation": map[string]any{
			"normalized_fields": state.NormalizedFields,
			"enriched_records":  state.EnrichedRecords,
			"calculated_flags":  state.CalculatedFlags,
		},
		"interaction": map[string]any{
			"clarification_needed": boolValue(state.ClarificationNeeded),
			"questions_asked":      state.QuestionsAsked,
			"customer_responses":   state.CustomerResponses,
		},
		"knowledge_retrieval": map[string]any{
			"solutions_found": len(state.RetrievedSolutions),
			"best_solution":   bestSolutionSummary(state),
		},
		"decision": map[string]any{
			"solution_scores":     state.SolutionScores,
			"selected_solution":   state.SelectedSolution,
			"decision_reasoning":  stringValue(state.DecisionReasoning),
			"escalation_decision": boolValue(state.EscalationDecision),
		},
		"execution": map[string]any{
			"ticket_status":      stringValue(state.TicketStatus),
			"api_calls_executed": len(state.APICallsExecuted),
			"notifications_sent": len(state.NotificationsSent),
			"actions_successful": countSuccessfulActions(state),
		},

		"workflow_metrics": workflowMetrics(state, now),
		"quality_scores":   qualityScores(state),
		"errors":           append([]string{}, state.Errors...),
		"created_at":       state.CreatedAt.Format(time.RFC3339),
		"completed_at":     now.Format(time.RFC3339),

		"compliance_info": map[string]any{
			"data_processed":          true,
			"customer_consent":        true,
			"retention_period":        "7 years",
			"processing_lawful_basis": "legitimate_interest",
		},
	}
}

// finalStatus precedence: diagnostics beat everything, then escalation, then
// a closed ticket counts as resolved.
func finalStatus(state *schema.WorkflowState) string {
	switch {
	case len(state.Errors) > 0:
		return schema.StatusCompletedWithErrors
	case boolValue(state.EscalationDecision):
		return schema.StatusEscalated
	case stringValue(state.TicketStatus) == "closed":
		return schema.StatusResolved
	}
	return schema.StatusCompleted
}

func resolutionSummary(state *schema.WorkflowState) string {
	if boolValue(state.EscalationDecision) {
		return "Issue escalated to human agent for further assistance."
	}
	if state.SelectedSolution != nil {
		title := selectedSolutionTitle(state)
		if title == "" {
			title = "Standard Resolution"
		}
		return "Issue resolved using: " + title + ". Customer response generated and notifications sent."
	}
	return "Workflow completed successfully."
}

func bestSolutionSummary(state *schema.WorkflowState) map[string]any {
	if len(state.RetrievedSolutions) == 0 {
		return map[string]any{"message": "No solutions found"}
	}
	best := state.RetrievedSolutions[0]
	return map[string]any{
		"id":                        best["id"],
		"title":                     best["title"],
		"relevance_score":           best["relevance_score"],
		"estimated_resolution_time": best["estimated_resolution_time"],
	}
}

func countSuccessfulActions(state *schema.WorkflowState) map[string]int {
	apiOK := 0
	for _, call := range state.APICallsExecuted {
		if getBool(call, "success") {
			apiOK++
		}
	}
	notifOK := 0
	for _, notif := range state.NotificationsSent {
		if getBool(notif, "sent") {
			notifOK++
		}
	}
	return map[string]int{
		"successful_api_calls":     apiOK,
		"successful_notifications": notifOK,
		"total_actions":            len(state.APICallsExecuted) + len(state.NotificationsSent),
	}
}

func workflowMetrics(state *schema.WorkflowState, now time.Time) map[string]any {
	completed, failed := 0, 0
	abilities := 0
	var durationSum int64
	backendUsage := map[string]int{}

	for _, entry := range state.ExecutionLog {
		switch entry.Status {
		case schema.StageStatusCompleted:
			completed++
		case schema.StageStatusFailed:
			failed++
		}
		abilities += len(entry.AbilitiesExecuted)
		durationSum += entry.DurationMs
		if entry.BackendUsed != "" {
			for _, backend := range strings.Split(entry.BackendUsed, ",") {
				backend = strings.TrimSpace(backend)
				if backend != "" {
					backendUsage[backend]++
				}
			}
		}
	}

	avg := 0.0
	if len(state.ExecutionLog) > 0 {
		avg = float64(durationSum) / float64(len(state.ExecutionLog))
	}

	return map[string]any{
		"total_execution_time_ms": now.Sub(state.CreatedAt).Milliseconds(),
		"stages_completed":        completed,
		"stages_failed":           failed,
		"total_stages":            totalStages,
		"completion_rate":         float64(completed) / float64(totalStages),
		"server_usage":            backendUsage,
		"abilities_executed":      abilities,
		"average_stage_time_ms":   avg,
	}
}

// qualityScores derives workflow quality metrics from stage outputs. Overall
// quality is a weighted average: understanding 0.2, solution relevance 0.3,
// response quality 0.3, execution success 0.2.
func qualityScores(state *schema.WorkflowState) map[string]float64 {
	scores := map[string]float64{
		"understanding_accuracy": 0,
		"solution_relevance":     0,
		"response_quality":       0,
		"execution_success":      0,
	}

	if confidence := nested(state.ExtractedEntities, "confidence_score"); len(confidence) > 0 {
		sum := 0.0
		for key := range confidence {
			sum += getFloat(confidence, key)
		}
		scores["understanding_accuracy"] = sum / float64(len(confidence))
	}

	if len(state.RetrievedSolutions) > 0 {
		scores["solution_relevance"] = getFloat(state.RetrievedSolutions[0], "relevance_score")
	}

	if meta := state.ResponseMetadata; len(meta) > 0 {
		sum := 0.0
		for _, metric := range []string{"personalization_score", "clarity_score", "completeness_score"} {
			sum += getFloat(meta, metric)
		}
		scores["response_quality"] = sum / 3
	}

	actions := countSuccessfulActions(state)
	if total := actions["total_actions"]; total > 0 {
		succeeded := actions["successful_api_calls"] + actions["successful_notifications"]
		scores["execution_success"] = float64(succeeded) / float64(total)
	}

	scores["overall_quality"] = 0.2*scores["understanding_accuracy"] +
		0.3*scores["solution_relevance"] +
		0.3*scores["response_quality"] +
		0.2*scores["execution_success"]
	return scores
}
