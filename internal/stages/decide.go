package stages

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/triagekit/triagekit/internal/logging"
	"github.com/triagekit/triagekit/internal/rules"
	"github.com/triagekit/triagekit/pkg/schema"
)

// escalationThreshold is reported to the escalation backend for context. The
// actual escalate/resolve split is governed by the configured escalation rule.
const escalationThreshold = 90.0

// DecideOutcome reports which branch the DECIDE stage took.
type DecideOutcome struct {
	State     *schema.WorkflowState
	Escalated bool
	BestScore float64
}

// Decide scores the retrieved solutions and either selects the best one or
// escalates to a human agent. The backend's recommended solution wins even
// over a higher numeric score.
func (r *Runner) Decide(ctx context.Context, sessionID string) (*DecideOutcome, error) {
	ctx = logging.WithSessionID(ctx, sessionID)
	ctx = logging.WithStage(ctx, schema.StageDecide)
	t := newTrace()

	state, err := r.store.GetLatest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(state.RetrievedSolutions) == 0 {
		return nil, r.failStage(ctx, sessionID, schema.StageDecide, t,
			missingPrereq(schema.StageDecide, "retrieved_solutions"))
	}

	customerTier := getString(state.EnrichedRecords, "customer_tier")
	if customerTier == "" {
		customerTier = "standard"
	}

	evaluation, err := r.invoke(ctx, state, t, schema.StageDecide, "solution_evaluation",
		map[string]any{
			"scoring_method": "weighted_average",
			"criteria":       []any{"relevance", "complexity", "success_rate", "customer_satisfaction"},
		},
		map[string]any{
			"retrieved_solutions": state.RetrievedSolutions,
			"customer_tier":       customerTier,
			"priority":            state.Priority,
			"extracted_entities":  state.ExtractedEntities,
			"customer_history":    state.EnrichedRecords,
		})
	if err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StageDecide, t, err)
	}

	scores := nested(evaluation, "solution_scores")
	best := bestSolution(evaluation)
	bestScore := getFloat(best, "score")

	escalate, err := r.rules.ShouldEscalate(ctx, rules.Facts{
		Score:    bestScore,
		Priority: state.Priority,
	})
	if err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StageDecide, t, err)
	}

	updates := schema.Updates{
		schema.FieldSolutionScores: scores,
	}
	if escalate {
		flags := state.CalculatedFlags
		slaRisk := 50.0
		if _, ok := flags["sla_risk_score"]; ok {
			slaRisk = getFloat(flags, "sla_risk_score")
		}
		satisfactionRisk := getString(flags, "customer_satisfaction_risk")
		if satisfactionRisk == "" {
			satisfactionRisk = "medium"
		}

		details, err := r.invoke(ctx, state, t, schema.StageDecide, "escalation_decision",
			map[string]any{
				"solution_score": bestScore,
				"threshold":      escalationThreshold,
			},
			map[string]any{
				"solution_scores":            evaluation,
				"best_score":                 bestScore,
				"escalation_threshold":       escalationThreshold,
				"customer_tier":              customerTier,
				"priority":                   state.Priority,
				"sla_risk":                   slaRisk,
				"customer_satisfaction_risk": satisfactionRisk,
			})
		if err != nil {
			return nil, r.failStage(ctx, sessionID, schema.StageDecide, t, err)
		}

		updates[schema.FieldEscalationDecision] = true
		updates[schema.FieldEscalationDetails] = details
		updates[schema.FieldSelectedSolution] = nil
		updates[schema.FieldDecisionReasoning] = "Escalated due to low solution score (" + formatScore(bestScore) + ")"
	} else {
		updates[schema.FieldEscalationDecision] = false
		updates[schema.FieldSelectedSolution] = best
		updates[schema.FieldDecisionReasoning] = "Auto-resolved with solution score " + formatScore(bestScore)
	}

	if _, err := r.store.ApplyUpdate(ctx, sessionID, schema.StageDecide, updates); err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StageDecide, t, err)
	}

	output := map[string]any{
		"solution_scores":     scores,
		"escalation_decision": escalate,
		"best_solution":       best,
		"evaluation":          evaluation,
	}
	if err := r.finishStage(ctx, sessionID, schema.StageDecide, t, schema.StageStatusCompleted, output); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "decision made",
		slog.Bool("escalated", escalate),
		slog.String("best_score", formatScore(bestScore)),
		slog.String("best_solution", getString(best, "solution_id")),
	)

	latest, err := r.store.GetLatest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &DecideOutcome{State: latest, Escalated: escalate, BestScore: bestScore}, nil
}

// bestSolution picks the winning solution from an evaluation result. The
// highest overall_score wins unless the evaluation names a recommended
// solution that is present in the score map.
func bestSolution(evaluation map[string]any) map[string]any {
	scores := nested(evaluation, "solution_scores")

	var bestID string
	var bestScore float64
	for _, id := range slices.Sorted(maps.Keys(scores)) {
		m, ok := scores[id].(map[string]any)
		if !ok {
			continue
		}
		if s := getFloat(m, "overall_score"); bestID == "" || s > bestScore {
			bestID = id
			bestScore = s
		}
	}

	if recommended := getString(evaluation, "recommended_solution"); recommended != "" {
		if entry, ok := scores[recommended].(map[string]any); ok {
			bestID = recommended
			bestScore = getFloat(entry, "overall_score")
		}
	}

	details, _ := scores[bestID].(map[string]any)
	return map[string]any{
		"solution_id": bestID,
		"score":       bestScore,
		"details":     details,
	}
}
