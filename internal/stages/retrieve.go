package stages

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/triagekit/triagekit/internal/logging"
	"github.com/triagekit/triagekit/pkg/schema"
)

// Retrieve searches the knowledge base and stores the candidate solutions
// sorted by relevance, best first.
func (r *Runner) Retrieve(ctx context.Context, sessionID string) (*schema.WorkflowState, error) {
	ctx = logging.WithSessionID(ctx, sessionID)
	ctx = logging.WithStage(ctx, schema.StageRetrieve)
	t := newTrace()

	state, err := r.store.GetLatest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state.ParsedRequest == nil {
		return nil, r.failStage(ctx, sessionID, schema.StageRetrieve, t,
			missingPrereq(schema.StageRetrieve, "parsed_request"))
	}

	params := map[string]any{
		"max_results":         10,
		"min_relevance_score": 0.3,
		"include_related":     true,
		"search_categories":   searchCategories(state),
	}
	result, err := r.invoke(ctx, state, t, schema.StageRetrieve, "knowledge_base_search", params, map[string]any{
		"query":              state.Query,
		"customer_name":      state.CustomerName,
		"parsed_request":     state.ParsedRequest,
		"extracted_entities": state.ExtractedEntities,
		"customer_responses": state.CustomerResponses,
		"enriched_records":   state.EnrichedRecords,
		"calculated_flags":   state.CalculatedFlags,
	})
	if err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StageRetrieve, t, err)
	}

	solutions := sortedSolutions(result)

	updates := schema.Updates{
		schema.FieldKnowledgeBaseResults: result,
		schema.FieldRetrievedSolutions:   solutions,
	}
	if _, err := r.store.ApplyUpdate(ctx, sessionID, schema.StageRetrieve, updates); err != nil {
		return nil, r.failStage(ctx, sessionID, schema.StageRetrieve, t, err)
	}

	highConfidence := false
	for _, sol := range solutions {
		if getFloat(sol, "relevance_score") > 0.8 {
			highConfidence = true
			break
		}
	}
	output := map[string]any{
		"knowledge_base_results": result,
		"retrieved_solutions":    solutions,
		"search_metadata": map[string]any{
			"total_results":                len(solutions),
			"search_timestamp":             time.Now().UTC().Format(time.RFC3339),
			"has_high_confidence_solution": highConfidence,
		},
	}
	if err := r.finishStage(ctx, sessionID, schema.StageRetrieve, t, schema.StageStatusCompleted, output); err != nil {
		return nil, err
	}

	if len(solutions) > 0 {
		r.logger.InfoContext(ctx, "solutions retrieved",
			slog.Int("total", len(solutions)),
			slog.String("top_solution", getString(solutions[0], "title")),
		)
	} else {
		r.logger.WarnContext(ctx, "no solutions found in knowledge base")
	}
	return r.store.GetLatest(ctx, sessionID)
}

// searchCategories derives knowledge base search categories from the parsed
// request and extracted entities, deduplicated in discovery order.
func searchCategories(state *schema.WorkflowState) []string {
	categories := []string{"general"}

	structured := nested(state.ParsedRequest, "structured_request")
	for _, key := range []string{"category", "sub_category"} {
		if v := getString(structured, key); v != "" {
			categories = append(categories, strings.ToLower(v))
		}
	}
	entities := nested(state.ExtractedEntities, "entities")
	if v := getString(entities, "issue_type"); v != "" {
		categories = append(categories, strings.ToLower(v))
	}

	deduped := categories[:0]
	for _, c := range categories {
		if !slices.Contains(deduped, c) {
			deduped = append(deduped, c)
		}
	}
	return deduped
}

// sortedSolutions extracts solutions_found and orders them by relevance
// descending. The sort is stable so equal scores keep the backend's order.
func sortedSolutions(searchResult map[string]any) []map[string]any {
	raw, _ := searchResult["solutions_found"].([]any)
	solutions := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			solutions = append(solutions, m)
		}
	}
	sort.SliceStable(solutions, func(i, j int) bool {
		return getFloat(solutions[i], "relevance_score") > getFloat(solutions[j], "relevance_score")
	})
	return solutions
}
