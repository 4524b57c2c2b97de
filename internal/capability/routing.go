package capability

import "github.com/triagekit/triagekit/pkg/schema"

// backendForAbility is the fixed ability routing table. Internal-processing
// abilities are pure computation over state; external-systems abilities reach
// ticketing, knowledge base, and messaging systems.
var backendForAbility = map[string]schema.Backend{
	"parse_request_text":     schema.BackendInternal,
	"normalize_fields":       schema.BackendInternal,
	"add_flags_calculations": schema.BackendInternal,
	"solution_evaluation":    schema.BackendInternal,
	"response_generation":    schema.BackendInternal,

	"extract_entities":      schema.BackendExternal,
	"enrich_records":        schema.BackendExternal,
	"clarify_question":      schema.BackendExternal,
	"extract_answer":        schema.BackendExternal,
	"knowledge_base_search": schema.BackendExternal,
	"escalation_decision":   schema.BackendExternal,
	"update_ticket":         schema.BackendExternal,
	"close_ticket":          schema.BackendExternal,
	"execute_api_calls":     schema.BackendExternal,
	"trigger_notifications": schema.BackendExternal,
}

// Route returns the backend serving an ability, or false if unknown.
func Route(ability string) (schema.Backend, bool) {
	b, ok := backendForAbility[ability]
	return b, ok
}

// Abilities returns all routable ability names.
func Abilities() []string {
	names := make([]string, 0, len(backendForAbility))
	for name := range backendForAbility {
		names = append(names, name)
	}
	return names
}
