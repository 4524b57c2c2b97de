package rules

import "context"

// Engine evaluates decision expressions against workflow facts.
// Three implementations: CEL (thresholds), Expr (guards), GoJQ (report shaping).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
