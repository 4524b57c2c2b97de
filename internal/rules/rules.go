package rules

import (
	"context"

	"github.com/triagekit/triagekit/pkg/schema"
)

// Default decision expressions. Thresholds live here, not in stage code, so
// deployments can tune them without a rebuild.
const (
	DefaultEscalationRule = "score < 90.0"
	DefaultAutoCloseRule  = "!escalated && score >= 85.0"
	DefaultNotifyRule     = `escalated || priority in ["high", "urgent"] || score >= 0`
	DefaultReportQuery    = `{session_id, ticket_id, status, escalated, stages_completed, processing_time_ms, stages: [.execution_log[] | {stage: .stage_name, status, duration_ms}]}`
)

// Facts are the evaluation inputs shared by the decision rules.
type Facts struct {
	Score     float64
	Priority  string
	Sentiment string
	Escalated bool
}

func (f Facts) data() map[string]any {
	return map[string]any{
		"score":     f.Score,
		"priority":  f.Priority,
		"sentiment": f.Sentiment,
		"escalated": f.Escalated,
	}
}

// DecisionRules bundles the configurable workflow decision expressions.
type DecisionRules struct {
	cel  *CELEngine
	expr *ExprEngine
	jq   *GoJQEngine

	escalationRule string
	autoCloseRule  string
	notifyRule     string
	reportQuery    string
}

// Option customizes a DecisionRules bundle.
type Option func(*DecisionRules)

// WithEscalationRule overrides the CEL escalation expression.
func WithEscalationRule(expr string) Option {
	return func(r *DecisionRules) {
		if expr != "" {
			r.escalationRule = expr
		}
	}
}

// WithAutoCloseRule overrides the CEL auto-close expression.
func WithAutoCloseRule(expr string) Option {
	return func(r *DecisionRules) {
		if expr != "" {
			r.autoCloseRule = expr
		}
	}
}

// WithNotifyRule overrides the Expr notification guard.
func WithNotifyRule(expr string) Option {
	return func(r *DecisionRules) {
		if expr != "" {
			r.notifyRule = expr
		}
	}
}

// WithReportQuery overrides the jq report query.
func WithReportQuery(query string) Option {
	return func(r *DecisionRules) {
		if query != "" {
			r.reportQuery = query
		}
	}
}

// New creates a DecisionRules bundle with the default expressions, applying
// any overrides.
func New(opts ...Option) (*DecisionRules, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}

	r := &DecisionRules{
		cel:            celEngine,
		expr:           NewExprEngine(),
		jq:             NewGoJQEngine(),
		escalationRule: DefaultEscalationRule,
		autoCloseRule:  DefaultAutoCloseRule,
		notifyRule:     DefaultNotifyRule,
		reportQuery:    DefaultReportQuery,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ShouldEscalate evaluates the escalation rule against the best solution score.
func (r *DecisionRules) ShouldEscalate(ctx context.Context, facts Facts) (bool, error) {
	return r.evalBool(ctx, r.cel, r.escalationRule, facts)
}

// ShouldAutoClose evaluates the auto-close rule after a ticket update.
func (r *DecisionRules) ShouldAutoClose(ctx context.Context, facts Facts) (bool, error) {
	return r.evalBool(ctx, r.cel, r.autoCloseRule, facts)
}

// ShouldNotify evaluates the notification guard before dispatching notifications.
func (r *DecisionRules) ShouldNotify(ctx context.Context, facts Facts) (bool, error) {
	return r.evalBool(ctx, r.expr, r.notifyRule, facts)
}

// ShapeReport runs the configured jq query over a session summary document.
func (r *DecisionRules) ShapeReport(ctx context.Context, summary map[string]any) (any, error) {
	return r.jq.Evaluate(ctx, r.reportQuery, summary)
}

func (r *DecisionRules) evalBool(ctx context.Context, engine Engine, expression string, facts Facts) (bool, error) {
	out, err := engine.Evaluate(ctx, expression, facts.data())
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"rule %q did not evaluate to a boolean (got %T)", expression, out)
	}
	return b, nil
}
