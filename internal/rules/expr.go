package rules

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/triagekit/triagekit/pkg/schema"
)

// ExprEngine evaluates notification guard expressions with expr-lang/expr.
// The notify rule sees the same decision facts as the CEL rules (escalated,
// priority, sentiment, score); expr is used here because membership tests
// such as `priority in ["high", "urgent"]` read naturally. Undefined
// variables resolve to nil rather than failing, so a rule can reference a
// fact that a particular session never produced.
type ExprEngine struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewExprEngine creates an Expr engine with an empty program cache.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: make(map[string]*vm.Program)}
}

func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate runs an expression against the decision facts. Each distinct
// expression is compiled once and the program reused across sessions.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	facts := data
	if facts == nil {
		facts = map[string]any{}
	}

	prg, err := e.program(expression, facts)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, facts)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

func (e *ExprEngine) program(expression string, facts map[string]any) (*vm.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.programs[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(facts),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	e.programs[expression] = prg
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
