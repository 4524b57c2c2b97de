// Package stages implements the eleven workflow stage executors. Each stage
// reads the latest session state, invokes its abilities in a fixed order,
// applies the resulting field updates as a new state version, and appends an
// execution log entry.
package stages

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/triagekit/triagekit/internal/capability"
	"github.com/triagekit/triagekit/internal/logging"
	"github.com/triagekit/triagekit/internal/rules"
	"github.com/triagekit/triagekit/internal/statestore"
	"github.com/triagekit/triagekit/pkg/schema"
)

// Runner executes workflow stages against shared dependencies.
type Runner struct {
	store    statestore.Store
	provider capability.Provider
	rules    *rules.DecisionRules
	logger   *slog.Logger
}

// NewRunner creates a stage runner.
func NewRunner(store statestore.Store, provider capability.Provider, dr *rules.DecisionRules, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: store, provider: provider, rules: dr, logger: logger}
}

// trace accumulates per-stage telemetry: which abilities ran, which backends
// served them, and how long the stage took.
type trace struct {
	started   time.Time
	abilities []string
	backends  []string
}

func newTrace() *trace {
	return &trace{started: time.Now()}
}

func (t *trace) record(ability string, backend schema.Backend) {
	t.abilities = append(t.abilities, ability)
	b := string(backend)
	if b != "" && !slices.Contains(t.backends, b) {
		t.backends = append(t.backends, b)
	}
}

func (t *trace) backendUsed() string {
	return strings.Join(t.backends, ",")
}

func (t *trace) elapsedMs() int64 {
	return time.Since(t.started).Milliseconds()
}

// invoke runs one ability through the provider, records it in the trace, and
// converts failed results into typed errors.
func (r *Runner) invoke(ctx context.Context, state *schema.WorkflowState, t *trace, stage, ability string, params, callCtx map[string]any) (map[string]any, error) {
	ctx = logging.WithAbility(ctx, ability)
	result, err := r.provider.Invoke(ctx, &schema.CapabilityRequest{
		Ability:    ability,
		Parameters: params,
		Context:    callCtx,
		SessionID:  state.SessionID,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	t.record(ability, result.Backend)
	if !result.Success {
		if result.Backend == "" {
			return nil, schema.NewError(schema.ErrCodeUnknownAbility, result.Error).WithStage(stage)
		}
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityFailure,
			"%s failed: %s", ability, result.Error).
			WithStage(stage).
			WithDetails(map[string]any{
				"ability": ability,
				"backend": string(result.Backend),
			})
	}
	r.logger.DebugContext(ctx, "ability executed",
		slog.Int64("execution_time_ms", result.ExecutionTimeMs))
	return result.Data, nil
}

// finishStage appends a terminal log entry for a stage.
func (r *Runner) finishStage(ctx context.Context, sessionID, stage string, t *trace, status schema.StageStatus, output map[string]any) error {
	return r.store.AppendLogEntry(ctx, sessionID, &schema.ExecutionLogEntry{
		StageName:         stage,
		Status:            status,
		AbilitiesExecuted: t.abilities,
		BackendUsed:       t.backendUsed(),
		DurationMs:        t.elapsedMs(),
		Output:            output,
	})
}

// failStage records a failed log entry and returns the original cause. The
// log write itself is best effort; losing it must not mask the stage failure.
func (r *Runner) failStage(ctx context.Context, sessionID, stage string, t *trace, cause error) error {
	entry := &schema.ExecutionLogEntry{
		StageName:         stage,
		Status:            schema.StageStatusFailed,
		AbilitiesExecuted: t.abilities,
		BackendUsed:       t.backendUsed(),
		DurationMs:        t.elapsedMs(),
		ErrorMessage:      errMessage(cause),
	}
	if err := r.store.AppendLogEntry(ctx, sessionID, entry); err != nil {
		r.logger.ErrorContext(ctx, "failed to record stage failure",
			slog.String("error", err.Error()))
	}
	r.logger.ErrorContext(ctx, "stage failed", slog.String("error", cause.Error()))
	return cause
}

// errMessage extracts the bare message from structured errors so state-level
// diagnostics read "<stage>: <message>" without the code prefix.
func errMessage(err error) string {
	var te *schema.TriageError
	if errors.As(err, &te) {
		return te.Message
	}
	return err.Error()
}

func missingPrereq(stage, field string) *schema.TriageError {
	return schema.NewErrorf(schema.ErrCodeMissingPrereq,
		"missing required data from previous stages: %s", field).WithStage(stage)
}

// formatScore renders a score without trailing zeros (92, not 92.0).
func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}

// nested walks a map path, returning nil on any missing hop.
func nested(m map[string]any, keys ...string) map[string]any {
	cur := m
	for _, key := range keys {
		next, ok := cur[key].(map[string]any)
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

func getString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func getBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func getFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

func boolValue(p *bool) bool {
	return p != nil && *p
}

func stringValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
