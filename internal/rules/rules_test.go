package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triagekit/triagekit/pkg/schema"
)

func defaultRules(t *testing.T) *DecisionRules {
	t.Helper()
	r, err := New()
	require.NoError(t, err)
	return r
}

// --- Escalation Rule Tests ---

func TestShouldEscalateDefaultRule(t *testing.T) {
	r := defaultRules(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		score float64
		want  bool
	}{
		{"below threshold", 85, true},
		{"well below threshold", 42.5, true},
		{"at threshold", 90, false},
		{"above threshold", 92, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ShouldEscalate(ctx, Facts{Score: tt.score, Priority: "high"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShouldEscalateCustomRule(t *testing.T) {
	r, err := New(WithEscalationRule(`score < 80.0 || priority == "urgent"`))
	require.NoError(t, err)
	ctx := context.Background()

	got, err := r.ShouldEscalate(ctx, Facts{Score: 95, Priority: "urgent"})
	require.NoError(t, err)
	assert.True(t, got)

	got, err = r.ShouldEscalate(ctx, Facts{Score: 95, Priority: "low"})
	require.NoError(t, err)
	assert.False(t, got)
}

// --- Auto-Close Rule Tests ---

func TestShouldAutoCloseDefaultRule(t *testing.T) {
	r := defaultRules(t)
	ctx := context.Background()

	got, err := r.ShouldAutoClose(ctx, Facts{Score: 84})
	require.NoError(t, err)
	assert.False(t, got)

	got, err = r.ShouldAutoClose(ctx, Facts{Score: 85})
	require.NoError(t, err)
	assert.True(t, got)

	got, err = r.ShouldAutoClose(ctx, Facts{Score: 95, Escalated: true})
	require.NoError(t, err)
	assert.False(t, got, "escalated sessions never auto-close")
}

// --- Notify Rule Tests ---

func TestShouldNotifyDefaultRule(t *testing.T) {
	r := defaultRules(t)

	got, err := r.ShouldNotify(context.Background(), Facts{Score: 92, Priority: "low"})
	require.NoError(t, err)
	assert.True(t, got, "default rule notifies on every completed session")
}

func TestShouldNotifyCustomRule(t *testing.T) {
	r, err := New(WithNotifyRule(`escalated || priority in ["high", "urgent"]`))
	require.NoError(t, err)
	ctx := context.Background()

	got, err := r.ShouldNotify(ctx, Facts{Priority: "medium"})
	require.NoError(t, err)
	assert.False(t, got)

	got, err = r.ShouldNotify(ctx, Facts{Priority: "high"})
	require.NoError(t, err)
	assert.True(t, got)

	got, err = r.ShouldNotify(ctx, Facts{Priority: "medium", Escalated: true})
	require.NoError(t, err)
	assert.True(t, got)
}

// --- Rule Error Tests ---

func TestNonBooleanRuleIsExecutionError(t *testing.T) {
	r, err := New(WithNotifyRule(`priority`))
	require.NoError(t, err)

	_, err = r.ShouldNotify(context.Background(), Facts{Priority: "high"})
	require.Error(t, err)

	var te *schema.TriageError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, schema.ErrCodeExecution, te.Code)
}

func TestMalformedCELRule(t *testing.T) {
	r, err := New(WithEscalationRule(`score <<< 90`))
	require.NoError(t, err, "compile is lazy")

	_, err = r.ShouldEscalate(context.Background(), Facts{Score: 50})
	require.Error(t, err)

	var te *schema.TriageError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, schema.ErrCodeValidation, te.Code)
}

// --- Report Shaping Tests ---

func TestShapeReportDefaultQuery(t *testing.T) {
	r := defaultRules(t)

	summary := map[string]any{
		"session_id":         "sess-1",
		"ticket_id":          "TKT-20260901-sess0001",
		"status":             "resolved",
		"escalated":          false,
		"stages_completed":   10,
		"processing_time_ms": int64(42),
		"execution_log": []any{
			map[string]any{"stage_name": "INTAKE", "status": "completed", "duration_ms": 1},
			map[string]any{"stage_name": "UNDERSTAND", "status": "completed", "duration_ms": 8},
		},
	}

	out, err := r.ShapeReport(context.Background(), summary)
	require.NoError(t, err)

	doc, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sess-1", doc["session_id"])
	assert.Equal(t, "resolved", doc["status"])
	assert.Equal(t, float64(10), doc["stages_completed"])

	stages, ok := doc["stages"].([]any)
	require.True(t, ok)
	require.Len(t, stages, 2)
	first := stages[0].(map[string]any)
	assert.Equal(t, "INTAKE", first["stage"])
	assert.Equal(t, "completed", first["status"])
	assert.NotContains(t, first, "stage_name", "query renames log fields")
}

func TestShapeReportCustomQuery(t *testing.T) {
	r, err := New(WithReportQuery(`.execution_log | length`))
	require.NoError(t, err)

	out, err := r.ShapeReport(context.Background(), map[string]any{
		"execution_log": []any{map[string]any{}, map[string]any{}, map[string]any{}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out)
}
