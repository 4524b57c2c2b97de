package stages

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/triagekit/triagekit/internal/capability"
	"github.com/triagekit/triagekit/internal/rules"
	"github.com/triagekit/triagekit/internal/statestore"
	"github.com/triagekit/triagekit/pkg/schema"
)

func newTestRunner(t *testing.T) (*Runner, *statestore.MemoryStore, *capability.StubProvider) {
	t.Helper()
	store := statestore.NewMemoryStore()
	provider := capability.NewStubProvider()
	dr, err := rules.New()
	require.NoError(t, err)
	return NewRunner(store, provider, dr, slog.New(slog.DiscardHandler)), store, provider
}

// testRig bundles a runner with its backing store and provider for tests that
// need a non-default rule configuration.
type testRig struct {
	runner   *Runner
	store    *statestore.MemoryStore
	provider *capability.StubProvider
}

func newTestRunnerStore(t *testing.T, notifyRule string) testRig {
	t.Helper()
	store := statestore.NewMemoryStore()
	provider := capability.NewStubProvider()
	dr, err := rules.New(rules.WithNotifyRule(notifyRule))
	require.NoError(t, err)
	return testRig{
		runner:   NewRunner(store, provider, dr, slog.New(slog.DiscardHandler)),
		store:    store,
		provider: provider,
	}
}

func newSession(t *testing.T, store statestore.Store) string {
	t.Helper()
	state, err := store.Create(context.Background(), &schema.IntakeRequest{
		CustomerName: "Jane Doe",
		Email:        "jane@example.com",
		Query:        "My payment failed and my card was declined",
		Priority:     schema.PriorityHigh,
	})
	require.NoError(t, err)
	return state.SessionID
}

// applyState advances a session's field state directly, standing in for the
// stages that would normally have produced it.
func applyState(t *testing.T, store statestore.Store, sessionID, stage string, updates schema.Updates) {
	t.Helper()
	_, err := store.ApplyUpdate(context.Background(), sessionID, stage, updates)
	require.NoError(t, err)
}

// billingSolutions is a minimal retrieved-solutions fixture.
func billingSolutions() []any {
	return []any{
		map[string]any{
			"id":                        "SOL-001",
			"title":                     "Billing Payment Failure Resolution",
			"relevance_score":           0.92,
			"estimated_resolution_time": "15 minutes",
		},
		map[string]any{
			"id":                        "SOL-002",
			"title":                     "Card Decline Troubleshooting",
			"relevance_score":           0.87,
			"estimated_resolution_time": "30 minutes",
		},
	}
}

func billingScores() map[string]any {
	return map[string]any{
		"SOL-001": map[string]any{"overall_score": 92.0},
		"SOL-002": map[string]any{"overall_score": 78.0},
	}
}

func lastLogEntry(t *testing.T, store statestore.Store, sessionID string) schema.ExecutionLogEntry {
	t.Helper()
	state, err := store.GetLatest(context.Background(), sessionID)
	require.NoError(t, err)
	require.NotEmpty(t, state.ExecutionLog)
	return state.ExecutionLog[len(state.ExecutionLog)-1]
}
