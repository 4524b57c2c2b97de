package capability

import (
	"context"
	"fmt"

	"github.com/triagekit/triagekit/pkg/schema"
)

// Provider executes abilities against their backends.
type Provider interface {
	// Invoke runs a single ability. A nil error with Success=false means the
	// backend handled the request but the ability failed; transport and
	// protocol failures come back as Go errors.
	Invoke(ctx context.Context, req *schema.CapabilityRequest) (*schema.CapabilityResult, error)

	// Status reports per-backend health ("healthy", "unhealthy", ...).
	Status() map[string]string

	Close() error
}

// unknownAbilityResult is the canonical response for an unrouted ability:
// a failed result with no backend attribution.
func unknownAbilityResult(name string) *schema.CapabilityResult {
	return &schema.CapabilityResult{
		Success: false,
		Error:   fmt.Sprintf("Unknown ability: %s", name),
	}
}
