package schema

import "time"

// Backend identifies which capability backend serves an ability.
type Backend string

const (
	BackendInternal Backend = "internal-processing"
	BackendExternal Backend = "external-systems"
)

// CapabilityRequest is a single ability invocation sent to a backend.
type CapabilityRequest struct {
	Ability    string         `json:"ability"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	SessionID  string         `json:"session_id"`
	Timestamp  time.Time      `json:"timestamp"`
}

// CapabilityResult is the outcome of an ability invocation. Success=false with
// a populated Error means the backend handled the request but the ability
// failed; transport failures are returned as Go errors instead.
type CapabilityResult struct {
	Success         bool           `json:"success"`
	Data            map[string]any `json:"data,omitempty"`
	Error           string         `json:"error,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	Backend         Backend        `json:"backend,omitempty"`
}
