package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/triagekit/triagekit/pkg/schema"
)

// Store persists per-session workflow state as a copy-on-write version history
// with an append-only execution log.
//
// Invariants all implementations uphold:
//   - Create seeds version 1; every ApplyUpdate appends exactly one version.
//   - AppendLogEntry mutates the latest version in place (no new version).
//   - A log entry carrying an error message also appends
//     "<stage_name>: <error_message>" to the state's error list.
//   - Updates for a single session are serialized.
type Store interface {
	// Create starts a new session from an already-validated intake request
	// and returns the seeded state (version 1).
	Create(ctx context.Context, req *schema.IntakeRequest) (*schema.WorkflowState, error)

	// ApplyUpdate clones the latest version, applies the field updates
	// (tolerating unknown fields with diagnostics), and appends the clone
	// as a new version. Returns the new latest state.
	ApplyUpdate(ctx context.Context, sessionID, stageName string, updates schema.Updates) (*schema.WorkflowState, error)

	// AppendLogEntry appends an execution log entry to the latest version.
	AppendLogEntry(ctx context.Context, sessionID string, entry *schema.ExecutionLogEntry) error

	// GetLatest returns the latest state version.
	GetLatest(ctx context.Context, sessionID string) (*schema.WorkflowState, error)

	// GetHistory returns all state versions in order (oldest first).
	GetHistory(ctx context.Context, sessionID string) ([]*schema.WorkflowState, error)

	// ListSessions returns summary info for all sessions.
	ListSessions(ctx context.Context) ([]*SessionInfo, error)

	// Purge removes a session and all its versions. Idempotent.
	Purge(ctx context.Context, sessionID string) error

	Close() error
}

// SessionInfo is a summary row for session listings and retention sweeps.
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	TicketID     string    `json:"ticket_id"`
	CurrentStage string    `json:"current_stage"`
	Completed    bool      `json:"completed"`
	Versions     int       `json:"versions"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// sessionNotFound builds the canonical missing-session error.
func sessionNotFound(sessionID string) *schema.TriageError {
	return schema.NewErrorf(schema.ErrCodeSessionNotFound, "session %q not found", sessionID)
}

// newSessionState seeds version 1 of a session from an intake request.
// A caller-supplied ticket ID is honored; otherwise one is derived from the
// creation date and the session UUID. The session ID is always the true key.
func newSessionState(req *schema.IntakeRequest) *schema.WorkflowState {
	now := time.Now().UTC()
	sessionID := uuid.New().String()
	priority := req.Priority
	if priority == "" {
		priority = schema.PriorityMedium
	}
	ticketID := req.TicketID
	if ticketID == "" {
		ticketID = deriveTicketID(sessionID, now)
	}
	status := "open"
	return &schema.WorkflowState{
		SessionID:    sessionID,
		TicketID:     ticketID,
		CustomerName: req.CustomerName,
		Email:        req.Email,
		Query:        req.Query,
		Priority:     priority,
		TicketStatus: &status,
		CurrentStage: schema.StageIntake,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func deriveTicketID(sessionID string, created time.Time) string {
	return fmt.Sprintf("TKT-%s-%s", created.Format("20060102"), sessionID[:8])
}

// mirrorLogError appends the log entry's error to the state's error list,
// matching the append-only log contract.
func mirrorLogError(state *schema.WorkflowState, entry *schema.ExecutionLogEntry) {
	if entry.ErrorMessage != "" {
		state.Errors = append(state.Errors,
			fmt.Sprintf("%s: %s", entry.StageName, entry.ErrorMessage))
	}
}

// normalizeEntry fills derivable entry fields.
func normalizeEntry(entry *schema.ExecutionLogEntry) {
	if entry.StageID == 0 {
		entry.StageID = schema.StageID(entry.StageName)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.AbilitiesExecuted == nil {
		entry.AbilitiesExecuted = []string{}
	}
}

// isTerminalStage reports whether a session has reached a terminal state,
// used by retention sweeps.
func isTerminalStage(state *schema.WorkflowState) bool {
	if state.WorkflowCompleted != nil && *state.WorkflowCompleted {
		return true
	}
	return state.EscalationDecision != nil && *state.EscalationDecision &&
		state.CurrentStage == schema.StageDecide
}
