package schema

import (
	"fmt"
	"strings"
)

// MaxQueryLength is the upper bound on intake query text.
const MaxQueryLength = 5000

// IntakeRequest is the inbound support request that starts a session. A
// caller-supplied TicketID is kept as-is; when absent the store derives one
// at creation.
type IntakeRequest struct {
	CustomerName string `json:"customer_name"`
	Email        string `json:"email"`
	Query        string `json:"query"`
	Priority     string `json:"priority,omitempty"`
	TicketID     string `json:"ticket_id,omitempty"`
}

// Validate checks all intake constraints and reports every violation at once.
// The returned error is a VALIDATION_ERROR whose details carry the per-field
// violation list.
func (r *IntakeRequest) Validate() error {
	var violations []string

	if strings.TrimSpace(r.CustomerName) == "" {
		violations = append(violations, "customer_name: must not be blank")
	}
	if strings.TrimSpace(r.Email) == "" {
		violations = append(violations, "email: must not be blank")
	} else if !strings.Contains(r.Email, "@") {
		violations = append(violations, "email: must contain @")
	}
	if strings.TrimSpace(r.Query) == "" {
		violations = append(violations, "query: must not be blank")
	} else if len(r.Query) > MaxQueryLength {
		violations = append(violations,
			fmt.Sprintf("query: exceeds %d characters", MaxQueryLength))
	}
	if r.Priority != "" && !ValidPriority(r.Priority) {
		violations = append(violations,
			fmt.Sprintf("priority: must be one of low, medium, high, urgent (got %q)", r.Priority))
	}

	if len(violations) == 0 {
		return nil
	}
	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("intake validation failed with %d errors", len(violations))
	}
	return NewError(ErrCodeValidation, msg).
		WithStage(StageIntake).
		WithDetails(map[string]any{"violations": violations})
}

// Final workflow statuses reported in the result envelope.
const (
	StatusCompleted           = "completed"
	StatusResolved            = "resolved"
	StatusEscalated           = "escalated"
	StatusCompletedWithErrors = "completed_with_errors"
	StatusWaitingForCustomer  = "waiting_for_customer"
)

// ResultEnvelope is the terminal summary returned to the caller.
type ResultEnvelope struct {
	TicketID         string              `json:"ticket_id"`
	Status           string              `json:"status"`
	Resolution       string              `json:"resolution,omitempty"`
	Escalated        bool                `json:"escalated"`
	ExecutionLog     []ExecutionLogEntry `json:"execution_log"`
	SessionID        string              `json:"session_id"`
	ProcessingTimeMs int64               `json:"processing_time_ms"`
	StagesCompleted  int                 `json:"stages_completed"`
}
