package schema

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// StageStatus is the lifecycle status of a single stage execution.
type StageStatus string

const (
	StageStatusPending    StageStatus = "pending"
	StageStatusInProgress StageStatus = "in_progress"
	StageStatusCompleted  StageStatus = "completed"
	StageStatusFailed     StageStatus = "failed"
	StageStatusSkipped    StageStatus = "skipped"
)

// Stage names in execution order. IDs are 1-based.
const (
	StageIntake     = "INTAKE"
	StageUnderstand = "UNDERSTAND"
	StagePrepare    = "PREPARE"
	StageAsk        = "ASK"
	StageWait       = "WAIT"
	StageRetrieve   = "RETRIEVE"
	StageDecide     = "DECIDE"
	StageUpdate     = "UPDATE"
	StageCreate     = "CREATE"
	StageDo         = "DO"
	StageComplete   = "COMPLETE"
)

// StageOrder lists the stages in canonical execution order.
var StageOrder = []string{
	StageIntake, StageUnderstand, StagePrepare, StageAsk, StageWait,
	StageRetrieve, StageDecide, StageUpdate, StageCreate, StageDo, StageComplete,
}

// StageID returns the 1-based ID for a stage name, or 0 if unknown.
func StageID(name string) int {
	for i, s := range StageOrder {
		if s == name {
			return i + 1
		}
	}
	return 0
}

// Priority levels accepted on intake.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// ValidPriority reports whether p is one of the accepted priority levels.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Field identifies a known state field that stages may update.
type Field string

const (
	FieldParsedRequest        Field = "parsed_request"
	FieldExtractedEntities    Field = "extracted_entities"
	FieldNormalizedFields     Field = "normalized_fields"
	FieldEnrichedRecords      Field = "enriched_records"
	FieldCalculatedFlags      Field = "calculated_flags"
	FieldClarificationNeeded  Field = "clarification_needed"
	FieldQuestionsAsked       Field = "questions_asked"
	FieldCustomerResponses    Field = "customer_responses"
	FieldWaitingForResponse   Field = "waiting_for_response"
	FieldResponseCompleteness Field = "response_completeness"
	FieldKnowledgeBaseResults Field = "knowledge_base_results"
	FieldRetrievedSolutions   Field = "retrieved_solutions"
	FieldSolutionScores       Field = "solution_scores"
	FieldEscalationDecision   Field = "escalation_decision"
	FieldEscalationDetails    Field = "escalation_details"
	FieldSelectedSolution     Field = "selected_solution"
	FieldDecisionReasoning    Field = "decision_reasoning"
	FieldTicketUpdates        Field = "ticket_updates"
	FieldTicketStatus         Field = "ticket_status"
	FieldGeneratedResponse    Field = "generated_response"
	FieldResponseMetadata     Field = "response_metadata"
	FieldAPICallsExecuted     Field = "api_calls_executed"
	FieldNotificationsSent    Field = "notifications_sent"
	FieldFinalPayload         Field = "final_payload"
	FieldWorkflowCompleted    Field = "workflow_completed"
	FieldCompletionTimestamp  Field = "completion_timestamp"
)

// Updates is a set of field updates produced by a stage.
type Updates map[Field]any

// WorkflowState is the full state of a support session. Stage-output fields
// are optional; their zero value means the owning stage has not run.
type WorkflowState struct {
	SessionID    string `json:"session_id"`
	TicketID     string `json:"ticket_id"`
	CustomerName string `json:"customer_name"`
	Email        string `json:"email"`
	Query        string `json:"query"`
	Priority     string `json:"priority"`

	ParsedRequest        map[string]any   `json:"parsed_request,omitempty"`
	ExtractedEntities    map[string]any   `json:"extracted_entities,omitempty"`
	NormalizedFields     map[string]any   `json:"normalized_fields,omitempty"`
	EnrichedRecords      map[string]any   `json:"enriched_records,omitempty"`
	CalculatedFlags      map[string]any   `json:"calculated_flags,omitempty"`
	ClarificationNeeded  *bool            `json:"clarification_needed,omitempty"`
	QuestionsAsked       []string         `json:"questions_asked,omitempty"`
	CustomerResponses    map[string]any   `json:"customer_responses,omitempty"`
	WaitingForResponse   *bool            `json:"waiting_for_response,omitempty"`
	ResponseCompleteness *float64         `json:"response_completeness,omitempty"`
	KnowledgeBaseResults map[string]any   `json:"knowledge_base_results,omitempty"`
	RetrievedSolutions   []map[string]any `json:"retrieved_solutions,omitempty"`
	SolutionScores       map[string]any   `json:"solution_scores,omitempty"`
	EscalationDecision   *bool            `json:"escalation_decision,omitempty"`
	EscalationDetails    map[string]any   `json:"escalation_details,omitempty"`
	SelectedSolution     map[string]any   `json:"selected_solution,omitempty"`
	DecisionReasoning    *string          `json:"decision_reasoning,omitempty"`
	TicketUpdates        map[string]any   `json:"ticket_updates,omitempty"`
	TicketStatus         *string          `json:"ticket_status,omitempty"`
	GeneratedResponse    *string          `json:"generated_response,omitempty"`
	ResponseMetadata     map[string]any   `json:"response_metadata,omitempty"`
	APICallsExecuted     []map[string]any `json:"api_calls_executed,omitempty"`
	NotificationsSent    []map[string]any `json:"notifications_sent,omitempty"`
	FinalPayload         map[string]any   `json:"final_payload,omitempty"`
	WorkflowCompleted    *bool            `json:"workflow_completed,omitempty"`
	CompletionTimestamp  *time.Time       `json:"completion_timestamp,omitempty"`

	CurrentStage string              `json:"current_stage"`
	ExecutionLog []ExecutionLogEntry `json:"execution_log"`
	Errors       []string            `json:"errors,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Clone returns an independent copy of the state. Top-level maps and slices
// are cloned; nested values are treated as immutable once applied.
func (s *WorkflowState) Clone() *WorkflowState {
	c := *s
	c.ParsedRequest = maps.Clone(s.ParsedRequest)
	c.ExtractedEntities = maps.Clone(s.ExtractedEntities)
	c.NormalizedFields = maps.Clone(s.NormalizedFields)
	c.EnrichedRecords = maps.Clone(s.EnrichedRecords)
	c.CalculatedFlags = maps.Clone(s.CalculatedFlags)
	c.QuestionsAsked = slices.Clone(s.QuestionsAsked)
	c.CustomerResponses = maps.Clone(s.CustomerResponses)
	c.KnowledgeBaseResults = maps.Clone(s.KnowledgeBaseResults)
	c.RetrievedSolutions = slices.Clone(s.RetrievedSolutions)
	c.SolutionScores = maps.Clone(s.SolutionScores)
	c.EscalationDetails = maps.Clone(s.EscalationDetails)
	c.SelectedSolution = maps.Clone(s.SelectedSolution)
	c.TicketUpdates = maps.Clone(s.TicketUpdates)
	c.ResponseMetadata = maps.Clone(s.ResponseMetadata)
	c.APICallsExecuted = slices.Clone(s.APICallsExecuted)
	c.NotificationsSent = slices.Clone(s.NotificationsSent)
	c.FinalPayload = maps.Clone(s.FinalPayload)
	c.ExecutionLog = slices.Clone(s.ExecutionLog)
	c.Errors = slices.Clone(s.Errors)
	if s.ClarificationNeeded != nil {
		v := *s.ClarificationNeeded
		c.ClarificationNeeded = &v
	}
	if s.WaitingForResponse != nil {
		v := *s.WaitingForResponse
		c.WaitingForResponse = &v
	}
	if s.ResponseCompleteness != nil {
		v := *s.ResponseCompleteness
		c.ResponseCompleteness = &v
	}
	if s.EscalationDecision != nil {
		v := *s.EscalationDecision
		c.EscalationDecision = &v
	}
	if s.DecisionReasoning != nil {
		v := *s.DecisionReasoning
		c.DecisionReasoning = &v
	}
	if s.TicketStatus != nil {
		v := *s.TicketStatus
		c.TicketStatus = &v
	}
	if s.GeneratedResponse != nil {
		v := *s.GeneratedResponse
		c.GeneratedResponse = &v
	}
	if s.WorkflowCompleted != nil {
		v := *s.WorkflowCompleted
		c.WorkflowCompleted = &v
	}
	if s.CompletionTimestamp != nil {
		v := *s.CompletionTimestamp
		c.CompletionTimestamp = &v
	}
	return &c
}

// ApplyUpdates applies a set of field updates to the state. Unknown fields and
// type mismatches never fail the update; each appends a diagnostic to Errors
// and the remaining fields still apply.
func (s *WorkflowState) ApplyUpdates(stage string, updates Updates) {
	for _, field := range sortedFields(updates) {
		switch s.applyField(field, updates[field]) {
		case applyUnknownField:
			s.Errors = append(s.Errors,
				fmt.Sprintf("Unknown state key: %s from stage %s", field, stage))
		case applyBadValue:
			s.Errors = append(s.Errors,
				fmt.Sprintf("Invalid value for state key: %s from stage %s", field, stage))
		}
	}
	s.CurrentStage = stage
	s.UpdatedAt = time.Now().UTC()
}

// sortedFields returns update keys in a deterministic order so diagnostics
// and version diffs are stable.
func sortedFields(updates Updates) []Field {
	keys := make([]Field, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

type applyResult int

const (
	applyOK applyResult = iota
	applyUnknownField
	applyBadValue
)

func (s *WorkflowState) applyField(field Field, value any) applyResult {
	var ok bool
	switch field {
	case FieldParsedRequest:
		s.ParsedRequest, ok = asMap(value)
	case FieldExtractedEntities:
		s.ExtractedEntities, ok = asMap(value)
	case FieldNormalizedFields:
		s.NormalizedFields, ok = asMap(value)
	case FieldEnrichedRecords:
		s.EnrichedRecords, ok = asMap(value)
	case FieldCalculatedFlags:
		s.CalculatedFlags, ok = asMap(value)
	case FieldClarificationNeeded:
		s.ClarificationNeeded, ok = asBoolPtr(value)
	case FieldQuestionsAsked:
		s.QuestionsAsked, ok = asStringSlice(value)
	case FieldCustomerResponses:
		s.CustomerResponses, ok = asMap(value)
	case FieldWaitingForResponse:
		s.WaitingForResponse, ok = asBoolPtr(value)
	case FieldResponseCompleteness:
		s.ResponseCompleteness, ok = asFloatPtr(value)
	case FieldKnowledgeBaseResults:
		s.KnowledgeBaseResults, ok = asMap(value)
	case FieldRetrievedSolutions:
		s.RetrievedSolutions, ok = asMapSlice(value)
	case FieldSolutionScores:
		s.SolutionScores, ok = asMap(value)
	case FieldEscalationDecision:
		s.EscalationDecision, ok = asBoolPtr(value)
	case FieldEscalationDetails:
		s.EscalationDetails, ok = asMap(value)
	case FieldSelectedSolution:
		s.SelectedSolution, ok = asMap(value)
	case FieldDecisionReasoning:
		s.DecisionReasoning, ok = asStringPtr(value)
	case FieldTicketUpdates:
		s.TicketUpdates, ok = asMap(value)
	case FieldTicketStatus:
		s.TicketStatus, ok = asStringPtr(value)
	case FieldGeneratedResponse:
		s.GeneratedResponse, ok = asStringPtr(value)
	case FieldResponseMetadata:
		s.ResponseMetadata, ok = asMap(value)
	case FieldAPICallsExecuted:
		s.APICallsExecuted, ok = asMapSlice(value)
	case FieldNotificationsSent:
		s.NotificationsSent, ok = asMapSlice(value)
	case FieldFinalPayload:
		s.FinalPayload, ok = asMap(value)
	case FieldWorkflowCompleted:
		s.WorkflowCompleted, ok = asBoolPtr(value)
	case FieldCompletionTimestamp:
		s.CompletionTimestamp, ok = asTimePtr(value)
	default:
		return applyUnknownField
	}
	if !ok {
		return applyBadValue
	}
	return applyOK
}

func asMap(v any) (map[string]any, bool) {
	if v == nil {
		return nil, true
	}
	m, ok := v.(map[string]any)
	return m, ok
}

func asMapSlice(v any) ([]map[string]any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, true
	case []map[string]any:
		return val, true
	case []any:
		out := make([]map[string]any, 0, len(val))
		for _, item := range val {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, m)
		}
		return out, true
	}
	return nil, false
}

func asStringSlice(v any) ([]string, bool) {
	switch val := v.(type) {
	case nil:
		return nil, true
	case []string:
		return val, true
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func asBoolPtr(v any) (*bool, bool) {
	if v == nil {
		return nil, true
	}
	if b, ok := v.(bool); ok {
		return &b, true
	}
	return nil, false
}

func asStringPtr(v any) (*string, bool) {
	if v == nil {
		return nil, true
	}
	if s, ok := v.(string); ok {
		return &s, true
	}
	return nil, false
}

func asFloatPtr(v any) (*float64, bool) {
	switch n := v.(type) {
	case nil:
		return nil, true
	case float64:
		return &n, true
	case float32:
		f := float64(n)
		return &f, true
	case int:
		f := float64(n)
		return &f, true
	case int64:
		f := float64(n)
		return &f, true
	}
	return nil, false
}

func asTimePtr(v any) (*time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case time.Time:
		return &t, true
	case *time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return &parsed, true
		}
	}
	return nil, false
}
