package schema

import "time"

// ExecutionLogEntry records one stage execution in the append-only log.
type ExecutionLogEntry struct {
	StageID           int            `json:"stage_id"`
	StageName         string         `json:"stage_name"`
	Timestamp         time.Time      `json:"timestamp"`
	Status            StageStatus    `json:"status"`
	AbilitiesExecuted []string       `json:"abilities_executed"`
	BackendUsed       string         `json:"backend_used,omitempty"`
	DurationMs        int64          `json:"duration_ms"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	Output            map[string]any `json:"output,omitempty"`
}
