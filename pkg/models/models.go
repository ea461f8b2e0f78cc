// Package models defines the persistent records shared by the orchestrator,
// supervisor, worker pool, and dashboard API.
package models

import (
	"time"

	"gorm.io/datatypes"
)

// Job is a collection of work units processed with a shared prompt template.
//
// Counters track non-post-processing units only; the post-processing unit is
// referenced separately via PostProcessingUnitID.
type Job struct {
	JobID                string            `gorm:"column:job_id;primaryKey" json:"job_id"`
	Name                 string            `gorm:"column:name;not null" json:"name"`
	Description          string            `gorm:"column:description;not null" json:"description"`
	Status               JobStatus         `gorm:"column:status;not null;index" json:"status"`
	WorkerPromptTemplate string            `gorm:"column:worker_prompt_template;not null" json:"worker_prompt_template"`
	UnitType             string            `gorm:"column:unit_type;not null" json:"unit_type"`
	TotalUnits           int               `gorm:"column:total_units;not null" json:"total_units"`
	CompletedUnits       int               `gorm:"column:completed_units;default:0" json:"completed_units"`
	FailedUnits          int               `gorm:"column:failed_units;default:0" json:"failed_units"`
	MaxWorkers           int               `gorm:"column:max_workers;default:4" json:"max_workers"`
	MaxRetries           int               `gorm:"column:max_retries;default:3" json:"max_retries"`
	CreatedAt            time.Time         `gorm:"column:created_at;not null" json:"created_at"`
	StartedAt            *time.Time        `gorm:"column:started_at" json:"started_at"`
	CompletedAt          *time.Time        `gorm:"column:completed_at" json:"completed_at"`
	TestUnitID           *string           `gorm:"column:test_unit_id" json:"test_unit_id"`
	TestPassed           bool              `gorm:"column:test_passed;default:false" json:"test_passed"`
	OutputStrategy       string            `gorm:"column:output_strategy;default:individual" json:"output_strategy"`
	Metadata             datatypes.JSONMap `gorm:"column:metadata" json:"metadata"`
	PostProcessingPrompt *string           `gorm:"column:post_processing_prompt" json:"post_processing_prompt"`
	PostProcessingUnitID *string           `gorm:"column:post_processing_unit_id" json:"post_processing_unit_id"`
	BypassFailures       bool              `gorm:"column:bypass_failures;default:false" json:"bypass_failures"`
}

// TableName implements the gorm table naming convention.
func (Job) TableName() string { return "jobs" }

// ProgressPercentage returns batch completion as a percentage.
// Completed units are capped at TotalUnits to tolerate legacy rows where the
// post-processing unit was miscounted into the total.
func (j *Job) ProgressPercentage() float64 {
	if j.TotalUnits == 0 {
		return 0
	}
	completed := j.CompletedUnits
	if completed > j.TotalUnits {
		completed = j.TotalUnits
	}
	return float64(completed) / float64(j.TotalUnits) * 100
}

// Metadata keys written by the supervisor lifecycle.
const (
	MetaExecutorPID         = "executor_pid"
	MetaExecutorStartedAt   = "executor_started_at"
	MetaExecutorCompletedAt = "executor_completed_at"
	MetaExecutorError       = "executor_error"
	MetaExecutorErrorAt     = "executor_error_at"
	MetaKilledAt            = "killed_at"
	MetaKillReason          = "kill_reason"
	MetaUnitLabelField      = "unit_label_field"
)

// WorkUnit is one item of a batch: a file, a URL, a record, or the synthetic
// post-processing unit. The payload carries everything a worker needs to
// process the item.
type WorkUnit struct {
	UnitID               string                       `gorm:"column:unit_id;primaryKey" json:"unit_id"`
	JobID                string                       `gorm:"column:job_id;not null;index" json:"job_id"`
	UnitType             string                       `gorm:"column:unit_type;not null" json:"unit_type"`
	Status               UnitStatus                   `gorm:"column:status;not null;index" json:"status"`
	Payload              datatypes.JSONMap            `gorm:"column:payload" json:"payload"`
	CreatedAt            time.Time                    `gorm:"column:created_at;not null" json:"created_at"`
	AssignedAt           *time.Time                   `gorm:"column:assigned_at" json:"assigned_at"`
	StartedAt            *time.Time                   `gorm:"column:started_at" json:"started_at"`
	CompletedAt          *time.Time                   `gorm:"column:completed_at" json:"completed_at"`
	WorkerID             *string                      `gorm:"column:worker_id;index" json:"worker_id"`
	Result               datatypes.JSONMap            `gorm:"column:result" json:"result"`
	Error                *string                      `gorm:"column:error" json:"error"`
	RetryCount           int                          `gorm:"column:retry_count;default:0" json:"retry_count"`
	MaxRetries           int                          `gorm:"column:max_retries;default:3" json:"max_retries"`
	ExecutionTimeSeconds *float64                     `gorm:"column:execution_time_seconds" json:"execution_time_seconds"`
	OutputFiles          datatypes.JSONSlice[string]  `gorm:"column:output_files" json:"output_files"`
	RenderedPrompt       *string                      `gorm:"column:rendered_prompt" json:"rendered_prompt"`
	Conversation         datatypes.JSON               `gorm:"column:conversation" json:"conversation"`
	SessionID            *string                      `gorm:"column:session_id" json:"session_id"`
	CostUSD              *float64                     `gorm:"column:cost_usd" json:"cost_usd"`
	ProcessID            *int                         `gorm:"column:process_id" json:"process_id"`
}

// TableName implements the gorm table naming convention.
func (WorkUnit) TableName() string { return "work_units" }

// CanRetry reports whether the unit has retry budget left.
func (u *WorkUnit) CanRetry() bool {
	return u.RetryCount < u.MaxRetries
}

// IsPostProcessing reports whether this is the synthetic synthesis unit.
func (u *WorkUnit) IsPostProcessing() bool {
	return u.UnitType == UnitTypePostProcessing
}

// WorkerProcess tracks one pool slot executing agent subprocesses.
// Worker rows are created busy when a unit is submitted and reset to idle
// when the unit finishes; the pool marks remaining rows terminated on stop.
type WorkerProcess struct {
	WorkerID           string       `gorm:"column:worker_id;primaryKey" json:"worker_id"`
	Status             WorkerStatus `gorm:"column:status;not null" json:"status"`
	JobID              *string      `gorm:"column:job_id;index" json:"job_id"`
	CurrentUnitID      *string      `gorm:"column:current_unit_id" json:"current_unit_id"`
	ProcessID          *int         `gorm:"column:process_id" json:"process_id"`
	StartedAt          time.Time    `gorm:"column:started_at;not null" json:"started_at"`
	LastHeartbeat      *time.Time   `gorm:"column:last_heartbeat" json:"last_heartbeat"`
	UnitsCompleted     int          `gorm:"column:units_completed;default:0" json:"units_completed"`
	UnitsFailed        int          `gorm:"column:units_failed;default:0" json:"units_failed"`
	TotalExecutionTime float64      `gorm:"column:total_execution_time;default:0" json:"total_execution_time"`
}

// TableName implements the gorm table naming convention.
func (WorkerProcess) TableName() string { return "workers" }

// LogEntry is a structured log line persisted alongside the job so the
// detached supervisor stays observable from the dashboard.
type LogEntry struct {
	ID        uint              `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	JobID     string            `gorm:"column:job_id;not null;index" json:"job_id"`
	Source    string            `gorm:"column:source;not null" json:"source"`
	Level     string            `gorm:"column:level;not null" json:"level"`
	Message   string            `gorm:"column:message;not null" json:"message"`
	Timestamp time.Time         `gorm:"column:timestamp;not null;index" json:"timestamp"`
	WorkerID  *string           `gorm:"column:worker_id" json:"worker_id"`
	UnitID    *string           `gorm:"column:unit_id" json:"unit_id"`
	Extra     datatypes.JSONMap `gorm:"column:extra" json:"extra"`
}

// TableName implements the gorm table naming convention.
func (LogEntry) TableName() string { return "logs" }

// StrPtr returns a pointer to s, for optional string columns.
func StrPtr(s string) *string { return &s }

// IntPtr returns a pointer to n, for optional integer columns.
func IntPtr(n int) *int { return &n }

// FloatPtr returns a pointer to f, for optional float columns.
func FloatPtr(f float64) *float64 { return &f }

// TimePtr returns a pointer to t, for optional timestamp columns.
func TimePtr(t time.Time) *time.Time { return &t }
