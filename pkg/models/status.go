package models

// JobStatus represents the lifecycle state of a job.
type JobStatus string

// Job status constants.
const (
	JobStatusCreated        JobStatus = "created"
	JobStatusTesting        JobStatus = "testing"
	JobStatusReady          JobStatus = "ready"
	JobStatusRunning        JobStatus = "running"
	JobStatusPaused         JobStatus = "paused"
	JobStatusPostProcessing JobStatus = "post_processing"
	JobStatusCompleted      JobStatus = "completed"
	JobStatusFailed         JobStatus = "failed"
)

// ValidJobStatus reports whether s is a known job status.
func ValidJobStatus(s JobStatus) bool {
	switch s {
	case JobStatusCreated, JobStatusTesting, JobStatusReady, JobStatusRunning,
		JobStatusPaused, JobStatusPostProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// UnitStatus represents the lifecycle state of a work unit.
type UnitStatus string

// Work unit status constants.
const (
	UnitStatusPending    UnitStatus = "pending"
	UnitStatusAssigned   UnitStatus = "assigned"
	UnitStatusProcessing UnitStatus = "processing"
	UnitStatusCompleted  UnitStatus = "completed"
	UnitStatusFailed     UnitStatus = "failed"
)

// WorkerStatus represents the state of a worker record.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle       WorkerStatus = "idle"
	WorkerStatusBusy       WorkerStatus = "busy"
	WorkerStatusFailed     WorkerStatus = "failed"
	WorkerStatusTerminated WorkerStatus = "terminated"
)

// UnitTypePostProcessing tags the synthetic synthesis unit created after the
// main batch drains. Units of this type are excluded from job counters.
const UnitTypePostProcessing = "post_processing"
