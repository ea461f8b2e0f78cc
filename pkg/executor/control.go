package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/datatypes"

	"github.com/codeready-toolchain/agentbatch/pkg/models"
	"github.com/codeready-toolchain/agentbatch/pkg/proc"
	"github.com/codeready-toolchain/agentbatch/pkg/store"
)

// Control-plane errors surfaced to API handlers.
var (
	ErrNoExecutor     = errors.New("no executor process recorded for job")
	ErrUnitNotRunning = errors.New("work unit has no running process")
	ErrUnitWrongJob   = errors.New("work unit does not belong to this job")
	ErrUnitNotFailed  = errors.New("only failed units can be restarted")
	ErrNothingToDo    = errors.New("no pending units and no post-processing to run")
)

// Status describes the supervisor process of a job.
type Status struct {
	State       string  `json:"status"` // running | stopped | not_started
	PID         int     `json:"pid,omitempty"`
	JobStatus   string  `json:"job_status"`
	StartedAt   string  `json:"started_at,omitempty"`
	CompletedAt string  `json:"completed_at,omitempty"`
	Error       string  `json:"error,omitempty"`
	Progress    float64 `json:"progress_percentage"`
}

// executorPID extracts the recorded supervisor PID from job metadata. The
// in-memory value is an int, but a reload decodes JSON numbers as
// json.Number (the metadata column scans with UseNumber).
func executorPID(job *models.Job) int {
	switch v := job.Metadata[models.MetaExecutorPID].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

func metaString(job *models.Job, key string) string {
	s, _ := job.Metadata[key].(string)
	return s
}

// ExecutorStatus reports whether the job's recorded supervisor is alive.
func ExecutorStatus(ctx context.Context, st *store.Store, jobID string) (*Status, error) {
	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	status := &Status{
		JobStatus:   string(job.Status),
		StartedAt:   metaString(job, models.MetaExecutorStartedAt),
		CompletedAt: metaString(job, models.MetaExecutorCompletedAt),
		Error:       metaString(job, models.MetaExecutorError),
		Progress:    job.ProgressPercentage(),
	}
	pid := executorPID(job)
	if pid == 0 {
		status.State = "not_started"
		return status, nil
	}
	status.PID = pid
	if proc.Alive(pid) {
		status.State = "running"
	} else {
		status.State = "stopped"
	}
	return status, nil
}

// StopExecutor asks the supervisor to shut down gracefully. Returns false
// when no live process was found.
func StopExecutor(ctx context.Context, st *store.Store, jobID string) (bool, error) {
	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	pid := executorPID(job)
	if pid == 0 || !proc.Alive(pid) {
		return false, nil
	}
	if err := proc.Terminate(pid); err != nil {
		return false, fmt.Errorf("signalling supervisor %d: %w", pid, err)
	}
	return true, nil
}

// KillExecutor hard-kills the supervisor's process group, marks the job
// failed, and resets units the dead workers were holding.
func KillExecutor(ctx context.Context, st *store.Store, jobID string) (int, error) {
	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	pid := executorPID(job)
	if pid == 0 {
		return 0, ErrNoExecutor
	}
	if job.Metadata == nil {
		job.Metadata = datatypes.JSONMap{}
	}
	job.Status = models.JobStatusFailed
	job.Metadata[models.MetaKilledAt] = time.Now().UTC().Format(time.RFC3339)

	if !proc.Alive(pid) {
		job.Metadata[models.MetaKillReason] = "user requested kill (process already dead)"
		if err := st.UpdateJob(ctx, job); err != nil {
			return 0, err
		}
		return pid, nil
	}

	if err := proc.KillGroup(pid); err != nil {
		return 0, fmt.Errorf("killing supervisor %d: %w", pid, err)
	}
	job.Metadata[models.MetaKillReason] = "user requested kill"
	if err := st.UpdateJob(ctx, job); err != nil {
		return 0, err
	}
	if _, err := st.ResetStuckUnits(ctx, jobID); err != nil {
		return pid, err
	}
	return pid, nil
}

// KillWorkUnit group-kills the agent subprocess of one unit and marks the
// unit failed.
func KillWorkUnit(ctx context.Context, st *store.Store, jobID, unitID string) error {
	unit, err := st.GetWorkUnit(ctx, unitID)
	if err != nil {
		return err
	}
	if unit.JobID != jobID {
		return ErrUnitWrongJob
	}
	if unit.ProcessID == nil {
		return ErrUnitNotRunning
	}
	pid := *unit.ProcessID

	unit.ProcessID = nil
	if !proc.Alive(pid) {
		unit.Status = models.UnitStatusFailed
		unit.Error = models.StrPtr("killed (process already dead)")
		unit.CompletedAt = models.TimePtr(time.Now().UTC())
		return st.UpdateWorkUnit(ctx, unit)
	}

	if err := proc.KillGroup(pid); err != nil {
		return fmt.Errorf("killing unit process %d: %w", pid, err)
	}
	unit.Status = models.UnitStatusFailed
	unit.Error = models.StrPtr("killed")
	unit.CompletedAt = models.TimePtr(time.Now().UTC())
	return st.UpdateWorkUnit(ctx, unit)
}

// RestartWorkUnit resets a failed unit to pending so a running or resumed
// supervisor picks it up again. The retry count is kept to preserve the
// record of total attempts; the failed counter is decremented since the unit
// is no longer terminal.
func RestartWorkUnit(ctx context.Context, st *store.Store, jobID, unitID string) error {
	unit, err := st.GetWorkUnit(ctx, unitID)
	if err != nil {
		return err
	}
	if unit.JobID != jobID {
		return ErrUnitWrongJob
	}
	if unit.Status != models.UnitStatusFailed {
		return fmt.Errorf("unit %s has status %s: %w", unitID, unit.Status, ErrUnitNotFailed)
	}
	if unit.ProcessID != nil {
		_ = proc.KillGroup(*unit.ProcessID)
	}

	if err := st.IncrementJobCounters(ctx, jobID, 0, -1); err != nil {
		return err
	}

	unit.Status = models.UnitStatusPending
	unit.Error = nil
	unit.Result = nil
	unit.WorkerID = nil
	unit.AssignedAt = nil
	unit.StartedAt = nil
	unit.CompletedAt = nil
	unit.ExecutionTimeSeconds = nil
	unit.ProcessID = nil
	unit.Conversation = nil
	unit.RenderedPrompt = nil
	unit.SessionID = nil
	unit.CostUSD = nil
	return st.UpdateWorkUnit(ctx, unit)
}

// startDetached is swapped out by tests so Resume does not fork a real
// supervisor.
var startDetached = StartDetached

// Resume restarts a job's supervisor. Idempotent: if the recorded supervisor
// is alive its PID is returned and nothing is spawned. Units the dead
// supervisor was holding are requeued first, so a job that crashed with only
// in-flight units is still resumable. A new supervisor is spawned when
// pending units remain, or when bypass is enabled and the post-processing
// phase still has to run.
func Resume(ctx context.Context, st *store.Store, jobID, storagePath string) (int, error) {
	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	pid := executorPID(job)
	if pid != 0 && proc.Alive(pid) {
		return pid, nil
	}

	if _, err := st.ResetStuckUnits(ctx, jobID); err != nil {
		return 0, err
	}
	pending, err := st.GetPendingUnits(ctx, jobID, 1)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 && !bypassNeedsPostProcessing(ctx, st, job) {
		return 0, ErrNothingToDo
	}
	return startDetached(ctx, st, jobID, storagePath)
}

// bypassNeedsPostProcessing reports whether a resume should spawn a
// supervisor solely to run the synthesis phase: bypass is set, a
// post-processing prompt exists, and the synthesis unit has not succeeded.
func bypassNeedsPostProcessing(ctx context.Context, st *store.Store, job *models.Job) bool {
	if !job.BypassFailures || job.PostProcessingPrompt == nil {
		return false
	}
	return !postProcessingDone(ctx, st, job)
}
