// Package orchestrator is the front-facing coordination layer: job creation
// from enumerated data sources, the pre-batch test phase with its approval
// gate, and handoff to the detached supervisor.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/codeready-toolchain/agentbatch/pkg/agent"
	"github.com/codeready-toolchain/agentbatch/pkg/config"
	"github.com/codeready-toolchain/agentbatch/pkg/enumerate"
	"github.com/codeready-toolchain/agentbatch/pkg/executor"
	"github.com/codeready-toolchain/agentbatch/pkg/models"
	"github.com/codeready-toolchain/agentbatch/pkg/prompt"
	"github.com/codeready-toolchain/agentbatch/pkg/store"
)

// insertBatchSize bounds each bulk unit insert so no single transaction grows
// unbounded on very large enumerations.
const insertBatchSize = 500

var (
	ErrAgentUnavailable = errors.New("agent CLI binary not found on PATH")
	ErrNoItems          = errors.New("no items found to process")
	ErrBadStatus        = errors.New("job status does not allow this operation")
	ErrNoPendingUnits   = errors.New("no pending units to test")
)

// AgentRunner is the subset of the agent runner the orchestrator needs: an
// availability probe for early failure and synchronous execution for the test
// phase.
type AgentRunner interface {
	Available() bool
	Execute(ctx context.Context, req agent.Request) *agent.Result
}

// SpawnFunc starts a detached supervisor for a job and returns its PID.
// Overridable in tests.
type SpawnFunc func(ctx context.Context, st *store.Store, jobID, storagePath string) (int, error)

// Orchestrator owns job lifecycle up to the point the detached supervisor
// takes over.
type Orchestrator struct {
	store       *store.Store
	cfg         *config.Config
	runner      AgentRunner
	storagePath string
	spawn       SpawnFunc
	logger      *slog.Logger
}

func New(st *store.Store, cfg *config.Config, runner AgentRunner, storagePath string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:       st,
		cfg:         cfg,
		runner:      runner,
		storagePath: storagePath,
		spawn:       executor.StartDetached,
		logger:      logger.With("component", "orchestrator"),
	}
}

// SetSpawner replaces the supervisor spawner. Tests use this to run the
// executor in-process instead of forking.
func (o *Orchestrator) SetSpawner(fn SpawnFunc) { o.spawn = fn }

// CreateJobRequest carries everything needed to create a batch job.
type CreateJobRequest struct {
	Name                 string         `json:"name"`
	UserIntent           string         `json:"user_intent"`
	EnumeratorType       string         `json:"enumerator_type"`
	EnumeratorConfig     map[string]any `json:"enumerator_config"`
	MaxWorkers           int            `json:"max_workers"`
	MaxRetries           int            `json:"max_retries"`
	PostProcessingPrompt *string        `json:"post_processing_prompt"`
	Metadata             map[string]any `json:"metadata"`
}

// CreateJobResult summarizes a successful creation.
type CreateJobResult struct {
	JobID             string         `json:"job_id"`
	TotalItems        int            `json:"total_items"`
	EnumeratorType    string         `json:"enumerator_type"`
	Metadata          map[string]any `json:"metadata"`
	WorkerPrompt      string         `json:"worker_prompt"`
	SampleItem        map[string]any `json:"sample_item,omitempty"`
	HasPostProcessing bool           `json:"has_post_processing"`
	Message           string         `json:"message"`
}

// CreateJob enumerates the data source, synthesizes the worker prompt
// template, and persists the job with one pending unit per item. Nothing is
// persisted on any failure, including the command enumerator's approval gate,
// which callers detect with errors.As on *enumerate.ApprovalRequired.
func (o *Orchestrator) CreateJob(ctx context.Context, req CreateJobRequest) (*CreateJobResult, error) {
	if !o.runner.Available() {
		return nil, ErrAgentUnavailable
	}
	if req.MaxWorkers <= 0 {
		req.MaxWorkers = o.cfg.MaxWorkers
	}
	if req.MaxRetries < 0 {
		req.MaxRetries = o.cfg.MaxRetries
	}

	enum, err := enumerate.New(req.EnumeratorType, req.EnumeratorConfig)
	if err != nil {
		return nil, err
	}
	if err := enum.Validate(); err != nil {
		return nil, fmt.Errorf("invalid enumerator config: %w", err)
	}
	result, err := enum.Enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumeration failed: %w", err)
	}
	if len(result.Items) == 0 {
		return nil, ErrNoItems
	}

	var workerPrompt string
	if req.EnumeratorType == "file" {
		workerPrompt = prompt.SynthesizeFilePrompt(req.UserIntent)
	} else {
		workerPrompt = prompt.SynthesizeGenericPrompt(req.UserIntent, req.EnumeratorType,
			payloadDescription(result))
	}

	job := &models.Job{
		JobID:                uuid.New().String(),
		Name:                 req.Name,
		Description:          req.UserIntent,
		Status:               models.JobStatusCreated,
		WorkerPromptTemplate: workerPrompt,
		UnitType:             req.EnumeratorType,
		TotalUnits:           len(result.Items),
		MaxWorkers:           req.MaxWorkers,
		MaxRetries:           req.MaxRetries,
		PostProcessingPrompt: req.PostProcessingPrompt,
	}
	if len(req.Metadata) > 0 {
		job.Metadata = datatypes.JSONMap(req.Metadata)
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("saving job: %w", err)
	}

	if err := o.insertUnits(ctx, job, req, result.Items); err != nil {
		// Roll the half-created job back so a failed create leaves nothing.
		if delErr := o.store.DeleteJob(ctx, job.JobID); delErr != nil {
			o.logger.Error("failed to roll back job after unit insert failure",
				"job_id", job.JobID, "error", delErr)
		}
		return nil, fmt.Errorf("saving work units: %w", err)
	}

	msg := fmt.Sprintf("Created job %q with %d items to process", req.Name, len(result.Items))
	if req.PostProcessingPrompt != nil {
		msg += " (with post-processing step)"
	}
	o.logger.Info("job created", "job_id", job.JobID, "units", len(result.Items),
		"enumerator", req.EnumeratorType)

	return &CreateJobResult{
		JobID:             job.JobID,
		TotalItems:        len(result.Items),
		EnumeratorType:    req.EnumeratorType,
		Metadata:          result.Metadata,
		WorkerPrompt:      workerPrompt,
		SampleItem:        result.Items[0],
		HasPostProcessing: req.PostProcessingPrompt != nil,
		Message:           msg,
	}, nil
}

// insertUnits persists the enumerated items as pending units, batched and
// inserted concurrently.
func (o *Orchestrator) insertUnits(ctx context.Context, job *models.Job, req CreateJobRequest, items []map[string]any) error {
	now := time.Now().UTC()
	units := make([]*models.WorkUnit, len(items))
	for i, item := range items {
		units[i] = &models.WorkUnit{
			UnitID:   uuid.New().String(),
			JobID:    job.JobID,
			UnitType: req.EnumeratorType,
			Status:   models.UnitStatusPending,
			Payload:  datatypes.JSONMap(item),
			// Nanosecond spacing keeps dispatch in enumeration order.
			CreatedAt:  now.Add(time.Duration(i) * time.Nanosecond),
			MaxRetries: job.MaxRetries,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for start := 0; start < len(units); start += insertBatchSize {
		end := min(start+insertBatchSize, len(units))
		batch := units[start:end]
		g.Go(func() error {
			return o.store.CreateWorkUnits(gctx, batch)
		})
	}
	return g.Wait()
}

// payloadDescription derives field descriptions for the generic prompt from
// enumeration metadata or the first item.
func payloadDescription(result *enumerate.Result) map[string]string {
	if cols, ok := result.Metadata["columns"].([]string); ok && len(cols) > 0 {
		fields := make(map[string]string, len(cols))
		for _, c := range cols {
			fields[c] = fmt.Sprintf("from column %q", c)
		}
		return fields
	}
	if len(result.Items) > 0 {
		fields := map[string]string{}
		for key := range result.Items[0] {
			if len(key) > 0 && key[0] == '_' {
				continue
			}
			fields[key] = "payload field"
		}
		if len(fields) > 0 {
			return fields
		}
	}
	return nil
}

// StartResult reports the outcome of StartJob across all branches of the test
// phase state machine.
type StartResult struct {
	Status           string         `json:"status"` // testing | started | running | reset
	JobID            string         `json:"job_id"`
	PID              int            `json:"pid,omitempty"`
	RemainingUnits   int            `json:"remaining_units"`
	TestPassed       bool           `json:"test_passed"`
	TestUnitID       string         `json:"test_unit_id,omitempty"`
	TestUnitPayload  map[string]any `json:"test_unit_payload,omitempty"`
	Output           string         `json:"output,omitempty"`
	Error            string         `json:"error,omitempty"`
	ExecutionTime    float64        `json:"execution_time,omitempty"`
	CostUSD          *float64       `json:"cost_usd,omitempty"`
	AwaitingApproval bool           `json:"awaiting_user_approval"`
	Message          string         `json:"message"`
}

// StartJob drives the test phase state machine.
//
// created: run a synchronous test on the first unit (unless the test is
// skipped, then spawn the supervisor immediately). testing: approve=true
// spawns the supervisor for the remaining units, approve=false resets the job
// to created, nil approve returns the stored test results. running: return
// the live supervisor, or respawn a dead one.
func (o *Orchestrator) StartJob(ctx context.Context, jobID string, approve *bool, skipTest bool) (*StartResult, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case models.JobStatusCreated:
		if skipTest || o.cfg.SkipTest {
			return o.startSupervisor(ctx, job)
		}
		return o.runTestPhase(ctx, job)

	case models.JobStatusTesting:
		switch {
		case approve != nil && *approve:
			return o.startSupervisor(ctx, job)
		case approve != nil && !*approve:
			if err := o.resetTestUnit(ctx, job); err != nil {
				return nil, err
			}
			job.Status = models.JobStatusCreated
			job.TestPassed = false
			job.TestUnitID = nil
			job.CompletedUnits = 0
			if err := o.store.UpdateJob(ctx, job); err != nil {
				return nil, err
			}
			return &StartResult{
				Status:  "reset",
				JobID:   job.JobID,
				Message: "Job reset to created. Modify the prompt and try again.",
			}, nil
		default:
			return o.testResults(ctx, job)
		}

	case models.JobStatusRunning:
		status, err := executor.ExecutorStatus(ctx, o.store, jobID)
		if err != nil {
			return nil, err
		}
		if status.State == "running" {
			return &StartResult{
				Status:  "running",
				JobID:   jobID,
				PID:     status.PID,
				Message: fmt.Sprintf("Job %s is already running", jobID),
			}, nil
		}
		return o.startSupervisor(ctx, job)

	default:
		return nil, fmt.Errorf("cannot start job in %s status: %w", job.Status, ErrBadStatus)
	}
}

// resetTestUnit returns a rejected test unit to pending, clearing the
// rejected prompt's output so a re-test starts from a clean slate.
func (o *Orchestrator) resetTestUnit(ctx context.Context, job *models.Job) error {
	if job.TestUnitID == nil {
		return nil
	}
	unit, err := o.store.GetWorkUnit(ctx, *job.TestUnitID)
	if err != nil {
		return err
	}
	unit.Status = models.UnitStatusPending
	unit.Result = nil
	unit.Error = nil
	unit.WorkerID = nil
	unit.ProcessID = nil
	unit.AssignedAt = nil
	unit.StartedAt = nil
	unit.CompletedAt = nil
	unit.ExecutionTimeSeconds = nil
	unit.Conversation = nil
	unit.RenderedPrompt = nil
	unit.SessionID = nil
	unit.CostUSD = nil
	return o.store.UpdateWorkUnit(ctx, unit)
}

// runTestPhase executes the first pending unit synchronously so the caller
// can review the agent's output before committing the whole batch.
func (o *Orchestrator) runTestPhase(ctx context.Context, job *models.Job) (*StartResult, error) {
	units, err := o.store.GetPendingUnits(ctx, job.JobID, 1)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, ErrNoPendingUnits
	}
	testUnit := units[0]

	job.Status = models.JobStatusTesting
	job.TestUnitID = &testUnit.UnitID
	if err := o.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}

	testUnit.Status = models.UnitStatusProcessing
	testUnit.StartedAt = models.TimePtr(time.Now().UTC())
	if err := o.store.UpdateWorkUnit(ctx, testUnit); err != nil {
		return nil, err
	}
	o.logger.Info("running test unit", "job_id", job.JobID, "unit_id", testUnit.UnitID)

	started := time.Now()
	result := o.runner.Execute(ctx, agent.Request{
		Template: job.WorkerPromptTemplate,
		Payload:  testUnit.Payload,
		Timeout:  o.cfg.WorkerTimeout,
		OnSessionID: func(sessionID string) {
			_ = o.store.SetUnitSessionID(ctx, testUnit.UnitID, sessionID)
		},
		OnProcessStart: func(pid int) {
			_ = o.store.SetUnitProcessID(ctx, testUnit.UnitID, pid)
		},
		OnEvent: func(event map[string]any) {
			_ = o.store.AppendConversationEvent(ctx, testUnit.UnitID, event)
		},
	})
	elapsed := time.Since(started).Seconds()

	if result.Success {
		testUnit.Status = models.UnitStatusCompleted
	} else {
		testUnit.Status = models.UnitStatusFailed
	}
	testUnit.CompletedAt = models.TimePtr(time.Now().UTC())
	testUnit.Result = datatypes.JSONMap{"output": result.Output}
	if result.Error != "" {
		testUnit.Error = &result.Error
	}
	testUnit.RenderedPrompt = &result.RenderedPrompt
	testUnit.ExecutionTimeSeconds = &elapsed
	testUnit.ProcessID = nil
	if result.SessionID != "" {
		testUnit.SessionID = &result.SessionID
	}
	if result.CostUSD > 0 {
		testUnit.CostUSD = &result.CostUSD
	}
	// Snapshot the event stream, or the full-row update wipes the events
	// appended to the store while the test ran.
	if len(result.Conversation) > 0 {
		if raw, err := json.Marshal(result.Conversation); err == nil {
			testUnit.Conversation = datatypes.JSON(raw)
		}
	}
	if err := o.store.UpdateWorkUnit(ctx, testUnit); err != nil {
		return nil, err
	}

	job.TestPassed = result.Success
	if result.Success {
		job.CompletedUnits = 1
	}
	if err := o.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}

	res := &StartResult{
		Status:           "testing",
		JobID:            job.JobID,
		TestPassed:       result.Success,
		TestUnitID:       testUnit.UnitID,
		TestUnitPayload:  testUnit.Payload,
		Output:           result.Output,
		Error:            result.Error,
		ExecutionTime:    elapsed,
		CostUSD:          testUnit.CostUSD,
		RemainingUnits:   job.TotalUnits - 1,
		AwaitingApproval: true,
	}
	if result.Success {
		res.Message = "Test complete, approval required. Review the output, then start again with approve=true to process the remaining units or approve=false to reject."
	} else {
		res.Message = "Test failed. Start again with approve=false to reset, then modify the prompt and retry."
	}
	return res, nil
}

// testResults returns the stored outcome of an earlier test run.
func (o *Orchestrator) testResults(ctx context.Context, job *models.Job) (*StartResult, error) {
	if job.TestUnitID == nil {
		return nil, fmt.Errorf("job %s has no test unit: %w", job.JobID, store.ErrUnitNotFound)
	}
	testUnit, err := o.store.GetWorkUnit(ctx, *job.TestUnitID)
	if err != nil {
		return nil, err
	}

	res := &StartResult{
		Status:           "testing",
		JobID:            job.JobID,
		TestPassed:       job.TestPassed,
		TestUnitID:       testUnit.UnitID,
		TestUnitPayload:  testUnit.Payload,
		CostUSD:          testUnit.CostUSD,
		RemainingUnits:   job.TotalUnits - job.CompletedUnits,
		AwaitingApproval: true,
		Message:          "Approval required. Start again with approve=true to proceed or approve=false to reject.",
	}
	if testUnit.Error != nil {
		res.Error = *testUnit.Error
	}
	if testUnit.ExecutionTimeSeconds != nil {
		res.ExecutionTime = *testUnit.ExecutionTimeSeconds
	}
	if out, ok := testUnit.Result["output"].(string); ok {
		res.Output = out
	}
	return res, nil
}

// startSupervisor marks the job running and spawns the detached supervisor.
// A completed test unit is no longer pending, so the supervisor naturally
// picks up only the remaining units.
func (o *Orchestrator) startSupervisor(ctx context.Context, job *models.Job) (*StartResult, error) {
	job.Status = models.JobStatusRunning
	if job.StartedAt == nil {
		job.StartedAt = models.TimePtr(time.Now().UTC())
	}
	if err := o.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}

	pid, err := o.spawn(ctx, o.store, job.JobID, o.storagePath)
	if err != nil {
		return nil, fmt.Errorf("starting supervisor: %w", err)
	}
	remaining := job.TotalUnits - job.CompletedUnits
	o.logger.Info("supervisor started", "job_id", job.JobID, "pid", pid, "remaining", remaining)
	return &StartResult{
		Status:         "started",
		JobID:          job.JobID,
		PID:            pid,
		RemainingUnits: remaining,
		Message:        fmt.Sprintf("Job started. Processing %d remaining units.", remaining),
	}, nil
}

// ResumeJob restarts a stopped supervisor. Idempotent: a live supervisor is
// returned as-is.
func (o *Orchestrator) ResumeJob(ctx context.Context, jobID string) (int, error) {
	return executor.Resume(ctx, o.store, jobID, o.storagePath)
}

// KillJob hard-kills the supervisor and marks the job failed.
func (o *Orchestrator) KillJob(ctx context.Context, jobID string) (int, error) {
	return executor.KillExecutor(ctx, o.store, jobID)
}

// JobProgress is the status summary returned by JobStatus.
type JobProgress struct {
	JobID          string                    `json:"job_id"`
	Status         models.JobStatus          `json:"status"`
	ExecutorStatus string                    `json:"executor_status"`
	ExecutorPID    int                       `json:"executor_pid,omitempty"`
	Total          int                       `json:"total"`
	Completed      int                       `json:"completed"`
	Failed         int                       `json:"failed"`
	Percentage     float64                   `json:"percentage"`
	UnitStats      map[models.UnitStatus]int `json:"unit_stats"`
}

// JobStatus reports job progress together with the supervisor's liveness.
func (o *Orchestrator) JobStatus(ctx context.Context, jobID string) (*JobProgress, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	execStatus, err := executor.ExecutorStatus(ctx, o.store, jobID)
	if err != nil {
		return nil, err
	}
	stats, err := o.store.CountUnitsByStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobProgress{
		JobID:          jobID,
		Status:         job.Status,
		ExecutorStatus: execStatus.State,
		ExecutorPID:    execStatus.PID,
		Total:          job.TotalUnits,
		Completed:      job.CompletedUnits,
		Failed:         job.FailedUnits,
		Percentage:     job.ProgressPercentage(),
		UnitStats:      stats,
	}, nil
}
