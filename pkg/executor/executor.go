// Package executor is the detached supervisor that owns one job from start
// to finish: stale-state recovery, the main dispatch loop, the optional
// post-processing phase, and the final status decision.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/codeready-toolchain/agentbatch/pkg/agent"
	"github.com/codeready-toolchain/agentbatch/pkg/config"
	"github.com/codeready-toolchain/agentbatch/pkg/models"
	"github.com/codeready-toolchain/agentbatch/pkg/pool"
	"github.com/codeready-toolchain/agentbatch/pkg/proc"
	"github.com/codeready-toolchain/agentbatch/pkg/store"
)

// drainPollInterval paces the dispatch loop while waiting for in-flight
// units with no pending work left.
const drainPollInterval = time.Second

// Executor drives one job's lifecycle. It normally runs inside a detached
// child process spawned by StartDetached; tests run it in-process.
type Executor struct {
	store  *store.Store
	cfg    *config.Config
	runner pool.Runner
	jobID  string
	logger *slog.Logger

	stopRequested atomic.Bool
	signalCount   atomic.Int32
}

// New builds an executor for the job. runner is the agent runner used for
// every unit.
func New(st *store.Store, cfg *config.Config, runner pool.Runner, jobID string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:  st,
		cfg:    cfg,
		runner: runner,
		jobID:  jobID,
		logger: logger.With("component", "executor", "job_id", jobID),
	}
}

// StartDetached spawns a new supervisor process for the job by re-executing
// this binary's hidden executor command. The child gets its own session and
// null stdio, so it outlives the caller. The child PID is recorded in job
// metadata before returning.
func StartDetached(ctx context.Context, st *store.Store, jobID, storagePath string) (int, error) {
	self, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolving own executable: %w", err)
	}
	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	cmd := exec.Command(self, "executor", "--job", jobID, "--db", storagePath)
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawning supervisor: %w", err)
	}
	pid := cmd.Process.Pid

	if job.Metadata == nil {
		job.Metadata = datatypes.JSONMap{}
	}
	job.Metadata[models.MetaExecutorPID] = pid
	job.Metadata[models.MetaExecutorStartedAt] = time.Now().UTC().Format(time.RFC3339)
	if err := st.UpdateJob(ctx, job); err != nil {
		return 0, fmt.Errorf("recording supervisor pid: %w", err)
	}

	// The child is on its own from here; never wait on it.
	_ = cmd.Process.Release()
	return pid, nil
}

// Run executes the job to a terminal or paused state. It installs signal
// handlers for graceful shutdown, recovers state left behind by a dead
// supervisor, then drives the dispatch loop.
func (e *Executor) Run(ctx context.Context) error {
	log := newJobLog(e.store, e.jobID, "executor", e.logger)
	log.Info(fmt.Sprintf("Job executor started (pid %d)", os.Getpid()))

	stopSignals := make(chan os.Signal, 2)
	signal.Notify(stopSignals, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(stopSignals)
	stopCh := make(chan struct{})
	go e.watchSignals(ctx, stopSignals, stopCh, log)

	defer func() {
		if r := recover(); r != nil {
			log.Error(fmt.Sprintf("Job executor crashed: %v", r))
			e.markCrashed(fmt.Sprintf("%v", r))
		}
	}()

	if err := e.run(ctx, stopCh, log); err != nil {
		log.Error(fmt.Sprintf("Job executor failed: %v", err))
		e.markCrashed(err.Error())
		return err
	}
	return nil
}

// watchSignals sets the stop flag on the first signal (or context
// cancellation) and escalates to a group-kill of live agent children on the
// second signal.
func (e *Executor) watchSignals(ctx context.Context, signals <-chan os.Signal, stopCh chan struct{}, log *jobLog) {
	var stopOnce sync.Once
	requestStop := func(reason string) {
		stopOnce.Do(func() {
			log.Info(fmt.Sprintf("%s, initiating graceful shutdown", reason))
			e.stopRequested.Store(true)
			close(stopCh)
		})
	}
	for {
		select {
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if e.signalCount.Add(1) == 1 {
				requestStop(fmt.Sprintf("Received %s", sig))
				continue
			}
			log.Warn(fmt.Sprintf("Received %s again, killing live agent processes", sig))
			e.killLiveChildren(ctx)
		case <-ctx.Done():
			requestStop("Context canceled")
			return
		}
	}
}

func (e *Executor) killLiveChildren(ctx context.Context) {
	activities, err := e.store.ActiveUnitsWithLatestEvent(ctx, e.jobID)
	if err != nil {
		return
	}
	for _, a := range activities {
		if a.Unit.ProcessID != nil {
			_ = proc.KillGroup(*a.Unit.ProcessID)
		}
	}
}

func (e *Executor) markCrashed(reason string) {
	ctx := context.Background()
	job, err := e.store.GetJob(ctx, e.jobID)
	if err != nil {
		return
	}
	job.Status = models.JobStatusFailed
	if job.Metadata == nil {
		job.Metadata = datatypes.JSONMap{}
	}
	job.Metadata[models.MetaExecutorError] = reason
	job.Metadata[models.MetaExecutorErrorAt] = time.Now().UTC().Format(time.RFC3339)
	_ = e.store.UpdateJob(ctx, job)
}

func (e *Executor) run(ctx context.Context, stopCh chan struct{}, log *jobLog) error {
	job, err := e.store.GetJob(ctx, e.jobID)
	if err != nil {
		return err
	}
	log.Info(fmt.Sprintf("Starting job %q with %d units, max_workers=%d",
		job.Name, job.TotalUnits, job.MaxWorkers))

	staleWorkers, err := e.store.CleanupStaleWorkers(ctx, e.jobID)
	if err != nil {
		return fmt.Errorf("cleaning up stale workers: %w", err)
	}
	stuckUnits, err := e.store.ResetStuckUnits(ctx, e.jobID)
	if err != nil {
		return fmt.Errorf("resetting stuck units: %w", err)
	}
	if staleWorkers > 0 || stuckUnits > 0 {
		log.Info(fmt.Sprintf("Recovered from previous run: %d stale workers, %d stuck units",
			staleWorkers, stuckUnits))
	}

	job.Status = models.JobStatusRunning
	if job.StartedAt == nil {
		job.StartedAt = models.TimePtr(time.Now().UTC())
	}
	if job.Metadata == nil {
		job.Metadata = datatypes.JSONMap{}
	}
	job.Metadata[models.MetaExecutorPID] = os.Getpid()
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("marking job running: %w", err)
	}

	pl := e.newPool(job, log)
	log.Info(fmt.Sprintf("Worker pool started with %d max workers", job.MaxWorkers))

	e.dispatch(ctx, job, pl, stopCh, log)

	log.Info("Waiting for remaining workers to complete")
	pl.WaitForCompletion()

	// The stop may have come from context cancellation; finalization must
	// still persist the paused state, so it runs on a detached context.
	ctx = context.WithoutCancel(ctx)

	job, err = e.store.RecomputeCounters(ctx, e.jobID)
	if err != nil {
		return fmt.Errorf("recomputing counters: %w", err)
	}

	allDone := job.CompletedUnits+job.FailedUnits == job.TotalUnits
	allSucceeded := job.CompletedUnits == job.TotalUnits
	if job.PostProcessingPrompt != nil && !e.stopRequested.Load() &&
		(allSucceeded || (job.BypassFailures && allDone)) &&
		!postProcessingDone(ctx, e.store, job) {
		if job.BypassFailures && !allSucceeded {
			log.Info(fmt.Sprintf("Bypass enabled, running post-processing despite %d failed units", job.FailedUnits))
		} else {
			log.Info(fmt.Sprintf("All %d units completed successfully, starting post-processing", job.TotalUnits))
		}
		if err := e.runPostProcessing(ctx, job, pl, log); err != nil {
			log.Error(fmt.Sprintf("Post-processing failed to start: %v", err))
		}
	}

	pl.Stop()
	log.Info("Worker pool stopped")

	job, err = e.store.GetJob(ctx, e.jobID)
	if err != nil {
		return err
	}
	var postUnit *models.WorkUnit
	if job.PostProcessingUnitID != nil {
		postUnit, _ = e.store.GetWorkUnit(ctx, *job.PostProcessingUnitID)
	}
	job.Status = e.finalStatus(job, postUnit, log)
	job.CompletedAt = models.TimePtr(time.Now().UTC())
	job.Metadata[models.MetaExecutorCompletedAt] = time.Now().UTC().Format(time.RFC3339)
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persisting final job state: %w", err)
	}
	log.Info(fmt.Sprintf("Job finished with status %s (%d completed, %d failed)",
		job.Status, job.CompletedUnits, job.FailedUnits))
	return nil
}

func (e *Executor) newPool(job *models.Job, log *jobLog) *pool.WorkerPool {
	return pool.NewWorkerPool(e.store, e.runner, job, e.cfg.WorkerTimeout, pool.Callbacks{
		OnUnitComplete: func(unit *models.WorkUnit, result *agent.Result) {
			if !unit.IsPostProcessing() {
				if err := e.store.IncrementJobCounters(context.Background(), e.jobID, 1, 0); err != nil {
					log.Error(fmt.Sprintf("Failed to bump completed counter: %v", err))
				}
			}
			log.UnitInfo(unit.UnitID, fmt.Sprintf("Unit completed: %s", shortID(unit.UnitID)))
		},
		OnUnitFailed: func(unit *models.WorkUnit, errMsg string) {
			if !unit.IsPostProcessing() {
				if err := e.store.IncrementJobCounters(context.Background(), e.jobID, 0, 1); err != nil {
					log.Error(fmt.Sprintf("Failed to bump failed counter: %v", err))
				}
			}
			log.UnitError(unit.UnitID, fmt.Sprintf("Unit failed permanently after %d retries: %s - %s",
				unit.MaxRetries, shortID(unit.UnitID), errMsg))
		},
	}, e.logger)
}

// dispatch pages through pending units and feeds them to the pool until the
// batch drains or a stop is requested.
func (e *Executor) dispatch(ctx context.Context, job *models.Job, pl *pool.WorkerPool, stopCh chan struct{}, log *jobLog) {
	for !e.stopRequested.Load() {
		pending, err := e.store.GetPendingUnits(ctx, e.jobID, job.MaxWorkers)
		if err != nil {
			log.Error(fmt.Sprintf("Failed to fetch pending units: %v", err))
			return
		}
		if len(pending) == 0 {
			if pl.ActiveCount() == 0 {
				log.Info("No more pending units and no active workers, batch drained")
				return
			}
			select {
			case <-stopCh:
				return
			case <-time.After(drainPollInterval):
			}
			continue
		}
		for _, unit := range pending {
			if e.stopRequested.Load() {
				return
			}
			if !pl.WaitForAvailableSlot(stopCh) {
				return
			}
			pl.Submit(unit, job.WorkerPromptTemplate)
		}
	}
}

// runPostProcessing creates the synthetic synthesis unit and runs it with a
// budget of one.
func (e *Executor) runPostProcessing(ctx context.Context, job *models.Job, pl *pool.WorkerPool, log *jobLog) error {
	job.Status = models.JobStatusPostProcessing
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	payload := datatypes.JSONMap{
		"type":                  models.UnitTypePostProcessing,
		"total_units_processed": job.TotalUnits,
		"completed_units":       job.CompletedUnits,
		"job_name":              job.Name,
		"job_description":       job.Description,
	}
	for metaKey, payloadKey := range map[string]string{
		"post_processing_name":              "name",
		"post_processing_working_directory": "working_directory",
		"post_processing_output_directory":  "output_directory",
	} {
		if v, ok := job.Metadata[metaKey]; ok {
			payload[payloadKey] = v
		}
	}

	postUnit := &models.WorkUnit{
		UnitID:     uuid.New().String(),
		JobID:      job.JobID,
		UnitType:   models.UnitTypePostProcessing,
		Status:     models.UnitStatusPending,
		Payload:    payload,
		MaxRetries: job.MaxRetries,
	}
	if err := e.store.CreateWorkUnit(ctx, postUnit); err != nil {
		return err
	}
	job.PostProcessingUnitID = &postUnit.UnitID
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	log.UnitInfo(postUnit.UnitID, fmt.Sprintf("Created post-processing unit %s", shortID(postUnit.UnitID)))

	if !pl.Submit(postUnit, *job.PostProcessingPrompt) {
		return fmt.Errorf("pool rejected post-processing unit")
	}
	log.Info("Waiting for post-processing to complete")
	pl.WaitForCompletion()

	final, err := e.store.GetWorkUnit(ctx, postUnit.UnitID)
	if err != nil {
		return err
	}
	switch final.Status {
	case models.UnitStatusCompleted:
		log.Info("Post-processing completed successfully")
	case models.UnitStatusFailed:
		if final.Error != nil {
			log.Error(fmt.Sprintf("Post-processing failed: %s", *final.Error))
		} else {
			log.Error("Post-processing failed")
		}
	default:
		log.Warn(fmt.Sprintf("Post-processing ended with status %s", final.Status))
	}
	return nil
}

// finalStatus decides the terminal job status from counters and the
// post-processing outcome.
func (e *Executor) finalStatus(job *models.Job, postUnit *models.WorkUnit, log *jobLog) models.JobStatus {
	allDone := job.CompletedUnits+job.FailedUnits == job.TotalUnits
	allSucceeded := job.CompletedUnits == job.TotalUnits

	ppFailed := postUnit != nil && postUnit.Status == models.UnitStatusFailed
	ppSucceeded := postUnit != nil && postUnit.Status == models.UnitStatusCompleted

	if ppFailed {
		log.Warn("Job failed: post-processing step failed")
		return models.JobStatusFailed
	}
	if allSucceeded && (job.PostProcessingPrompt == nil || ppSucceeded) {
		return models.JobStatusCompleted
	}
	if job.BypassFailures && ppSucceeded {
		log.Info(fmt.Sprintf("Job completed with bypassed failures: %d succeeded, %d bypassed",
			job.CompletedUnits, job.FailedUnits))
		return models.JobStatusCompleted
	}
	if job.FailedUnits > 0 && allDone {
		log.Warn(fmt.Sprintf("Job finished with failures: %d completed, %d failed",
			job.CompletedUnits, job.FailedUnits))
		return models.JobStatusFailed
	}
	log.Info(fmt.Sprintf("Job paused: %d completed, %d failed, remaining pending",
		job.CompletedUnits, job.FailedUnits))
	return models.JobStatusPaused
}

// postProcessingDone reports whether a previous run already completed the
// synthesis unit, so a resume does not run it twice.
func postProcessingDone(ctx context.Context, st *store.Store, job *models.Job) bool {
	if job.PostProcessingUnitID == nil {
		return false
	}
	unit, err := st.GetWorkUnit(ctx, *job.PostProcessingUnitID)
	if err != nil {
		return false
	}
	return unit.Status == models.UnitStatusCompleted
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
