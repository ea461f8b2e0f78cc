// Package pool runs work units on a bounded set of concurrent agent
// subprocesses, persisting every lifecycle transition.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/codeready-toolchain/agentbatch/pkg/agent"
	"github.com/codeready-toolchain/agentbatch/pkg/models"
	"github.com/codeready-toolchain/agentbatch/pkg/store"
)

// slotPollInterval is how often WaitForAvailableSlot re-checks capacity.
const slotPollInterval = 100 * time.Millisecond

// Runner executes one agent request. Satisfied by *agent.Runner; tests
// substitute fakes.
type Runner interface {
	Execute(ctx context.Context, req agent.Request) *agent.Result
}

// Callbacks notify the supervisor of terminal unit outcomes. Retries are
// internal to the pool; only the final outcome is reported.
type Callbacks struct {
	OnUnitComplete func(unit *models.WorkUnit, result *agent.Result)
	OnUnitFailed   func(unit *models.WorkUnit, errMsg string)
}

// WorkerPool executes units for a single job with bounded concurrency.
// A pool is not restartable; the supervisor builds a fresh one per run.
type WorkerPool struct {
	store      *store.Store
	runner     Runner
	job        *models.Job
	timeout    time.Duration
	maxWorkers int
	callbacks  Callbacks
	logger     *slog.Logger

	mu       sync.Mutex
	active   map[string]string // unit_id -> worker_id
	stopped  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorkerPool creates a pool for the job. maxWorkers below 1 is clamped.
func NewWorkerPool(st *store.Store, runner Runner, job *models.Job, timeout time.Duration, callbacks Callbacks, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	maxWorkers := job.MaxWorkers
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &WorkerPool{
		store:      st,
		runner:     runner,
		job:        job,
		timeout:    timeout,
		maxWorkers: maxWorkers,
		callbacks:  callbacks,
		logger:     logger.With("component", "pool", "job_id", job.JobID),
		active:     make(map[string]string),
		stopCh:     make(chan struct{}),
	}
}

// ActiveCount returns the number of units currently executing.
func (p *WorkerPool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Submit starts executing the unit on a free slot. It returns false when the
// pool is at capacity or stopped; the caller waits and retries.
func (p *WorkerPool) Submit(unit *models.WorkUnit, template string) bool {
	p.mu.Lock()
	if p.stopped || len(p.active) >= p.maxWorkers {
		p.mu.Unlock()
		return false
	}
	workerID := "worker-" + uuid.New().String()[:8]
	p.active[unit.UnitID] = workerID
	p.mu.Unlock()

	ctx := context.Background()
	now := time.Now().UTC()
	unit.Status = models.UnitStatusAssigned
	unit.AssignedAt = &now
	unit.WorkerID = &workerID
	if err := p.store.UpdateWorkUnit(ctx, unit); err != nil {
		p.logger.Error("failed to mark unit assigned", "unit_id", unit.UnitID, "error", err)
		p.release(unit.UnitID)
		return false
	}
	if err := p.store.CreateWorker(ctx, &models.WorkerProcess{
		WorkerID:      workerID,
		Status:        models.WorkerStatusBusy,
		JobID:         &p.job.JobID,
		CurrentUnitID: &unit.UnitID,
		// Workers are goroutines of this supervisor; the row dies with it.
		ProcessID: models.IntPtr(os.Getpid()),
		StartedAt: now,
	}); err != nil {
		p.logger.Error("failed to record worker", "worker_id", workerID, "error", err)
	}

	p.wg.Add(1)
	go p.run(unit, template, workerID)
	return true
}

// WaitForAvailableSlot blocks until a slot frees up. It returns false when
// the stop channel fires or the pool is stopped first.
func (p *WorkerPool) WaitForAvailableSlot(stop <-chan struct{}) bool {
	ticker := time.NewTicker(slotPollInterval)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		free := !p.stopped && len(p.active) < p.maxWorkers
		p.mu.Unlock()
		if free {
			return true
		}
		select {
		case <-stop:
			return false
		case <-p.stopCh:
			return false
		case <-ticker.C:
		}
	}
}

// WaitForCompletion blocks until every submitted unit has finished.
func (p *WorkerPool) WaitForCompletion() {
	p.wg.Wait()
}

// Stop rejects further submissions, waits for in-flight units to finish, and
// terminates the pool's worker records. In-flight agents are not killed; a
// graceful stop lets them complete.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		close(p.stopCh)
	})
	p.wg.Wait()

	ctx := context.Background()
	workers, err := p.store.ActiveWorkers(ctx, p.job.JobID)
	if err != nil {
		p.logger.Error("failed to list workers during stop", "error", err)
		return
	}
	for _, w := range workers {
		w.Status = models.WorkerStatusTerminated
		w.CurrentUnitID = nil
		if err := p.store.UpdateWorker(ctx, w); err != nil {
			p.logger.Error("failed to terminate worker record", "worker_id", w.WorkerID, "error", err)
		}
	}
	p.logger.Info("pool stopped", "workers_terminated", len(workers))
}

func (p *WorkerPool) release(unitID string) {
	p.mu.Lock()
	delete(p.active, unitID)
	p.mu.Unlock()
}

// run executes one unit to completion, including retries.
func (p *WorkerPool) run(unit *models.WorkUnit, template string, workerID string) {
	defer p.wg.Done()
	defer p.release(unit.UnitID)

	ctx := context.Background()
	started := time.Now()
	var result *agent.Result

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panicked", "unit_id", unit.UnitID, "panic", r)
			p.failUnit(ctx, unit, fmt.Sprintf("worker panic: %v", r), nil, started)
			p.finishWorker(ctx, workerID, false, time.Since(started))
		}
	}()

	unit.Status = models.UnitStatusProcessing
	unit.StartedAt = models.TimePtr(time.Now().UTC())
	if err := p.store.UpdateWorkUnit(ctx, unit); err != nil {
		p.logger.Error("failed to mark unit processing", "unit_id", unit.UnitID, "error", err)
	}

	result = p.runner.Execute(ctx, agent.Request{
		Template: template,
		Payload:  unit.Payload,
		Timeout:  p.timeout,
		OnProcessStart: func(pid int) {
			_ = p.store.SetUnitProcessID(ctx, unit.UnitID, pid)
		},
		OnSessionID: func(sid string) {
			_ = p.store.SetUnitSessionID(ctx, unit.UnitID, sid)
		},
		OnEvent: func(event map[string]any) {
			_ = p.store.AppendConversationEvent(ctx, unit.UnitID, event)
		},
	})

	elapsed := time.Since(started)
	if result.Success {
		p.completeUnit(ctx, unit, result, started)
		p.finishWorker(ctx, workerID, true, elapsed)
		return
	}

	p.logger.Warn("unit failed",
		"unit_id", unit.UnitID, "reason", result.FailureReason,
		"retry_count", unit.RetryCount, "max_retries", unit.MaxRetries)

	if unit.CanRetry() {
		unit.RetryCount++
		unit.Status = models.UnitStatusPending
		unit.WorkerID = nil
		unit.ProcessID = nil
		unit.AssignedAt = nil
		unit.StartedAt = nil
		unit.Error = models.StrPtr(result.Error)
		if err := p.store.UpdateWorkUnit(ctx, unit); err != nil {
			p.logger.Error("failed to requeue unit", "unit_id", unit.UnitID, "error", err)
		}
		p.finishWorker(ctx, workerID, false, elapsed)
		return
	}

	p.failUnit(ctx, unit, result.Error, result, started)
	p.finishWorker(ctx, workerID, false, elapsed)
}

func (p *WorkerPool) completeUnit(ctx context.Context, unit *models.WorkUnit, result *agent.Result, started time.Time) {
	now := time.Now().UTC()
	unit.Status = models.UnitStatusCompleted
	unit.CompletedAt = &now
	unit.Result = datatypes.JSONMap{
		"output":          result.Output,
		"num_turns":       result.NumTurns,
		"duration_ms":     result.DurationMS,
		"duration_api_ms": result.APIDurationMS,
	}
	unit.Error = nil
	unit.ProcessID = nil
	unit.RenderedPrompt = models.StrPtr(result.RenderedPrompt)
	unit.ExecutionTimeSeconds = models.FloatPtr(time.Since(started).Seconds())
	if result.SessionID != "" {
		unit.SessionID = models.StrPtr(result.SessionID)
	}
	if result.CostUSD > 0 {
		unit.CostUSD = models.FloatPtr(result.CostUSD)
	}
	setConversation(unit, result)
	if err := p.store.UpdateWorkUnit(ctx, unit); err != nil {
		p.logger.Error("failed to mark unit completed", "unit_id", unit.UnitID, "error", err)
	}
	if p.callbacks.OnUnitComplete != nil {
		p.callbacks.OnUnitComplete(unit, result)
	}
}

func (p *WorkerPool) failUnit(ctx context.Context, unit *models.WorkUnit, errMsg string, result *agent.Result, started time.Time) {
	now := time.Now().UTC()
	unit.Status = models.UnitStatusFailed
	unit.CompletedAt = &now
	unit.Error = models.StrPtr(errMsg)
	unit.ProcessID = nil
	unit.ExecutionTimeSeconds = models.FloatPtr(time.Since(started).Seconds())
	if result != nil {
		unit.RenderedPrompt = models.StrPtr(result.RenderedPrompt)
		if result.SessionID != "" {
			unit.SessionID = models.StrPtr(result.SessionID)
		}
		if result.CostUSD > 0 {
			unit.CostUSD = models.FloatPtr(result.CostUSD)
		}
	}
	setConversation(unit, result)
	if err := p.store.UpdateWorkUnit(ctx, unit); err != nil {
		p.logger.Error("failed to mark unit failed", "unit_id", unit.UnitID, "error", err)
	}
	if p.callbacks.OnUnitFailed != nil {
		p.callbacks.OnUnitFailed(unit, errMsg)
	}
}

// setConversation snapshots the runner's accumulated event stream onto the
// unit. The terminal update writes every column, so without the snapshot it
// would overwrite the events streamed to the store while the unit ran.
func setConversation(unit *models.WorkUnit, result *agent.Result) {
	if result == nil || len(result.Conversation) == 0 {
		return
	}
	if raw, err := json.Marshal(result.Conversation); err == nil {
		unit.Conversation = datatypes.JSON(raw)
	}
}

func (p *WorkerPool) finishWorker(ctx context.Context, workerID string, completed bool, elapsed time.Duration) {
	workers, err := p.store.ActiveWorkers(ctx, p.job.JobID)
	if err != nil {
		return
	}
	for _, w := range workers {
		if w.WorkerID != workerID {
			continue
		}
		w.Status = models.WorkerStatusIdle
		w.CurrentUnitID = nil
		w.LastHeartbeat = models.TimePtr(time.Now().UTC())
		if completed {
			w.UnitsCompleted++
		} else {
			w.UnitsFailed++
		}
		w.TotalExecutionTime += elapsed.Seconds()
		if err := p.store.UpdateWorker(ctx, w); err != nil {
			p.logger.Error("failed to update worker record", "worker_id", workerID, "error", err)
		}
		return
	}
}
