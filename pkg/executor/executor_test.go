package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/codeready-toolchain/agentbatch/pkg/agent"
	"github.com/codeready-toolchain/agentbatch/pkg/config"
	"github.com/codeready-toolchain/agentbatch/pkg/models"
	"github.com/codeready-toolchain/agentbatch/pkg/store"
)

// scriptedRunner fails a configurable number of times per payload key before
// succeeding.
type scriptedRunner struct {
	mu           sync.Mutex
	failuresLeft map[string]int
	alwaysFail   map[string]bool
	delay        time.Duration
	executions   int
}

func (r *scriptedRunner) Execute(ctx context.Context, req agent.Request) *agent.Result {
	key, _ := req.Payload["file_path"].(string)
	r.mu.Lock()
	r.executions++
	fail := r.alwaysFail[key]
	if !fail && r.failuresLeft[key] > 0 {
		r.failuresLeft[key]--
		fail = true
	}
	r.mu.Unlock()

	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if fail {
		return &agent.Result{
			Success:       false,
			Error:         "scripted failure",
			FailureReason: agent.FailureError,
		}
	}
	if req.OnSessionID != nil {
		req.OnSessionID("sess-" + key)
	}
	return &agent.Result{
		Success:   true,
		Output:    "ok",
		SessionID: "sess-" + key,
		CostUSD:   0.01,
	}
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"),
		slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testConfig() *config.Config {
	return &config.Config{
		MaxWorkers:    4,
		MaxRetries:    3,
		WorkerTimeout: time.Minute,
	}
}

func seedJob(t *testing.T, s *store.Store, paths []string, maxWorkers, maxRetries int) *models.Job {
	t.Helper()
	ctx := context.Background()
	job := &models.Job{
		JobID:                uuid.New().String(),
		Name:                 "batch",
		Description:          "test batch",
		Status:               models.JobStatusCreated,
		WorkerPromptTemplate: "process {file_path}",
		UnitType:             "file",
		TotalUnits:           len(paths),
		MaxWorkers:           maxWorkers,
		MaxRetries:           maxRetries,
	}
	require.NoError(t, s.CreateJob(ctx, job))
	base := time.Now().UTC().Add(-time.Minute)
	for i, p := range paths {
		require.NoError(t, s.CreateWorkUnit(ctx, &models.WorkUnit{
			UnitID:     uuid.New().String(),
			JobID:      job.JobID,
			UnitType:   "file",
			Status:     models.UnitStatusPending,
			Payload:    datatypes.JSONMap{"file_path": p},
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
			MaxRetries: maxRetries,
		}))
	}
	return job
}

func TestHappyPath(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job := seedJob(t, s, []string{"/a", "/b", "/c"}, 2, 3)
	runner := &scriptedRunner{delay: 50 * time.Millisecond}

	e := New(s, testConfig(), runner, job.JobID, nil)
	require.NoError(t, e.Run(ctx))

	got, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 3, got.CompletedUnits)
	assert.Equal(t, 0, got.FailedUnits)
	assert.NotNil(t, got.CompletedAt)
	assert.NotNil(t, got.StartedAt)

	units, err := s.ListUnitsForJob(ctx, job.JobID, "", 0, 0, false)
	require.NoError(t, err)
	for _, u := range units {
		assert.Equal(t, models.UnitStatusCompleted, u.Status)
		require.NotNil(t, u.SessionID)
	}

	cost, err := s.JobTotalCost(ctx, job.JobID)
	require.NoError(t, err)
	assert.InDelta(t, 0.03, cost, 1e-9)
}

func TestRetryThenSucceed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job := seedJob(t, s, []string{"/flaky"}, 1, 3)
	runner := &scriptedRunner{failuresLeft: map[string]int{"/flaky": 2}}

	e := New(s, testConfig(), runner, job.JobID, nil)
	require.NoError(t, e.Run(ctx))

	got, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 1, got.CompletedUnits)

	units, err := s.ListUnitsForJob(ctx, job.JobID, "", 0, 0, false)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, models.UnitStatusCompleted, units[0].Status)
	assert.Equal(t, 2, units[0].RetryCount)
}

func TestTerminalFailureThenBypass(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job := seedJob(t, s, []string{"/good", "/bad"}, 2, 1)
	job.PostProcessingPrompt = models.StrPtr("synthesize the results")
	require.NoError(t, s.UpdateJob(ctx, job))
	runner := &scriptedRunner{alwaysFail: map[string]bool{"/bad": true}}

	e := New(s, testConfig(), runner, job.JobID, nil)
	require.NoError(t, e.Run(ctx))

	got, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status, "terminal failure blocks post-processing")
	assert.Equal(t, 1, got.CompletedUnits)
	assert.Equal(t, 1, got.FailedUnits)
	assert.Nil(t, got.PostProcessingUnitID)

	// Operator decides to bypass and resume.
	got.BypassFailures = true
	require.NoError(t, s.UpdateJob(ctx, got))

	e2 := New(s, testConfig(), runner, job.JobID, nil)
	require.NoError(t, e2.Run(ctx))

	final, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	require.NotNil(t, final.PostProcessingUnitID)

	post, err := s.GetWorkUnit(ctx, *final.PostProcessingUnitID)
	require.NoError(t, err)
	assert.Equal(t, models.UnitStatusCompleted, post.Status)
	assert.True(t, post.IsPostProcessing())
	processed, ok := post.Payload["total_units_processed"].(json.Number)
	require.True(t, ok)
	assert.Equal(t, "2", processed.String())
}

func TestPostProcessingFailureFailsJob(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job := seedJob(t, s, []string{"/a"}, 1, 0)
	job.PostProcessingPrompt = models.StrPtr("synthesize")
	require.NoError(t, s.UpdateJob(ctx, job))
	// The synthesis unit has no file_path, so key "" controls it.
	runner := &scriptedRunner{alwaysFail: map[string]bool{"": true}}

	e := New(s, testConfig(), runner, job.JobID, nil)
	require.NoError(t, e.Run(ctx))

	got, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, 1, got.CompletedUnits, "batch units still succeeded")
}

func TestStopRequestPausesJob(t *testing.T) {
	s := testStore(t)
	bg := context.Background()
	paths := make([]string, 8)
	for i := range paths {
		paths[i] = fmt.Sprintf("/unit-%d", i)
	}
	job := seedJob(t, s, paths, 2, 0)
	runner := &scriptedRunner{delay: 250 * time.Millisecond}

	ctx, cancel := context.WithCancel(bg)
	e := New(s, testConfig(), runner, job.JobID, nil)
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	time.Sleep(300 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got, err := s.GetJob(bg, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPaused, got.Status)

	// Graceful stop drains in-flight units; nothing is left mid-processing.
	counts, err := s.CountUnitsByStatus(bg, job.JobID)
	require.NoError(t, err)
	assert.Zero(t, counts[models.UnitStatusProcessing])
	assert.Zero(t, counts[models.UnitStatusAssigned])
	assert.Less(t, counts[models.UnitStatusCompleted], 8)

	// Resuming in-process finishes the batch.
	runner.delay = 0
	e2 := New(s, testConfig(), runner, job.JobID, nil)
	require.NoError(t, e2.Run(bg))
	final, err := s.GetJob(bg, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, 8, final.CompletedUnits)
}

func TestStuckUnitRecovery(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job := seedJob(t, s, []string{"/a", "/b"}, 2, 0)

	// Simulate a crashed supervisor: one unit processing under a dead worker.
	units, err := s.GetPendingUnits(ctx, job.JobID, 0)
	require.NoError(t, err)
	stuck := units[0]
	stuck.Status = models.UnitStatusProcessing
	stuck.WorkerID = models.StrPtr("worker-dead")
	require.NoError(t, s.UpdateWorkUnit(ctx, stuck))
	require.NoError(t, s.CreateWorker(ctx, &models.WorkerProcess{
		WorkerID:  "worker-dead",
		Status:    models.WorkerStatusBusy,
		JobID:     &job.JobID,
		ProcessID: nil,
	}))

	e := New(s, testConfig(), &scriptedRunner{}, job.JobID, nil)
	require.NoError(t, e.Run(ctx))

	got, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.CompletedUnits)
}

func TestFinalStatusTable(t *testing.T) {
	log := newJobLog(testStore(t), "job", "test", nil)
	e := &Executor{}
	pp := models.StrPtr("synthesize")

	cases := []struct {
		name string
		job  models.Job
		post *models.WorkUnit
		want models.JobStatus
	}{
		{"all succeeded, no pp", models.Job{TotalUnits: 3, CompletedUnits: 3}, nil, models.JobStatusCompleted},
		{"all succeeded, pp succeeded", models.Job{TotalUnits: 3, CompletedUnits: 3, PostProcessingPrompt: pp},
			&models.WorkUnit{Status: models.UnitStatusCompleted}, models.JobStatusCompleted},
		{"pp failed", models.Job{TotalUnits: 3, CompletedUnits: 3, PostProcessingPrompt: pp},
			&models.WorkUnit{Status: models.UnitStatusFailed}, models.JobStatusFailed},
		{"failures, all done", models.Job{TotalUnits: 3, CompletedUnits: 2, FailedUnits: 1}, nil, models.JobStatusFailed},
		{"bypassed failures, pp succeeded", models.Job{TotalUnits: 3, CompletedUnits: 2, FailedUnits: 1,
			BypassFailures: true, PostProcessingPrompt: pp},
			&models.WorkUnit{Status: models.UnitStatusCompleted}, models.JobStatusCompleted},
		{"units remaining", models.Job{TotalUnits: 5, CompletedUnits: 2, FailedUnits: 0}, nil, models.JobStatusPaused},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, e.finalStatus(&tc.job, tc.post, log))
		})
	}
}

func TestRestartWorkUnit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job := seedJob(t, s, []string{"/a"}, 1, 0)
	units, err := s.GetPendingUnits(ctx, job.JobID, 0)
	require.NoError(t, err)
	unit := units[0]

	err = RestartWorkUnit(ctx, s, job.JobID, unit.UnitID)
	assert.ErrorIs(t, err, ErrUnitNotFailed, "pending units cannot be restarted")

	unit.Status = models.UnitStatusFailed
	unit.Error = models.StrPtr("boom")
	unit.RetryCount = 1
	unit.SessionID = models.StrPtr("sess")
	require.NoError(t, s.UpdateWorkUnit(ctx, unit))
	require.NoError(t, s.IncrementJobCounters(ctx, job.JobID, 0, 1))

	require.NoError(t, RestartWorkUnit(ctx, s, job.JobID, unit.UnitID))

	got, err := s.GetWorkUnit(ctx, unit.UnitID)
	require.NoError(t, err)
	assert.Equal(t, models.UnitStatusPending, got.Status)
	assert.Nil(t, got.Error)
	assert.Nil(t, got.SessionID)
	assert.Equal(t, 1, got.RetryCount, "attempt history is kept")

	refreshed, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, 0, refreshed.FailedUnits)

	assert.ErrorIs(t, RestartWorkUnit(ctx, s, "other-job", unit.UnitID), ErrUnitWrongJob)
}

func TestKillWorkUnitWithoutProcess(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job := seedJob(t, s, []string{"/a"}, 1, 0)
	units, err := s.GetPendingUnits(ctx, job.JobID, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, KillWorkUnit(ctx, s, job.JobID, units[0].UnitID), ErrUnitNotRunning)
	assert.ErrorIs(t, KillWorkUnit(ctx, s, job.JobID, "missing"), store.ErrUnitNotFound)
}

func TestExecutorStatusAndResumeIdempotence(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job := seedJob(t, s, []string{"/a"}, 1, 0)

	st, err := ExecutorStatus(ctx, s, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, "not_started", st.State)

	// Record this test process as the supervisor: it is alive, so resume
	// must return its PID instead of spawning another.
	job.Metadata = datatypes.JSONMap{models.MetaExecutorPID: os.Getpid()}
	require.NoError(t, s.UpdateJob(ctx, job))

	st, err = ExecutorStatus(ctx, s, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, "running", st.State)
	assert.Equal(t, os.Getpid(), st.PID)

	pid, err := Resume(ctx, s, job.JobID, "unused.db")
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	ok, err := StopExecutor(ctx, s, "missing")
	assert.ErrorIs(t, err, store.ErrJobNotFound)
	assert.False(t, ok)
}

func TestResumeNothingToDo(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job := seedJob(t, s, nil, 1, 0)
	job.Status = models.JobStatusCompleted
	require.NoError(t, s.UpdateJob(ctx, job))

	_, err := Resume(ctx, s, job.JobID, "unused.db")
	assert.ErrorIs(t, err, ErrNothingToDo)
}

func TestResumeRecoversStuckJob(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job := seedJob(t, s, []string{"/a"}, 1, 0)

	// A supervisor died mid-flight: dead PID recorded, the only unit still
	// processing under a dead worker, nothing pending.
	units, err := s.GetPendingUnits(ctx, job.JobID, 0)
	require.NoError(t, err)
	stuck := units[0]
	stuck.Status = models.UnitStatusProcessing
	stuck.WorkerID = models.StrPtr("worker-dead")
	require.NoError(t, s.UpdateWorkUnit(ctx, stuck))
	require.NoError(t, s.CreateWorker(ctx, &models.WorkerProcess{
		WorkerID: "worker-dead",
		Status:   models.WorkerStatusBusy,
		JobID:    &job.JobID,
	}))
	job.Status = models.JobStatusRunning
	job.Metadata = datatypes.JSONMap{models.MetaExecutorPID: 1 << 30}
	require.NoError(t, s.UpdateJob(ctx, job))

	orig := startDetached
	defer func() { startDetached = orig }()
	var spawned []string
	startDetached = func(ctx context.Context, st *store.Store, jobID, storagePath string) (int, error) {
		spawned = append(spawned, jobID)
		return 4242, nil
	}

	pid, err := Resume(ctx, s, job.JobID, "unused.db")
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
	assert.Equal(t, []string{job.JobID}, spawned)

	got, err := s.GetWorkUnit(ctx, stuck.UnitID)
	require.NoError(t, err)
	assert.Equal(t, models.UnitStatusPending, got.Status, "stuck unit requeued before the respawn")
	assert.Nil(t, got.WorkerID)
}
