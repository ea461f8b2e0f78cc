package services

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/codeready-toolchain/agentbatch/pkg/models"
	"github.com/codeready-toolchain/agentbatch/pkg/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "svc.db"),
		slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedJob(t *testing.T, s *store.Store, name string, status models.JobStatus) *models.Job {
	t.Helper()
	job := &models.Job{
		JobID:                uuid.New().String(),
		Name:                 name,
		Description:          "d",
		Status:               status,
		WorkerPromptTemplate: "t",
		UnitType:             "file",
		TotalUnits:           2,
		MaxWorkers:           2,
		MaxRetries:           1,
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func seedUnit(t *testing.T, s *store.Store, jobID string, status models.UnitStatus, mutate func(*models.WorkUnit)) *models.WorkUnit {
	t.Helper()
	unit := &models.WorkUnit{
		UnitID:   uuid.New().String(),
		JobID:    jobID,
		UnitType: "file",
		Status:   status,
		Payload:  datatypes.JSONMap{"file_path": "/tmp/f"},
	}
	if mutate != nil {
		mutate(unit)
	}
	require.NoError(t, s.CreateWorkUnit(context.Background(), unit))
	return unit
}

func TestJobListPaginationAndCost(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		job := seedJob(t, s, "job", models.JobStatusCompleted)
		seedUnit(t, s, job.JobID, models.UnitStatusCompleted, func(u *models.WorkUnit) {
			u.CostUSD = models.FloatPtr(0.1)
		})
	}

	svc := NewJobService(s)
	list, err := svc.ListJobs(ctx, "", 2, 0)
	require.NoError(t, err)
	assert.Len(t, list.Jobs, 2)
	assert.EqualValues(t, 5, list.Total)
	assert.InDelta(t, 0.1, list.Jobs[0].TotalCostUSD, 1e-9)

	filtered, err := svc.ListJobs(ctx, models.JobStatusRunning, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, filtered.Jobs)
	assert.EqualValues(t, 0, filtered.Total)
}

func TestJobDetailWorkersAndRecentUnits(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job := seedJob(t, s, "detail", models.JobStatusRunning)

	unit := seedUnit(t, s, job.JobID, models.UnitStatusProcessing, func(u *models.WorkUnit) {
		u.StartedAt = models.TimePtr(time.Now().UTC())
	})
	older := time.Now().UTC().Add(-time.Hour)
	seedUnit(t, s, job.JobID, models.UnitStatusCompleted, func(u *models.WorkUnit) {
		u.CompletedAt = &older
	})
	require.NoError(t, s.CreateWorker(ctx, &models.WorkerProcess{
		WorkerID:      "worker-1",
		Status:        models.WorkerStatusBusy,
		JobID:         &job.JobID,
		CurrentUnitID: &unit.UnitID,
		StartedAt:     time.Now().UTC(),
	}))

	detail, err := NewJobService(s).GetJobDetail(ctx, job.JobID)
	require.NoError(t, err)
	require.Len(t, detail.Workers, 1)
	assert.Equal(t, "detail", detail.Workers[0].JobName)
	assert.Equal(t, "/tmp/f", detail.Workers[0].CurrentUnitPayload["file_path"])
	assert.Equal(t, 1, detail.UnitStats.Processing)
	assert.Equal(t, 1, detail.UnitStats.Completed)

	require.Len(t, detail.RecentUnits, 2)
	// Most recent activity first.
	assert.Equal(t, unit.UnitID, detail.RecentUnits[0].UnitID)
}

func TestUnitListSeparatesPostProcessing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job := seedJob(t, s, "pp", models.JobStatusCompleted)
	seedUnit(t, s, job.JobID, models.UnitStatusCompleted, nil)
	pp := seedUnit(t, s, job.JobID, models.UnitStatusCompleted, func(u *models.WorkUnit) {
		u.UnitType = models.UnitTypePostProcessing
	})
	job.PostProcessingUnitID = &pp.UnitID
	require.NoError(t, s.UpdateJob(ctx, job))

	list, err := NewUnitService(s).ListUnits(ctx, job.JobID, "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, list.Units, 1)
	assert.Equal(t, 1, list.Total)
	require.NotNil(t, list.PostProcessingUnit)
	assert.Equal(t, pp.UnitID, list.PostProcessingUnit.UnitID)
}

func TestUnitDetailScopedToJob(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	jobA := seedJob(t, s, "a", models.JobStatusRunning)
	jobB := seedJob(t, s, "b", models.JobStatusRunning)
	unit := seedUnit(t, s, jobA.JobID, models.UnitStatusPending, nil)

	svc := NewUnitService(s)
	got, err := svc.GetUnitDetail(ctx, jobA.JobID, unit.UnitID)
	require.NoError(t, err)
	assert.Equal(t, unit.UnitID, got.UnitID)

	_, err = svc.GetUnitDetail(ctx, jobB.JobID, unit.UnitID)
	assert.ErrorIs(t, err, store.ErrUnitNotFound)
}

func TestActiveWorkersAcrossJobs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	running := seedJob(t, s, "running", models.JobStatusRunning)
	stopped := seedJob(t, s, "stopped", models.JobStatusCompleted)
	for _, jobID := range []string{running.JobID, stopped.JobID} {
		id := jobID
		require.NoError(t, s.CreateWorker(ctx, &models.WorkerProcess{
			WorkerID:  "worker-" + id[:8],
			Status:    models.WorkerStatusBusy,
			JobID:     &id,
			StartedAt: time.Now().UTC(),
		}))
	}

	views, err := NewWorkerService(s).ActiveWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1, "only workers of running jobs are listed")
	assert.Equal(t, "running", views[0].JobName)
}

func TestAggregateStats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	done := seedJob(t, s, "done", models.JobStatusCompleted)
	done.CompletedUnits = 2
	require.NoError(t, s.UpdateJob(ctx, done))
	seedUnit(t, s, done.JobID, models.UnitStatusCompleted, func(u *models.WorkUnit) {
		u.ExecutionTimeSeconds = models.FloatPtr(4)
	})
	seedUnit(t, s, done.JobID, models.UnitStatusCompleted, func(u *models.WorkUnit) {
		u.ExecutionTimeSeconds = models.FloatPtr(6)
	})

	failed := seedJob(t, s, "failed", models.JobStatusFailed)
	failed.CompletedUnits = 1
	failed.FailedUnits = 1
	require.NoError(t, s.UpdateJob(ctx, failed))

	stats, err := NewStatsService(s).Aggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalJobs)
	assert.Equal(t, 0, stats.ActiveJobs)
	assert.Equal(t, 3, stats.TotalUnitsProcessed)
	assert.Equal(t, 1, stats.TotalUnitsFailed)
	assert.InDelta(t, 75.0, stats.SuccessRate, 1e-9)
	require.NotNil(t, stats.AvgUnitExecutionTime)
	assert.InDelta(t, 5.0, *stats.AvgUnitExecutionTime, 1e-9)
}

func TestLogQueryPaging(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job := seedJob(t, s, "logs", models.JobStatusRunning)
	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendLog(ctx, &models.LogEntry{
			JobID:     job.JobID,
			Source:    "executor",
			Level:     "info",
			Message:   "m",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	svc := NewLogService(s)
	page, err := svc.Query(ctx, job.JobID, store.LogFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page.Logs, 2)
	assert.EqualValues(t, 5, page.Total)

	_, err = svc.Query(ctx, "missing", store.LogFilter{})
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}
