// Package services holds the read-model layer behind the dashboard API:
// data access and shaping, separated from HTTP routing.
package services

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/codeready-toolchain/agentbatch/pkg/models"
	"github.com/codeready-toolchain/agentbatch/pkg/store"
)

// JobSummary is the list-view shape of a job.
type JobSummary struct {
	JobID              string           `json:"job_id"`
	Name               string           `json:"name"`
	Status             models.JobStatus `json:"status"`
	TotalUnits         int              `json:"total_units"`
	CompletedUnits     int              `json:"completed_units"`
	FailedUnits        int              `json:"failed_units"`
	ProgressPercentage float64          `json:"progress_percentage"`
	CreatedAt          time.Time        `json:"created_at"`
	StartedAt          *time.Time       `json:"started_at"`
	ActiveWorkers      int              `json:"active_workers"`
	TotalCostUSD       float64          `json:"total_cost_usd"`
}

// JobList is a paginated job listing.
type JobList struct {
	Jobs   []*JobSummary `json:"jobs"`
	Total  int64         `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// UnitStats breaks down a job's units by status. Excludes the synthetic
// post-processing unit.
type UnitStats struct {
	Pending    int `json:"pending"`
	Assigned   int `json:"assigned"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// UnitSummary is the list-view shape of a work unit.
type UnitSummary struct {
	UnitID               string            `json:"unit_id"`
	Status               models.UnitStatus `json:"status"`
	Payload              map[string]any    `json:"payload"`
	WorkerID             *string           `json:"worker_id"`
	StartedAt            *time.Time        `json:"started_at"`
	CompletedAt          *time.Time        `json:"completed_at"`
	ExecutionTimeSeconds *float64          `json:"execution_time_seconds"`
	RetryCount           int               `json:"retry_count"`
	Error                *string           `json:"error"`
}

// UnitList is a paginated unit listing. The post-processing unit, when it
// exists, rides alongside instead of being mixed into the page.
type UnitList struct {
	Units              []*UnitSummary `json:"units"`
	Total              int            `json:"total"`
	Limit              int            `json:"limit"`
	Offset             int            `json:"offset"`
	PostProcessingUnit *UnitSummary   `json:"post_processing_unit,omitempty"`
}

// WorkerView is the API shape of a pool worker.
type WorkerView struct {
	WorkerID           string              `json:"worker_id"`
	JobID              *string             `json:"job_id"`
	JobName            string              `json:"job_name"`
	Status             models.WorkerStatus `json:"status"`
	CurrentUnitID      *string             `json:"current_unit_id"`
	CurrentUnitPayload map[string]any      `json:"current_unit_payload,omitempty"`
	UnitsCompleted     int                 `json:"units_completed"`
	UnitsFailed        int                 `json:"units_failed"`
	StartedAt          time.Time           `json:"started_at"`
	LastHeartbeat      *time.Time          `json:"last_heartbeat"`
}

// JobDetail combines the full job record with its live workers, recent units,
// unit breakdown, and aggregate cost.
type JobDetail struct {
	Job          *models.Job    `json:"job"`
	TotalCostUSD float64        `json:"total_cost_usd"`
	Workers      []*WorkerView  `json:"workers"`
	RecentUnits  []*UnitSummary `json:"recent_units"`
	UnitStats    UnitStats      `json:"unit_stats"`
}

// AggregateStats summarizes activity across all jobs.
type AggregateStats struct {
	TotalJobs            int      `json:"total_jobs"`
	ActiveJobs           int      `json:"active_jobs"`
	TotalUnitsProcessed  int      `json:"total_units_processed"`
	TotalUnitsFailed     int      `json:"total_units_failed"`
	SuccessRate          float64  `json:"success_rate"`
	ActiveWorkers        int      `json:"active_workers"`
	AvgUnitExecutionTime *float64 `json:"avg_unit_execution_time"`
}

// JobService serves job listings and details.
type JobService struct {
	store *store.Store
}

func NewJobService(st *store.Store) *JobService { return &JobService{store: st} }

// ListJobs returns one page of jobs, newest first, each with its live worker
// count and total cost.
func (s *JobService) ListJobs(ctx context.Context, status models.JobStatus, limit, offset int) (*JobList, error) {
	if limit <= 0 {
		limit = 50
	}
	jobs, err := s.store.ListJobs(ctx, status, limit, offset)
	if err != nil {
		return nil, err
	}
	total, err := s.store.JobCount(ctx, status)
	if err != nil {
		return nil, err
	}

	summaries := make([]*JobSummary, 0, len(jobs))
	for _, job := range jobs {
		workers, err := s.store.ActiveWorkers(ctx, job.JobID)
		if err != nil {
			return nil, err
		}
		cost, err := s.store.JobTotalCost(ctx, job.JobID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, &JobSummary{
			JobID:              job.JobID,
			Name:               job.Name,
			Status:             job.Status,
			TotalUnits:         job.TotalUnits,
			CompletedUnits:     job.CompletedUnits,
			FailedUnits:        job.FailedUnits,
			ProgressPercentage: round1(job.ProgressPercentage()),
			CreatedAt:          job.CreatedAt,
			StartedAt:          job.StartedAt,
			ActiveWorkers:      len(workers),
			TotalCostUSD:       cost,
		})
	}
	return &JobList{Jobs: summaries, Total: total, Limit: limit, Offset: offset}, nil
}

// GetJobDetail returns the full job record with busy workers, recent unit
// activity, and the unit status breakdown.
func (s *JobService) GetJobDetail(ctx context.Context, jobID string) (*JobDetail, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	busy, err := s.store.BusyWorkers(ctx, jobID)
	if err != nil {
		return nil, err
	}
	workers := make([]*WorkerView, 0, len(busy))
	for _, w := range busy {
		workers = append(workers, s.workerView(ctx, w, job.Name))
	}

	recent, err := s.recentUnits(ctx, jobID, 10)
	if err != nil {
		return nil, err
	}
	stats, err := s.unitStats(ctx, jobID)
	if err != nil {
		return nil, err
	}
	cost, err := s.store.JobTotalCost(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobDetail{
		Job:          job,
		TotalCostUSD: cost,
		Workers:      workers,
		RecentUnits:  recent,
		UnitStats:    stats,
	}, nil
}

func (s *JobService) workerView(ctx context.Context, w *models.WorkerProcess, jobName string) *WorkerView {
	view := &WorkerView{
		WorkerID:       w.WorkerID,
		JobID:          w.JobID,
		JobName:        jobName,
		Status:         w.Status,
		CurrentUnitID:  w.CurrentUnitID,
		UnitsCompleted: w.UnitsCompleted,
		UnitsFailed:    w.UnitsFailed,
		StartedAt:      w.StartedAt,
		LastHeartbeat:  w.LastHeartbeat,
	}
	if w.CurrentUnitID != nil {
		if unit, err := s.store.GetWorkUnit(ctx, *w.CurrentUnitID); err == nil {
			view.CurrentUnitPayload = unit.Payload
		}
	}
	return view
}

// recentUnits merges in-flight, completed, and failed units and returns the
// most recent by activity time.
func (s *JobService) recentUnits(ctx context.Context, jobID string, limit int) ([]*UnitSummary, error) {
	var merged []*models.WorkUnit
	for _, q := range []struct {
		status models.UnitStatus
		limit  int
	}{
		{models.UnitStatusProcessing, 10},
		{models.UnitStatusCompleted, limit},
		{models.UnitStatusFailed, 5},
	} {
		units, err := s.store.ListUnitsForJob(ctx, jobID, q.status, q.limit, 0, false)
		if err != nil {
			return nil, err
		}
		merged = append(merged, units...)
	}

	sort.Slice(merged, func(i, j int) bool {
		return activityTime(merged[i]).After(activityTime(merged[j]))
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	summaries := make([]*UnitSummary, len(merged))
	for i, u := range merged {
		summaries[i] = unitSummary(u)
	}
	return summaries, nil
}

func activityTime(u *models.WorkUnit) time.Time {
	if u.CompletedAt != nil {
		return *u.CompletedAt
	}
	if u.StartedAt != nil {
		return *u.StartedAt
	}
	return time.Time{}
}

func (s *JobService) unitStats(ctx context.Context, jobID string) (UnitStats, error) {
	counts, err := s.store.CountUnitsByStatus(ctx, jobID)
	if err != nil {
		return UnitStats{}, err
	}
	return UnitStats{
		Pending:    counts[models.UnitStatusPending],
		Assigned:   counts[models.UnitStatusAssigned],
		Processing: counts[models.UnitStatusProcessing],
		Completed:  counts[models.UnitStatusCompleted],
		Failed:     counts[models.UnitStatusFailed],
	}, nil
}

func unitSummary(u *models.WorkUnit) *UnitSummary {
	return &UnitSummary{
		UnitID:               u.UnitID,
		Status:               u.Status,
		Payload:              u.Payload,
		WorkerID:             u.WorkerID,
		StartedAt:            u.StartedAt,
		CompletedAt:          u.CompletedAt,
		ExecutionTimeSeconds: u.ExecutionTimeSeconds,
		RetryCount:           u.RetryCount,
		Error:                u.Error,
	}
}

// UnitService serves work unit listings and details.
type UnitService struct {
	store *store.Store
}

func NewUnitService(st *store.Store) *UnitService { return &UnitService{store: st} }

// ListUnits returns one page of a job's units, excluding the post-processing
// unit from the page but attaching it separately when present.
func (s *UnitService) ListUnits(ctx context.Context, jobID string, status models.UnitStatus, limit, offset int) (*UnitList, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	units, err := s.store.ListUnitsForJob(ctx, jobID, status, limit, offset, true)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountUnitsByStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	total := 0
	if status != "" {
		total = counts[status]
	} else {
		for _, n := range counts {
			total += n
		}
	}

	list := &UnitList{
		Units:  make([]*UnitSummary, len(units)),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}
	for i, u := range units {
		list.Units[i] = unitSummary(u)
	}
	if job.PostProcessingUnitID != nil {
		if pp, err := s.store.GetWorkUnit(ctx, *job.PostProcessingUnitID); err == nil {
			list.PostProcessingUnit = unitSummary(pp)
		}
	}
	return list, nil
}

// GetUnitDetail returns the full unit record including the conversation.
func (s *UnitService) GetUnitDetail(ctx context.Context, jobID, unitID string) (*models.WorkUnit, error) {
	unit, err := s.store.GetWorkUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if unit.JobID != jobID {
		return nil, store.ErrUnitNotFound
	}
	return unit, nil
}

// WorkerService serves the cross-job worker view.
type WorkerService struct {
	store *store.Store
}

func NewWorkerService(st *store.Store) *WorkerService { return &WorkerService{store: st} }

// ActiveWorkers lists live workers of all running jobs.
func (s *WorkerService) ActiveWorkers(ctx context.Context) ([]*WorkerView, error) {
	jobs, err := s.store.ListJobs(ctx, models.JobStatusRunning, 100, 0)
	if err != nil {
		return nil, err
	}
	js := &JobService{store: s.store}
	var views []*WorkerView
	for _, job := range jobs {
		workers, err := s.store.ActiveWorkers(ctx, job.JobID)
		if err != nil {
			return nil, err
		}
		for _, w := range workers {
			views = append(views, js.workerView(ctx, w, job.Name))
		}
	}
	return views, nil
}

// StatsService computes aggregate statistics for the dashboard landing page.
type StatsService struct {
	store *store.Store
}

func NewStatsService(st *store.Store) *StatsService { return &StatsService{store: st} }

// Aggregate summarizes all jobs: totals, success rate, live worker count, and
// a sampled average unit execution time.
func (s *StatsService) Aggregate(ctx context.Context) (*AggregateStats, error) {
	jobs, err := s.store.ListJobs(ctx, "", 0, 0)
	if err != nil {
		return nil, err
	}

	stats := &AggregateStats{TotalJobs: len(jobs)}
	for _, job := range jobs {
		stats.TotalUnitsProcessed += job.CompletedUnits
		stats.TotalUnitsFailed += job.FailedUnits
		if job.Status == models.JobStatusRunning {
			stats.ActiveJobs++
			workers, err := s.store.ActiveWorkers(ctx, job.JobID)
			if err != nil {
				return nil, err
			}
			stats.ActiveWorkers += len(workers)
		}
	}
	if done := stats.TotalUnitsProcessed + stats.TotalUnitsFailed; done > 0 {
		stats.SuccessRate = round1(float64(stats.TotalUnitsProcessed) / float64(done) * 100)
	}

	// Sample the ten newest jobs for the average, which is plenty for a
	// dashboard figure and avoids scanning every unit ever processed.
	sample := jobs
	if len(sample) > 10 {
		sample = sample[:10]
	}
	var sum float64
	var n int
	for _, job := range sample {
		units, err := s.store.ListUnitsForJob(ctx, job.JobID, models.UnitStatusCompleted, 50, 0, true)
		if err != nil {
			return nil, err
		}
		for _, u := range units {
			if u.ExecutionTimeSeconds != nil {
				sum += *u.ExecutionTimeSeconds
				n++
			}
		}
	}
	if n > 0 {
		avg := round1(sum / float64(n))
		stats.AvgUnitExecutionTime = &avg
	}
	return stats, nil
}

// LogService serves persisted supervisor and worker logs.
type LogService struct {
	store *store.Store
}

func NewLogService(st *store.Store) *LogService { return &LogService{store: st} }

// LogPage is a filtered slice of a job's log stream.
type LogPage struct {
	Logs   []*models.LogEntry `json:"logs"`
	Total  int64              `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// Query returns one page of a job's logs in timestamp order.
func (s *LogService) Query(ctx context.Context, jobID string, f store.LogFilter) (*LogPage, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	if f.Limit <= 0 {
		f.Limit = 200
	}
	logs, err := s.store.QueryLogs(ctx, jobID, f)
	if err != nil {
		return nil, err
	}
	total, err := s.store.LogCount(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &LogPage{Logs: logs, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
