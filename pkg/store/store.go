// Package store persists jobs, work units, workers, and logs in an embedded
// SQLite database shared by the CLI, the dashboard, and the detached
// supervisor.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/codeready-toolchain/agentbatch/pkg/models"
	"github.com/codeready-toolchain/agentbatch/pkg/proc"
)

// Sentinel errors for lookups; API handlers map these to 404 responses.
var (
	ErrJobNotFound    = errors.New("job not found")
	ErrUnitNotFound   = errors.New("work unit not found")
	ErrWorkerNotFound = errors.New("worker not found")
)

// Store wraps the embedded database. Concurrent writers from separate
// processes are serialized by SQLite itself; the busy timeout bounds the wait
// and the last writer wins.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies schema
// migrations. Migrations are additive: AutoMigrate only ever adds columns and
// indexes, so older databases keep working.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	gormLog := gormlogger.New(
		log.New(os.Stderr, "", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("opening database at %s: %w", path, err)
	}

	if err := db.AutoMigrate(
		&models.Job{},
		&models.WorkUnit{},
		&models.WorkerProcess{},
		&models.LogEntry{},
	); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	logger.Debug("store opened", "path", path)
	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *gorm.DB { return s.db }

// --- jobs ---

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("creating job %s: %w", job.JobID, err)
	}
	return nil
}

// UpdateJob persists all fields of the job row.
func (s *Store) UpdateJob(ctx context.Context, job *models.Job) error {
	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("job_id = ?", job.JobID).
		Select("*").Omit("job_id", "created_at").
		Updates(job)
	if res.Error != nil {
		return fmt.Errorf("updating job %s: %w", job.JobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("updating job %s: %w", job.JobID, ErrJobNotFound)
	}
	return nil
}

// GetJob returns the job with the given ID, or ErrJobNotFound.
func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).First(&job, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	return &job, nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
// limit <= 0 means no limit.
func (s *Store) ListJobs(ctx context.Context, status models.JobStatus, limit, offset int) ([]*models.Job, error) {
	q := s.db.WithContext(ctx).Model(&models.Job{}).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	var jobs []*models.Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

// JobCount returns the number of jobs, optionally filtered by status.
func (s *Store) JobCount(ctx context.Context, status models.JobStatus) (int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Job{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting jobs: %w", err)
	}
	return n, nil
}

// DeleteJob removes a job and all of its units and logs.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.LogEntry{}, "job_id = ?", jobID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.WorkUnit{}, "job_id = ?", jobID).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.Job{}, "job_id = ?", jobID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrJobNotFound
		}
		return nil
	})
}

// --- work units ---

// CreateWorkUnit inserts a single unit.
func (s *Store) CreateWorkUnit(ctx context.Context, unit *models.WorkUnit) error {
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(unit).Error; err != nil {
		return fmt.Errorf("creating unit %s: %w", unit.UnitID, err)
	}
	return nil
}

// CreateWorkUnits bulk-inserts units in batches. Used during enumeration,
// where a job can carry thousands of units.
func (s *Store) CreateWorkUnits(ctx context.Context, units []*models.WorkUnit) error {
	now := time.Now().UTC()
	for _, u := range units {
		if u.CreatedAt.IsZero() {
			u.CreatedAt = now
		}
	}
	if err := s.db.WithContext(ctx).CreateInBatches(units, 500).Error; err != nil {
		return fmt.Errorf("creating %d units: %w", len(units), err)
	}
	return nil
}

// UpdateWorkUnit persists all fields of the unit row.
func (s *Store) UpdateWorkUnit(ctx context.Context, unit *models.WorkUnit) error {
	res := s.db.WithContext(ctx).Model(&models.WorkUnit{}).
		Where("unit_id = ?", unit.UnitID).
		Select("*").Omit("unit_id", "job_id", "created_at").
		Updates(unit)
	if res.Error != nil {
		return fmt.Errorf("updating unit %s: %w", unit.UnitID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("updating unit %s: %w", unit.UnitID, ErrUnitNotFound)
	}
	return nil
}

// GetWorkUnit returns the unit with the given ID, or ErrUnitNotFound.
func (s *Store) GetWorkUnit(ctx context.Context, unitID string) (*models.WorkUnit, error) {
	var unit models.WorkUnit
	err := s.db.WithContext(ctx).First(&unit, "unit_id = ?", unitID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("unit %s: %w", unitID, ErrUnitNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading unit %s: %w", unitID, err)
	}
	return &unit, nil
}

// GetPendingUnits returns up to limit pending units of the job in creation
// order, excluding the synthetic post-processing unit. The dispatch loop pages
// through the batch with this.
func (s *Store) GetPendingUnits(ctx context.Context, jobID string, limit int) ([]*models.WorkUnit, error) {
	q := s.db.WithContext(ctx).
		Where("job_id = ? AND status = ? AND unit_type <> ?",
			jobID, models.UnitStatusPending, models.UnitTypePostProcessing).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var units []*models.WorkUnit
	if err := q.Find(&units).Error; err != nil {
		return nil, fmt.Errorf("loading pending units for job %s: %w", jobID, err)
	}
	return units, nil
}

// CountUnitsByStatus returns per-status unit counts for the job, excluding the
// post-processing unit so counts line up with the job counters.
func (s *Store) CountUnitsByStatus(ctx context.Context, jobID string) (map[models.UnitStatus]int, error) {
	type row struct {
		Status models.UnitStatus
		N      int
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&models.WorkUnit{}).
		Select("status, COUNT(*) AS n").
		Where("job_id = ? AND unit_type <> ?", jobID, models.UnitTypePostProcessing).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("counting units for job %s: %w", jobID, err)
	}
	counts := make(map[models.UnitStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// ListUnitsForJob returns units of the job in creation order, optionally
// filtered by status. When excludePostProcessing is set the synthetic
// synthesis unit is omitted.
func (s *Store) ListUnitsForJob(ctx context.Context, jobID string, status models.UnitStatus, limit, offset int, excludePostProcessing bool) ([]*models.WorkUnit, error) {
	q := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if excludePostProcessing {
		q = q.Where("unit_type <> ?", models.UnitTypePostProcessing)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	var units []*models.WorkUnit
	if err := q.Find(&units).Error; err != nil {
		return nil, fmt.Errorf("listing units for job %s: %w", jobID, err)
	}
	return units, nil
}

// SetUnitSessionID records the agent session ID as soon as the stream reports
// it, so a crash mid-unit still leaves the session traceable.
func (s *Store) SetUnitSessionID(ctx context.Context, unitID, sessionID string) error {
	return s.db.WithContext(ctx).Model(&models.WorkUnit{}).
		Where("unit_id = ?", unitID).
		Update("session_id", sessionID).Error
}

// SetUnitProcessID records the agent subprocess PID for kill support.
func (s *Store) SetUnitProcessID(ctx context.Context, unitID string, pid int) error {
	return s.db.WithContext(ctx).Model(&models.WorkUnit{}).
		Where("unit_id = ?", unitID).
		Update("process_id", pid).Error
}

// AppendConversationEvent appends one stream event to the unit's conversation
// array, preserving order. Events are written as they arrive so the dashboard
// can follow a live unit.
func (s *Store) AppendConversationEvent(ctx context.Context, unitID string, event map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var unit models.WorkUnit
		err := tx.First(&unit, "unit_id = ?", unitID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("unit %s: %w", unitID, ErrUnitNotFound)
		}
		if err != nil {
			return err
		}
		var events []map[string]any
		if len(unit.Conversation) > 0 {
			if err := json.Unmarshal(unit.Conversation, &events); err != nil {
				// A corrupt conversation should not block the stream.
				events = nil
			}
		}
		events = append(events, event)
		raw, err := json.Marshal(events)
		if err != nil {
			return fmt.Errorf("encoding conversation for unit %s: %w", unitID, err)
		}
		return tx.Model(&models.WorkUnit{}).
			Where("unit_id = ?", unitID).
			Update("conversation", datatypes.JSON(raw)).Error
	})
}

// JobTotalCost sums the per-unit agent cost across the job.
func (s *Store) JobTotalCost(ctx context.Context, jobID string) (float64, error) {
	var total *float64
	err := s.db.WithContext(ctx).Model(&models.WorkUnit{}).
		Select("SUM(cost_usd)").
		Where("job_id = ?", jobID).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("summing cost for job %s: %w", jobID, err)
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// UnitActivity pairs an in-flight unit with the latest conversation event,
// for the live dashboard view.
type UnitActivity struct {
	Unit        *models.WorkUnit `json:"unit"`
	LatestEvent map[string]any   `json:"latest_event"`
}

// ActiveUnitsWithLatestEvent returns assigned and processing units of the job
// with their most recent stream event.
func (s *Store) ActiveUnitsWithLatestEvent(ctx context.Context, jobID string) ([]*UnitActivity, error) {
	var units []*models.WorkUnit
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND status IN ?", jobID,
			[]models.UnitStatus{models.UnitStatusAssigned, models.UnitStatusProcessing}).
		Order("assigned_at ASC").
		Find(&units).Error
	if err != nil {
		return nil, fmt.Errorf("loading active units for job %s: %w", jobID, err)
	}
	activities := make([]*UnitActivity, 0, len(units))
	for _, u := range units {
		a := &UnitActivity{Unit: u}
		if len(u.Conversation) > 0 {
			var events []map[string]any
			if json.Unmarshal(u.Conversation, &events) == nil && len(events) > 0 {
				a.LatestEvent = events[len(events)-1]
			}
		}
		activities = append(activities, a)
	}
	return activities, nil
}

// --- workers ---

// CreateWorker inserts a worker slot record.
func (s *Store) CreateWorker(ctx context.Context, w *models.WorkerProcess) error {
	if w.StartedAt.IsZero() {
		w.StartedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(w).Error; err != nil {
		return fmt.Errorf("creating worker %s: %w", w.WorkerID, err)
	}
	return nil
}

// UpdateWorker persists all fields of the worker row.
func (s *Store) UpdateWorker(ctx context.Context, w *models.WorkerProcess) error {
	res := s.db.WithContext(ctx).Model(&models.WorkerProcess{}).
		Where("worker_id = ?", w.WorkerID).
		Select("*").Omit("worker_id", "started_at").
		Updates(w)
	if res.Error != nil {
		return fmt.Errorf("updating worker %s: %w", w.WorkerID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("updating worker %s: %w", w.WorkerID, ErrWorkerNotFound)
	}
	return nil
}

// ActiveWorkers returns workers that are idle or busy, optionally scoped to a
// job.
func (s *Store) ActiveWorkers(ctx context.Context, jobID string) ([]*models.WorkerProcess, error) {
	q := s.db.WithContext(ctx).
		Where("status IN ?", []models.WorkerStatus{models.WorkerStatusIdle, models.WorkerStatusBusy})
	if jobID != "" {
		q = q.Where("job_id = ?", jobID)
	}
	var workers []*models.WorkerProcess
	if err := q.Find(&workers).Error; err != nil {
		return nil, fmt.Errorf("listing active workers: %w", err)
	}
	return workers, nil
}

// BusyWorkers returns workers currently executing a unit for the job.
func (s *Store) BusyWorkers(ctx context.Context, jobID string) ([]*models.WorkerProcess, error) {
	var workers []*models.WorkerProcess
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND status = ?", jobID, models.WorkerStatusBusy).
		Find(&workers).Error
	if err != nil {
		return nil, fmt.Errorf("listing busy workers for job %s: %w", jobID, err)
	}
	return workers, nil
}

// CleanupStaleWorkers marks the job's workers whose recorded process is gone
// as terminated. A supervisor that died without cleanup leaves such rows
// behind. Scoped to one job so a starting supervisor cannot touch the live
// workers of a concurrently running job. Returns the number of workers
// terminated.
func (s *Store) CleanupStaleWorkers(ctx context.Context, jobID string) (int, error) {
	workers, err := s.ActiveWorkers(ctx, jobID)
	if err != nil {
		return 0, err
	}
	terminated := 0
	for _, w := range workers {
		if w.ProcessID != nil && proc.Alive(*w.ProcessID) {
			continue
		}
		w.Status = models.WorkerStatusTerminated
		if err := s.UpdateWorker(ctx, w); err != nil {
			return terminated, err
		}
		terminated++
	}
	if terminated > 0 {
		s.logger.Info("terminated stale workers", "count", terminated)
	}
	return terminated, nil
}

// ResetStuckUnits returns assigned and processing units of the job to pending
// when no live worker holds them, clearing worker assignment and process ID.
// The check is keyed on the worker row, not the agent subprocess: an agent
// orphaned by a dead supervisor has nothing watching it, so its unit is
// requeued regardless. Retry counts are left untouched; interruption is not
// the unit's fault. Returns the number of units reset.
func (s *Store) ResetStuckUnits(ctx context.Context, jobID string) (int, error) {
	var units []*models.WorkUnit
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND status IN ?", jobID,
			[]models.UnitStatus{models.UnitStatusAssigned, models.UnitStatusProcessing}).
		Find(&units).Error
	if err != nil {
		return 0, fmt.Errorf("loading stuck units for job %s: %w", jobID, err)
	}
	reset := 0
	for _, u := range units {
		if u.WorkerID != nil && s.workerAlive(ctx, *u.WorkerID) {
			continue
		}
		err := s.db.WithContext(ctx).Model(&models.WorkUnit{}).
			Where("unit_id = ?", u.UnitID).
			Updates(map[string]any{
				"status":      models.UnitStatusPending,
				"worker_id":   nil,
				"process_id":  nil,
				"assigned_at": nil,
				"started_at":  nil,
			}).Error
		if err != nil {
			return reset, fmt.Errorf("resetting unit %s: %w", u.UnitID, err)
		}
		reset++
	}
	if reset > 0 {
		s.logger.Info("reset stuck units", "job_id", jobID, "count", reset)
	}
	return reset, nil
}

// workerAlive reports whether the worker row is still active with a live
// process behind it.
func (s *Store) workerAlive(ctx context.Context, workerID string) bool {
	var w models.WorkerProcess
	err := s.db.WithContext(ctx).First(&w, "worker_id = ?", workerID).Error
	if err != nil {
		return false
	}
	if w.Status != models.WorkerStatusIdle && w.Status != models.WorkerStatusBusy {
		return false
	}
	return w.ProcessID != nil && proc.Alive(*w.ProcessID)
}

// IncrementJobCounters atomically bumps the job's completed and failed unit
// counters. Callbacks from concurrent workers use this instead of
// read-modify-write on the job row.
func (s *Store) IncrementJobCounters(ctx context.Context, jobID string, completedDelta, failedDelta int) error {
	updates := map[string]any{}
	if completedDelta != 0 {
		updates["completed_units"] = gorm.Expr("MAX(completed_units + ?, 0)", completedDelta)
	}
	if failedDelta != 0 {
		updates["failed_units"] = gorm.Expr("MAX(failed_units + ?, 0)", failedDelta)
	}
	if len(updates) == 0 {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("job_id = ?", jobID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("incrementing counters for job %s: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("incrementing counters for job %s: %w", jobID, ErrJobNotFound)
	}
	return nil
}

// RecomputeCounters recounts completed and failed units from the unit table
// and writes the result to the job row, returning the refreshed job. Used
// when determining final job status, so drift from lost callbacks cannot
// corrupt the outcome.
func (s *Store) RecomputeCounters(ctx context.Context, jobID string) (*models.Job, error) {
	counts, err := s.CountUnitsByStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	err = s.db.WithContext(ctx).Model(&models.Job{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{
			"completed_units": counts[models.UnitStatusCompleted],
			"failed_units":    counts[models.UnitStatusFailed],
		}).Error
	if err != nil {
		return nil, fmt.Errorf("recomputing counters for job %s: %w", jobID, err)
	}
	return s.GetJob(ctx, jobID)
}

// --- logs ---

// AppendLog persists one log entry.
func (s *Store) AppendLog(ctx context.Context, entry *models.LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("appending log for job %s: %w", entry.JobID, err)
	}
	return nil
}

// LogFilter narrows QueryLogs results. Zero values mean no filtering.
type LogFilter struct {
	Source string
	Level  string
	Since  time.Time
	Limit  int
	Offset int
}

// QueryLogs returns log entries for the job in timestamp order.
func (s *Store) QueryLogs(ctx context.Context, jobID string, f LogFilter) ([]*models.LogEntry, error) {
	q := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("timestamp ASC, id ASC")
	if f.Source != "" {
		q = q.Where("source = ?", f.Source)
	}
	if f.Level != "" {
		q = q.Where("level = ?", f.Level)
	}
	if !f.Since.IsZero() {
		q = q.Where("timestamp > ?", f.Since)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var entries []*models.LogEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("querying logs for job %s: %w", jobID, err)
	}
	return entries, nil
}

// LogCount returns the number of log entries for the job.
func (s *Store) LogCount(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.LogEntry{}).
		Where("job_id = ?", jobID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("counting logs for job %s: %w", jobID, err)
	}
	return n, nil
}

// Reset wipes all tables. Development tool; destructive.
func (s *Store) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{
			&models.LogEntry{}, &models.WorkUnit{}, &models.WorkerProcess{}, &models.Job{},
		} {
			if err := tx.Where("1 = 1").Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
