package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/agentbatch/pkg/enumerate"
	"github.com/codeready-toolchain/agentbatch/pkg/executor"
	"github.com/codeready-toolchain/agentbatch/pkg/models"
	"github.com/codeready-toolchain/agentbatch/pkg/orchestrator"
	"github.com/codeready-toolchain/agentbatch/pkg/store"
)

func intQuery(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return def
	}
	return v
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	sqlDB, err := s.store.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) listJobs(c *gin.Context) {
	list, err := s.jobs.ListJobs(c.Request.Context(),
		models.JobStatus(c.Query("status")),
		intQuery(c, "limit", 50),
		intQuery(c, "offset", 0))
	if err != nil {
		writeError(c, http.StatusInternalServerError, CodeDBError, "Database error: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) getJob(c *gin.Context) {
	detail, err := s.jobs.GetJobDetail(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		notFoundOrDB(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) listUnits(c *gin.Context) {
	list, err := s.units.ListUnits(c.Request.Context(), c.Param("job_id"),
		models.UnitStatus(c.Query("status")),
		intQuery(c, "limit", 100),
		intQuery(c, "offset", 0))
	if err != nil {
		notFoundOrDB(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) getUnit(c *gin.Context) {
	unit, err := s.units.GetUnitDetail(c.Request.Context(), c.Param("job_id"), c.Param("unit_id"))
	if err != nil {
		notFoundOrDB(c, err)
		return
	}
	c.JSON(http.StatusOK, unit)
}

func (s *Server) getJobLogs(c *gin.Context) {
	filter := store.LogFilter{
		Source: c.Query("source"),
		Level:  c.Query("level"),
		Limit:  intQuery(c, "limit", 200),
		Offset: intQuery(c, "offset", 0),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(c, http.StatusBadRequest, CodeBadRequest, "invalid since timestamp: "+since)
			return
		}
		filter.Since = t
	}
	page, err := s.logs.Query(c.Request.Context(), c.Param("job_id"), filter)
	if err != nil {
		notFoundOrDB(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// getLiveActivity returns the latest conversation snippet for each active
// unit, shaped for fast polling.
func (s *Server) getLiveActivity(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("job_id")
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		notFoundOrDB(c, err)
		return
	}
	activities, err := s.store.ActiveUnitsWithLatestEvent(ctx, jobID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, CodeDBError, "Database error: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":       jobID,
		"job_status":   job.Status,
		"active_units": activities,
	})
}

func (s *Server) getExecutorStatus(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("job_id")
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		notFoundOrDB(c, err)
		return
	}
	status, err := executor.ExecutorStatus(ctx, s.store, jobID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, CodeServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":     jobID,
		"job_name":   job.Name,
		"executor":   status,
		"job_status": job.Status,
		"metadata":   job.Metadata,
	})
}

// bypassFailures flips the bypass flag after validating, in order, that the
// job has a post-processing step, every unit has finished, there is at least
// one failure, and bypass is not already set.
func (s *Server) bypassFailures(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := s.store.GetJob(ctx, c.Param("job_id"))
	if err != nil {
		notFoundOrDB(c, err)
		return
	}
	if job.PostProcessingPrompt == nil {
		writeError(c, http.StatusConflict, CodeNoPostProcessing,
			"This job has no post-processing step configured")
		return
	}
	if job.CompletedUnits+job.FailedUnits != job.TotalUnits {
		writeError(c, http.StatusConflict, CodeUnitsStillProcessing,
			"Cannot bypass until all units have finished processing")
		return
	}
	if job.FailedUnits == 0 {
		writeError(c, http.StatusConflict, CodeNoFailures,
			"No failures to bypass - all units succeeded")
		return
	}
	if job.BypassFailures {
		writeError(c, http.StatusConflict, CodeAlreadyBypassed,
			"Bypass has already been enabled for this job")
		return
	}

	job.BypassFailures = true
	if err := s.store.UpdateJob(ctx, job); err != nil {
		writeError(c, http.StatusInternalServerError, CodeDBError, "Database error: "+err.Error())
		return
	}
	s.logger.Info("bypass enabled", "job_id", job.JobID, "failed_units", job.FailedUnits)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"job_id":  job.JobID,
		"message": fmt.Sprintf("Bypass enabled. %d failed units will be ignored. Restart the job to run post-processing.",
			job.FailedUnits),
		"failed_units":    job.FailedUnits,
		"completed_units": job.CompletedUnits,
	})
}

func (s *Server) killJob(c *gin.Context) {
	pid, err := executor.KillExecutor(c.Request.Context(), s.store, c.Param("job_id"))
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			notFoundOrDB(c, err)
			return
		}
		writeError(c, http.StatusConflict, CodeKillFailed, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"job_id":  c.Param("job_id"),
		"pid":     pid,
		"message": "Job executor killed",
	})
}

// restartJob resets stuck units and respawns the supervisor for a stopped
// job. Also the path that triggers post-processing after a bypass.
func (s *Server) restartJob(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("job_id")
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		notFoundOrDB(c, err)
		return
	}

	status, err := executor.ExecutorStatus(ctx, s.store, jobID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, CodeServerError, err.Error())
		return
	}
	if status.State == "running" {
		writeError(c, http.StatusConflict, CodeAlreadyRunning, "Job executor is already running")
		return
	}

	stuck, err := s.store.ResetStuckUnits(ctx, jobID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, CodeDBError, "Database error: "+err.Error())
		return
	}

	pid, err := executor.Resume(ctx, s.store, jobID, s.storagePath)
	if err != nil {
		if errors.Is(err, executor.ErrNothingToDo) {
			writeError(c, http.StatusConflict, CodeNoPendingUnits,
				"No pending units to process. All units are either completed or failed.")
			return
		}
		writeError(c, http.StatusConflict, CodeRestartFailed, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"job_id":            jobID,
		"message":           "Job restarted successfully",
		"executor_pid":      pid,
		"stuck_units_reset": stuck,
	})
}

func (s *Server) killUnit(c *gin.Context) {
	err := executor.KillWorkUnit(c.Request.Context(), s.store, c.Param("job_id"), c.Param("unit_id"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrUnitNotFound):
			notFoundOrDB(c, err)
		default:
			writeError(c, http.StatusConflict, CodeKillFailed, err.Error())
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"unit_id": c.Param("unit_id"),
		"message": "Work unit killed",
	})
}

func (s *Server) restartUnit(c *gin.Context) {
	err := executor.RestartWorkUnit(c.Request.Context(), s.store, c.Param("job_id"), c.Param("unit_id"))
	if err != nil {
		restartError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"unit_id": c.Param("unit_id"),
		"message": "Work unit reset to pending",
	})
}

func (s *Server) listWorkers(c *gin.Context) {
	workers, err := s.workers.ActiveWorkers(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, CodeDBError, "Database error: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": workers, "total": len(workers)})
}

func (s *Server) getStats(c *gin.Context) {
	stats, err := s.stats.Aggregate(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, CodeDBError, "Database error: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, stats)
}

// --- serve-mode endpoints ---

func (s *Server) createJob(c *gin.Context) {
	var req orchestrator.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	result, err := s.orch.CreateJob(c.Request.Context(), req)
	if err != nil {
		var approval *enumerate.ApprovalRequired
		switch {
		case errors.As(err, &approval):
			c.JSON(http.StatusAccepted, gin.H{
				"status":  "pending_approval",
				"command": approval.Command,
				"args":    approval.Args,
				"message": "Command enumerator requires approval. Re-submit with approved=true in the enumerator config.",
			})
		case errors.Is(err, orchestrator.ErrAgentUnavailable):
			writeError(c, http.StatusServiceUnavailable, CodeAgentUnavailable, err.Error())
		case errors.Is(err, orchestrator.ErrNoItems):
			writeError(c, http.StatusBadRequest, CodeEnumerationFailed, err.Error())
		default:
			writeError(c, http.StatusBadRequest, CodeEnumerationFailed, err.Error())
		}
		return
	}
	c.JSON(http.StatusCreated, result)
}

type startJobRequest struct {
	Approve  *bool `json:"approve"`
	SkipTest bool  `json:"skip_test"`
}

func (s *Server) startJob(c *gin.Context) {
	// An empty body is a valid "run the test phase" request.
	var req startJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, CodeBadRequest, err.Error())
			return
		}
	}
	result, err := s.orch.StartJob(c.Request.Context(), c.Param("job_id"), req.Approve, req.SkipTest)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrJobNotFound):
			notFoundOrDB(c, err)
		case errors.Is(err, orchestrator.ErrBadStatus):
			writeError(c, http.StatusConflict, CodeInvalidJobStatus, err.Error())
		case errors.Is(err, orchestrator.ErrNoPendingUnits):
			writeError(c, http.StatusConflict, CodeNoPendingUnits, err.Error())
		default:
			writeError(c, http.StatusInternalServerError, CodeServerError, err.Error())
		}
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) resumeJob(c *gin.Context) {
	pid, err := s.orch.ResumeJob(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrJobNotFound):
			notFoundOrDB(c, err)
		case errors.Is(err, executor.ErrNothingToDo):
			writeError(c, http.StatusConflict, CodeNoPendingUnits, err.Error())
		default:
			writeError(c, http.StatusInternalServerError, CodeServerError, err.Error())
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "job_id": c.Param("job_id"), "executor_pid": pid})
}
