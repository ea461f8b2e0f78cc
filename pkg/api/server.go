// Package api exposes the HTTP API consumed by the dashboard SPA and by
// automation. The dashboard binary mounts the read and command endpoints;
// the serve binary additionally mounts job creation and lifecycle endpoints.
package api

import (
	"log/slog"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/agentbatch/pkg/orchestrator"
	"github.com/codeready-toolchain/agentbatch/pkg/services"
	"github.com/codeready-toolchain/agentbatch/pkg/store"
)

// Server wires the service layer to gin routes.
type Server struct {
	store       *store.Store
	jobs        *services.JobService
	units       *services.UnitService
	workers     *services.WorkerService
	stats       *services.StatsService
	logs        *services.LogService
	orch        *orchestrator.Orchestrator
	storagePath string
	logger      *slog.Logger
}

// NewServer builds the API server. orch may be nil, which leaves the job
// creation and start endpoints unmounted (dashboard mode).
func NewServer(st *store.Store, orch *orchestrator.Orchestrator, storagePath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:       st,
		jobs:        services.NewJobService(st),
		units:       services.NewUnitService(st),
		workers:     services.NewWorkerService(st),
		stats:       services.NewStatsService(st),
		logs:        services.NewLogService(st),
		orch:        orch,
		storagePath: storagePath,
		logger:      logger.With("component", "api"),
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
		MaxAge:          12 * time.Hour,
	}))

	r.GET("/api/healthz", s.health)

	jobs := r.Group("/api/jobs")
	{
		jobs.GET("", s.listJobs)
		jobs.GET("/:job_id", s.getJob)
		jobs.GET("/:job_id/units", s.listUnits)
		jobs.GET("/:job_id/units/:unit_id", s.getUnit)
		jobs.GET("/:job_id/logs", s.getJobLogs)
		jobs.GET("/:job_id/live", s.getLiveActivity)
		jobs.GET("/:job_id/executor", s.getExecutorStatus)

		jobs.POST("/:job_id/bypass", s.bypassFailures)
		jobs.POST("/:job_id/kill", s.killJob)
		jobs.POST("/:job_id/restart", s.restartJob)
		jobs.POST("/:job_id/units/:unit_id/kill", s.killUnit)
		jobs.POST("/:job_id/units/:unit_id/restart", s.restartUnit)

		if s.orch != nil {
			jobs.POST("", s.createJob)
			jobs.POST("/:job_id/start", s.startJob)
			jobs.POST("/:job_id/resume", s.resumeJob)
		}
	}
	r.GET("/api/workers", s.listWorkers)
	r.GET("/api/stats", s.getStats)

	return r
}
