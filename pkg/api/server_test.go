package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/codeready-toolchain/agentbatch/pkg/agent"
	"github.com/codeready-toolchain/agentbatch/pkg/config"
	"github.com/codeready-toolchain/agentbatch/pkg/models"
	"github.com/codeready-toolchain/agentbatch/pkg/orchestrator"
	"github.com/codeready-toolchain/agentbatch/pkg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubAgent struct{ available bool }

func (s *stubAgent) Available() bool { return s.available }
func (s *stubAgent) Execute(ctx context.Context, req agent.Request) *agent.Result {
	return &agent.Result{Success: true, Output: "stub output", RenderedPrompt: "rendered"}
}

type apiFixture struct {
	store  *store.Store
	router *gin.Engine
	agent  *stubAgent
}

// newAPIFixture builds a serve-mode server with an in-process spawner stub.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ag := &stubAgent{available: true}
	orch := orchestrator.New(st, &config.Config{MaxWorkers: 2, MaxRetries: 1, WorkerTimeout: time.Minute},
		ag, "unused.db", logger)
	orch.SetSpawner(func(ctx context.Context, st *store.Store, jobID, storagePath string) (int, error) {
		return 4242, nil
	})
	srv := NewServer(st, orch, "unused.db", logger)
	return &apiFixture{store: st, router: srv.Router(), agent: ag}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, w)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %s", w.Body.String())
	code, _ := errObj["code"].(string)
	return code
}

func seedJob(t *testing.T, st *store.Store, mutate func(*models.Job)) *models.Job {
	t.Helper()
	job := &models.Job{
		JobID:                uuid.New().String(),
		Name:                 "batch",
		Description:          "desc",
		Status:               models.JobStatusCreated,
		WorkerPromptTemplate: "process {file_path}",
		UnitType:             "file",
		TotalUnits:           2,
		MaxWorkers:           2,
		MaxRetries:           1,
	}
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, st.CreateJob(context.Background(), job))
	return job
}

func seedUnit(t *testing.T, st *store.Store, jobID string, status models.UnitStatus, mutate func(*models.WorkUnit)) *models.WorkUnit {
	t.Helper()
	unit := &models.WorkUnit{
		UnitID:     uuid.New().String(),
		JobID:      jobID,
		UnitType:   "file",
		Status:     status,
		Payload:    datatypes.JSONMap{"file_path": "/tmp/x"},
		MaxRetries: 1,
	}
	if mutate != nil {
		mutate(unit)
	}
	require.NoError(t, st.CreateWorkUnit(context.Background(), unit))
	return unit
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/api/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])
}

func TestListJobsAndDetail(t *testing.T) {
	f := newAPIFixture(t)
	job := seedJob(t, f.store, nil)
	seedUnit(t, f.store, job.JobID, models.UnitStatusPending, nil)
	seedUnit(t, f.store, job.JobID, models.UnitStatusCompleted, func(u *models.WorkUnit) {
		u.CostUSD = models.FloatPtr(0.5)
		u.CompletedAt = models.TimePtr(time.Now().UTC())
	})

	w := f.do(t, http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 1, body["total"])

	w = f.do(t, http.MethodGet, "/api/jobs/"+job.JobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode(t, w)
	assert.EqualValues(t, 0.5, detail["total_cost_usd"])
	stats := detail["unit_stats"].(map[string]any)
	assert.EqualValues(t, 1, stats["pending"])
	assert.EqualValues(t, 1, stats["completed"])
}

func TestJobNotFoundEnvelope(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/api/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeJobNotFound, errorCode(t, w))
}

func TestListUnitsAttachesPostProcessingUnit(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	job := seedJob(t, f.store, nil)
	seedUnit(t, f.store, job.JobID, models.UnitStatusCompleted, nil)
	pp := seedUnit(t, f.store, job.JobID, models.UnitStatusCompleted, func(u *models.WorkUnit) {
		u.UnitType = models.UnitTypePostProcessing
	})
	job.PostProcessingUnitID = &pp.UnitID
	require.NoError(t, f.store.UpdateJob(ctx, job))

	w := f.do(t, http.MethodGet, "/api/jobs/"+job.JobID+"/units", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	units := body["units"].([]any)
	assert.Len(t, units, 1, "post-processing unit excluded from the page")
	ppUnit := body["post_processing_unit"].(map[string]any)
	assert.Equal(t, pp.UnitID, ppUnit["unit_id"])
}

func TestGetUnitWrongJob(t *testing.T) {
	f := newAPIFixture(t)
	jobA := seedJob(t, f.store, nil)
	jobB := seedJob(t, f.store, nil)
	unit := seedUnit(t, f.store, jobA.JobID, models.UnitStatusPending, nil)

	w := f.do(t, http.MethodGet, "/api/jobs/"+jobB.JobID+"/units/"+unit.UnitID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeUnitNotFound, errorCode(t, w))
}

func TestBypassValidationOrder(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	w := f.do(t, http.MethodPost, "/api/jobs/nope/bypass", nil)
	assert.Equal(t, CodeJobNotFound, errorCode(t, w))

	job := seedJob(t, f.store, nil)
	w = f.do(t, http.MethodPost, "/api/jobs/"+job.JobID+"/bypass", nil)
	assert.Equal(t, CodeNoPostProcessing, errorCode(t, w))

	job.PostProcessingPrompt = models.StrPtr("synthesize")
	require.NoError(t, f.store.UpdateJob(ctx, job))
	w = f.do(t, http.MethodPost, "/api/jobs/"+job.JobID+"/bypass", nil)
	assert.Equal(t, CodeUnitsStillProcessing, errorCode(t, w))

	job.CompletedUnits = 2
	require.NoError(t, f.store.UpdateJob(ctx, job))
	w = f.do(t, http.MethodPost, "/api/jobs/"+job.JobID+"/bypass", nil)
	assert.Equal(t, CodeNoFailures, errorCode(t, w))

	job.CompletedUnits = 1
	job.FailedUnits = 1
	require.NoError(t, f.store.UpdateJob(ctx, job))
	w = f.do(t, http.MethodPost, "/api/jobs/"+job.JobID+"/bypass", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 1, body["failed_units"])

	updated, err := f.store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.True(t, updated.BypassFailures)

	w = f.do(t, http.MethodPost, "/api/jobs/"+job.JobID+"/bypass", nil)
	assert.Equal(t, CodeAlreadyBypassed, errorCode(t, w))
}

func TestRestartJobAlreadyRunning(t *testing.T) {
	f := newAPIFixture(t)
	job := seedJob(t, f.store, func(j *models.Job) {
		j.Status = models.JobStatusRunning
		j.Metadata = datatypes.JSONMap{models.MetaExecutorPID: os.Getpid()}
	})

	w := f.do(t, http.MethodPost, "/api/jobs/"+job.JobID+"/restart", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeAlreadyRunning, errorCode(t, w))
}

func TestRestartJobNoPendingUnits(t *testing.T) {
	f := newAPIFixture(t)
	job := seedJob(t, f.store, func(j *models.Job) {
		j.Status = models.JobStatusFailed
		j.CompletedUnits = 1
		j.FailedUnits = 1
	})
	seedUnit(t, f.store, job.JobID, models.UnitStatusCompleted, nil)
	seedUnit(t, f.store, job.JobID, models.UnitStatusFailed, nil)

	w := f.do(t, http.MethodPost, "/api/jobs/"+job.JobID+"/restart", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeNoPendingUnits, errorCode(t, w))
}

func TestKillUnitNotRunning(t *testing.T) {
	f := newAPIFixture(t)
	job := seedJob(t, f.store, nil)
	unit := seedUnit(t, f.store, job.JobID, models.UnitStatusPending, nil)

	w := f.do(t, http.MethodPost, "/api/jobs/"+job.JobID+"/units/"+unit.UnitID+"/kill", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeKillFailed, errorCode(t, w))

	w = f.do(t, http.MethodPost, "/api/jobs/"+job.JobID+"/units/missing/kill", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeUnitNotFound, errorCode(t, w))
}

func TestRestartUnit(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	job := seedJob(t, f.store, func(j *models.Job) { j.FailedUnits = 1 })
	unit := seedUnit(t, f.store, job.JobID, models.UnitStatusFailed, func(u *models.WorkUnit) {
		u.Error = models.StrPtr("boom")
	})

	w := f.do(t, http.MethodPost, "/api/jobs/"+job.JobID+"/units/"+unit.UnitID+"/restart", nil)
	require.Equal(t, http.StatusOK, w.Code)

	got, err := f.store.GetWorkUnit(ctx, unit.UnitID)
	require.NoError(t, err)
	assert.Equal(t, models.UnitStatusPending, got.Status)

	// A pending unit cannot be restarted again.
	w = f.do(t, http.MethodPost, "/api/jobs/"+job.JobID+"/units/"+unit.UnitID+"/restart", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeRestartFailed, errorCode(t, w))
}

func TestCreateJobAgentUnavailable(t *testing.T) {
	f := newAPIFixture(t)
	f.agent.available = false

	w := f.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"name":              "j",
		"user_intent":       "x",
		"enumerator_type":   "file",
		"enumerator_config": map[string]any{"base_directory": t.TempDir()},
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, CodeAgentUnavailable, errorCode(t, w))
}

func TestCreateJobApprovalGate(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"name":              "j",
		"user_intent":       "x",
		"enumerator_type":   "command",
		"enumerator_config": map[string]any{"command": "echo"},
	})
	assert.Equal(t, http.StatusAccepted, w.Code)
	body := decode(t, w)
	assert.Equal(t, "pending_approval", body["status"])
	assert.Equal(t, "echo", body["command"])
}

func TestCreateAndStartJobFlow(t *testing.T) {
	f := newAPIFixture(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("y"), 0o644))

	w := f.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"name":              "summaries",
		"user_intent":       "summarize each file",
		"enumerator_type":   "file",
		"enumerator_config": map[string]any{"base_directory": dir, "pattern": "*.txt"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode(t, w)
	jobID := created["job_id"].(string)
	assert.EqualValues(t, 2, created["total_items"])

	// First start runs the test phase.
	w = f.do(t, http.MethodPost, "/api/jobs/"+jobID+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode(t, w)
	assert.Equal(t, "testing", res["status"])
	assert.Equal(t, true, res["test_passed"])

	// Approval hands off to the supervisor.
	w = f.do(t, http.MethodPost, "/api/jobs/"+jobID+"/start", map[string]any{"approve": true})
	require.Equal(t, http.StatusOK, w.Code)
	res = decode(t, w)
	assert.Equal(t, "started", res["status"])
	assert.EqualValues(t, 4242, res["pid"])
}

func TestDashboardModeHidesCreateEndpoints(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	st, err := store.Open(filepath.Join(t.TempDir(), "dash.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	srv := NewServer(st, nil, "unused.db", logger)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewBufferString("{}"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Read and command endpoints stay mounted.
	req = httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatsAggregates(t *testing.T) {
	f := newAPIFixture(t)
	seedJob(t, f.store, func(j *models.Job) {
		j.Status = models.JobStatusCompleted
		j.CompletedUnits = 2
	})
	seedJob(t, f.store, func(j *models.Job) {
		j.Status = models.JobStatusFailed
		j.CompletedUnits = 1
		j.FailedUnits = 1
	})

	w := f.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)
	assert.EqualValues(t, 2, stats["total_jobs"])
	assert.EqualValues(t, 3, stats["total_units_processed"])
	assert.EqualValues(t, 1, stats["total_units_failed"])
	assert.EqualValues(t, 75.0, stats["success_rate"])
}
