package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/agentbatch/pkg/executor"
	"github.com/codeready-toolchain/agentbatch/pkg/orchestrator"
	"github.com/codeready-toolchain/agentbatch/pkg/store"
)

// Error codes returned in the error envelope. The SPA switches on these, so
// they are part of the API contract.
const (
	CodeJobNotFound           = "JOB_NOT_FOUND"
	CodeUnitNotFound          = "UNIT_NOT_FOUND"
	CodeDBError               = "DB_ERROR"
	CodeServerError           = "SERVER_ERROR"
	CodeBadRequest            = "BAD_REQUEST"
	CodeNoPostProcessing      = "NO_POST_PROCESSING"
	CodeUnitsStillProcessing  = "UNITS_STILL_PROCESSING"
	CodeNoFailures            = "NO_FAILURES"
	CodeAlreadyBypassed       = "ALREADY_BYPASSED"
	CodeKillFailed            = "KILL_FAILED"
	CodeRestartFailed         = "RESTART_FAILED"
	CodeAlreadyRunning        = "ALREADY_RUNNING"
	CodeNoPendingUnits        = "NO_PENDING_UNITS"
	CodeAgentUnavailable      = "AGENT_UNAVAILABLE"
	CodeEnumerationFailed     = "ENUMERATION_FAILED"
	CodeApprovalRequired      = "APPROVAL_REQUIRED"
	CodeInvalidJobStatus      = "INVALID_JOB_STATUS"
)

// writeError emits the error envelope {"error":{"code","message"}}.
func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

// notFoundOrDB translates store lookup errors: sentinel misses become 404s,
// anything else is a database error.
func notFoundOrDB(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		writeError(c, http.StatusNotFound, CodeJobNotFound, err.Error())
	case errors.Is(err, store.ErrUnitNotFound):
		writeError(c, http.StatusNotFound, CodeUnitNotFound, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, CodeDBError, "Database error: "+err.Error())
	}
}

// restartError maps control-plane restart failures onto their codes.
func restartError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrJobNotFound), errors.Is(err, store.ErrUnitNotFound):
		notFoundOrDB(c, err)
	case errors.Is(err, executor.ErrUnitNotFailed),
		errors.Is(err, executor.ErrUnitWrongJob),
		errors.Is(err, executor.ErrNothingToDo),
		errors.Is(err, orchestrator.ErrBadStatus):
		writeError(c, http.StatusConflict, CodeRestartFailed, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, CodeServerError, err.Error())
	}
}
