package executor

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/datatypes"

	"github.com/codeready-toolchain/agentbatch/pkg/models"
	"github.com/codeready-toolchain/agentbatch/pkg/store"
)

// jobLog writes log entries both to the process logger and to the store, so
// a detached supervisor stays observable from the dashboard.
type jobLog struct {
	store  *store.Store
	jobID  string
	source string
	logger *slog.Logger
}

func newJobLog(st *store.Store, jobID, source string, logger *slog.Logger) *jobLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &jobLog{
		store:  st,
		jobID:  jobID,
		source: source,
		logger: logger.With("job_id", jobID, "source", source),
	}
}

func (l *jobLog) log(level slog.Level, msg string, unitID string, extra map[string]any) {
	l.logger.Log(context.Background(), level, msg)
	entry := &models.LogEntry{
		JobID:     l.jobID,
		Source:    l.source,
		Level:     levelName(level),
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}
	if unitID != "" {
		entry.UnitID = &unitID
	}
	if len(extra) > 0 {
		entry.Extra = datatypes.JSONMap(extra)
	}
	if err := l.store.AppendLog(context.Background(), entry); err != nil {
		l.logger.Error("failed to persist log entry", "error", err)
	}
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warning"
	case level >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

func (l *jobLog) Info(msg string)                  { l.log(slog.LevelInfo, msg, "", nil) }
func (l *jobLog) Warn(msg string)                  { l.log(slog.LevelWarn, msg, "", nil) }
func (l *jobLog) Error(msg string)                 { l.log(slog.LevelError, msg, "", nil) }
func (l *jobLog) UnitInfo(unitID, msg string)      { l.log(slog.LevelInfo, msg, unitID, nil) }
func (l *jobLog) UnitWarn(unitID, msg string)      { l.log(slog.LevelWarn, msg, unitID, nil) }
func (l *jobLog) UnitError(unitID, msg string)     { l.log(slog.LevelError, msg, unitID, nil) }
func (l *jobLog) WithExtra(msg string, e map[string]any) { l.log(slog.LevelInfo, msg, "", e) }
