package uow

import (
	"context"
	"log/slog"
	"time"
)

// Log operations emitted by the provider.
const (
	OpCreate      = "scope.create"
	OpDispose     = "scope.dispose"
	OpCommit      = "scope.commit"
	OpRollback    = "scope.rollback"
	OpUncompleted = "scope.uncompleted"
)

// ScopeLogEvent describes a scope lifecycle step for logging.
type ScopeLogEvent struct {
	Op         string
	ChainID    ChainID
	InstanceID string
	Depth      int
	State      CompletionState
	Duration   time.Duration
	Err        error
}

// Logger records scope lifecycle events.
type Logger interface {
	LogScope(ScopeLogEvent)
}

// LoggerFunc adapts a function to Logger.
type LoggerFunc func(ScopeLogEvent)

// LogScope implements Logger.
func (f LoggerFunc) LogScope(event ScopeLogEvent) {
	if f != nil {
		f(event)
	}
}

type noopLogger struct{}

func (noopLogger) LogScope(ScopeLogEvent) {}

// NewSlogLogger writes scope events to logger. Failed steps and uncompleted
// scopes are logged at warn, everything else at debug.
func NewSlogLogger(logger *slog.Logger) Logger {
	if logger == nil {
		return noopLogger{}
	}
	return slogLogger{logger: logger}
}

type slogLogger struct {
	logger *slog.Logger
}

func (l slogLogger) LogScope(event ScopeLogEvent) {
	level := slog.LevelDebug
	if event.Err != nil || event.Op == OpUncompleted {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("chain_id", event.ChainID.String()),
		slog.String("scope_id", event.InstanceID),
		slog.Int("depth", event.Depth),
		slog.String("state", event.State.String()),
	}
	if event.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", event.Duration))
	}
	if event.Err != nil {
		attrs = append(attrs, slog.Any("error", event.Err))
	}
	l.logger.LogAttrs(context.Background(), level, event.Op, attrs...)
}
