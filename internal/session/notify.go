package session

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/rickgao/livesession/internal/connection"
	"github.com/rickgao/livesession/internal/dispatch"
)

// Level is the severity of a user-visible notice.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Notifier shows connection status messages to the user.
type Notifier interface {
	Notify(level Level, message string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(level Level, message string)

// Notify calls f.
func (f NotifierFunc) Notify(level Level, message string) { f(level, message) }

// LogNotifier writes notices to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs message at the matching slog level.
func (n LogNotifier) Notify(level Level, message string) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch level {
	case LevelError:
		logger.Error(message)
	case LevelWarn:
		logger.Warn(message)
	default:
		logger.Info(message)
	}
}

// notice maps a lifecycle event onto a user-visible message.
func notice(ev dispatch.Event) (Level, string, bool) {
	switch ev.Type {
	case connection.EventConnect:
		return LevelInfo, "Connected", true

	case connection.EventReconnectAttempt:
		info, ok := ev.Data.(connection.ReconnectAttemptInfo)
		if !ok {
			return 0, "", false
		}
		if info.Attempt == 1 {
			return LevelWarn, "Connection lost. Reconnecting...", true
		}
		return LevelWarn, fmt.Sprintf("Reconnecting (attempt %d)...", info.Attempt), true

	case connection.EventReconnectFailed:
		info, _ := ev.Data.(connection.ReconnectFailedInfo)
		return LevelError, fmt.Sprintf("Unable to reconnect after %d attempts. Retry to continue.", info.Attempts), true

	case connection.EventError:
		info, ok := ev.Data.(connection.ErrorInfo)
		if !ok {
			return 0, "", false
		}
		switch {
		case errors.Is(info.Err, connection.ErrAuthTimeout):
			return LevelError, "Authentication timed out. Retry to continue.", true
		case errors.Is(info.Err, connection.ErrAuthRejected):
			return LevelError, "Authentication failed. Sign in again to continue.", true
		}
	}
	return 0, "", false
}
