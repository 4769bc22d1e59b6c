package scheduler

import (
	"errors"
	"log/slog"

	"github.com/go-co-op/gocron/v2"
)

// gocronLogger adapts a slog.Logger to gocron.Logger.
type gocronLogger struct {
	logger *slog.Logger
}

func newGocronLogger(logger *slog.Logger) gocron.Logger {
	return &gocronLogger{logger: logger.With("component", "scheduler")}
}

func (l *gocronLogger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, schedulerArgs(args)...)
}

func (l *gocronLogger) Error(msg string, args ...any) {
	l.logger.Error(msg, schedulerArgs(args)...)
}

func (l *gocronLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, schedulerArgs(args)...)
}

func (l *gocronLogger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, schedulerArgs(args)...)
}

// schedulerArgs tags missing-job errors so they can be told apart from
// job failures in the log.
func schedulerArgs(args []any) []any {
	out := make([]any, 0, len(args)+2)
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			out = append(out, args[i])
			break
		}
		key, val := args[i], args[i+1]
		out = append(out, key, val)
		if err, ok := val.(error); ok && errors.Is(err, gocron.ErrJobNotFound) {
			out = append(out, "job_missing", true)
		}
	}
	return out
}
