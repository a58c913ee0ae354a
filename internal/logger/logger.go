package logger

import (
	"context"
	"io"
	"log/slog"
)

// Logger writes JSON lines through log/slog.
type Logger struct {
	log *slog.Logger
}

func (l *Logger) Debug(ctx context.Context, msg string, meta map[string]string) {
	l.log.DebugContext(ctx, msg, "meta", meta)
}

func (l *Logger) Error(ctx context.Context, err error) {
	l.log.ErrorContext(ctx, err.Error())
}

// New returns a Logger writing to w. Every line carries the given node
// name.
func New(w io.Writer, node string) *Logger {
	opts := slog.HandlerOptions{
		Level: slog.LevelDebug,
	}
	sl := slog.New(slog.NewJSONHandler(w, &opts))
	if node != "" {
		sl = sl.With("node", node)
	}

	return &Logger{
		log: sl,
	}
}
