package commentsync

import (
	"context"
	"io"
	"log/slog"
)

// Logger is the logging capability handed to every component. Any
// *slog.Logger satisfies it.
type Logger interface {
	Log(ctx context.Context, level slog.Level, msg string, args ...any)
}

// discardLogger is used when no Logger is configured.
var discardLogger Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func loggerOrDiscard(l Logger) Logger {
	if l == nil {
		return discardLogger
	}
	return l
}
