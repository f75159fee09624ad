package db

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// LogSink is a slog.Handler that forwards records to a wrapped handler and
// additionally inserts warn-and-above records into the system_log table.
// Insert failures are swallowed; logging must never take the process down.
type LogSink struct {
	next slog.Handler
	db   *sql.DB
}

// NewLogSink wraps next so that warnings and errors are also persisted.
func NewLogSink(next slog.Handler, database *sql.DB) *LogSink {
	return &LogSink{next: next, db: database}
}

func (s *LogSink) Enabled(ctx context.Context, level slog.Level) bool {
	return s.next.Enabled(ctx, level)
}

func (s *LogSink) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn && s.db != nil {
		ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		_, _ = s.db.ExecContext(ictx, `INSERT INTO system_log (level, message) VALUES ($1, $2)`,
			r.Level.String(), r.Message)
		cancel()
	}
	return s.next.Handle(ctx, r)
}

func (s *LogSink) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogSink{next: s.next.WithAttrs(attrs), db: s.db}
}

func (s *LogSink) WithGroup(name string) slog.Handler {
	return &LogSink{next: s.next.WithGroup(name), db: s.db}
}
