package uow

import (
	"context"
	"log/slog"
	"time"
)

// SaveLogEvent describes one level of a save.
type SaveLogEvent struct {
	Context  string
	Kind     ContextKind
	Level    int
	Changes  Changes
	Duration time.Duration
	Err      error
}

// ImportLogEvent describes an import call.
type ImportLogEvent struct {
	Context  string
	Entity   string
	Inputs   int
	Imported int
	Failed   int
	Duration time.Duration
	Err      error
}

// PredicateLogEvent describes a predicate evaluated during a fetch.
type PredicateLogEvent struct {
	Engine   string
	Expr     string
	Entity   string
	Matched  int
	Scanned  int
	Duration time.Duration
	Err      error
}

// Logger records manager events.
type Logger interface {
	LogSave(SaveLogEvent)
	LogImport(ImportLogEvent)
	LogPredicate(PredicateLogEvent)
}

// LoggerFunc adapts a single function to Logger. Each event is passed as
// one of the *LogEvent types.
type LoggerFunc func(event any)

func (f LoggerFunc) LogSave(event SaveLogEvent) {
	if f != nil {
		f(event)
	}
}

func (f LoggerFunc) LogImport(event ImportLogEvent) {
	if f != nil {
		f(event)
	}
}

func (f LoggerFunc) LogPredicate(event PredicateLogEvent) {
	if f != nil {
		f(event)
	}
}

type noopLogger struct{}

func (noopLogger) LogSave(SaveLogEvent)           {}
func (noopLogger) LogImport(ImportLogEvent)       {}
func (noopLogger) LogPredicate(PredicateLogEvent) {}

// SlogLogger emits manager events to a slog.Logger. Failures log at error
// level, everything else at debug.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps logger, falling back to slog.Default when nil.
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

func (l *SlogLogger) LogSave(event SaveLogEvent) {
	l.emit("uow.save", event.Err,
		slog.String("context", event.Context),
		slog.String("kind", event.Kind.String()),
		slog.Int("level", event.Level),
		slog.Int("inserted", len(event.Changes.Inserted)),
		slog.Int("updated", len(event.Changes.Updated)),
		slog.Int("deleted", len(event.Changes.Deleted)),
		slog.Duration("duration", event.Duration),
	)
}

func (l *SlogLogger) LogImport(event ImportLogEvent) {
	l.emit("uow.import", event.Err,
		slog.String("context", event.Context),
		slog.String("entity", event.Entity),
		slog.Int("inputs", event.Inputs),
		slog.Int("imported", event.Imported),
		slog.Int("failed", event.Failed),
		slog.Duration("duration", event.Duration),
	)
}

func (l *SlogLogger) LogPredicate(event PredicateLogEvent) {
	l.emit("uow.predicate", event.Err,
		slog.String("engine", event.Engine),
		slog.String("expr", event.Expr),
		slog.String("entity", event.Entity),
		slog.Int("matched", event.Matched),
		slog.Int("scanned", event.Scanned),
		slog.Duration("duration", event.Duration),
	)
}

func (l *SlogLogger) emit(msg string, err error, attrs ...slog.Attr) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.logger.LogAttrs(context.Background(), level, msg, attrs...)
}
