package logging

import (
	"context"
	"log/slog"
	"sort"

	"github.com/ThreeDotsLabs/watermill"
)

// LevelTrace sits below slog's debug level.
const LevelTrace = slog.LevelDebug - 4

// LogFields represents structured logging key/value pairs.
type LogFields map[string]any

// ServiceLogger is the logging contract used across the client. It is
// injected everywhere so callers decide where warnings go.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Trace(msg string, fields LogFields)
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Warn(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
}

// EntryLogger represents the non-generic entry adapter constraint.
type EntryLogger interface {
	EntryLoggerAdapter[EntryLogger]
}

// EntryLoggerAdapter captures the capabilities required by
// NewEntryServiceLogger, matching logrus-style entries.
type EntryLoggerAdapter[T any] interface {
	Error(args ...any)
	Warn(args ...any)
	Info(args ...any)
	Debug(args ...any)
	Trace(args ...any)
	WithError(err error) T
	WithField(key string, value any) T
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies ServiceLogger.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("smockron: slog logger cannot be nil")
	}
	return &slogServiceLogger{inner: log}
}

// NewNopServiceLogger returns a logger that discards everything.
func NewNopServiceLogger() ServiceLogger {
	return nopServiceLogger{}
}

// NewEntryServiceLogger wraps an entry-style logger (for example a
// logrus.Entry).
func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	if any(entry) == nil {
		panic("smockron: entry logger cannot be nil")
	}
	return &entryServiceLogger[T]{entry: entry}
}

type slogServiceLogger struct {
	inner *slog.Logger
}

func (s *slogServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return s
	}
	return &slogServiceLogger{inner: s.inner.With(toArgs(fields)...)}
}

func (s *slogServiceLogger) Trace(msg string, fields LogFields) {
	s.inner.Log(context.Background(), LevelTrace, msg, toArgs(fields)...)
}

func (s *slogServiceLogger) Debug(msg string, fields LogFields) {
	s.inner.Debug(msg, toArgs(fields)...)
}

func (s *slogServiceLogger) Info(msg string, fields LogFields) {
	s.inner.Info(msg, toArgs(fields)...)
}

func (s *slogServiceLogger) Warn(msg string, fields LogFields) {
	s.inner.Warn(msg, toArgs(fields)...)
}

func (s *slogServiceLogger) Error(msg string, err error, fields LogFields) {
	args := toArgs(fields)
	if err != nil {
		args = append(args, slog.Any("error", err))
	}
	s.inner.Error(msg, args...)
}

type nopServiceLogger struct{}

func (n nopServiceLogger) With(LogFields) ServiceLogger { return n }
func (nopServiceLogger) Trace(string, LogFields)        {}
func (nopServiceLogger) Debug(string, LogFields)        {}
func (nopServiceLogger) Info(string, LogFields)         {}
func (nopServiceLogger) Warn(string, LogFields)         {}
func (nopServiceLogger) Error(string, error, LogFields) {}

type entryServiceLogger[T EntryLoggerAdapter[T]] struct {
	entry T
}

func (e *entryServiceLogger[T]) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return e
	}
	return &entryServiceLogger[T]{entry: applyEntryFields(e.entry, fields)}
}

func (e *entryServiceLogger[T]) Trace(msg string, fields LogFields) {
	applyEntryFields(e.entry, fields).Trace(msg)
}

func (e *entryServiceLogger[T]) Debug(msg string, fields LogFields) {
	applyEntryFields(e.entry, fields).Debug(msg)
}

func (e *entryServiceLogger[T]) Info(msg string, fields LogFields) {
	applyEntryFields(e.entry, fields).Info(msg)
}

func (e *entryServiceLogger[T]) Warn(msg string, fields LogFields) {
	applyEntryFields(e.entry, fields).Warn(msg)
}

func (e *entryServiceLogger[T]) Error(msg string, err error, fields LogFields) {
	logger := applyEntryFields(e.entry, fields)
	if err != nil {
		logger = logger.WithError(err)
	}
	logger.Error(msg)
}

type serviceLoggerAdapter struct {
	base ServiceLogger
}

// NewWatermillAdapter converts a ServiceLogger into a Watermill LoggerAdapter
// so the router and the transports log through the same sink.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("smockron: ServiceLogger cannot be nil")
	}
	return &serviceLoggerAdapter{base: log}
}

func (s *serviceLoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	s.base.Error(msg, err, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Info(msg string, fields watermill.LogFields) {
	s.base.Info(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	s.base.Debug(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	s.base.Trace(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &serviceLoggerAdapter{base: s.base.With(fromWatermillFields(fields))}
}

func fromWatermillFields(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}

// toArgs flattens fields into slog key/value args in key order so output is
// stable.
func toArgs(fields LogFields) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	return args
}

func applyEntryFields[T EntryLoggerAdapter[T]](entry T, fields LogFields) T {
	if len(fields) == 0 || any(entry) == nil {
		return entry
	}
	enriched := entry
	for key, value := range fields {
		enriched = enriched.WithField(key, value)
	}
	return enriched
}
