// Package logtest provides a ServiceLogger that records entries so tests can
// assert on warnings without capturing process output.
package logtest

import (
	"strings"
	"sync"

	"github.com/qz267/smockron/internal/runtime/logging"
)

// Entry is one recorded log call.
type Entry struct {
	Level  string
	Msg    string
	Fields logging.LogFields
	Err    error
}

// Recorder is a concurrency-safe recording logger.
type Recorder struct {
	mu      *sync.Mutex
	entries *[]Entry
	fields  logging.LogFields
}

// New returns an empty Recorder.
func New() *Recorder {
	return &Recorder{mu: &sync.Mutex{}, entries: &[]Entry{}}
}

func (r *Recorder) With(fields logging.LogFields) logging.ServiceLogger {
	return &Recorder{mu: r.mu, entries: r.entries, fields: merge(r.fields, fields)}
}

func (r *Recorder) Trace(msg string, fields logging.LogFields) { r.record("trace", msg, nil, fields) }
func (r *Recorder) Debug(msg string, fields logging.LogFields) { r.record("debug", msg, nil, fields) }
func (r *Recorder) Info(msg string, fields logging.LogFields)  { r.record("info", msg, nil, fields) }
func (r *Recorder) Warn(msg string, fields logging.LogFields)  { r.record("warn", msg, nil, fields) }

func (r *Recorder) Error(msg string, err error, fields logging.LogFields) {
	r.record("error", msg, err, fields)
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(*r.entries))
	copy(out, *r.entries)
	return out
}

// Level returns the recorded entries of one level.
func (r *Recorder) Level(level string) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

// Contains reports whether an entry of level has a message containing substr.
func (r *Recorder) Contains(level, substr string) bool {
	for _, e := range r.Level(level) {
		if strings.Contains(e.Msg, substr) {
			return true
		}
	}
	return false
}

func (r *Recorder) record(level, msg string, err error, fields logging.LogFields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.entries = append(*r.entries, Entry{
		Level:  level,
		Msg:    msg,
		Fields: merge(r.fields, fields),
		Err:    err,
	})
}

func merge(base, extra logging.LogFields) logging.LogFields {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(logging.LogFields, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
