package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	loggingpkg "github.com/qz267/smockron/internal/runtime/logging"
	"github.com/qz267/smockron/internal/runtime/protocol"
)

// DelayHandler reacts to DELAY_UNTIL directives. timestamp is in decimal
// seconds since the Unix epoch and may be NaN when the gatekeeper sent an
// unparsable argument.
type DelayHandler interface {
	DelayUntil(ctx context.Context, identifier string, timestamp float64, domain string)
}

// DelayHandlerFunc adapts a function to DelayHandler.
type DelayHandlerFunc func(ctx context.Context, identifier string, timestamp float64, domain string)

func (f DelayHandlerFunc) DelayUntil(ctx context.Context, identifier string, timestamp float64, domain string) {
	f(ctx, identifier, timestamp, domain)
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithIgnoredHook is called for every control message with an unknown command.
func WithIgnoredHook(hook func(domain, command string)) DispatcherOption {
	return func(d *Dispatcher) { d.ignored = hook }
}

// Dispatcher routes control messages by command.
type Dispatcher struct {
	logger  loggingpkg.ServiceLogger
	delay   DelayHandler
	ignored func(domain, command string)
}

// NewDispatcher returns a Dispatcher sending DELAY_UNTIL to delay. A nil
// delay handler logs the directive.
func NewDispatcher(log loggingpkg.ServiceLogger, delay DelayHandler, opts ...DispatcherOption) *Dispatcher {
	if log == nil {
		log = loggingpkg.NewNopServiceLogger()
	}
	if delay == nil {
		delay = LoggingDelayHandler(log)
	}
	d := &Dispatcher{logger: log, delay: delay}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnControl implements ControlListener.
func (d *Dispatcher) OnControl(ctx context.Context, msg protocol.ControlMessage) {
	switch msg.Command {
	case protocol.CommandDelayUntil:
		ts := 0.0
		if msg.Timestamp != nil {
			ts = *msg.Timestamp
		}
		d.delay.DelayUntil(ctx, msg.Identifier, ts, msg.Domain)
	default:
		d.logger.Warn("Unknown control command", loggingpkg.LogFields{
			"command":    msg.Command,
			"identifier": msg.Identifier,
		})
		if d.ignored != nil {
			d.ignored(msg.Domain, msg.Command)
		}
	}
}

// LoggingDelayHandler logs each directive and does nothing else.
func LoggingDelayHandler(log loggingpkg.ServiceLogger) DelayHandler {
	return DelayHandlerFunc(func(_ context.Context, identifier string, timestamp float64, domain string) {
		log.Info(fmt.Sprintf("Delay %s until %s for %s", identifier, protocol.FormatTimestamp(timestamp), domain), loggingpkg.LogFields{
			"identifier": identifier,
			"until":      timestamp,
		})
	})
}

// DelayHandlers fans a directive out to every handler in order.
func DelayHandlers(handlers ...DelayHandler) DelayHandler {
	return DelayHandlerFunc(func(ctx context.Context, identifier string, timestamp float64, domain string) {
		for _, h := range handlers {
			if h != nil {
				h.DelayUntil(ctx, identifier, timestamp, domain)
			}
		}
	})
}

type delayKey struct {
	domain     string
	identifier string
}

// DelayTable remembers the latest delay deadline per domain and identifier.
// It is kept in memory only.
type DelayTable struct {
	mu      sync.RWMutex
	entries map[delayKey]time.Time
	now     func() time.Time
}

// NewDelayTable returns an empty table.
func NewDelayTable() *DelayTable {
	return &DelayTable{entries: make(map[delayKey]time.Time), now: time.Now}
}

// DelayUntil implements DelayHandler. Directives without a usable timestamp
// are ignored.
func (t *DelayTable) DelayUntil(_ context.Context, identifier string, timestamp float64, domain string) {
	until, ok := protocol.ControlMessage{Timestamp: &timestamp}.DelayTime()
	if !ok {
		return
	}
	t.mu.Lock()
	t.entries[delayKey{domain: domain, identifier: identifier}] = until
	t.mu.Unlock()
}

// Until returns the deadline for identifier if it lies in the future.
func (t *DelayTable) Until(domain, identifier string) (time.Time, bool) {
	t.mu.RLock()
	until, ok := t.entries[delayKey{domain: domain, identifier: identifier}]
	t.mu.RUnlock()
	if !ok || !until.After(t.now()) {
		return time.Time{}, false
	}
	return until, true
}

// Prune drops deadlines at or before now and returns how many were removed.
func (t *DelayTable) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for k, until := range t.entries {
		if !until.After(now) {
			delete(t.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of remembered deadlines, expired ones included.
func (t *DelayTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
