package runtime

import (
	"sync"

	"golang.org/x/time/rate"

	loggingpkg "github.com/qz267/smockron/internal/runtime/logging"
)

// warnThrottle rate limits warnings per message text. A flood of malformed
// control messages or a full send queue must not flood the log. Suppressed
// warnings are reported on the next one that gets through.
type warnThrottle struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*throttleEntry
}

type throttleEntry struct {
	lim        *rate.Limiter
	suppressed int
}

func newWarnThrottle(perSecond float64, burst int) *warnThrottle {
	if burst <= 0 {
		burst = 1
	}
	return &warnThrottle{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*throttleEntry),
	}
}

// Warn logs msg at warn level unless its budget is spent. It reports whether
// the warning was written.
func (t *warnThrottle) Warn(log loggingpkg.ServiceLogger, msg string, fields loggingpkg.LogFields) bool {
	t.mu.Lock()
	ent, ok := t.limiters[msg]
	if !ok {
		ent = &throttleEntry{lim: rate.NewLimiter(t.limit, t.burst)}
		t.limiters[msg] = ent
	}
	if !ent.lim.Allow() {
		ent.suppressed++
		t.mu.Unlock()
		return false
	}
	suppressed := ent.suppressed
	ent.suppressed = 0
	t.mu.Unlock()

	if suppressed > 0 {
		merged := make(loggingpkg.LogFields, len(fields)+1)
		for k, v := range fields {
			merged[k] = v
		}
		merged["suppressed"] = suppressed
		fields = merged
	}
	log.Warn(msg, fields)
	return true
}
