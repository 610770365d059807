package runtime

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop and discard reasons used as metric labels.
const (
	reasonNotConnected = "not_connected"
	reasonClosed       = "closed"
	reasonQueueFull    = "queue_full"
	reasonEncode       = "encode"

	reasonDomain    = "domain"
	reasonCodec     = "codec"
	reasonTooShort  = "too_short"
	reasonMalformed = "malformed"
)

// ClientMetrics counts accounting and control traffic of a client.
type ClientMetrics struct {
	mu sync.Mutex

	accountingSent    *prometheus.CounterVec
	accountingDropped *prometheus.CounterVec
	accountingFailed  *prometheus.CounterVec
	controlReceived   *prometheus.CounterVec
	controlDiscarded  *prometheus.CounterVec
	controlIgnored    *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

func newClientCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smockron",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewClientMetrics creates the collectors. They count from the start and are
// exported once Register is called.
func NewClientMetrics(registerer prometheus.Registerer) *ClientMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &ClientMetrics{
		registerer:        registerer,
		accountingSent:    newClientCounterVec("accounting", "sent_total", "Accounting messages handed to the transport", "domain"),
		accountingDropped: newClientCounterVec("accounting", "dropped_total", "Accounting messages dropped before publishing", "domain", "reason"),
		accountingFailed:  newClientCounterVec("accounting", "failed_total", "Accounting messages the transport failed to publish", "domain"),
		controlReceived:   newClientCounterVec("control", "received_total", "Control messages delivered to listeners", "domain", "command"),
		controlDiscarded:  newClientCounterVec("control", "discarded_total", "Control messages discarded before decoding finished", "domain", "reason"),
		controlIgnored:    newClientCounterVec("control", "ignored_total", "Control messages with an unknown command", "domain", "command"),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times,
// and from several clients sharing a registerer: an already registered
// collector is adopted.
func (m *ClientMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	for _, c := range []**prometheus.CounterVec{
		&m.accountingSent,
		&m.accountingDropped,
		&m.accountingFailed,
		&m.controlReceived,
		&m.controlDiscarded,
		&m.controlIgnored,
	} {
		if err := m.registerer.Register(*c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
			existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				return err
			}
			*c = existing
		}
	}

	m.registered = true
	return nil
}

func (m *ClientMetrics) recordSent(domain string) {
	m.accountingSent.WithLabelValues(domain).Inc()
}

func (m *ClientMetrics) recordDropped(domain, reason string) {
	m.accountingDropped.WithLabelValues(domain, reason).Inc()
}

func (m *ClientMetrics) recordFailed(domain string) {
	m.accountingFailed.WithLabelValues(domain).Inc()
}

func (m *ClientMetrics) recordReceived(domain, command string) {
	m.controlReceived.WithLabelValues(domain, command).Inc()
}

func (m *ClientMetrics) recordDiscarded(domain, reason string) {
	m.controlDiscarded.WithLabelValues(domain, reason).Inc()
}

func (m *ClientMetrics) recordIgnored(domain, command string) {
	m.controlIgnored.WithLabelValues(domain, command).Inc()
}
