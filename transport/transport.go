// Package transport defines the broker abstraction used by smockron clients.
// Each transport implementation (zeromq, nats, jetstream, rabbitmq, kafka,
// redis, channel) lives in its own sub-package and registers itself under the
// connection-string schemes it serves.
package transport

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
// The publisher is bound to the accounting endpoint and the subscriber to the
// control endpoint.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both halves and returns the first error.
func (t Transport) Close() error {
	var firstErr error
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil {
			firstErr = err
		}
	}
	if t.Subscriber != nil {
		if err := t.Subscriber.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Target names the two endpoints a transport connects to.
type Target struct {
	// Scheme selects the builder.
	Scheme string
	// Publish is the accounting endpoint, scheme://host:port.
	Publish string
	// Subscribe is the control endpoint, scheme://host:(port+1).
	Subscribe string
}

// WithScheme returns a copy whose endpoints use scheme instead of the current
// one. Used by transports that dial through another scheme (jetstream:// over
// nats://).
func (t Target) WithScheme(scheme string) Target {
	return Target{
		Scheme:    scheme,
		Publish:   replaceScheme(t.Publish, scheme),
		Subscribe: replaceScheme(t.Subscribe, scheme),
	}
}

func replaceScheme(endpoint, scheme string) string {
	if i := strings.Index(endpoint, "://"); i >= 0 {
		return scheme + endpoint[i:]
	}
	return scheme + "://" + endpoint
}

// Builder is the function signature for creating a transport.
type Builder func(ctx context.Context, target Target, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetDomain returns the client domain. Transports use it to keep
	// per-client resources (queues) apart.
	GetDomain() string

	// Kafka
	GetKafkaConsumerGroup() string

	// Redis
	GetRedisPassword() string
	GetRedisDB() int
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
