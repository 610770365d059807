// Package nats provides a NATS Core transport for the nats:// scheme.
package nats

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/qz267/smockron/transport"
)

const (
	// TransportName is the scheme this transport registers under.
	TransportName = "nats"

	reconnectWait = time.Second
)

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a NATS Core transport. JetStream is disabled so every
// subscriber sees every control message and nothing is persisted.
func Build(ctx context.Context, target transport.Target, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	marshaler := &nats.NATSMarshaler{}
	options := connectOptions(cfg.GetDomain())

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         target.Publish,
			NatsOptions: options,
			Marshaler:   marshaler,
			JetStream:   nats.JetStreamConfig{Disabled: true},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:         target.Subscribe,
			NatsOptions: options,
			Unmarshaler: marshaler,
			JetStream:   nats.JetStreamConfig{Disabled: true},
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

func connectOptions(domain string) []nc.Option {
	return []nc.Option{
		nc.Name("smockron-" + domain),
		nc.MaxReconnects(-1),
		nc.ReconnectWait(reconnectWait),
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
