// Package kafka provides a Kafka transport for the kafka:// scheme. The host
// and port of each endpoint are used as its single bootstrap broker.
package kafka

import (
	"context"
	"fmt"
	"net/url"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/qz267/smockron/transport"
)

// TransportName is the scheme this transport registers under.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a Kafka transport. Without a consumer group the subscriber
// reads every partition of the control topic on its own.
func Build(ctx context.Context, target transport.Target, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pubBroker, err := Broker(target.Publish)
	if err != nil {
		return transport.Transport{}, err
	}
	subBroker, err := Broker(target.Subscribe)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   []string{pubBroker},
			Marshaler: kafka.DefaultMarshaler{},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:       []string{subBroker},
			Unmarshaler:   kafka.DefaultMarshaler{},
			ConsumerGroup: cfg.GetKafkaConsumerGroup(),
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

// Broker extracts host:port from a kafka:// endpoint.
func Broker(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("kafka: parse endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("kafka: endpoint %q has no broker address", endpoint)
	}
	return u.Host, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
