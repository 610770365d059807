// Package rabbitmq provides a RabbitMQ/AMQP transport for the amqp:// scheme.
package rabbitmq

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/qz267/smockron/internal/runtime/ids"
	"github.com/qz267/smockron/transport"
)

// TransportName is the scheme this transport registers under.
const TransportName = "amqp"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// closeConnection is swapped in tests that hand out zero-value wrappers.
var closeConnection = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a RabbitMQ transport with one connection per endpoint. Both
// sides use non-durable fanout exchanges; the subscriber binds its own
// exclusive queue so every client receives every control message.
func Build(ctx context.Context, target transport.Target, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pubConn, err := dial(target.Publish, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(
		amqp.NewNonDurablePubSubConfig(target.Publish, amqp.GenerateQueueNameTopicName),
		logger,
		pubConn,
	)
	if err != nil {
		_ = closeConnection(pubConn)
		return transport.Transport{}, err
	}
	publisher = &connPublisher{Publisher: publisher, conn: pubConn}

	subConn, err := dial(target.Subscribe, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		amqp.NewNonDurablePubSubConfig(target.Subscribe, amqp.GenerateQueueNameTopicNameWithSuffix(QueueSuffix(cfg.GetDomain()))),
		logger,
		subConn,
	)
	if err != nil {
		_ = closeConnection(subConn)
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: &connSubscriber{Subscriber: subscriber, conn: subConn},
	}, nil
}

// QueueSuffix returns a per-client queue suffix, domain_<ulid>.
func QueueSuffix(domain string) string {
	return domain + "_" + ids.New()
}

func dial(uri string, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   uri,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
}

// connPublisher closes the connection it owns after the publisher.
type connPublisher struct {
	message.Publisher
	conn *amqp.ConnectionWrapper
}

func (p *connPublisher) Close() error {
	return errors.Join(p.Publisher.Close(), closeConnection(p.conn))
}

type connSubscriber struct {
	message.Subscriber
	conn *amqp.ConnectionWrapper
}

func (s *connSubscriber) Close() error {
	return errors.Join(s.Subscriber.Close(), closeConnection(s.conn))
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
