package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qz267/smockron/transport"
)

var target = transport.Target{Scheme: "kafka", Publish: "kafka://broker:9092", Subscribe: "kafka://broker:9093"}

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.KafkaCapabilities, transport.GetCapabilities(TransportName))
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestBroker(t *testing.T) {
	got, err := Broker("kafka://broker:9092")
	require.NoError(t, err)
	assert.Equal(t, "broker:9092", got)

	_, err = Broker("kafka://")
	assert.Error(t, err)
	_, err = Broker("kafka://%zz")
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	t.Run("binds publisher and subscriber to their brokers", func(t *testing.T) {
		restore := stubFactories()
		defer restore()

		var pubCfg kafka.PublisherConfig
		var subCfg kafka.SubscriberConfig
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			pubCfg = cfg
			return &mockPublisher{}, nil
		}
		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			subCfg = cfg
			return &mockSubscriber{}, nil
		}

		tr, err := Build(context.Background(), target, &mockConfig{group: "edge"}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.NotNil(t, tr.Publisher)
		assert.NotNil(t, tr.Subscriber)
		assert.Equal(t, []string{"broker:9092"}, pubCfg.Brokers)
		assert.Equal(t, []string{"broker:9093"}, subCfg.Brokers)
		assert.Equal(t, "edge", subCfg.ConsumerGroup)
	})

	t.Run("invalid endpoint", func(t *testing.T) {
		_, err := Build(context.Background(), transport.Target{Scheme: "kafka", Publish: "kafka://"}, &mockConfig{}, watermill.NopLogger{})
		assert.Error(t, err)
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		restore := stubFactories()
		defer restore()

		PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}
		_, err := Build(context.Background(), target, &mockConfig{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("closes the publisher when subscriber factory fails", func(t *testing.T) {
		restore := stubFactories()
		defer restore()

		pub := &mockPublisher{}
		PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return pub, nil
		}
		SubscriberFactory = func(kafka.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}
		_, err := Build(context.Background(), target, &mockConfig{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.closed)
	})
}

func stubFactories() func() {
	pub, sub := PublisherFactory, SubscriberFactory
	PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return &mockPublisher{}, nil
	}
	SubscriberFactory = func(kafka.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return &mockSubscriber{}, nil
	}
	return func() { PublisherFactory, SubscriberFactory = pub, sub }
}

type mockConfig struct {
	group string
}

func (m *mockConfig) GetDomain() string             { return "orders" }
func (m *mockConfig) GetKafkaConsumerGroup() string { return m.group }
func (m *mockConfig) GetRedisPassword() string      { return "" }
func (m *mockConfig) GetRedisDB() int               { return 0 }

type mockPublisher struct{ closed bool }

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }

func (m *mockPublisher) Close() error {
	m.closed = true
	return nil
}

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
