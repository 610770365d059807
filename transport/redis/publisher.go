package redis

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"
)

// PublishClient is the part of *redis.Client used by Publisher.
type PublishClient interface {
	Publish(ctx context.Context, channel string, msg any) *redis.IntCmd
	Close() error
}

// Publisher sends messages with PUBLISH. Redis does not buffer for absent
// subscribers, so a message published while nobody listens is gone.
type Publisher struct {
	client PublishClient
	logger watermill.LoggerAdapter
	closed atomic.Bool
}

// NewPublisher wraps client. The publisher owns the client and closes it.
func NewPublisher(client PublishClient, logger watermill.LoggerAdapter) *Publisher {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Publisher{client: client, logger: logger}
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	if p.closed.Load() {
		return errPublisherClosed
	}
	for _, msg := range messages {
		payload, err := Marshal(msg)
		if err != nil {
			return err
		}
		receivers, err := p.client.Publish(msg.Context(), topic, payload).Result()
		if err != nil {
			return fmt.Errorf("redis: publish to %s: %w", topic, err)
		}
		p.logger.Trace("Published message", watermill.LogFields{
			"topic":        topic,
			"message_uuid": msg.UUID,
			"receivers":    receivers,
		})
	}
	return nil
}

func (p *Publisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.client.Close()
}
