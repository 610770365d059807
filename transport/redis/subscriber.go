package redis

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"
)

// Subscription is the part of *redis.PubSub used by Subscriber.
type Subscription interface {
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

// SubscribeFunc opens a subscription on one channel.
type SubscribeFunc func(ctx context.Context, channel string) Subscription

// ClientSubscribe adapts a client's SUBSCRIBE.
func ClientSubscribe(client *redis.Client) SubscribeFunc {
	return func(ctx context.Context, channel string) Subscription {
		return client.Subscribe(ctx, channel)
	}
}

// Subscriber turns a Redis subscription into a Watermill message stream. Each
// message is delivered only after the previous one was acked or nacked.
// Nacked messages are dropped since pub/sub cannot redeliver.
type Subscriber struct {
	subscribe  SubscribeFunc
	closeFn    func() error
	logger     watermill.LoggerAdapter
	closing    chan struct{}
	closeOnce  sync.Once
	subscribed sync.WaitGroup
}

// NewSubscriber builds a Subscriber. closeFn releases the underlying client
// and may be nil.
func NewSubscriber(subscribe SubscribeFunc, closeFn func() error, logger watermill.LoggerAdapter) *Subscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Subscriber{
		subscribe: subscribe,
		closeFn:   closeFn,
		logger:    logger,
		closing:   make(chan struct{}),
	}
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-s.closing:
		return nil, errSubscriberClosed
	default:
	}

	sub := s.subscribe(ctx, topic)
	out := make(chan *message.Message)
	logFields := watermill.LogFields{"topic": topic}

	s.subscribed.Add(1)
	go func() {
		defer s.subscribed.Done()
		defer close(out)
		defer func() { _ = sub.Close() }()

		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.closing:
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				msg, err := Unmarshal([]byte(raw.Payload))
				if err != nil {
					s.logger.Error("Cannot unmarshal message", err, logFields)
					continue
				}
				if !s.deliver(ctx, out, msg, logFields) {
					return
				}
			}
		}
	}()

	return out, nil
}

// deliver hands msg to the consumer and waits for its ack. It returns false
// when the subscriber is shutting down.
func (s *Subscriber) deliver(ctx context.Context, out chan<- *message.Message, msg *message.Message, logFields watermill.LogFields) bool {
	msgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	msg.SetContext(msgCtx)

	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}

	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		s.logger.Debug("Message nacked, dropping", logFields.Add(watermill.LogFields{"message_uuid": msg.UUID}))
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}
	return true
}

func (s *Subscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		s.subscribed.Wait()
		if s.closeFn != nil {
			err = s.closeFn()
		}
	})
	return err
}
