// Package redis provides a Redis PUBLISH/SUBSCRIBE transport for the redis://
// scheme. Each Watermill message travels as a JSON envelope carrying its
// UUID, metadata and payload.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"

	"github.com/qz267/smockron/internal/runtime/jsoncodec"
	"github.com/qz267/smockron/transport"
)

// TransportName is the scheme this transport registers under.
const TransportName = "redis"

// ClientFactory allows overriding the client creation for testing.
var ClientFactory = func(opts *redis.Options) *redis.Client {
	return redis.NewClient(opts)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RedisCapabilities)
}

// Build creates a Redis transport with one client per endpoint. Clients
// connect lazily and the subscription re-subscribes after a reconnect.
func Build(ctx context.Context, target transport.Target, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pubOpts, err := Options(target.Publish, cfg)
	if err != nil {
		return transport.Transport{}, err
	}
	subOpts, err := Options(target.Subscribe, cfg)
	if err != nil {
		return transport.Transport{}, err
	}

	pubClient := ClientFactory(pubOpts)
	subClient := ClientFactory(subOpts)

	return transport.Transport{
		Publisher:  NewPublisher(pubClient, logger),
		Subscriber: NewSubscriber(ClientSubscribe(subClient), subClient.Close, logger),
	}, nil
}

// Options parses a redis:// endpoint. A password or database set in the
// configuration wins over the one in the URL.
func Options(endpoint string, cfg transport.Config) (*redis.Options, error) {
	opts, err := redis.ParseURL(endpoint)
	if err != nil {
		return nil, fmt.Errorf("redis: parse endpoint: %w", err)
	}
	if pw := cfg.GetRedisPassword(); pw != "" {
		opts.Password = pw
	}
	if db := cfg.GetRedisDB(); db != 0 {
		opts.DB = db
	}
	return opts, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RedisCapabilities
}

type envelope struct {
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// Marshal wraps a Watermill message in a JSON envelope.
func Marshal(msg *message.Message) ([]byte, error) {
	return jsoncodec.Marshal(envelope{
		UUID:     msg.UUID,
		Metadata: msg.Metadata,
		Payload:  msg.Payload,
	})
}

// Unmarshal restores a Watermill message from a JSON envelope.
func Unmarshal(data []byte) (*message.Message, error) {
	var env envelope
	if err := jsoncodec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("redis: decode envelope: %w", err)
	}
	if env.UUID == "" {
		env.UUID = watermill.NewUUID()
	}
	msg := message.NewMessage(env.UUID, env.Payload)
	for k, v := range env.Metadata {
		msg.Metadata.Set(k, v)
	}
	return msg, nil
}

var (
	errPublisherClosed  = errors.New("redis: publisher closed")
	errSubscriberClosed = errors.New("redis: subscriber closed")
)
