// Package channel provides the in-process inproc:// transport. Endpoints map
// to process-wide Go channel buses, so a client and an in-process gatekeeper
// talk to each other when they resolve the same address.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/qz267/smockron/transport"
)

// TransportName is the scheme this transport registers under.
const TransportName = "inproc"

// OutputBuffer is the per-subscription buffer of each bus.
const OutputBuffer = 64

// Factory allows overriding the bus creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

var (
	busesMu sync.Mutex
	buses   = map[string]*gochannel.GoChannel{}
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build attaches to the buses of both endpoints. Closing the transport
// detaches its subscriptions but leaves the buses running for other parties.
func Build(ctx context.Context, target transport.Target, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return transport.Transport{
		Publisher:  &sharedPublisher{bus: bus(target.Publish, logger)},
		Subscriber: newSharedSubscriber(bus(target.Subscribe, logger)),
	}, nil
}

// Bus returns the bus behind an endpoint, creating it on first use. A test or
// in-process gatekeeper subscribes to the accounting endpoint's bus and
// publishes to the control endpoint's bus.
func Bus(endpoint string) *gochannel.GoChannel {
	return bus(endpoint, watermill.NopLogger{})
}

func bus(endpoint string, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	busesMu.Lock()
	defer busesMu.Unlock()
	if b, ok := buses[endpoint]; ok {
		return b
	}
	b := Factory(gochannel.Config{OutputChannelBuffer: OutputBuffer}, logger)
	buses[endpoint] = b
	return b
}

// Reset closes every bus. Tests call it to start from a clean slate.
func Reset() {
	busesMu.Lock()
	defer busesMu.Unlock()
	for endpoint, b := range buses {
		_ = b.Close()
		delete(buses, endpoint)
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

type sharedPublisher struct {
	bus *gochannel.GoChannel
}

func (p *sharedPublisher) Publish(topic string, messages ...*message.Message) error {
	return p.bus.Publish(topic, messages...)
}

func (p *sharedPublisher) Close() error { return nil }

// sharedSubscriber scopes subscriptions to itself so Close ends them without
// closing the bus.
type sharedSubscriber struct {
	bus    *gochannel.GoChannel
	ctx    context.Context
	cancel context.CancelFunc
}

func newSharedSubscriber(bus *gochannel.GoChannel) *sharedSubscriber {
	ctx, cancel := context.WithCancel(context.Background())
	return &sharedSubscriber{bus: bus, ctx: ctx, cancel: cancel}
}

func (s *sharedSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-subCtx.Done():
		}
	}()
	return s.bus.Subscribe(subCtx, topic)
}

func (s *sharedSubscriber) Close() error {
	s.cancel()
	return nil
}
