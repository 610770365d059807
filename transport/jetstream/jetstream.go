// Package jetstream provides the jetstream:// transport. Accounting events are
// stored in a JetStream stream so a gatekeeper that restarts can catch up on
// what it missed. Control messages stay on core NATS subjects and are never
// persisted: a stale directive is worse than none.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/qz267/smockron/transport"
)

// TransportName is the scheme this transport registers under.
const TransportName = "jetstream"

const (
	// DefaultStreamName is used when no stream is configured.
	DefaultStreamName = "SMOCKRON"

	// DefaultMaxAge bounds how long accounting events are kept.
	DefaultMaxAge = 24 * time.Hour

	// InboxSize buffers control messages per subscription. NATS drops
	// messages for a slow consumer once it is full.
	InboxSize = 256

	reconnectWait = time.Second
)

var (
	errPublisherClosed  = errors.New("jetstream: publisher is closed")
	errSubscriberClosed = errors.New("jetstream: subscriber is closed")
)

// JetStream is the part of nats.JetStreamContext the publisher needs.
type JetStream interface {
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Subscription is a core NATS subscription.
type Subscription interface {
	Unsubscribe() error
}

// Conn is the part of a NATS connection the transport needs.
type Conn interface {
	JetStream() (JetStream, error)
	ChanSubscribe(subject string, ch chan *nats.Msg) (Subscription, error)
	Close()
}

// Connect allows overriding how connections are opened for testing.
var Connect = func(url string, opts ...nats.Option) (Conn, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return natsConn{nc: nc}, nil
}

type natsConn struct {
	nc *nats.Conn
}

func (c natsConn) JetStream() (JetStream, error) { return c.nc.JetStream() }

func (c natsConn) ChanSubscribe(subject string, ch chan *nats.Msg) (Subscription, error) {
	return c.nc.ChanSubscribe(subject, ch)
}

func (c natsConn) Close() { c.nc.Close() }

// streamNamer is implemented by configs that name the accounting stream.
type streamNamer interface {
	GetJetStreamStream() string
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.JetStreamCapabilities)
}

// Build connects to the NATS servers behind both endpoints and makes sure the
// accounting stream exists.
func Build(ctx context.Context, target transport.Target, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	target = target.WithScheme("nats")
	options := []nats.Option{
		nats.Name("smockron-" + cfg.GetDomain()),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
	}

	stream := DefaultStreamName
	if namer, ok := cfg.(streamNamer); ok && namer.GetJetStreamStream() != "" {
		stream = namer.GetJetStreamStream()
	}

	publisher, err := NewPublisher(target.Publish, stream, options, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	conn, err := Connect(target.Subscribe, options...)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("connect to %s: %w", target.Subscribe, err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: NewSubscriber(conn, logger),
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Subject maps a topic onto the stream's subject space.
func Subject(stream, topic string) string {
	return stream + "." + topic
}

// StreamConfig returns the stream accounting events are written to.
func StreamConfig(stream string) *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{stream + ".>"},
		MaxAge:    DefaultMaxAge,
		Retention: nats.LimitsPolicy,
		Replicas:  1,
	}
}

// Publisher stores accounting messages in the stream.
type Publisher struct {
	conn   Conn
	js     JetStream
	stream string
	logger watermill.LoggerAdapter
	closed atomic.Bool
}

// NewPublisher connects to url and ensures the stream exists.
func NewPublisher(url, stream string, options []nats.Option, logger watermill.LoggerAdapter) (*Publisher, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	conn, err := Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", url, err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	p := &Publisher{conn: conn, js: js, stream: stream, logger: logger}
	p.ensureStream()
	return p, nil
}

// ensureStream creates or updates the stream. A stream provisioned by an
// operator with different settings is used as it is.
func (p *Publisher) ensureStream() {
	cfg := StreamConfig(p.stream)
	if _, err := p.js.AddStream(cfg); err == nil {
		return
	}
	if _, err := p.js.UpdateStream(cfg); err != nil {
		p.logger.Info("Using existing JetStream stream", watermill.LogFields{
			"stream": p.stream,
			"reason": err.Error(),
		})
	}
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	if p.closed.Load() {
		return errPublisherClosed
	}

	subject := Subject(p.stream, topic)
	for _, msg := range messages {
		header := nats.Header{}
		for k, v := range msg.Metadata {
			header[k] = []string{v}
		}
		// Lets the stream drop duplicates of a retried publish.
		header[nats.MsgIdHdr] = []string{msg.UUID}

		if _, err := p.js.PublishMsg(&nats.Msg{Subject: subject, Data: msg.Payload, Header: header}); err != nil {
			return fmt.Errorf("publish to jetstream: %w", err)
		}
		p.logger.Trace("Stored accounting message", watermill.LogFields{
			"message_uuid": msg.UUID,
			"subject":      subject,
		})
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.conn.Close()
	return nil
}

// Subscriber receives control messages from core NATS subjects.
type Subscriber struct {
	conn   Conn
	logger watermill.LoggerAdapter

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSubscriber wraps a connection. Closing the subscriber closes it.
func NewSubscriber(conn Conn, logger watermill.LoggerAdapter) *Subscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Subscriber{conn: conn, logger: logger, closing: make(chan struct{})}
}

// Subscribe delivers messages on topic one at a time. A nacked message is
// dropped; core NATS has no redelivery.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-s.closing:
		return nil, errSubscriberClosed
	default:
	}

	inbox := make(chan *nats.Msg, InboxSize)
	sub, err := s.conn.ChanSubscribe(topic, inbox)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	output := make(chan *message.Message)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(output)
		defer func() { _ = sub.Unsubscribe() }()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.closing:
				return
			case m := <-inbox:
				if !s.deliver(ctx, output, toMessage(m)) {
					return
				}
			}
		}
	}()
	return output, nil
}

func (s *Subscriber) deliver(ctx context.Context, output chan<- *message.Message, msg *message.Message) bool {
	msgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	msg.SetContext(msgCtx)

	select {
	case output <- msg:
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}

	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		s.logger.Debug("Control message nacked, dropping", watermill.LogFields{"message_uuid": msg.UUID})
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}
	return true
}

func toMessage(m *nats.Msg) *message.Message {
	id := m.Header.Get(nats.MsgIdHdr)
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, m.Data)
	for k, v := range m.Header {
		if k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}

func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.wg.Wait()
		s.conn.Close()
	})
	return nil
}
