// Package zeromq speaks the gatekeeper's native wire protocol. Accounting
// events leave through a PUB socket and control directives arrive on a SUB
// socket subscribed to the client domain. Every message is a multipart
// message with one text frame per field. It serves the default tcp:// scheme
// and ipc://.
package zeromq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-zeromq/zmq4"

	idspkg "github.com/qz267/smockron/internal/runtime/ids"
	metadatapkg "github.com/qz267/smockron/internal/runtime/metadata"
	"github.com/qz267/smockron/internal/runtime/protocol"
	"github.com/qz267/smockron/internal/runtime/wire"
	"github.com/qz267/smockron/transport"
)

const (
	// TransportName is the default scheme this transport registers under.
	TransportName = "tcp"
	// IPCScheme selects Unix domain sockets; the host part is a path.
	IPCScheme = "ipc"
)

// Dial behaviour of both sockets. Connect fails once the retries are spent.
var (
	DialRetry      = 250 * time.Millisecond
	DialMaxRetries = 20
)

var (
	errPublisherClosed   = errors.New("zeromq: publisher closed")
	errSubscriberClosed  = errors.New("zeromq: subscriber closed")
	errAlreadySubscribed = errors.New("zeromq: control socket already has a reader")
)

// Socket is the part of zmq4.Socket the transport uses.
type Socket interface {
	Dial(endpoint string) error
	Send(msg zmq4.Msg) error
	Recv() (zmq4.Msg, error)
	SetOption(name string, value any) error
	Close() error
}

// NewPubSocket and NewSubSocket allow overriding socket creation for testing.
var (
	NewPubSocket = func(ctx context.Context) Socket {
		return zmq4.NewPub(ctx, socketOptions()...)
	}
	NewSubSocket = func(ctx context.Context) Socket {
		return zmq4.NewSub(ctx, socketOptions()...)
	}
)

func socketOptions() []zmq4.Option {
	return []zmq4.Option{
		zmq4.WithDialerRetry(DialRetry),
		zmq4.WithDialerMaxRetries(DialMaxRetries),
		zmq4.WithAutomaticReconnect(true),
	}
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ZeroMQCapabilities)
	transport.RegisterWithCapabilities(IPCScheme, Build, transport.ZeroMQCapabilities)
}

// Build dials the accounting endpoint with a PUB socket and the control
// endpoint with a SUB socket subscribed to the client domain. The sockets
// outlive ctx; closing the transport closes them.
func Build(ctx context.Context, target transport.Target, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	sockCtx := context.WithoutCancel(ctx)

	pub := NewPubSocket(sockCtx)
	if err := pub.Dial(target.Publish); err != nil {
		_ = pub.Close()
		return transport.Transport{}, fmt.Errorf("dial accounting %s: %w", target.Publish, err)
	}

	sub := NewSubSocket(sockCtx)
	if err := sub.Dial(target.Subscribe); err != nil {
		_ = sub.Close()
		_ = pub.Close()
		return transport.Transport{}, fmt.Errorf("dial control %s: %w", target.Subscribe, err)
	}
	if err := sub.SetOption(zmq4.OptionSubscribe, cfg.GetDomain()); err != nil {
		_ = sub.Close()
		_ = pub.Close()
		return transport.Transport{}, fmt.Errorf("subscribe to %q: %w", cfg.GetDomain(), err)
	}

	return transport.Transport{
		Publisher:  NewPublisher(pub, logger),
		Subscriber: NewSubscriber(sub, logger),
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ZeroMQCapabilities
}

// Frames unpacks the frame list a runtime message carries, using the codec
// named in its metadata.
func Frames(msg *message.Message) (protocol.Frames, error) {
	codec, err := wire.Lookup(metadatapkg.FromWatermill(msg.Metadata).Codec(wire.DefaultCodec))
	if err != nil {
		return nil, err
	}
	return codec.Decode(msg.Payload)
}

// ToMessage packs received frames into a runtime message. Nothing but the
// frames crosses the wire, so the message gets a fresh id and proto codec.
func ToMessage(frames [][]byte) (*message.Message, error) {
	payload, err := wire.ProtoCodec{}.Encode(protocol.Frames(frames))
	if err != nil {
		return nil, err
	}
	msg := message.NewMessage(idspkg.New(), payload)
	msg.Metadata.Set(metadatapkg.KeyCodec, wire.CodecProto)
	if len(frames) > 0 {
		msg.Metadata.Set(metadatapkg.KeyDomain, string(frames[0]))
	}
	return msg, nil
}

// Publisher sends each message as one multipart message. The topic is not
// sent; PUB/SUB routes on the first frame, which is the domain.
type Publisher struct {
	sock   Socket
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	closed bool
}

// NewPublisher wraps a PUB socket. Closing the publisher closes it.
func NewPublisher(sock Socket, logger watermill.LoggerAdapter) *Publisher {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Publisher{sock: sock, logger: logger}
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPublisherClosed
	}

	for _, msg := range messages {
		frames, err := Frames(msg)
		if err != nil {
			return fmt.Errorf("unpack frames of %s: %w", msg.UUID, err)
		}
		if err := p.sock.Send(zmq4.NewMsgFrom(frames...)); err != nil {
			return fmt.Errorf("send %s: %w", msg.UUID, err)
		}
		p.logger.Trace("Sent multipart message", watermill.LogFields{
			"message_uuid": msg.UUID,
			"frames":       len(frames),
		})
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.sock.Close()
}

// Subscriber turns multipart messages from a SUB socket into runtime
// messages. The socket already filters on the domain prefix, so the topic
// passed to Subscribe is not used.
type Subscriber struct {
	sock   Socket
	logger watermill.LoggerAdapter

	subscribed atomic.Bool
	closing    chan struct{}
	closeOnce  sync.Once
	closeErr   error
	wg         sync.WaitGroup
}

// NewSubscriber wraps a SUB socket. Closing the subscriber closes it.
func NewSubscriber(sock Socket, logger watermill.LoggerAdapter) *Subscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Subscriber{sock: sock, logger: logger, closing: make(chan struct{})}
}

// Subscribe starts reading the socket. There is one socket, so only one
// reader; ending ctx closes the subscriber. Messages are delivered one at a
// time and a nacked message is dropped since PUB/SUB has no redelivery.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-s.closing:
		return nil, errSubscriberClosed
	default:
	}
	if !s.subscribed.CompareAndSwap(false, true) {
		return nil, errAlreadySubscribed
	}

	output := make(chan *message.Message)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(output)

		for {
			zm, err := s.sock.Recv()
			if err != nil {
				if !s.isClosing() && ctx.Err() == nil {
					s.logger.Error("Cannot receive control message", err, nil)
				}
				return
			}
			msg, err := ToMessage(zm.Frames)
			if err != nil {
				s.logger.Error("Cannot pack control frames", err, watermill.LogFields{"frames": len(zm.Frames)})
				continue
			}
			if !s.deliver(ctx, output, msg) {
				return
			}
		}
	}()

	// Recv only returns once the socket is closed.
	go func() {
		select {
		case <-ctx.Done():
			_ = s.closeSocket()
		case <-s.closing:
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

func (s *Subscriber) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *Subscriber) closeSocket() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.closeErr = s.sock.Close()
	})
	return s.closeErr
}

func (s *Subscriber) Close() error {
	err := s.closeSocket()
	s.wg.Wait()
	return err
}
