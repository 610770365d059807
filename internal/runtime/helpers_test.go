package runtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	configpkg "github.com/qz267/smockron/internal/runtime/config"
	"github.com/qz267/smockron/internal/runtime/endpoint"
	idspkg "github.com/qz267/smockron/internal/runtime/ids"
	metadatapkg "github.com/qz267/smockron/internal/runtime/metadata"
	"github.com/qz267/smockron/internal/runtime/protocol"
	transportpkg "github.com/qz267/smockron/internal/runtime/transport"
	"github.com/qz267/smockron/internal/runtime/wire"
	"github.com/qz267/smockron/internal/testutil/logtest"
	"github.com/qz267/smockron/transport/channel"
)

const waitTimeout = 2 * time.Second

// inprocConfig returns a config pointing at a fresh in-process gatekeeper
// address. The buses are torn down when the test ends.
func inprocConfig(t *testing.T, domain string) *configpkg.Config {
	t.Helper()
	t.Cleanup(channel.Reset)
	return &configpkg.Config{
		Domain:       domain,
		Server:       "inproc://gk-" + strings.ToLower(idspkg.New()) + ":10004",
		CloseTimeout: time.Second,
	}
}

func newTestClient(t *testing.T, conf *configpkg.Config, deps ClientDependencies) (*Client, *logtest.Recorder) {
	t.Helper()
	rec := logtest.New()
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	client, err := NewClient(conf, rec, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, rec
}

func connectTestClient(t *testing.T, conf *configpkg.Config, deps ClientDependencies) (*Client, *logtest.Recorder) {
	t.Helper()
	client, rec := newTestClient(t, conf, deps)
	require.NoError(t, client.Connect(context.Background()))
	return client, rec
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

// gatekeeper plays the server side of the in-process transport: it reads the
// accounting bus and publishes on the control bus.
type gatekeeper struct {
	conf     configpkg.Config
	pair     endpoint.Pair
	received chan receivedAccounting
}

type receivedAccounting struct {
	frames   protocol.Frames
	metadata message.Metadata
}

func newGatekeeper(t *testing.T, conf *configpkg.Config) *gatekeeper {
	t.Helper()
	cfg := conf.WithDefaults()
	pair, err := cfg.Endpoints()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	messages, err := channel.Bus(pair.Accounting).Subscribe(ctx, cfg.AccountingTopic)
	require.NoError(t, err)

	g := &gatekeeper{conf: cfg, pair: pair, received: make(chan receivedAccounting, 64)}
	go func() {
		for msg := range messages {
			codec, err := wire.Lookup(metadatapkg.FromWatermill(msg.Metadata).Codec(""))
			if err == nil {
				if frames, err := codec.Decode(msg.Payload); err == nil {
					g.received <- receivedAccounting{frames: frames, metadata: msg.Metadata}
				}
			}
			msg.Ack()
		}
	}()
	return g
}

func (g *gatekeeper) next(t *testing.T) receivedAccounting {
	t.Helper()
	select {
	case got := <-g.received:
		return got
	case <-time.After(waitTimeout):
		t.Fatal("gatekeeper received no accounting message")
		return receivedAccounting{}
	}
}

func (g *gatekeeper) sendControl(t *testing.T, values ...string) {
	t.Helper()
	codec, err := wire.Lookup(g.conf.Codec)
	require.NoError(t, err)
	payload, err := codec.Encode(protocol.TextFrames(values...))
	require.NoError(t, err)
	g.sendRaw(t, payload, codec.Name())
}

func (g *gatekeeper) sendRaw(t *testing.T, payload []byte, codec string) {
	t.Helper()
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if codec != "" {
		msg.Metadata.Set(metadatapkg.KeyCodec, codec)
	}
	require.NoError(t, channel.Bus(g.pair.Control).Publish(g.conf.ControlTopic, msg))
}

// controlRecorder is a ControlListener collecting what it is handed.
type controlRecorder struct {
	ch chan protocol.ControlMessage
}

func newControlRecorder() *controlRecorder {
	return &controlRecorder{ch: make(chan protocol.ControlMessage, 64)}
}

func (r *controlRecorder) OnControl(_ context.Context, msg protocol.ControlMessage) {
	r.ch <- msg
}

func (r *controlRecorder) next(t *testing.T) protocol.ControlMessage {
	t.Helper()
	select {
	case msg := <-r.ch:
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("no control message delivered")
		return protocol.ControlMessage{}
	}
}

func (r *controlRecorder) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-r.ch:
		t.Fatalf("unexpected control message: %+v", msg)
	case <-time.After(wait):
	}
}

// testPublisher records published messages. When block is set, Publish
// signals entered and waits for block to close.
type testPublisher struct {
	mu        sync.Mutex
	published []*message.Message
	err       error
	entered   chan struct{}
	block     chan struct{}
	closed    bool
}

func (p *testPublisher) Publish(_ string, messages ...*message.Message) error {
	if p.block != nil {
		p.entered <- struct{}{}
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, messages...)
	return nil
}

func (p *testPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *testPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *testPublisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// testSubscriber hands out one channel fed through deliver.
type testSubscriber struct {
	mu     sync.Mutex
	ch     chan *message.Message
	closed bool
	err    error
}

func newTestSubscriber() *testSubscriber {
	return &testSubscriber{ch: make(chan *message.Message, 16)}
}

func (s *testSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.ch, nil
}

func (s *testSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

func staticFactory(pub message.Publisher, sub message.Subscriber) transportpkg.Factory {
	return transportpkg.FactoryFunc(func(context.Context, *configpkg.Config, endpoint.Pair, watermill.LoggerAdapter) (transportpkg.Transport, error) {
		return transportpkg.Transport{Publisher: pub, Subscriber: sub}, nil
	})
}

var errBoom = errors.New("boom")

func failingFactory() transportpkg.Factory {
	return transportpkg.FactoryFunc(func(context.Context, *configpkg.Config, endpoint.Pair, watermill.LoggerAdapter) (transportpkg.Transport, error) {
		return transportpkg.Transport{}, errBoom
	})
}
