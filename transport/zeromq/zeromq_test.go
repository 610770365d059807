package zeromq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	metadatapkg "github.com/qz267/smockron/internal/runtime/metadata"
	"github.com/qz267/smockron/internal/runtime/protocol"
	"github.com/qz267/smockron/internal/runtime/wire"
	"github.com/qz267/smockron/transport"
)

var errDial = errors.New("connection refused")

type fakeSocket struct {
	mu      sync.Mutex
	events  []string
	dialErr error
	optErr  error
	sent    []zmq4.Msg
	closes  int

	inbox     chan zmq4.Msg
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbox: make(chan zmq4.Msg, 8), closed: make(chan struct{})}
}

func (f *fakeSocket) Dial(endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "dial "+endpoint)
	return f.dialErr
}

func (f *fakeSocket) Send(msg zmq4.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSocket) Recv() (zmq4.Msg, error) {
	select {
	case <-f.closed:
		return zmq4.Msg{}, errors.New("socket closed")
	case m := <-f.inbox:
		return m, nil
	}
}

func (f *fakeSocket) SetOption(name string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fmt.Sprintf("option %s=%v", name, value))
	return f.optErr
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) snapshot() (events []string, sent []zmq4.Msg, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...), append([]zmq4.Msg(nil), f.sent...), f.closes
}

type testConfig struct{ domain string }

func (c *testConfig) GetDomain() string             { return c.domain }
func (c *testConfig) GetKafkaConsumerGroup() string { return "" }
func (c *testConfig) GetRedisPassword() string      { return "" }
func (c *testConfig) GetRedisDB() int               { return 0 }

func stubSockets(t *testing.T, pub, sub *fakeSocket) {
	t.Helper()
	origPub, origSub := NewPubSocket, NewSubSocket
	NewPubSocket = func(context.Context) Socket { return pub }
	NewSubSocket = func(context.Context) Socket { return sub }
	t.Cleanup(func() { NewPubSocket, NewSubSocket = origPub, origSub })
}

func frameMessage(t *testing.T, codec wire.Codec, frames protocol.Frames) *message.Message {
	t.Helper()
	payload, err := codec.Encode(frames)
	require.NoError(t, err)
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadatapkg.KeyCodec, codec.Name())
	return msg
}

var accountingFrames = protocol.AccountingEvent{
	Domain:            "orders",
	Status:            protocol.StatusAccepted,
	Identifier:        "req-42",
	ReceivedTimestamp: 1000,
}.Frames()

func TestRegistered(t *testing.T) {
	for _, scheme := range []string{TransportName, IPCScheme} {
		assert.True(t, transport.DefaultRegistry.Has(scheme), scheme)
		assert.Equal(t, "zeromq", transport.GetCapabilities(scheme).Name)
	}
	assert.Equal(t, transport.ZeroMQCapabilities, Capabilities())
}

func TestBuildDialsAndSubscribesToDomain(t *testing.T) {
	pub, sub := newFakeSocket(), newFakeSocket()
	stubSockets(t, pub, sub)

	target := transport.Target{Scheme: "tcp", Publish: "tcp://gk:10004", Subscribe: "tcp://gk:10005"}
	tr, err := Build(context.Background(), target, &testConfig{domain: "orders"}, watermill.NopLogger{})
	require.NoError(t, err)

	pubEvents, _, _ := pub.snapshot()
	subEvents, _, _ := sub.snapshot()
	assert.Equal(t, []string{"dial tcp://gk:10004"}, pubEvents)
	assert.Equal(t, []string{"dial tcp://gk:10005", "option " + zmq4.OptionSubscribe + "=orders"}, subEvents)

	require.NoError(t, tr.Close())
	_, _, pubCloses := pub.snapshot()
	_, _, subCloses := sub.snapshot()
	assert.Equal(t, 1, pubCloses)
	assert.Equal(t, 1, subCloses)
}

func TestBuildClosesSocketsOnFailure(t *testing.T) {
	t.Run("accounting dial", func(t *testing.T) {
		pub, sub := newFakeSocket(), newFakeSocket()
		pub.dialErr = errDial
		stubSockets(t, pub, sub)

		_, err := Build(context.Background(), transport.Target{Publish: "tcp://gk:10004"}, &testConfig{}, nil)
		require.ErrorIs(t, err, errDial)
		assert.ErrorContains(t, err, "dial accounting tcp://gk:10004")
		_, _, closes := pub.snapshot()
		assert.Equal(t, 1, closes)
	})

	t.Run("control dial", func(t *testing.T) {
		pub, sub := newFakeSocket(), newFakeSocket()
		sub.dialErr = errDial
		stubSockets(t, pub, sub)

		_, err := Build(context.Background(), transport.Target{Subscribe: "tcp://gk:10005"}, &testConfig{}, nil)
		require.ErrorIs(t, err, errDial)
		_, _, pubCloses := pub.snapshot()
		_, _, subCloses := sub.snapshot()
		assert.Equal(t, 1, pubCloses)
		assert.Equal(t, 1, subCloses)
	})

	t.Run("subscription", func(t *testing.T) {
		pub, sub := newFakeSocket(), newFakeSocket()
		sub.optErr = errors.New("bad option")
		stubSockets(t, pub, sub)

		_, err := Build(context.Background(), transport.Target{}, &testConfig{domain: "orders"}, nil)
		assert.ErrorContains(t, err, `subscribe to "orders"`)
		_, _, pubCloses := pub.snapshot()
		assert.Equal(t, 1, pubCloses)
	})
}

func TestPublisherSendsOneFramePerField(t *testing.T) {
	for _, codecName := range []string{wire.CodecProto, wire.CodecJSON} {
		t.Run(codecName, func(t *testing.T) {
			sock := newFakeSocket()
			pub := NewPublisher(sock, nil)
			codec, err := wire.Lookup(codecName)
			require.NoError(t, err)

			require.NoError(t, pub.Publish("smockron.accounting", frameMessage(t, codec, accountingFrames)))

			_, sent, _ := sock.snapshot()
			require.Len(t, sent, 1)
			require.Len(t, sent[0].Frames, protocol.AccountingFrameCount)
			assert.Equal(t,
				[]string{"orders", "ACCEPTED", "req-42", "1000", "", ""},
				protocol.Frames(sent[0].Frames).Strings(),
			)
		})
	}
}

func TestPublisherErrors(t *testing.T) {
	sock := newFakeSocket()
	pub := NewPublisher(sock, watermill.NopLogger{})

	msg := message.NewMessage("m-1", []byte("x"))
	msg.Metadata.Set(metadatapkg.KeyCodec, "xml")
	assert.Error(t, pub.Publish("t", msg))

	require.NoError(t, pub.Close())
	require.NoError(t, pub.Close())
	assert.ErrorIs(t, pub.Publish("t", frameMessage(t, wire.ProtoCodec{}, accountingFrames)), errPublisherClosed)

	_, sent, closes := sock.snapshot()
	assert.Empty(t, sent)
	assert.Equal(t, 1, closes)
}

func TestSubscriberDeliversFramesOneAtATime(t *testing.T) {
	sock := newFakeSocket()
	sub := NewSubscriber(sock, watermill.NopLogger{})

	out, err := sub.Subscribe(context.Background(), "ignored")
	require.NoError(t, err)
	_, err = sub.Subscribe(context.Background(), "ignored")
	assert.ErrorIs(t, err, errAlreadySubscribed)

	sock.inbox <- zmq4.NewMsgFrom(protocol.TextFrames("orders", "DELAY_UNTIL", "1.2.3.4", "17.5")...)
	sock.inbox <- zmq4.NewMsgFrom(protocol.TextFrames("orders", "PURGE", "1.2.3.4")...)

	first := receive(t, out)
	frames, err := Frames(first)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "DELAY_UNTIL", "1.2.3.4", "17.5"}, frames.Strings())
	assert.Equal(t, wire.CodecProto, first.Metadata.Get(metadatapkg.KeyCodec))
	assert.Equal(t, "orders", first.Metadata.Get(metadatapkg.KeyDomain))

	select {
	case <-out:
		t.Fatal("second message delivered before the first was acked")
	case <-time.After(50 * time.Millisecond):
	}

	first.Nack()
	second := receive(t, out)
	frames, err = Frames(second)
	require.NoError(t, err)
	assert.Equal(t, "PURGE", frames.Strings()[1])
	second.Ack()

	require.NoError(t, sub.Close())
	_, open := <-out
	assert.False(t, open)
	_, err = sub.Subscribe(context.Background(), "ignored")
	assert.ErrorIs(t, err, errSubscriberClosed)
}

func TestSubscriberStopsWhenContextEnds(t *testing.T) {
	sock := newFakeSocket()
	sub := NewSubscriber(sock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	out, err := sub.Subscribe(ctx, "ignored")
	require.NoError(t, err)
	cancel()

	select {
	case _, open := <-out:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("output not closed after cancel")
	}
	_, _, closes := sock.snapshot()
	assert.Equal(t, 1, closes)
	require.NoError(t, sub.Close())
}

// ipcEndpoints returns an accounting/control pair of Unix socket paths laid
// out the way endpoint resolution builds them.
func ipcEndpoints(t *testing.T) (string, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "smk")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return "ipc://" + dir + "/gk:10004", "ipc://" + dir + "/gk:10005"
}

func TestFramesCrossRealSockets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	accounting, control := ipcEndpoints(t)

	gkSub := zmq4.NewSub(ctx)
	defer gkSub.Close()
	require.NoError(t, gkSub.Listen(accounting))
	require.NoError(t, gkSub.SetOption(zmq4.OptionSubscribe, ""))

	gkPub := zmq4.NewPub(ctx)
	defer gkPub.Close()
	require.NoError(t, gkPub.Listen(control))

	target := transport.Target{Scheme: IPCScheme, Publish: accounting, Subscribe: control}
	tr, err := Build(ctx, target, &testConfig{domain: "orders"}, watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Close()

	received := make(chan [][]byte, 64)
	go func() {
		for {
			m, err := gkSub.Recv()
			if err != nil {
				return
			}
			received <- m.Frames
		}
	}()

	// PUB drops messages until the peer's subscription has arrived, so keep
	// sending until one gets through.
	var frames [][]byte
	require.Eventually(t, func() bool {
		_ = tr.Publisher.Publish("smockron.accounting", frameMessage(t, wire.ProtoCodec{}, accountingFrames))
		select {
		case frames = <-received:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, frames, protocol.AccountingFrameCount)
	assert.Equal(t, []string{"orders", "ACCEPTED", "req-42", "1000", "", ""}, protocol.Frames(frames).Strings())

	out, err := tr.Subscriber.Subscribe(ctx, "smockron.control")
	require.NoError(t, err)

	directive := zmq4.NewMsgFrom(protocol.TextFrames("orders", "DELAY_UNTIL", "req-42", "17.5")...)
	var got *message.Message
	require.Eventually(t, func() bool {
		_ = gkPub.Send(directive)
		select {
		case got = <-out:
			got.Ack()
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	controlFrames, err := Frames(got)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "DELAY_UNTIL", "req-42", "17.5"}, controlFrames.Strings())
}

func receive(t *testing.T, out <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg, ok := <-out:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}
