package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qz267/smockron/transport"
)

var target = transport.Target{Scheme: "inproc", Publish: "inproc://gk:10004", Subscribe: "inproc://gk:10005"}

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.True(t, caps.SupportsOrdering)
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestBusIsSharedPerEndpoint(t *testing.T) {
	t.Cleanup(Reset)
	assert.Same(t, Bus("inproc://a:1"), Bus("inproc://a:1"))
	assert.NotSame(t, Bus("inproc://a:1"), Bus("inproc://a:2"))
}

func TestBuildConnectsToBuses(t *testing.T) {
	t.Cleanup(Reset)

	tr, err := Build(context.Background(), target, nil, watermill.NopLogger{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accounting, err := Bus(target.Publish).Subscribe(ctx, "smockron.accounting")
	require.NoError(t, err)
	require.NoError(t, tr.Publisher.Publish("smockron.accounting", message.NewMessage("a1", []byte("acc"))))
	got := receive(t, accounting)
	assert.Equal(t, "a1", got.UUID)
	got.Ack()

	control, err := tr.Subscriber.Subscribe(ctx, "smockron.control")
	require.NoError(t, err)
	require.NoError(t, Bus(target.Subscribe).Publish("smockron.control", message.NewMessage("c1", []byte("ctl"))))
	got = receive(t, control)
	assert.Equal(t, "c1", got.UUID)
	got.Ack()
}

func TestCloseDetachesWithoutClosingBus(t *testing.T) {
	t.Cleanup(Reset)

	tr, err := Build(context.Background(), target, nil, nil)
	require.NoError(t, err)

	control, err := tr.Subscriber.Subscribe(context.Background(), "smockron.control")
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	select {
	case _, ok := <-control:
		assert.False(t, ok, "subscription ends on close")
	case <-time.After(time.Second):
		t.Fatal("subscription still open after close")
	}

	assert.NoError(t, Bus(target.Subscribe).Publish("smockron.control", message.NewMessage("c2", nil)),
		"bus keeps working for other parties")
}

func TestFactoryOverride(t *testing.T) {
	t.Cleanup(Reset)
	original := Factory
	defer func() { Factory = original }()

	var gotCfg gochannel.Config
	Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
		gotCfg = cfg
		return gochannel.NewGoChannel(cfg, logger)
	}
	Bus("inproc://factory:1")
	assert.Equal(t, int64(OutputBuffer), gotCfg.OutputChannelBuffer)
}

func receive(t *testing.T, out <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-out:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}
