package transport

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qz267/smockron/internal/runtime/config"
	"github.com/qz267/smockron/internal/runtime/endpoint"
	errspkg "github.com/qz267/smockron/internal/runtime/errors"
	"github.com/qz267/smockron/internal/runtime/logging"
	"github.com/qz267/smockron/transport/channel"
)

func testLogger() watermill.LoggerAdapter {
	slogger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return logging.NewWatermillAdapter(logging.NewSlogServiceLogger(slogger))
}

func TestTargetFor(t *testing.T) {
	pair := endpoint.MustResolve("nats://gk:4222")
	target := TargetFor(pair)
	assert.Equal(t, "nats", target.Scheme)
	assert.Equal(t, "nats://gk:4222", target.Publish)
	assert.Equal(t, "nats://gk:4223", target.Subscribe)

	def := TargetFor(endpoint.MustResolve("gk"))
	assert.Equal(t, "tcp://gk:10004", def.Publish)
	assert.Equal(t, "zeromq", GetCapabilities(def.Scheme).Name)
}

func TestDefaultFactory_BuildInproc(t *testing.T) {
	t.Cleanup(channel.Reset)

	cfg := &config.Config{Domain: "orders", Server: "inproc://gk"}
	tr, err := DefaultFactory().Build(context.Background(), cfg, endpoint.MustResolve(cfg.Server), testLogger())
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
	assert.NoError(t, tr.Close())
	assert.Equal(t, "channel", GetCapabilities("inproc").Name)
}

func TestDefaultFactory_UnknownScheme(t *testing.T) {
	cfg := &config.Config{Domain: "orders", Server: "zmq://gk"}
	_, err := DefaultFactory().Build(context.Background(), cfg, endpoint.MustResolve(cfg.Server), testLogger())
	assert.ErrorIs(t, err, errspkg.ErrUnknownTransport)
}

func TestDefaultFactory_NilConfig(t *testing.T) {
	_, err := DefaultFactory().Build(context.Background(), nil, endpoint.Pair{}, testLogger())
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
}

func TestFactoryFunc(t *testing.T) {
	called := false
	f := FactoryFunc(func(context.Context, *config.Config, endpoint.Pair, watermill.LoggerAdapter) (Transport, error) {
		called = true
		return Transport{}, nil
	})
	_, err := f.Build(context.Background(), &config.Config{}, endpoint.Pair{}, nil)
	require.NoError(t, err)
	assert.True(t, called)
}
