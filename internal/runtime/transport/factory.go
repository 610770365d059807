package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/qz267/smockron/internal/runtime/config"
	"github.com/qz267/smockron/internal/runtime/endpoint"
	errspkg "github.com/qz267/smockron/internal/runtime/errors"
	newtransport "github.com/qz267/smockron/transport"

	// Import all transport packages to register them.
	_ "github.com/qz267/smockron/transport/transports"
)

// Factory abstracts how a client initialises its transport.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, pair endpoint.Pair, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, pair endpoint.Pair, logger watermill.LoggerAdapter) (Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, pair endpoint.Pair, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, pair, logger)
}

// DefaultFactory returns the built-in transport factory that uses the
// modular transport registry.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, pair endpoint.Pair, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, errspkg.ErrConfigRequired
	}
	return newtransport.Build(ctx, TargetFor(pair), conf, logger)
}

// TargetFor maps a resolved endpoint pair to a transport target.
func TargetFor(pair endpoint.Pair) newtransport.Target {
	return newtransport.Target{
		Scheme:    pair.Scheme,
		Publish:   pair.Accounting,
		Subscribe: pair.Control,
	}
}
