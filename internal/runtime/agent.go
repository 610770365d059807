package runtime

import (
	"context"
	"net/http"

	configpkg "github.com/qz267/smockron/internal/runtime/config"
	loggingpkg "github.com/qz267/smockron/internal/runtime/logging"
)

// AgentOptions customises NewAgent.
type AgentOptions struct {
	// Identify derives the identifier of a request. Defaults to RemoteAddr.
	Identify IdentifierFunc[*http.Request]
	// DelayHandler receives DELAY_UNTIL directives. Defaults to logging them.
	DelayHandler DelayHandler
	Dependencies ClientDependencies
}

// Agent is a connected client with a dispatcher and an HTTP accounter, the
// usual way to embed accounting in a server.
type Agent struct {
	client     *Client
	dispatcher *Dispatcher
	accounter  *Accounter[*http.Request]
}

// NewAgent builds, wires and connects a client. The client is closed again
// when connecting fails.
func NewAgent(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, opts AgentOptions) (*Agent, error) {
	client, err := NewClient(conf, log, opts.Dependencies)
	if err != nil {
		return nil, err
	}

	identify := opts.Identify
	if identify == nil {
		identify = RemoteAddr
	}
	accounter, err := NewAccounter(AccountingSender(client), identify)
	if err != nil {
		return nil, err
	}

	dispatcher := NewDispatcher(client.logger, opts.DelayHandler, WithIgnoredHook(client.metrics.recordIgnored))
	client.AddControlListener(dispatcher)

	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Agent{client: client, dispatcher: dispatcher, accounter: accounter}, nil
}

// Middleware returns the net/http middleware reporting every request.
func (a *Agent) Middleware() func(http.Handler) http.Handler {
	return HTTPMiddleware(a.accounter)
}

// Client returns the underlying client.
func (a *Agent) Client() *Client { return a.client }

// Dispatcher returns the control dispatcher registered on the client.
func (a *Agent) Dispatcher() *Dispatcher { return a.dispatcher }

// Close closes the client, flushing queued accounting events.
func (a *Agent) Close() error {
	return a.client.Close()
}
