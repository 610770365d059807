package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/qz267/smockron/internal/runtime/config"
	"github.com/qz267/smockron/internal/runtime/endpoint"
	errspkg "github.com/qz267/smockron/internal/runtime/errors"
	idspkg "github.com/qz267/smockron/internal/runtime/ids"
	loggingpkg "github.com/qz267/smockron/internal/runtime/logging"
	metadatapkg "github.com/qz267/smockron/internal/runtime/metadata"
	"github.com/qz267/smockron/internal/runtime/protocol"
	transportpkg "github.com/qz267/smockron/internal/runtime/transport"
	"github.com/qz267/smockron/internal/runtime/wire"
)

const controlHandlerName = "smockron_control"

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// ClientDependencies holds the optional collaborators of a Client.
// Leave fields nil to use the defaults.
type ClientDependencies struct {
	TransportFactory transportpkg.Factory
	// Registerer receives the client and router metrics. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Metrics lets several clients share collectors.
	Metrics                   *ClientMetrics
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
}

// Client sends accounting events to the gatekeeper and receives control
// messages for its domain. A Client connects once; there is no reconnect at
// this level.
type Client struct {
	conf     configpkg.Config
	logger   loggingpkg.ServiceLogger
	wmLogger watermill.LoggerAdapter
	domain   string
	pair     endpoint.Pair
	codec    wire.Codec

	factory    transportpkg.Factory
	registerer prometheus.Registerer
	metrics    *ClientMetrics
	throttle   *warnThrottle
	deps       ClientDependencies

	listenersMu sync.RWMutex
	listeners   []ControlListener

	connecting atomic.Bool
	connected  atomic.Bool // set once Connect succeeded
	running    atomic.Bool // cleared under sendMu before the final flush
	closed     atomic.Bool
	closeOnce  sync.Once

	// sendMu orders enqueues against the pump's final flush: an event is
	// either queued before running is cleared, and flushed, or dropped.
	sendMu sync.RWMutex

	// Written once in Connect before connected is set.
	transport   transportpkg.Transport
	router      *message.Router
	queue       chan *message.Message
	stop        context.CancelFunc
	pumpDone    chan struct{}
	routerDone  chan struct{}
	routerErr   error
	metricsHTTP *http.Server
}

// NewClient validates the configuration and prepares a client. It performs no
// I/O; call Connect to attach to the gatekeeper.
func NewClient(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ClientDependencies) (*Client, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	cfg := conf.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pair, err := cfg.Endpoints()
	if err != nil {
		return nil, err
	}
	codec, err := wire.Lookup(cfg.Codec)
	if err != nil {
		return nil, err
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	clientMetrics := deps.Metrics
	if clientMetrics == nil {
		clientMetrics = NewClientMetrics(registerer)
	}

	logger := log.With(loggingpkg.LogFields{"domain": cfg.Domain})
	logger.Info("Creating accounting client", loggingpkg.LogFields{
		"accounting": pair.Accounting,
		"control":    pair.Control,
		"codec":      codec.Name(),
	})
	logger.Debug("Client configuration", loggingpkg.LogFields{"config": cfg})

	return &Client{
		conf:       cfg,
		logger:     logger,
		wmLogger:   loggingpkg.NewWatermillAdapter(logger),
		domain:     cfg.Domain,
		pair:       pair,
		codec:      codec,
		factory:    factory,
		registerer: registerer,
		metrics:    clientMetrics,
		throttle:   newWarnThrottle(cfg.WarnRate, cfg.WarnBurst),
		deps:       deps,
	}, nil
}

// Domain returns the domain events are reported under.
func (c *Client) Domain() string { return c.domain }

// Endpoints returns the resolved accounting/control pair.
func (c *Client) Endpoints() endpoint.Pair { return c.pair }

// Capabilities describes the transport selected by the server scheme.
func (c *Client) Capabilities() transportpkg.Capabilities {
	return transportpkg.GetCapabilities(c.pair.Scheme)
}

// Connected reports whether the client is connected and able to send.
func (c *Client) Connected() bool {
	return c.running.Load() && !c.closed.Load()
}

// AddControlListener registers l for every control message of this domain.
func (c *Client) AddControlListener(l ControlListener) {
	if l == nil {
		return
	}
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenersMu.Unlock()
}

// Connect builds the transport, starts the control router and the send pump.
// It returns once the router is running. ctx bounds the client's lifetime. A
// second call fails with ErrAlreadyConnected, even if the first one failed.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errspkg.ErrClientClosed
	}
	if !c.connecting.CompareAndSwap(false, true) {
		return errspkg.ErrAlreadyConnected
	}

	if c.conf.MetricsEnabled {
		if err := c.metrics.Register(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	tr, err := c.factory.Build(ctx, &c.conf, c.pair, c.wmLogger)
	if err != nil {
		c.logger.Error("Failed to build transport", err, loggingpkg.LogFields{"scheme": c.pair.Scheme})
		return fmt.Errorf("connect %s: %w", c.pair.Accounting, err)
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: c.conf.CloseTimeout}, c.wmLogger)
	if err != nil {
		_ = tr.Close()
		return fmt.Errorf("create router: %w", err)
	}
	if err := c.registerConfiguredMiddlewares(router); err != nil {
		_ = tr.Close()
		return err
	}
	router.AddNoPublisherHandler(controlHandlerName, c.conf.ControlTopic, tr.Subscriber, c.handleControl)

	runCtx, stop := context.WithCancel(ctx)
	c.transport = tr
	c.router = router
	c.stop = stop
	c.queue = make(chan *message.Message, c.conf.SendQueueSize)
	c.pumpDone = make(chan struct{})
	c.routerDone = make(chan struct{})

	go func() {
		defer close(c.routerDone)
		if err := routerRun(router, runCtx); err != nil {
			c.routerErr = err
			c.logger.Error("Control router stopped", err, nil)
		}
	}()

	select {
	case <-router.Running():
	case <-c.routerDone:
		stop()
		_ = tr.Close()
		return fmt.Errorf("start control router: %w", c.routerErrOrCanceled(ctx))
	case <-ctx.Done():
		stop()
		_ = router.Close()
		_ = tr.Close()
		return ctx.Err()
	}

	c.running.Store(true)
	c.connected.Store(true)
	go c.pump(runCtx)
	c.startMetricsServer()

	c.logger.Info("Connected to gatekeeper", loggingpkg.LogFields{
		"accounting": c.pair.Accounting,
		"control":    c.pair.Control,
		"transport":  c.Capabilities().Name,
	})
	return nil
}

func (c *Client) routerErrOrCanceled(ctx context.Context) error {
	if c.routerErr != nil {
		return c.routerErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("router exited before running")
}

func (c *Client) registerConfiguredMiddlewares(router *message.Router) error {
	var defaults []MiddlewareRegistration
	if !c.deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(c.deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, c.deps.Middlewares...)

	for _, reg := range registrations {
		if err := c.registerMiddleware(router, reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// SendAccounting frames ev and queues it for publishing without blocking.
// Nothing is guaranteed beyond an attempt: when the client is not connected,
// closed, or the queue is full the event is dropped and counted.
func (c *Client) SendAccounting(ev protocol.AccountingEvent) {
	if ev.Domain == "" {
		ev.Domain = c.domain
	}

	switch {
	case c.closed.Load():
		c.drop(ev, reasonClosed)
		return
	case !c.running.Load():
		c.drop(ev, reasonNotConnected)
		return
	}

	payload, err := c.codec.Encode(ev.Frames())
	if err != nil {
		c.metrics.recordDropped(ev.Domain, reasonEncode)
		c.logger.Error("Cannot encode accounting event", err, loggingpkg.LogFields{"identifier": ev.Identifier})
		return
	}

	msg := message.NewMessage(idspkg.New(), payload)
	msg.Metadata = metadatapkg.ToWatermill(metadatapkg.New(
		metadatapkg.KeyCodec, c.codec.Name(),
		metadatapkg.KeyDomain, ev.Domain,
		metadatapkg.KeyCorrelationID, msg.UUID,
	))
	c.enqueue(ev, msg)
}

func (c *Client) enqueue(ev protocol.AccountingEvent, msg *message.Message) {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	if !c.running.Load() {
		reason := reasonNotConnected
		if c.closed.Load() {
			reason = reasonClosed
		}
		c.drop(ev, reason)
		return
	}

	select {
	case c.queue <- msg:
	default:
		c.drop(ev, reasonQueueFull)
	}
}

func (c *Client) drop(ev protocol.AccountingEvent, reason string) {
	c.metrics.recordDropped(ev.Domain, reason)
	c.throttle.Warn(c.logger, "Dropped accounting event", loggingpkg.LogFields{
		"identifier": ev.Identifier,
		"reason":     reason,
	})
}

// pump publishes queued accounting messages until ctx ends, then stops
// accepting new ones and flushes what is already queued.
func (c *Client) pump(ctx context.Context) {
	defer close(c.pumpDone)
	for {
		select {
		case msg := <-c.queue:
			c.publish(msg)
		case <-ctx.Done():
			c.sendMu.Lock()
			c.running.Store(false)
			c.sendMu.Unlock()
			for {
				select {
				case msg := <-c.queue:
					c.publish(msg)
				default:
					return
				}
			}
		}
	}
}

func (c *Client) publish(msg *message.Message) {
	domain := msg.Metadata.Get(metadatapkg.KeyDomain)
	if err := c.transport.Publisher.Publish(c.conf.AccountingTopic, msg); err != nil {
		c.metrics.recordFailed(domain)
		c.logger.Error("Failed to publish accounting event", err, loggingpkg.LogFields{
			"message_uuid": msg.UUID,
			"topic":        c.conf.AccountingTopic,
		})
		return
	}
	c.metrics.recordSent(domain)
}

// handleControl decodes one control message and hands it to the listeners.
// It never returns an error: a bad message is dropped, not redelivered.
func (c *Client) handleControl(msg *message.Message) error {
	md := metadatapkg.FromWatermill(msg.Metadata)
	fields := loggingpkg.LogFields{"message_uuid": msg.UUID}

	codec, err := wire.Lookup(md.Codec(c.codec.Name()))
	if err != nil {
		c.metrics.recordDiscarded(c.domain, reasonCodec)
		c.throttle.Warn(c.logger, "Unknown control message codec", fields)
		return nil
	}
	frames, err := codec.Decode(msg.Payload)
	if err != nil {
		c.metrics.recordDiscarded(c.domain, reasonMalformed)
		c.throttle.Warn(c.logger, "Undecodable control message", fields)
		return nil
	}

	// Subscription filter: only frame 0 matching the domain prefix gets in.
	if len(frames) == 0 || !bytes.HasPrefix(frames[0], []byte(c.domain)) {
		c.metrics.recordDiscarded(c.domain, reasonDomain)
		return nil
	}

	cm, err := protocol.DecodeControl(frames)
	switch {
	case errors.Is(err, errspkg.ErrTooFewFrames):
		c.metrics.recordDiscarded(c.domain, reasonTooShort)
		fields["frames"] = len(frames)
		c.throttle.Warn(c.logger, "Too-short control message", fields)
		return nil
	case err != nil:
		c.metrics.recordDiscarded(c.domain, reasonMalformed)
		fields["error"] = err.Error()
		c.throttle.Warn(c.logger, "Malformed control message", fields)
		return nil
	}

	c.metrics.recordReceived(c.domain, cm.Command)
	c.notify(msg.Context(), cm)
	return nil
}

func (c *Client) notify(ctx context.Context, cm protocol.ControlMessage) {
	c.listenersMu.RLock()
	listeners := make([]ControlListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.RUnlock()

	for _, l := range listeners {
		l.OnControl(ctx, cm)
	}
}

// Close stops the pump, the control router and the transport. It is
// idempotent and safe to call on a client that never connected.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if !c.connected.Load() {
			return
		}

		c.stop()
		waitFor(c.pumpDone, c.conf.CloseTimeout)

		var errs []error
		if rerr := c.router.Close(); rerr != nil {
			errs = append(errs, fmt.Errorf("close router: %w", rerr))
		}
		waitFor(c.routerDone, c.conf.CloseTimeout)
		if terr := c.transport.Close(); terr != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", terr))
		}
		if serr := c.stopMetricsServer(); serr != nil {
			errs = append(errs, serr)
		}
		err = errors.Join(errs...)
		c.logger.Info("Accounting client closed", nil)
	})
	return err
}

func waitFor(done <-chan struct{}, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	}
}
