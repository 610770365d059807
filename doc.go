// Package smockron is the client side of a distributed rate limiter. A host
// service reports every request it accepts to a central gatekeeper as an
// accounting event, and the gatekeeper answers with control messages such as
// DELAY_UNTIL telling the host to hold back a particular client identifier.
//
// A Client reads its gatekeeper address from Config.Server, a connection
// string of the form [scheme://]host[:port]. Accounting traffic goes to the
// given port (10004 by default) and control traffic comes from the port above
// it. The scheme picks the transport the messages travel over.
//
// # Transports
//
// smockron supports these schemes out of the box:
//   - tcp, ipc: the gatekeeper's native ZeroMQ PUB/SUB protocol, one text
//     frame per field (tcp is the default scheme)
//   - nats: NATS Core subjects
//   - jetstream: accounting stored in a JetStream stream, control over NATS Core
//   - amqp: RabbitMQ with a private control queue per client
//   - kafka: Kafka topics
//   - redis: Redis PUBLISH/SUBSCRIBE
//   - inproc: process-local Go channel buses, for tests and embedded gatekeepers
//
// Every accounting and control message is a list of text frames. ZeroMQ
// sends them as a multipart message; the brokers carry one payload per
// message, so the frames are packed into it by a Codec ("proto" by default,
// or "json").
//
// # Accounting
//
// SendAccounting never blocks: events are queued and published by a single
// goroutine. Events sent before Connect, after Close, or while the queue is
// full are dropped and counted. HTTPMiddleware wraps a net/http handler so
// each request is reported as ACCEPTED before it is served.
//
// # Control
//
// Control messages whose first frame does not start with the client's domain
// are discarded. The rest are decoded and handed to every ControlListener. A
// Dispatcher routes DELAY_UNTIL to a DelayHandler and ignores commands it does
// not know. Malformed messages are logged with a rate limit and skipped.
//
// # Quick start
//
//	agent, err := smockron.NewAgent(ctx, &smockron.Config{
//		Domain: "orders",
//		Server: "gatekeeper:10004",
//	}, logger, smockron.AgentOptions{})
//	if err != nil {
//		return err
//	}
//	defer agent.Close()
//	http.ListenAndServe(":8080", agent.Middleware()(mux))
package smockron
