/*
Package runtime implements the smockron accounting client.

# Architecture Overview

A Client holds two logical channels to the gatekeeper. Accounting events go
out through a bounded send queue drained by a single pump goroutine, so
reporting never blocks the request path. Control messages come in through a
Watermill router with one handler subscribed to the control topic, filtered
on the client's domain prefix.

# Package Structure

## Client (client.go)

The Client struct wires together:
  - the transport selected by the server scheme
  - the control router and its middleware chain
  - the send queue and pump
  - metrics and the optional /metrics listener (server.go)

A client connects once. Sends before Connect or after Close are dropped and
counted, never queued.

## Control handling (control.go, dispatcher.go)

Decoded control messages are handed to every ControlListener. Dispatcher
routes them by command: DELAY_UNTIL goes to a DelayHandler, anything else is
logged and ignored. DelayTable is a DelayHandler that remembers deadlines.

## Accounting (accounting.go)

Accounter reports one ACCEPTED event per request and then calls the next
handler exactly once. HTTPMiddleware and RouterMiddleware adapt it to
net/http and Watermill handler chains.

## Middleware (middleware.go)

The control router chain, outermost first:
  - AbsorbErrors: handler errors are logged, never redelivered
  - Recoverer: listener panics become errors
  - CorrelationID: ensures message traceability
  - Tracer: OpenTelemetry spans
  - Metrics: Prometheus router metrics
  - LogMessages: trace logging of message metadata

## Agent (agent.go)

Agent bundles a connected client, a dispatcher and an HTTP accounter.

# Sub-packages

  - config/: client configuration, TOML loading and validation
  - endpoint/: connection string resolution into accounting/control endpoints
  - errors/: sentinel errors
  - ids/: ULID generation for message IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
  - metadata/: message metadata keys
  - protocol/: accounting and control frame layouts
  - transport/: transport factory on top of the transport registry
  - wire/: frame list codecs
*/
package runtime
