package runtime

import (
	"errors"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	idspkg "github.com/qz267/smockron/internal/runtime/ids"
	loggingpkg "github.com/qz267/smockron/internal/runtime/logging"
	metadatapkg "github.com/qz267/smockron/internal/runtime/metadata"
)

// MiddlewareBuilder constructs a handler middleware for the client's control router.
type MiddlewareBuilder func(*Client, *message.Router) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on the control router.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard chain, outermost first. Control
// messages are never redelivered, so errors and panics end at the top of the
// chain instead of being retried.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		AbsorbErrorsMiddleware(),
		RecovererMiddleware(),
		CorrelationIDMiddleware(),
		TracerMiddleware(),
		MetricsMiddleware(),
		LogMessagesMiddleware(nil),
	}
}

// AbsorbErrorsMiddleware logs handler errors and acks the message anyway.
func AbsorbErrorsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "absorb_errors",
		Builder: func(c *Client, _ *message.Router) (message.HandlerMiddleware, error) {
			return c.absorbErrorsMiddleware(), nil
		},
	}
}

// RecovererMiddleware converts listener panics into handler errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// CorrelationIDMiddleware ensures each processed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

// TracerMiddleware wraps control handling in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(c *Client, _ *message.Router) (message.HandlerMiddleware, error) {
			return c.tracerMiddleware(), nil
		},
	}
}

// MetricsMiddleware adds Watermill's Prometheus router metrics when metrics
// are enabled. The builder registers its own middleware and decorators on the
// router, so nothing is returned.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(c *Client, router *message.Router) (message.HandlerMiddleware, error) {
			if !c.conf.MetricsEnabled {
				return nil, nil
			}

			metricsBuilder := metrics.NewPrometheusMetricsBuilder(
				c.registerer,
				"smockron",
				c.pair.Scheme,
			)
			metricsBuilder.AddPrometheusRouterMetrics(router)

			return nil, nil
		},
	}
}

// LogMessagesMiddleware logs the metadata of handled messages at trace level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(c *Client, _ *message.Router) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = c.logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

func (c *Client) registerMiddleware(router *message.Router, reg MiddlewareRegistration) error {
	var mw message.HandlerMiddleware
	switch {
	case reg.Middleware != nil:
		mw = reg.Middleware
	case reg.Builder != nil:
		var err error
		mw, err = reg.Builder(c, router)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	router.AddMiddleware(mw)
	return nil
}

func (c *Client) absorbErrorsMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			produced, err := h(msg)
			if err != nil {
				c.logger.Error("Control handler failed", err, loggingpkg.LogFields{
					"message_uuid":   msg.UUID,
					"correlation_id": msg.Metadata.Get(metadatapkg.KeyCorrelationID),
				})
				return nil, nil
			}
			return produced, nil
		}
	}
}

// correlationIDMiddleware injects a correlation ID into the message metadata when missing.
func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
			msg.Metadata.Set(metadatapkg.KeyCorrelationID, idspkg.New())
		}
		return h(msg)
	}
}

func (c *Client) tracerMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			tracer := otel.Tracer("smockron-control")
			ctx, span := tracer.Start(msg.Context(), "ControlMessage",
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("message.uuid", msg.UUID),
					attribute.String("smockron.domain", c.domain),
					attribute.String("smockron.correlation_id", msg.Metadata.Get(metadatapkg.KeyCorrelationID)),
				),
			)
			defer span.End()
			msg.SetContext(ctx)

			out, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return out, err
		}
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Trace("Processing control message", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"payload_size": len(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}
