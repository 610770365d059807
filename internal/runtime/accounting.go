package runtime

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/qz267/smockron/internal/runtime/errors"
	"github.com/qz267/smockron/internal/runtime/protocol"
)

// IdentifierFunc derives the accounting identifier of a request.
type IdentifierFunc[R any] func(req R) string

// Accounter ties one request to one ACCEPTED accounting event.
type Accounter[R any] struct {
	sender   AccountingSender
	identify IdentifierFunc[R]
	now      func() time.Time
}

// NewAccounter returns an Accounter reporting through sender.
func NewAccounter[R any](sender AccountingSender, identify IdentifierFunc[R]) (*Accounter[R], error) {
	if sender == nil {
		return nil, errspkg.ErrSenderRequired
	}
	if identify == nil {
		return nil, errspkg.ErrIdentifierRequired
	}
	return &Accounter[R]{sender: sender, identify: identify, now: time.Now}, nil
}

// Handle reports req and then calls next exactly once, whatever became of
// the report. The report is queued, never awaited.
func (a *Accounter[R]) Handle(req R, next func()) {
	received := a.now()
	a.sender.SendAccounting(protocol.AccountingEvent{
		Domain:            a.sender.Domain(),
		Status:            protocol.StatusAccepted,
		Identifier:        a.identify(req),
		ReceivedTimestamp: protocol.Millis(received),
	})
	next()
}

// HTTPMiddleware accounts every request passing through a net/http chain.
func HTTPMiddleware(a *Accounter[*http.Request]) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a.Handle(r, func() { next.ServeHTTP(w, r) })
		})
	}
}

// RouterMiddleware accounts every message passing through a Watermill
// handler chain.
func RouterMiddleware(a *Accounter[*message.Message]) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			var (
				produced []*message.Message
				err      error
			)
			a.Handle(msg, func() { produced, err = h(msg) })
			return produced, err
		}
	}
}

// RemoteAddr identifies a request by the host part of its remote address.
func RemoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HeaderOrRemoteAddr identifies a request by a header, such as an API key,
// falling back to the client address. With trustXFF the first
// X-Forwarded-For entry stands in for the remote address.
func HeaderOrRemoteAddr(header string, trustXFF bool) IdentifierFunc[*http.Request] {
	return func(r *http.Request) string {
		if header != "" {
			if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
				return v
			}
		}
		if trustXFF {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if first = strings.TrimSpace(first); first != "" {
					return first
				}
			}
		}
		return RemoteAddr(r)
	}
}

// MetadataIdentifier identifies a Watermill message by a metadata key,
// falling back to its UUID.
func MetadataIdentifier(key string) IdentifierFunc[*message.Message] {
	return func(msg *message.Message) string {
		if v := msg.Metadata.Get(key); v != "" {
			return v
		}
		return msg.UUID
	}
}
