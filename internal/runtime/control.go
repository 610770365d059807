package runtime

import (
	"context"

	"github.com/qz267/smockron/internal/runtime/protocol"
)

// ControlListener receives decoded control messages. Listeners run on the
// control handler goroutine, one message at a time, and should not block.
type ControlListener interface {
	OnControl(ctx context.Context, msg protocol.ControlMessage)
}

// ControlListenerFunc adapts a function to ControlListener.
type ControlListenerFunc func(ctx context.Context, msg protocol.ControlMessage)

func (f ControlListenerFunc) OnControl(ctx context.Context, msg protocol.ControlMessage) {
	f(ctx, msg)
}

// EventSource is implemented by anything that emits control messages.
type EventSource interface {
	AddControlListener(l ControlListener)
}

// AccountingSender is the send half of a client as seen by the middleware.
type AccountingSender interface {
	Domain() string
	SendAccounting(ev protocol.AccountingEvent)
}
