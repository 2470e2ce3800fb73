package bus

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrBusClosed is returned when publishing to a closed MessageBus.
var ErrBusClosed = errors.New("message bus closed")

// MessageBus connects the listeners and poller (inbound items) to the
// forwarding worker, and the worker to the operator notifier (alerts).
type MessageBus struct {
	inbound chan Item
	alerts  chan Alert
	done    chan struct{}
	closed  atomic.Bool
	dropped atomic.Int64
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound: make(chan Item, 100),
		alerts:  make(chan Alert, 100),
		done:    make(chan struct{}),
	}
}

func (mb *MessageBus) PublishInbound(ctx context.Context, item Item) error {
	if mb.closed.Load() {
		return ErrBusClosed
	}
	select {
	case mb.inbound <- item:
		return nil
	case <-mb.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inbound exposes the item channel for select loops.
func (mb *MessageBus) Inbound() <-chan Item { return mb.inbound }

// PublishAlert never blocks. Alerts beyond the buffer are counted and
// dropped.
func (mb *MessageBus) PublishAlert(alert Alert) error {
	if mb.closed.Load() {
		return ErrBusClosed
	}
	select {
	case mb.alerts <- alert:
		return nil
	default:
		mb.dropped.Add(1)
		return nil
	}
}

func (mb *MessageBus) SubscribeAlerts(ctx context.Context) (Alert, bool) {
	select {
	case alert, ok := <-mb.alerts:
		return alert, ok
	case <-mb.done:
		return Alert{}, false
	case <-ctx.Done():
		return Alert{}, false
	}
}

// DroppedAlerts returns how many alerts were discarded on a full buffer.
func (mb *MessageBus) DroppedAlerts() int64 { return mb.dropped.Load() }

// Done is closed when the bus is closed.
func (mb *MessageBus) Done() <-chan struct{} { return mb.done }

func (mb *MessageBus) Close() {
	if mb.closed.CompareAndSwap(false, true) {
		close(mb.done)
	}
}
