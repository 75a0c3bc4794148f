package session

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrQueueFull    = errors.New("session: outbound queue full")
	ErrOutboxClosed = errors.New("session: outbox closed")
)

// Outbox is a FIFO queue safe for many producers and one consumer.
type Outbox[E any] struct {
	mu     sync.Mutex
	items  []E
	max    int
	closed bool
	notify chan struct{}
}

// NewOutbox returns an outbox holding at most max items; max <= 0 means
// unbounded.
func NewOutbox[E any](max int) *Outbox[E] {
	return &Outbox[E]{
		max:    max,
		notify: make(chan struct{}, 1),
	}
}

func (o *Outbox[E]) Push(item E) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrOutboxClosed
	}
	if o.max > 0 && len(o.items) >= o.max {
		o.mu.Unlock()
		return ErrQueueFull
	}
	o.items = append(o.items, item)
	o.mu.Unlock()
	o.wake()
	return nil
}

// PushFront returns an item to the head of the queue, ignoring the bound.
func (o *Outbox[E]) PushFront(item E) {
	o.mu.Lock()
	o.items = append(o.items, item)
	copy(o.items[1:], o.items)
	o.items[0] = item
	o.mu.Unlock()
	o.wake()
}

// Pop blocks until an item is available, the context is done, or the
// outbox is closed and drained.
func (o *Outbox[E]) Pop(ctx context.Context) (E, error) {
	for {
		if item, ok := o.TryPop(); ok {
			return item, nil
		}
		o.mu.Lock()
		closed := o.closed && len(o.items) == 0
		o.mu.Unlock()
		if closed {
			var zero E
			return zero, ErrOutboxClosed
		}
		select {
		case <-ctx.Done():
			var zero E
			return zero, ctx.Err()
		case <-o.notify:
		}
	}
}

func (o *Outbox[E]) TryPop() (E, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var zero E
	if len(o.items) == 0 {
		return zero, false
	}
	item := o.items[0]
	o.items[0] = zero
	o.items = o.items[1:]
	if len(o.items) == 0 {
		o.items = nil
	}
	return item, true
}

func (o *Outbox[E]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Close rejects further pushes; queued items can still be popped.
func (o *Outbox[E]) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.wake()
}

func (o *Outbox[E]) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}
