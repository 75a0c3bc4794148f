package session

import (
	"context"
	"fmt"
	"sync"
)

// State is the lifecycle state of the inbound loop for the current epoch.
type State int

const (
	StateIdle State = iota
	StateRunning
	// StateStopped: the peer closed the stream at a frame boundary.
	StateStopped
	// StateDisconnected: the peer sent a disconnect frame.
	StateDisconnected
	// StateFailed: loop restarts were exhausted.
	StateFailed
	// StateCancelled: the caller stopped or superseded the epoch.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s >= StateStopped
}

// Termination describes how an epoch's message stream ended.
type Termination struct {
	Epoch uint64
	State State
	Err   error
}

// Subscription receives the decoded messages of one epoch stream. C is
// closed after the stream completes and every buffered message has been
// received, or after Unsubscribe.
type Subscription[T any] struct {
	C <-chan T

	id     uint64
	stream *stream[T]
	box    *Outbox[T]
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result Termination
}

// Done is closed once C has been closed.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Err is the terminal error of the stream: nil for orderly completion,
// cancellation and Unsubscribe. Valid after Done.
func (s *Subscription[T]) Err() error {
	return s.Result().Err
}

// Result reports how the stream ended. Valid after Done.
func (s *Subscription[T]) Result() Termination {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Unsubscribe detaches from the stream and discards undelivered messages.
func (s *Subscription[T]) Unsubscribe() {
	s.stream.remove(s.id)
	s.cancel()
}

// pump moves buffered messages to C so a slow receiver only backs up its
// own mailbox.
func (s *Subscription[T]) pump(c chan<- T) {
	defer close(s.done)
	defer close(c)
	for {
		msg, err := s.box.Pop(s.ctx)
		if err != nil {
			return
		}
		select {
		case c <- msg:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Subscription[T]) finish(res Termination) {
	s.mu.Lock()
	s.result = res
	s.mu.Unlock()
	s.box.Close()
}

// stream is the fan-out point for one epoch.
type stream[T any] struct {
	mu        sync.Mutex
	subs      map[uint64]*Subscription[T]
	nextID    uint64
	completed bool
	result    Termination
}

func newStream[T any]() *stream[T] {
	return &stream[T]{subs: make(map[uint64]*Subscription[T])}
}

func (st *stream[T]) subscribe() *Subscription[T] {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan T)
	sub := &Subscription[T]{
		C:      c,
		stream: st,
		box:    NewOutbox[T](0),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	st.mu.Lock()
	st.nextID++
	sub.id = st.nextID
	if st.completed {
		res := st.result
		st.mu.Unlock()
		sub.finish(res)
	} else {
		st.subs[sub.id] = sub
		st.mu.Unlock()
	}
	go sub.pump(c)
	return sub
}

func (st *stream[T]) remove(id uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.subs, id)
}

// publish queues msg for every current subscriber and returns how many
// received it.
func (st *stream[T]) publish(msg T) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.completed {
		return 0
	}
	n := 0
	for _, sub := range st.subs {
		if sub.box.Push(msg) == nil {
			n++
		}
	}
	return n
}

func (st *stream[T]) complete(res Termination) {
	st.mu.Lock()
	if st.completed {
		st.mu.Unlock()
		return
	}
	st.completed = true
	st.result = res
	subs := st.subs
	st.subs = make(map[uint64]*Subscription[T])
	st.mu.Unlock()
	for _, sub := range subs {
		sub.finish(res)
	}
}
