package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/msgwire/internal/logging"
	"github.com/danmuck/msgwire/internal/observability"
	"github.com/danmuck/msgwire/internal/protocol/frame"
	"github.com/danmuck/msgwire/internal/protocol/registry"
	"github.com/danmuck/msgwire/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNilConn           = errors.New("session: nil transport")
	ErrProtocolViolation = errors.New("session: protocol violation")
	ErrRunning           = errors.New("session: messenger is running")
	ErrNotStarted        = errors.New("session: messenger not started")
	ErrClosed            = errors.New("session: messenger closed")
	ErrRestartsExhausted = errors.New("session: inbound restarts exhausted")
	ErrUnexpectedType    = errors.New("session: decoded value has unexpected type")
	ErrTransportBroken   = errors.New("session: transport lost frame alignment")

	errStopRequested = errors.New("session: stop requested")
	errSuperseded    = errors.New("session: superseded by new epoch")
	errEpochEnded    = errors.New("session: epoch ended")
)

// OutboundItem is one queued send request.
type OutboundItem[T any] struct {
	Kind    frame.Kind
	Message T
}

type Option func(*options)

type options struct {
	cfg    Config
	logger *zerolog.Logger
	def    *registry.Scope
	scopes []*registry.Scope
}

func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = &logger }
}

// WithDefaultScope sets the messenger's own resolution scope.
func WithDefaultScope(scope *registry.Scope) Option {
	return func(o *options) { o.def = scope }
}

// WithScopes appends additional resolution scopes, searched in order after
// the default scope.
func WithScopes(scopes ...*registry.Scope) Option {
	return func(o *options) { o.scopes = append(o.scopes, scopes...) }
}

// Messenger exchanges typed messages of type T over one transport.
type Messenger[T any] struct {
	id       string
	cfg      Config
	log      zerolog.Logger
	conn     transport.Conn
	registry *registry.Registry
	outbox   *Outbox[OutboundItem[T]]
	rng      *rand.Rand

	lifecycle sync.Mutex

	mu       sync.Mutex
	epoch    *epoch[T]
	stream   *stream[T]
	state    State
	epochSeq uint64
	closed   bool
	broken   error
}

type epoch[T any] struct {
	id         uint64
	ctx        context.Context
	cancel     context.CancelCauseFunc
	log        zerolog.Logger
	stream     *stream[T]
	writerDone chan struct{}
	done       chan struct{}
	result     Termination
}

// New builds a messenger over conn. The caller keeps ownership of conn.
func New[T any](conn transport.Conn, opts ...Option) (*Messenger[T], error) {
	if conn == nil {
		return nil, ErrNilConn
	}
	o := options{cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.cfg.WithDefaults()

	base := logging.Component("messenger")
	if o.logger != nil {
		base = *o.logger
	}
	id := uuid.NewString()
	m := &Messenger[T]{
		id:       id,
		cfg:      cfg,
		log:      base.With().Str("messenger", id).Str("name", cfg.Name).Logger(),
		conn:     conn,
		registry: registry.New(o.def, o.scopes...),
		outbox:   NewOutbox[OutboundItem[T]](cfg.MaxQueue),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		stream:   newStream[T](),
		state:    StateIdle,
	}
	return m, nil
}

func (m *Messenger[T]) ID() string {
	return m.id
}

func (m *Messenger[T]) Config() Config {
	return m.cfg
}

// Registry exposes the resolution scopes; register message variants on
// Registry().Default() before starting.
func (m *Messenger[T]) Registry() *registry.Registry {
	return m.registry
}

// AddScopes appends resolution scopes. Scopes are fixed while an epoch runs.
func (m *Messenger[T]) AddScopes(scopes ...*registry.Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateRunning {
		return ErrRunning
	}
	m.registry.Append(scopes...)
	return nil
}

func (m *Messenger[T]) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Epoch returns the id of the most recent epoch, 0 before the first start.
func (m *Messenger[T]) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epochSeq
}

// QueueLen reports messages waiting for the writer.
func (m *Messenger[T]) QueueLen() int {
	return m.outbox.Len()
}

// Send queues msg for transmission and returns immediately. Failures are
// logged, never returned.
func (m *Messenger[T]) Send(msg T) {
	if err := m.Enqueue(OutboundItem[T]{Kind: frame.KindStandard, Message: msg}); err != nil {
		m.log.Warn().Err(err).Msg("send_dropped")
		observability.RecordDropped(m.cfg.Name, dropReason(err))
	}
}

// Enqueue queues a raw outbound item. Only standard items are accepted.
func (m *Messenger[T]) Enqueue(item OutboundItem[T]) error {
	if item.Kind != frame.KindStandard {
		return fmt.Errorf("%w: cannot send %s item", ErrProtocolViolation, item.Kind)
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := m.outbox.Push(item); err != nil {
		return err
	}
	observability.SetQueueDepth(m.cfg.Name, m.outbox.Len())
	return nil
}

// Subscribe attaches to the message stream of the running epoch, or of the
// next epoch when none is running.
func (m *Messenger[T]) Subscribe() *Subscription[T] {
	m.mu.Lock()
	st := m.stream
	m.mu.Unlock()
	return st.subscribe()
}

// StartExecuting supersedes any previous epoch and starts the writer and
// reader tasks bound to a new one. It returns after the previous epoch's
// tasks have exited. A transport left holding part of a frame cannot be
// restarted and yields ErrTransportBroken.
func (m *Messenger[T]) StartExecuting() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.mu.Unlock()

	m.stopEpoch(errSuperseded)

	m.mu.Lock()
	if m.broken != nil {
		err := m.broken
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrTransportBroken, err)
	}
	m.epochSeq++
	ctx, cancel := context.WithCancelCause(context.Background())
	ep := &epoch[T]{
		id:         m.epochSeq,
		ctx:        ctx,
		cancel:     cancel,
		log:        m.log.With().Uint64("epoch", m.epochSeq).Logger(),
		stream:     m.stream,
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	m.epoch = ep
	m.state = StateRunning
	m.mu.Unlock()

	observability.RecordEpochStarted(m.cfg.Name)
	ep.log.Info().Int("queued", m.outbox.Len()).Msg("epoch_started")

	go m.runWriter(ep)
	go m.runReader(ep)
	return nil
}

// StopExecuting cancels the current epoch and waits for its tasks to exit.
// The transport is left open.
func (m *Messenger[T]) StopExecuting() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.stopEpoch(errStopRequested)
}

// Close stops the messenger for good. Pending subscribers complete and
// further sends are rejected.
func (m *Messenger[T]) Close() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.stopEpoch(errStopRequested)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	st := m.stream
	res := Termination{Epoch: m.epochSeq, State: StateCancelled}
	m.mu.Unlock()

	st.complete(res)
	m.log.Info().Int("undelivered", m.outbox.Len()).Msg("messenger_closed")
}

// Wait blocks until the current epoch ends or ctx is done.
func (m *Messenger[T]) Wait(ctx context.Context) (Termination, error) {
	m.mu.Lock()
	ep := m.epoch
	m.mu.Unlock()
	if ep == nil {
		return Termination{State: StateIdle}, ErrNotStarted
	}
	select {
	case <-ep.done:
		return ep.result, nil
	case <-ctx.Done():
		return Termination{}, ctx.Err()
	}
}

func (m *Messenger[T]) stopEpoch(cause error) {
	m.mu.Lock()
	ep := m.epoch
	m.mu.Unlock()
	if ep == nil {
		return
	}
	ep.cancel(cause)
	<-ep.done
}

// finish records the epoch result, completes its stream and installs a
// fresh stream for the next epoch.
func (m *Messenger[T]) finish(ep *epoch[T], res Termination) {
	res.Epoch = ep.id
	ep.result = res

	m.mu.Lock()
	if m.epoch == ep {
		m.state = res.State
	}
	if m.stream == ep.stream && !m.closed {
		m.stream = newStream[T]()
	}
	m.mu.Unlock()

	ep.stream.complete(res)
	observability.RecordEpochEnded(m.cfg.Name, res.State.String())

	event := ep.log.Info()
	if res.State == StateFailed {
		event = ep.log.Error()
	}
	event.Err(res.Err).Str("state", res.State.String()).Msg("epoch_ended")
	close(ep.done)
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrClosed), errors.Is(err, ErrOutboxClosed):
		return "closed"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, registry.ErrTypeNotFound):
		return "unresolved"
	case errors.Is(err, registry.ErrUnnamedMessage), errors.Is(err, registry.ErrNilMessage):
		return "unnamed"
	case errors.Is(err, registry.ErrDecode), errors.Is(err, ErrUnexpectedType):
		return "decode"
	case errors.Is(err, registry.ErrEncode):
		return "encode"
	case errors.Is(err, transport.ErrTornWrite):
		return "torn_write"
	default:
		return "other"
	}
}
