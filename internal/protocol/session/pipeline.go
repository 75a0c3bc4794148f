package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/danmuck/msgwire/internal/observability"
	"github.com/danmuck/msgwire/internal/protocol/frame"
	"github.com/danmuck/msgwire/internal/transport"
)

// runWriter drains the outbox onto the transport until the epoch ends. An
// item that had not reached the transport when the epoch ended goes back to
// the head of the queue for the next epoch.
func (m *Messenger[T]) runWriter(ep *epoch[T]) {
	defer close(ep.writerDone)
	for {
		item, err := m.outbox.Pop(ep.ctx)
		if err != nil {
			return
		}
		if ep.ctx.Err() != nil {
			m.outbox.PushFront(item)
			return
		}
		observability.SetQueueDepth(m.cfg.Name, m.outbox.Len())

		buf, err := m.encodeItem(item)
		if err != nil {
			ep.log.Warn().Err(err).Msg("outbound_dropped")
			observability.RecordDropped(m.cfg.Name, dropReason(err))
			continue
		}
		err = m.conn.WriteFrame(ep.ctx, buf)
		switch {
		case err == nil:
			observability.RecordFrameWritten(m.cfg.Name, frame.KindStandard.String())
		case errors.Is(err, transport.ErrTornWrite):
			m.writeTorn(ep, err)
			return
		case errors.Is(err, transport.ErrDetached):
			ep.log.Debug().Err(err).Msg("outbound_detached")
			observability.RecordFrameWritten(m.cfg.Name, frame.KindStandard.String())
			return
		case errors.Is(err, transport.ErrInterrupted), ep.ctx.Err() != nil:
			m.outbox.PushFront(item)
			return
		default:
			m.writeFailed(ep, err)
			return
		}
	}
}

func (m *Messenger[T]) writeFailed(ep *epoch[T], err error) {
	ep.log.Error().Err(err).Msg("outbound_write_failed")
	observability.RecordDropped(m.cfg.Name, "write_failed")
}

// writeTorn handles a frame that only partly reached the transport. The peer
// can no longer find frame boundaries, so the epoch fails and no later epoch
// may start on this transport.
func (m *Messenger[T]) writeTorn(ep *epoch[T], err error) {
	m.mu.Lock()
	if m.broken == nil {
		m.broken = err
	}
	m.mu.Unlock()
	ep.log.Error().Err(err).Msg("outbound_torn_write")
	observability.RecordDropped(m.cfg.Name, dropReason(err))
	ep.cancel(err)
}

func (m *Messenger[T]) encodeItem(item OutboundItem[T]) ([]byte, error) {
	if item.Kind != frame.KindStandard {
		return nil, fmt.Errorf("%w: %s item in outbound queue", ErrProtocolViolation, item.Kind)
	}
	name, payload, err := m.registry.Marshal(any(item.Message))
	if err != nil {
		return nil, err
	}
	return frame.Encode(frame.Standard(name, payload), m.cfg.Limits)
}

// runReader decodes frames until the stream ends, the peer disconnects, the
// epoch is cancelled or restarts run out.
func (m *Messenger[T]) runReader(ep *epoch[T]) {
	res := m.readLoop(ep)
	ep.cancel(errEpochEnded)
	<-ep.writerDone
	m.finish(ep, res)
}

func (m *Messenger[T]) readLoop(ep *epoch[T]) Termination {
	attempt := 0
	for {
		env, err := frame.Decode(ep.ctx, m.conn, m.cfg.Limits)
		if err != nil {
			if ep.ctx.Err() != nil {
				return cancelled(ep)
			}
			if isEndOfStream(err) {
				return Termination{State: StateStopped, Err: err}
			}
			attempt++
			observability.RecordLoopRestart(m.cfg.Name)
			if attempt > m.cfg.MaxRestarts {
				return Termination{
					State: StateFailed,
					Err:   fmt.Errorf("%w after %d attempts: %w", ErrRestartsExhausted, attempt, err),
				}
			}
			ep.log.Warn().Err(err).Int("attempt", attempt).Msg("inbound_restart")
			if sleepBackoff(ep.ctx, m.cfg.Backoff, attempt, m.rng) != nil {
				return cancelled(ep)
			}
			continue
		}
		attempt = 0
		observability.RecordFrameRead(m.cfg.Name, env.Kind.String())

		if env.Kind == frame.KindDisconnect {
			ep.log.Info().Msg("peer_disconnected")
			return Termination{State: StateDisconnected}
		}
		m.deliver(ep, env)
	}
}

// An epoch cancelled by a torn write failed; any other cancellation is a
// plain stop.
func cancelled[T any](ep *epoch[T]) Termination {
	if cause := context.Cause(ep.ctx); errors.Is(cause, transport.ErrTornWrite) {
		return Termination{State: StateFailed, Err: cause}
	}
	return Termination{State: StateCancelled}
}

func (m *Messenger[T]) deliver(ep *epoch[T], env frame.Envelope) {
	v, err := m.registry.Unmarshal(env.TypeName, env.Payload)
	if err != nil {
		ep.log.Warn().Err(err).Str("type", env.TypeName).Msg("inbound_dropped")
		observability.RecordDropped(m.cfg.Name, dropReason(err))
		return
	}
	msg, ok := v.(T)
	if !ok {
		err := fmt.Errorf("%w: %s decoded to %T", ErrUnexpectedType, env.TypeName, v)
		ep.log.Warn().Err(err).Msg("inbound_dropped")
		observability.RecordDropped(m.cfg.Name, dropReason(err))
		return
	}
	n := ep.stream.publish(msg)
	observability.RecordDelivered(m.cfg.Name)
	ep.log.Debug().Str("type", env.TypeName).Int("subscribers", n).Msg("inbound_delivered")
}

func isEndOfStream(err error) bool {
	return errors.Is(err, frame.ErrEndOfStream) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
