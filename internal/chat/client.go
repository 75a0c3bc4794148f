package chat

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/danmuck/msgwire/internal/config"
	"github.com/danmuck/msgwire/internal/protocol/session"
	"github.com/danmuck/msgwire/internal/transport"
	"github.com/rs/zerolog"
)

var ErrIncompleteExchange = errors.New("chat: exchange ended before all replies arrived")

// Dial connects to the configured address over TCP or WebSocket.
func Dial(ctx context.Context, cfg config.Config) (transport.Duplex, error) {
	switch cfg.Network {
	case config.NetworkWebSocket:
		ws, err := transport.DialWebSocket(ctx, cfg.URL())
		if err != nil {
			return nil, err
		}
		return ws, nil
	default:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", cfg.Address, err)
		}
		return transport.NewStream(conn), nil
	}
}

// Exchange sends outgoing over conn and hands each inbound message to
// onReply until expect replies arrived, the stream ends or ctx is done. It
// returns the number of replies received.
func Exchange(
	ctx context.Context,
	conn transport.Conn,
	cfg session.Config,
	logger zerolog.Logger,
	outgoing []Message,
	expect int,
	onReply func(Message),
) (int, error) {
	scope, err := Scope()
	if err != nil {
		return 0, err
	}
	m, err := session.New[Message](conn,
		session.WithConfig(cfg),
		session.WithLogger(logger),
		session.WithDefaultScope(scope),
	)
	if err != nil {
		return 0, err
	}
	defer m.Close()

	sub := m.Subscribe()
	if err := m.StartExecuting(); err != nil {
		return 0, err
	}
	for _, msg := range outgoing {
		m.Send(msg)
	}

	got := 0
	for got < expect {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				res := sub.Result()
				return got, fmt.Errorf("%w: %d of %d, stream %s: %v", ErrIncompleteExchange, got, expect, res.State, res.Err)
			}
			got++
			if onReply != nil {
				onReply(msg)
			}
		case <-ctx.Done():
			return got, fmt.Errorf("%w: %d of %d: %w", ErrIncompleteExchange, got, expect, ctx.Err())
		}
	}
	return got, nil
}
