package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
)

// MaxWebSocketMessage bounds one binary message. Every frame travels as one
// message, so this stays above the default frame payload limit.
const MaxWebSocketMessage int64 = 32 << 20

// WebSocket is a Conn over binary WebSocket messages. The socket's own I/O
// runs on a connection-scoped context; per-call contexts only stop waiting,
// so cancelling an epoch never tears the connection down.
type WebSocket struct {
	c      *websocket.Conn
	remote string

	ctx    context.Context
	cancel context.CancelFunc

	msgs    chan []byte
	readErr error // valid once msgs is closed

	rmu     sync.Mutex
	pending []byte

	wmu      sync.Mutex
	inflight chan error

	closeOnce sync.Once
	closeErr  error
}

var _ Duplex = (*WebSocket)(nil)

// DialWebSocket opens a WebSocket. ctx only bounds the handshake.
func DialWebSocket(ctx context.Context, url string) (*WebSocket, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial %s: %w", url, err)
	}
	return newWebSocket(context.Background(), c, url), nil
}

// AcceptWebSocket upgrades an HTTP request. Browser requests whose Origin
// differs from the Host must match one of originPatterns. The connection
// lives until ctx is done or the caller closes it; handlers usually pass
// r.Context() and block until the messenger finishes.
func AcceptWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request, originPatterns []string) (*WebSocket, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
	if err != nil {
		return nil, fmt.Errorf("transport: websocket accept: %w", err)
	}
	return newWebSocket(ctx, c, r.RemoteAddr), nil
}

func newWebSocket(parent context.Context, c *websocket.Conn, remote string) *WebSocket {
	c.SetReadLimit(MaxWebSocketMessage)
	ctx, cancel := context.WithCancel(parent)
	ws := &WebSocket{
		c:      c,
		remote: remote,
		ctx:    ctx,
		cancel: cancel,
		msgs:   make(chan []byte),
	}
	go ws.readMessages()
	return ws
}

func (ws *WebSocket) readMessages() {
	defer close(ws.msgs)
	for {
		typ, b, err := ws.c.Read(ws.ctx)
		if err != nil {
			ws.readErr = ws.mapReadErr(err)
			return
		}
		if typ != websocket.MessageBinary {
			ws.readErr = fmt.Errorf("transport: unexpected %s websocket message", typ)
			_ = ws.c.Close(websocket.StatusUnsupportedData, "binary messages only")
			return
		}
		if len(b) == 0 {
			continue
		}
		select {
		case ws.msgs <- b:
		case <-ws.ctx.Done():
			ws.readErr = net.ErrClosed
			return
		}
	}
}

// A close frame from the peer is an orderly end of stream; a local Close
// reads as a closed connection.
func (ws *WebSocket) mapReadErr(err error) error {
	if ws.ctx.Err() != nil {
		return fmt.Errorf("%w: %w", net.ErrClosed, err)
	}
	if websocket.CloseStatus(err) != -1 {
		return io.EOF
	}
	return err
}

func (ws *WebSocket) ReadFull(ctx context.Context, buf []byte) error {
	ws.rmu.Lock()
	defer ws.rmu.Unlock()
	if ctx.Err() != nil {
		return interrupted(ctx, "read")
	}
	got := 0
	for got < len(buf) {
		if len(ws.pending) == 0 {
			select {
			case b, ok := <-ws.msgs:
				if !ok {
					if errors.Is(ws.readErr, io.EOF) && got > 0 {
						return io.ErrUnexpectedEOF
					}
					return ws.readErr
				}
				ws.pending = b
			case <-ctx.Done():
				ws.pushBack(buf[:got])
				return interrupted(ctx, "read")
			}
		}
		n := copy(buf[got:], ws.pending)
		ws.pending = ws.pending[n:]
		got += n
	}
	return nil
}

// Unread puts b back in front of the unread input.
func (ws *WebSocket) Unread(b []byte) {
	ws.rmu.Lock()
	defer ws.rmu.Unlock()
	ws.pushBack(b)
}

func (ws *WebSocket) pushBack(b []byte) {
	if len(b) == 0 {
		return
	}
	ws.pending = prepend(b, ws.pending)
}

// WriteFrame sends b as one binary message. b must not be modified after
// the call, since a detached write may still be reading it.
func (ws *WebSocket) WriteFrame(ctx context.Context, b []byte) error {
	ws.wmu.Lock()
	defer ws.wmu.Unlock()
	if ctx.Err() != nil {
		return interrupted(ctx, "write")
	}
	if ws.inflight != nil {
		select {
		case err := <-ws.inflight:
			ws.inflight = nil
			if err != nil {
				return fmt.Errorf("transport: detached websocket write: %w", err)
			}
		case <-ctx.Done():
			return interrupted(ctx, "write")
		}
	}

	done := make(chan error, 1)
	go func() { done <- ws.c.Write(ws.ctx, websocket.MessageBinary, b) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		ws.inflight = done
		return fmt.Errorf("%w: %w", ErrDetached, ctx.Err())
	}
}

// Close sends a normal closure and releases the reader.
func (ws *WebSocket) Close() error {
	ws.closeOnce.Do(func() {
		ws.closeErr = ws.c.Close(websocket.StatusNormalClosure, "")
		ws.cancel()
	})
	return ws.closeErr
}

func (ws *WebSocket) RemoteAddr() string {
	return ws.remote
}
