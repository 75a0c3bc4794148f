// Package transport adapts duplex byte streams to the cancellable
// read-exact/write-frame contract the messenger consumes.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Conn is the byte-stream contract consumed by the messenger.
type Conn interface {
	// ReadFull fills buf or fails. io.EOF means closed before the first
	// byte, io.ErrUnexpectedEOF means closed part way through. An
	// interrupted read consumes nothing.
	ReadFull(ctx context.Context, buf []byte) error
	// WriteFrame writes b as one unit. A nil error means all of b reached
	// the connection; ErrInterrupted means none of it did.
	WriteFrame(ctx context.Context, b []byte) error
}

// Duplex is a Conn the caller owns and eventually closes.
type Duplex interface {
	Conn
	io.Closer
	RemoteAddr() string
}

var (
	// ErrInterrupted reports that ctx ended the operation before any byte
	// moved.
	ErrInterrupted = errors.New("transport: operation interrupted")
	// ErrTornWrite reports that only part of a frame reached the
	// connection. The stream can no longer be framed and every later
	// write fails with it.
	ErrTornWrite = errors.New("transport: partial frame written")
	// ErrDetached reports that ctx ended while a write was still in
	// flight. The write completes in the background and a later write
	// waits for it, so framing stays intact.
	ErrDetached = errors.New("transport: write detached")
)

var aLongTimeAgo = time.Unix(1, 0)

func interrupted(ctx context.Context, op string) error {
	return fmt.Errorf("%w: %s: %w", ErrInterrupted, op, ctx.Err())
}

// Stream is a Conn over a net.Conn. Cancellation interrupts pending I/O by
// expiring the connection deadline for the affected direction.
type Stream struct {
	conn net.Conn

	rmu     sync.Mutex
	r       *bufio.Reader
	pending []byte

	wmu  sync.Mutex
	torn error
}

var _ Duplex = (*Stream)(nil)

func NewStream(conn net.Conn) *Stream {
	return &Stream{
		conn: conn,
		r:    bufio.NewReader(conn),
	}
}

func (s *Stream) ReadFull(ctx context.Context, buf []byte) error {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	if ctx.Err() != nil {
		return interrupted(ctx, "read")
	}
	got := copy(buf, s.pending)
	s.pending = s.pending[got:]
	if got == len(buf) {
		return nil
	}

	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	release := watch(ctx, s.conn.SetReadDeadline)
	n, err := io.ReadFull(s.r, buf[got:])
	cancelled := release()
	got += n
	if err == nil {
		return nil
	}
	if cancelled {
		s.pushBack(buf[:got])
		return interrupted(ctx, "read")
	}
	if errors.Is(err, io.EOF) && got > 0 {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Unread puts b back in front of the unread input.
func (s *Stream) Unread(b []byte) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	s.pushBack(b)
}

func (s *Stream) pushBack(b []byte) {
	if len(b) == 0 {
		return
	}
	s.pending = prepend(b, s.pending)
}

func (s *Stream) WriteFrame(ctx context.Context, b []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.torn != nil {
		return s.torn
	}
	if ctx.Err() != nil {
		return interrupted(ctx, "write")
	}
	if err := s.conn.SetWriteDeadline(time.Time{}); err != nil {
		return err
	}
	release := watch(ctx, s.conn.SetWriteDeadline)
	n, err := s.conn.Write(b)
	cancelled := release()
	if err == nil {
		return nil
	}
	if n > 0 {
		s.torn = fmt.Errorf("%w: %d of %d bytes", ErrTornWrite, n, len(b))
		return fmt.Errorf("%w: %w", s.torn, err)
	}
	if cancelled {
		return interrupted(ctx, "write")
	}
	return err
}

// Close closes the underlying connection.
func (s *Stream) Close() error {
	return s.conn.Close()
}

func (s *Stream) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// watch expires the deadline when ctx is done. The returned release reports
// whether that happened, and waits for the deadline update to finish so it
// never lands on a later operation.
func watch(ctx context.Context, setDeadline func(time.Time) error) func() bool {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = setDeadline(aLongTimeAgo)
		close(done)
	})
	return func() bool {
		if stop() {
			return false
		}
		<-done
		return true
	}
}

func prepend(front, rest []byte) []byte {
	out := make([]byte, 0, len(front)+len(rest))
	out = append(out, front...)
	return append(out, rest...)
}
