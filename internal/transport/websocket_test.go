package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/msgwire/internal/testutil/testlog"
	"nhooyr.io/websocket"
)

// echoServer upper-cases every frame it reads until the client hangs up.
func echoServer(t *testing.T, originPatterns []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := AcceptWebSocket(r.Context(), w, r, originPatterns)
		if err != nil {
			return
		}
		defer ws.Close()
		buf := make([]byte, 4)
		for {
			if err := ws.ReadFull(r.Context(), buf); err != nil {
				return
			}
			if err := ws.WriteFrame(r.Context(), []byte(strings.ToUpper(string(buf)))); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketRoundTrip(t *testing.T) {
	testlog.Start(t)
	srv := echoServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, err := DialWebSocket(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteFrame(ctx, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if err := ws.ReadFull(ctx, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "PING" {
		t.Fatalf("got=%q want=%q", buf, "PING")
	}
}

func TestWebSocketSurvivesInterruptedRead(t *testing.T) {
	testlog.Start(t)
	srv := echoServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, err := DialWebSocket(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	readCtx, stop := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- ws.ReadFull(readCtx, make([]byte, 4)) }()
	time.Sleep(20 * time.Millisecond)
	stop()
	if err := <-errCh; !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}

	if err := ws.WriteFrame(ctx, []byte("abcd")); err != nil {
		t.Fatalf("write after interrupt: %v", err)
	}
	buf := make([]byte, 4)
	if err := ws.ReadFull(ctx, buf); err != nil {
		t.Fatalf("read after interrupt: %v", err)
	}
	if string(buf) != "ABCD" {
		t.Fatalf("got=%q want=%q", buf, "ABCD")
	}
}

func TestWebSocketReadSpansMessages(t *testing.T) {
	testlog.Start(t)
	srv := echoServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, err := DialWebSocket(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	for _, part := range []string{"ab", "cd"} {
		if err := ws.WriteFrame(ctx, []byte(part)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	ws.Unread([]byte("<"))
	head := make([]byte, 1)
	if err := ws.ReadFull(ctx, head); err != nil || head[0] != '<' {
		t.Fatalf("unread byte: got=%q err=%v", head, err)
	}
	buf := make([]byte, 4)
	if err := ws.ReadFull(ctx, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ABCD" {
		t.Fatalf("got=%q want=%q", buf, "ABCD")
	}
}

func TestWebSocketPeerCloseIsEOF(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := AcceptWebSocket(r.Context(), w, r, nil)
		if err != nil {
			return
		}
		_ = ws.Close()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, err := DialWebSocket(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	if err := ws.ReadFull(ctx, make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestAcceptWebSocketChecksOrigin(t *testing.T) {
	testlog.Start(t)
	srv := echoServer(t, []string{"trusted.example"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dial := func(origin string) error {
		c, _, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{
			HTTPHeader: http.Header{"Origin": []string{origin}},
		})
		if err == nil {
			_ = c.Close(websocket.StatusNormalClosure, "")
		}
		return err
	}
	if err := dial("http://evil.example"); err == nil {
		t.Fatalf("foreign origin was accepted")
	}
	if err := dial("http://trusted.example"); err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
}
