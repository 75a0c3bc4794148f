package session

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/msgwire/internal/testutil/testlog"
)

func TestOutboxFIFOAndPushFront(t *testing.T) {
	testlog.Start(t)
	box := NewOutbox[int](0)
	for i := 1; i <= 3; i++ {
		if err := box.Push(i); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	first, _ := box.TryPop()
	box.PushFront(first)

	ctx := context.Background()
	for want := 1; want <= 3; want++ {
		got, err := box.Pop(ctx)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if got != want {
			t.Fatalf("pop got=%d want=%d", got, want)
		}
	}
	if box.Len() != 0 {
		t.Fatalf("len got=%d want=0", box.Len())
	}
}

func TestOutboxBound(t *testing.T) {
	testlog.Start(t)
	box := NewOutbox[string](2)
	_ = box.Push("a")
	_ = box.Push("b")
	if err := box.Push("c"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	box.PushFront("z")
	if box.Len() != 3 {
		t.Fatalf("push front ignores bound: len got=%d want=3", box.Len())
	}
}

func TestOutboxPopBlocksUntilPush(t *testing.T) {
	testlog.Start(t)
	box := NewOutbox[int](0)
	got := make(chan int, 1)
	go func() {
		v, err := box.Pop(context.Background())
		if err == nil {
			got <- v
		}
	}()

	select {
	case <-got:
		t.Fatalf("pop returned before push")
	case <-time.After(20 * time.Millisecond):
	}
	_ = box.Push(7)
	select {
	case v := <-got:
		if v != 7 {
			t.Fatalf("pop got=%d want=7", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("pop did not wake")
	}
}

func TestOutboxPopHonoursContext(t *testing.T) {
	testlog.Start(t)
	box := NewOutbox[int](0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := box.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestOutboxCloseDrains(t *testing.T) {
	testlog.Start(t)
	box := NewOutbox[int](0)
	_ = box.Push(1)
	box.Close()
	if err := box.Push(2); !errors.Is(err, ErrOutboxClosed) {
		t.Fatalf("expected ErrOutboxClosed, got %v", err)
	}
	if v, err := box.Pop(context.Background()); err != nil || v != 1 {
		t.Fatalf("drain got=%d,%v want=1,nil", v, err)
	}
	if _, err := box.Pop(context.Background()); !errors.Is(err, ErrOutboxClosed) {
		t.Fatalf("expected ErrOutboxClosed after drain, got %v", err)
	}
}

func TestOutboxConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	testlog.Start(t)
	const producers, each = 4, 200
	box := NewOutbox[[2]int](0)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_ = box.Push([2]int{p, i})
			}
		}(p)
	}
	wg.Wait()

	next := make([]int, producers)
	for n := 0; n < producers*each; n++ {
		item, ok := box.TryPop()
		if !ok {
			t.Fatalf("queue drained early at %d", n)
		}
		if item[1] != next[item[0]] {
			t.Fatalf("producer %d order got=%d want=%d", item[0], item[1], next[item[0]])
		}
		next[item[0]]++
	}
}

func TestNextBackoffDelay(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     time.Second,
	}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, time.Second},
	}
	for _, tc := range cases {
		if got := NextBackoffDelay(cfg, tc.attempt, nil); got != tc.want {
			t.Fatalf("attempt %d delay got=%s want=%s", tc.attempt, got, tc.want)
		}
	}

	cfg.Jitter = true
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		got := NextBackoffDelay(cfg, 1, rng)
		if got < 50*time.Millisecond || got > 150*time.Millisecond {
			t.Fatalf("jittered delay out of range: %s", got)
		}
	}

	if got := NextBackoffDelay(BackoffConfig{}, 3, nil); got != 0 {
		t.Fatalf("zero config delay got=%s want=0", got)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{MaxQueue: -1, MaxRestarts: -3}.WithDefaults()
	def := DefaultConfig()
	if cfg.Name != def.Name {
		t.Fatalf("name got=%q want=%q", cfg.Name, def.Name)
	}
	if cfg.Limits != def.Limits {
		t.Fatalf("limits got=%+v want=%+v", cfg.Limits, def.Limits)
	}
	if cfg.MaxQueue != 0 || cfg.MaxRestarts != 0 {
		t.Fatalf("negative bounds not clamped: %+v", cfg)
	}
	if cfg.Backoff != def.Backoff {
		t.Fatalf("backoff got=%+v want=%+v", cfg.Backoff, def.Backoff)
	}
}
