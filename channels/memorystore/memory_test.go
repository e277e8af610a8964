package memorystore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/pushstream-go/channels"
	"github.com/ggoodman/pushstream-go/channels/storetest"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMemoryStore(t *testing.T) {
	storetest.RunStoreTests(t, func(t *testing.T, retention channels.Retention) channels.Store {
		return New(WithRetention(retention), WithSweepInterval(0))
	})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRetentionByAge(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now), WithSweepInterval(0), WithRetention(channels.Retention{MaxAge: time.Minute}))
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Append(ctx, "ch", channels.Publication{Payload: []byte("old")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	clock.Advance(45 * time.Second)
	if _, err := s.Append(ctx, "ch", channels.Publication{Payload: []byte("new")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	clock.Advance(30 * time.Second)

	msgs, err := s.MessagesSince(ctx, "ch", 0)
	if err != nil {
		t.Fatalf("messages since: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].Payload) != "new" {
		t.Fatalf("expected only the young message, got %d messages", len(msgs))
	}
	if msgs[0].Sequence != 2 {
		t.Fatalf("expected sequence 2, got %d", msgs[0].Sequence)
	}

	clock.Advance(time.Minute)
	msgs, err = s.LastN(ctx, "ch", 5)
	if err != nil {
		t.Fatalf("last n: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected all messages aged out, got %d", len(msgs))
	}

	head, err := s.Head(ctx, "ch")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Sequence != 2 {
		t.Fatalf("age eviction must keep the counter, got %d", head.Sequence)
	}
}

func TestSweepCollectsIdleChannels(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now), WithSweepInterval(0), WithRetention(channels.Retention{
		MaxAge:      time.Minute,
		InactiveTTL: 5 * time.Minute,
	}))
	defer s.Close()
	ctx := context.Background()

	first, err := s.Append(ctx, "idle", channels.Publication{Payload: []byte("x")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	clock.Advance(2 * time.Minute)
	s.Sweep()
	if s.Len() != 1 {
		t.Fatalf("expected channel to survive until inactive ttl, have %d channels", s.Len())
	}

	clock.Advance(4 * time.Minute)
	s.Sweep()
	if s.Len() != 0 {
		t.Fatalf("expected idle channel to be collected, have %d channels", s.Len())
	}

	// A collected channel starts again at sequence 1 in a new epoch.
	msg, err := s.Append(ctx, "idle", channels.Publication{Payload: []byte("y")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if msg.Sequence != 1 {
		t.Fatalf("expected recreated channel to restart at 1, got %d", msg.Sequence)
	}
	if msg.Epoch == 0 || msg.Epoch == first.Epoch {
		t.Fatalf("expected a new epoch after collection, got %d (was %d)", msg.Epoch, first.Epoch)
	}
}

func TestEpochsStayUniqueWhenClockGoesBack(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now), WithSweepInterval(0), WithRetention(channels.Retention{InactiveTTL: time.Nanosecond}))
	defer s.Close()
	ctx := context.Background()

	seen := map[uint64]bool{}
	for i := 0; i < 3; i++ {
		if _, err := s.Append(ctx, "frozen", channels.Publication{Payload: []byte("x")}); err != nil {
			t.Fatalf("append: %v", err)
		}
		head, err := s.Head(ctx, "frozen")
		if err != nil {
			t.Fatalf("head: %v", err)
		}
		if seen[head.Epoch] {
			t.Fatalf("epoch %d reused", head.Epoch)
		}
		seen[head.Epoch] = true

		// Drop the message by hand so the sweep can collect the channel.
		ch := s.lookup("frozen")
		ch.mu.Lock()
		ch.messages = nil
		ch.mu.Unlock()
		clock.Advance(time.Nanosecond)
		s.Sweep()
		if s.Len() != 0 {
			t.Fatalf("expected channel to be collected")
		}
		clock.Advance(-time.Nanosecond)
	}
}

func TestAppendAtCapacityKeepsBackingArrayBounded(t *testing.T) {
	const limit = 16
	s := New(WithSweepInterval(0), WithRetention(channels.Retention{MaxMessages: limit}))
	defer s.Close()
	ctx := context.Background()

	for i := 1; i <= 10000; i++ {
		if _, err := s.Append(ctx, "busy", channels.Publication{Payload: []byte(fmt.Sprint(i))}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	ch := s.lookup("busy")
	ch.mu.RLock()
	n, c := len(ch.messages), cap(ch.messages)
	ch.mu.RUnlock()
	if n != limit {
		t.Fatalf("expected %d retained messages, got %d", limit, n)
	}
	if c > 4*limit {
		t.Fatalf("backing array grew to %d for %d retained messages", c, limit)
	}

	msgs, err := s.LastN(ctx, "busy", limit)
	if err != nil {
		t.Fatalf("last n: %v", err)
	}
	if msgs[0].Sequence != 10000-limit+1 || string(msgs[limit-1].Payload) != "10000" {
		t.Fatalf("unexpected window %d..%s", msgs[0].Sequence, msgs[limit-1].Payload)
	}
}

func TestSweepKeepsChannelsWithHistory(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now), WithSweepInterval(0), WithRetention(channels.Retention{InactiveTTL: time.Minute}))
	defer s.Close()

	if _, err := s.Append(context.Background(), "busy", channels.Publication{Payload: []byte("x")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	clock.Advance(time.Hour)
	s.Sweep()
	if s.Len() != 1 {
		t.Fatalf("channel with retained messages must not be collected")
	}
}

func TestPinnedChannelSurvivesSweep(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now), WithSweepInterval(0), WithRetention(channels.Retention{InactiveTTL: time.Minute}))
	defer s.Close()

	release := s.Pin("waiting")
	clock.Advance(time.Hour)
	s.Sweep()
	if s.Len() != 1 {
		t.Fatalf("pinned channel was collected")
	}

	release()
	release() // idempotent
	clock.Advance(time.Hour)
	s.Sweep()
	if s.Len() != 0 {
		t.Fatalf("expected released channel to be collected, have %d", s.Len())
	}
}

func TestBackgroundSweep(t *testing.T) {
	s := New(WithSweepInterval(5*time.Millisecond), WithRetention(channels.Retention{InactiveTTL: time.Millisecond}))
	defer s.Close()

	release := s.Pin("short")
	release()

	deadline := time.Now().Add(2 * time.Second)
	for s.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("background sweep never collected the idle channel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAppendRacesWithSweep(t *testing.T) {
	s := New(WithSweepInterval(0), WithRetention(channels.Retention{InactiveTTL: time.Nanosecond}))
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.Sweep()
			}
		}
	}()

	for i := 0; i < 200; i++ {
		name := fmt.Sprintf("ch-%d", i%4)
		if _, err := s.Append(ctx, name, channels.Publication{Payload: []byte("x")}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}

func TestContextCancelled(t *testing.T) {
	s := New(WithSweepInterval(0))
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Append(ctx, "ch", channels.Publication{Payload: []byte("x")}); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
}
