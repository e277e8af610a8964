package waiters

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestWakeClaimsWaitersOnChannel(t *testing.T) {
	r := NewRegistry()
	a := r.Register([]string{"a"})
	ab := r.Register([]string{"a", "b"})
	b := r.Register([]string{"b"})
	defer r.Remove(a)
	defer r.Remove(ab)
	defer r.Remove(b)

	if n := r.Wake("a"); n != 2 {
		t.Fatalf("expected 2 waiters claimed, got %d", n)
	}
	for _, w := range []*Waiter{a, ab} {
		select {
		case <-w.Woken():
		default:
			t.Fatalf("expected claimed waiter to be signalled")
		}
		if w.State() != Delivering {
			t.Fatalf("expected delivering, got %s", w.State())
		}
	}
	if b.State() != Waiting {
		t.Fatalf("waiter on b must not be touched, got %s", b.State())
	}

	// ab was already claimed through a; b is still free.
	if n := r.Wake("b"); n != 1 {
		t.Fatalf("expected 1 waiter claimed, got %d", n)
	}
}

func TestExactlyOneTransition(t *testing.T) {
	for i := 0; i < 200; i++ {
		r := NewRegistry()
		w := r.Register([]string{"x", "y"})

		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for _, fn := range []func() bool{
			func() bool { return r.Wake("x") == 1 },
			func() bool { return r.Wake("y") == 1 },
			w.Expire,
			w.Cancel,
		} {
			wg.Add(1)
			go func(fn func() bool) {
				defer wg.Done()
				<-start
				if fn() {
					wins.Add(1)
				}
			}(fn)
		}
		close(start)
		wg.Wait()
		r.Remove(w)

		if wins.Load() != 1 {
			t.Fatalf("iteration %d: expected exactly one transition, got %d", i, wins.Load())
		}
		if w.State() == Waiting {
			t.Fatalf("iteration %d: waiter still waiting", i)
		}
	}
}

func TestExpiredWaiterIgnoresWake(t *testing.T) {
	r := NewRegistry()
	w := r.Register([]string{"c"})
	defer r.Remove(w)

	if !w.Expire() {
		t.Fatalf("expected expire to succeed")
	}
	if n := r.Wake("c"); n != 0 {
		t.Fatalf("expected no claims after expiry, got %d", n)
	}
	select {
	case <-w.Woken():
		t.Fatalf("expired waiter must not be signalled")
	default:
	}
}

func TestRemove(t *testing.T) {
	r := NewRegistry()
	w := r.Register([]string{"a", "b"})
	if r.Len() != 1 {
		t.Fatalf("expected 1 waiter, got %d", r.Len())
	}
	r.Remove(w)
	r.Remove(w)
	if r.Len() != 0 {
		t.Fatalf("expected 0 waiters, got %d", r.Len())
	}
	if n := r.Wake("a"); n != 0 {
		t.Fatalf("removed waiter was claimed")
	}
	if len(r.byChannel) != 0 {
		t.Fatalf("expected empty index, got %d channels", len(r.byChannel))
	}
}
