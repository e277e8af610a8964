// Package waiters indexes long-poll subscribers that found nothing to
// deliver, so publishers can complete them.
//
// A Waiter leaves the Waiting state exactly once, through Claim (a publish
// matched), Expire (timeout) or Cancel (client went away). Each transition is
// a compare-and-swap, so racing publishers, timers and disconnects agree on a
// single outcome.
package waiters

import (
	"sync"
	"sync/atomic"
)

// State of a registered waiter.
type State int32

const (
	Waiting State = iota
	Delivering
	TimedOut
	Cancelled
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Delivering:
		return "delivering"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Waiter is one blocked subscription.
type Waiter struct {
	channels []string
	state    atomic.Int32
	woken    chan struct{}
}

// Channels returns the channel set the waiter is indexed under.
func (w *Waiter) Channels() []string { return w.channels }

// State returns the current state.
func (w *Waiter) State() State { return State(w.state.Load()) }

// Woken is signalled once the waiter has been claimed.
func (w *Waiter) Woken() <-chan struct{} { return w.woken }

// Claim moves the waiter to Delivering. It reports false if another
// transition won.
func (w *Waiter) Claim() bool {
	if !w.state.CompareAndSwap(int32(Waiting), int32(Delivering)) {
		return false
	}
	// Capacity 1 and a single successful claim: never blocks.
	w.woken <- struct{}{}
	return true
}

// Expire moves the waiter to TimedOut.
func (w *Waiter) Expire() bool {
	return w.state.CompareAndSwap(int32(Waiting), int32(TimedOut))
}

// Cancel moves the waiter to Cancelled.
func (w *Waiter) Cancel() bool {
	return w.state.CompareAndSwap(int32(Waiting), int32(Cancelled))
}

// Registry indexes waiters by every channel they subscribe to.
type Registry struct {
	mu        sync.RWMutex
	byChannel map[string]map[*Waiter]struct{}
	count     atomic.Int64
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byChannel: make(map[string]map[*Waiter]struct{})}
}

// Register indexes a new Waiting waiter under channels. The caller must
// re-check for deliverable messages after registering and must Remove the
// waiter once it is done with it.
func (r *Registry) Register(channels []string) *Waiter {
	w := &Waiter{
		channels: append([]string(nil), channels...),
		woken:    make(chan struct{}, 1),
	}
	w.state.Store(int32(Waiting))

	r.mu.Lock()
	for _, ch := range w.channels {
		set, ok := r.byChannel[ch]
		if !ok {
			set = make(map[*Waiter]struct{})
			r.byChannel[ch] = set
		}
		set[w] = struct{}{}
	}
	r.mu.Unlock()
	r.count.Add(1)
	return w
}

// Remove de-indexes w. Removing twice is harmless.
func (r *Registry) Remove(w *Waiter) {
	removed := false
	r.mu.Lock()
	for _, ch := range w.channels {
		set, ok := r.byChannel[ch]
		if !ok {
			continue
		}
		if _, ok := set[w]; ok {
			delete(set, w)
			removed = true
		}
		if len(set) == 0 {
			delete(r.byChannel, ch)
		}
	}
	r.mu.Unlock()
	if removed {
		r.count.Add(-1)
	}
}

// Wake claims every waiter on channel and returns how many it claimed.
// Waiters already claimed through another channel, expired or cancelled are
// skipped.
func (r *Registry) Wake(channel string) int {
	r.mu.RLock()
	set := r.byChannel[channel]
	targets := make([]*Waiter, 0, len(set))
	for w := range set {
		targets = append(targets, w)
	}
	r.mu.RUnlock()

	n := 0
	for _, w := range targets {
		if w.Claim() {
			n++
		}
	}
	return n
}

// Len reports the number of registered waiters.
func (r *Registry) Len() int { return int(r.count.Load()) }
