package memorystore

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/pushstream-go/channels"
)

// Store is an in-memory implementation of channels.Store.
type Store struct {
	mu       sync.RWMutex
	channels map[string]*channel
	// lastEpoch is the epoch handed to the most recently created channel.
	lastEpoch uint64

	retention channels.Retention
	now       func() time.Time
	sweep     time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type channel struct {
	mu              sync.RWMutex
	seq             uint64
	epoch           uint64
	messages        []channels.Message // oldest first, contiguous sequences
	lastPublishedAt time.Time
	lastActivity    time.Time
	pins            int
	// dead is set once the janitor has removed the channel from the store.
	dead bool
}

// Option configures a Store.
type Option func(*Store)

// WithRetention overrides channels.DefaultRetention.
func WithRetention(r channels.Retention) Option {
	return func(s *Store) { s.retention = r }
}

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSweepInterval sets how often idle channels and aged messages are
// collected. A non-positive interval disables the background sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweep = d }
}

// New creates a Store and starts its background sweep. Call Close to stop it.
func New(opts ...Option) *Store {
	s := &Store{
		channels:  make(map[string]*channel),
		retention: channels.DefaultRetention,
		now:       time.Now,
		sweep:     30 * time.Second,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweep > 0 {
		s.wg.Add(1)
		go s.sweepLoop()
	}
	return s
}

// Close stops the background sweep. Stored history stays readable.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return nil
}

func (s *Store) Append(ctx context.Context, name string, pub channels.Publication) (channels.Message, error) {
	if err := ctx.Err(); err != nil {
		return channels.Message{}, err
	}
	if err := channels.ValidateName(name); err != nil {
		return channels.Message{}, err
	}

	for {
		ch := s.ensureChannel(name)

		ch.mu.Lock()
		if ch.dead {
			// Lost a race with the sweep; the replacement is created on retry.
			ch.mu.Unlock()
			continue
		}
		now := s.now()
		ch.seq++
		msg := channels.Message{
			Channel:     name,
			Sequence:    ch.seq,
			EventTag:    pub.EventTag,
			Payload:     append([]byte(nil), pub.Payload...),
			ContentType: pub.ContentType,
			PublishedAt: now,
			Epoch:       ch.epoch,
		}
		ch.messages = append(ch.messages, msg)
		ch.lastPublishedAt = now
		ch.lastActivity = now
		s.evictLocked(ch, now)
		ch.mu.Unlock()

		return msg, nil
	}
}

func (s *Store) MessagesSince(ctx context.Context, name string, seq uint64) ([]channels.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := s.lookup(name)
	if ch == nil {
		return nil, nil
	}

	ch.mu.RLock()
	defer ch.mu.RUnlock()

	if seq >= ch.seq {
		return nil, nil
	}
	live := s.liveLocked(ch)
	if len(live) == 0 {
		return nil, nil
	}
	first := live[0].Sequence
	start := 0
	if seq >= first {
		start = int(seq - first + 1)
	}
	if start >= len(live) {
		return nil, nil
	}
	out := make([]channels.Message, len(live)-start)
	copy(out, live[start:])
	return out, nil
}

func (s *Store) LastN(ctx context.Context, name string, n int) ([]channels.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	ch := s.lookup(name)
	if ch == nil {
		return nil, nil
	}

	ch.mu.RLock()
	defer ch.mu.RUnlock()

	live := s.liveLocked(ch)
	if n > len(live) {
		n = len(live)
	}
	out := make([]channels.Message, n)
	copy(out, live[len(live)-n:])
	return out, nil
}

func (s *Store) FindByEventTag(ctx context.Context, name string, tag string) (channels.Message, error) {
	if err := ctx.Err(); err != nil {
		return channels.Message{}, err
	}
	if tag == "" {
		return channels.Message{}, channels.ErrNotFound
	}
	ch := s.lookup(name)
	if ch == nil {
		return channels.Message{}, channels.ErrNotFound
	}

	ch.mu.RLock()
	defer ch.mu.RUnlock()

	live := s.liveLocked(ch)
	for i := len(live) - 1; i >= 0; i-- {
		if live[i].EventTag == tag {
			return live[i], nil
		}
	}
	return channels.Message{}, channels.ErrNotFound
}

func (s *Store) Head(ctx context.Context, name string) (channels.Head, error) {
	if err := ctx.Err(); err != nil {
		return channels.Head{}, err
	}
	ch := s.lookup(name)
	if ch == nil {
		return channels.Head{}, nil
	}

	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return channels.Head{Sequence: ch.seq, PublishedAt: ch.lastPublishedAt, Epoch: ch.epoch}, nil
}

// Pin implements channels.Pinner. The channel is created if needed.
func (s *Store) Pin(name string) func() {
	for {
		ch := s.ensureChannel(name)
		ch.mu.Lock()
		if ch.dead {
			ch.mu.Unlock()
			continue
		}
		ch.pins++
		ch.lastActivity = s.now()
		ch.mu.Unlock()

		var once sync.Once
		return func() {
			once.Do(func() {
				ch.mu.Lock()
				ch.pins--
				ch.lastActivity = s.now()
				ch.mu.Unlock()
			})
		}
	}
}

// Len reports the number of channels currently held. Intended for tests and
// diagnostics.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

// Sweep evicts aged messages and collects idle channels immediately.
func (s *Store) Sweep() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, ch := range s.channels {
		ch.mu.Lock()
		s.evictLocked(ch, now)
		idle := s.retention.InactiveTTL > 0 && now.Sub(ch.lastActivity) >= s.retention.InactiveTTL
		if len(ch.messages) == 0 && ch.pins == 0 && idle {
			ch.dead = true
			delete(s.channels, name)
		}
		ch.mu.Unlock()
	}
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *Store) lookup(name string) *channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[name]
}

func (s *Store) ensureChannel(name string) *channel {
	if ch := s.lookup(name); ch != nil {
		return ch
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[name]
	if !ok {
		now := s.now()
		ch = &channel{epoch: s.nextEpochLocked(now), lastActivity: now}
		s.channels[name] = ch
	}
	return ch
}

// nextEpochLocked returns a strictly increasing epoch seeded from the clock so
// that epochs also differ across process restarts. The caller holds s.mu.
func (s *Store) nextEpochLocked(now time.Time) uint64 {
	e := uint64(now.UnixNano())
	if e <= s.lastEpoch {
		e = s.lastEpoch + 1
	}
	s.lastEpoch = e
	return e
}

// evictLocked drops messages beyond the count bound and older than the age
// bound. The caller holds ch.mu for writing.
func (s *Store) evictLocked(ch *channel, now time.Time) {
	drop := 0
	if limit := s.retention.MaxMessages; limit > 0 && len(ch.messages) > limit {
		drop = len(ch.messages) - limit
	}
	if maxAge := s.retention.MaxAge; maxAge > 0 {
		for drop < len(ch.messages) && now.Sub(ch.messages[drop].PublishedAt) > maxAge {
			drop++
		}
	}
	if drop == 0 {
		return
	}
	// Release the evicted payloads and slide the window. append reallocates
	// once the window reaches the end of the backing array and copies only
	// the retained messages.
	clear(ch.messages[:drop])
	ch.messages = ch.messages[drop:]
}

// liveLocked returns the retained messages that are still within the age
// bound without mutating the channel. The caller holds ch.mu.
func (s *Store) liveLocked(ch *channel) []channels.Message {
	maxAge := s.retention.MaxAge
	if maxAge <= 0 {
		return ch.messages
	}
	now := s.now()
	i := 0
	for i < len(ch.messages) && now.Sub(ch.messages[i].PublishedAt) > maxAge {
		i++
	}
	return ch.messages[i:]
}

var (
	_ channels.Store  = (*Store)(nil)
	_ channels.Pinner = (*Store)(nil)
)
