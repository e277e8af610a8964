// Package storetest provides a conformance suite for channels.Store
// implementations.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/pushstream-go/channels"
	"github.com/google/uuid"
)

// TagIndexer is implemented by stores that keep a separate event tag index.
// The suite checks that such an index stays within the retention bound.
type TagIndexer interface {
	TagIndexLen(ctx context.Context, channel string) (int, error)
}

// StoreFactory creates a new Store instance for testing with the given
// retention bounds.
type StoreFactory func(t *testing.T, retention channels.Retention) channels.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Append_AssignsGaplessSequences", func(t *testing.T) { testAppendAssignsGaplessSequences(t, factory) })
	t.Run("Append_PassesThroughOpaqueFields", func(t *testing.T) { testAppendPassesThroughOpaqueFields(t, factory) })
	t.Run("Append_RejectsInvalidChannel", func(t *testing.T) { testAppendRejectsInvalidChannel(t, factory) })
	t.Run("Append_ConcurrentPublishersStayGapless", func(t *testing.T) { testConcurrentAppends(t, factory) })
	t.Run("Read_MessagesSince", func(t *testing.T) { testMessagesSince(t, factory) })
	t.Run("Read_MessagesSincePastHead", func(t *testing.T) { testMessagesSincePastHead(t, factory) })
	t.Run("Read_LastN", func(t *testing.T) { testLastN(t, factory) })
	t.Run("Read_UnknownChannelIsEmpty", func(t *testing.T) { testUnknownChannel(t, factory) })
	t.Run("Read_IsolationBetweenChannels", func(t *testing.T) { testChannelIsolation(t, factory) })
	t.Run("EventTag_FindMostRecent", func(t *testing.T) { testFindByEventTag(t, factory) })
	t.Run("Head_TracksLastSequence", func(t *testing.T) { testHead(t, factory) })
	t.Run("Head_CarriesEpoch", func(t *testing.T) { testHeadEpoch(t, factory) })
	t.Run("Retention_EvictsOldestBeyondCount", func(t *testing.T) { testRetentionByCount(t, factory) })
	t.Run("Retention_BoundsEventTagIndex", func(t *testing.T) { testRetentionBoundsTags(t, factory) })
}

func newStore(t *testing.T, factory StoreFactory, retention channels.Retention) channels.Store {
	t.Helper()
	s := factory(t, retention)
	if c, ok := s.(io.Closer); ok {
		t.Cleanup(func() { _ = c.Close() })
	}
	return s
}

// channelName returns a name unique to this test run so shared backends do
// not observe history from earlier runs.
func channelName(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

func mustAppend(t *testing.T, s channels.Store, ch string, payload string, tag string) channels.Message {
	t.Helper()
	msg, err := s.Append(context.Background(), ch, channels.Publication{Payload: []byte(payload), ContentType: "text/plain", EventTag: tag})
	if err != nil {
		t.Fatalf("append %q to %s: %v", payload, ch, err)
	}
	return msg
}

func payloads(msgs []channels.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, string(m.Payload))
	}
	return out
}

func assertPayloads(t *testing.T, got []channels.Message, want ...string) {
	t.Helper()
	gp := payloads(got)
	if len(gp) != len(want) {
		t.Fatalf("expected payloads %q, got %q", want, gp)
	}
	for i := range want {
		if gp[i] != want[i] {
			t.Fatalf("expected payloads %q, got %q", want, gp)
		}
	}
}

func testAppendAssignsGaplessSequences(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory, channels.Retention{})
	ch := channelName("seq")

	for i := 1; i <= 5; i++ {
		msg := mustAppend(t, s, ch, fmt.Sprintf("msg %d", i), "")
		if msg.Sequence != uint64(i) {
			t.Fatalf("expected sequence %d, got %d", i, msg.Sequence)
		}
		if msg.Channel != ch {
			t.Fatalf("expected channel %s, got %s", ch, msg.Channel)
		}
		if msg.PublishedAt.IsZero() {
			t.Fatalf("expected published_at to be set")
		}
	}
}

func testAppendPassesThroughOpaqueFields(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory, channels.Retention{})
	ch := channelName("opaque")

	payload := []byte("line one\r\nline two\x00binary")
	_, err := s.Append(context.Background(), ch, channels.Publication{Payload: payload, ContentType: "application/x-custom; charset=latin1", EventTag: "tag-1"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	// Mutating the caller's buffer must not alter stored history.
	payload[0] = 'X'

	msgs, err := s.MessagesSince(context.Background(), ch, 0)
	if err != nil {
		t.Fatalf("messages since: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if !bytes.Equal(msgs[0].Payload, []byte("line one\r\nline two\x00binary")) {
		t.Fatalf("payload altered: %q", msgs[0].Payload)
	}
	if msgs[0].ContentType != "application/x-custom; charset=latin1" {
		t.Fatalf("content type altered: %q", msgs[0].ContentType)
	}
	if msgs[0].EventTag != "tag-1" {
		t.Fatalf("event tag altered: %q", msgs[0].EventTag)
	}
}

func testAppendRejectsInvalidChannel(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory, channels.Retention{})

	for _, name := range []string{"", "a/b"} {
		_, err := s.Append(context.Background(), name, channels.Publication{Payload: []byte("x")})
		if !errors.Is(err, channels.ErrInvalidChannel) {
			t.Fatalf("expected ErrInvalidChannel for %q, got %v", name, err)
		}
	}
}

func testConcurrentAppends(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory, channels.Retention{})
	ch := channelName("concurrent")

	const publishers = 8
	const perPublisher = 25

	var mu sync.Mutex
	var seqs []uint64
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				msg, err := s.Append(context.Background(), ch, channels.Publication{Payload: []byte(fmt.Sprintf("%d-%d", p, i))})
				if err != nil {
					t.Errorf("append: %v", err)
					return
				}
				mu.Lock()
				seqs = append(seqs, msg.Sequence)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if len(seqs) != publishers*perPublisher {
		t.Fatalf("expected %d sequences, got %d", publishers*perPublisher, len(seqs))
	}
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Fatalf("sequence gap or duplicate at %d: got %d", i, seq)
		}
	}

	msgs, err := s.MessagesSince(context.Background(), ch, 0)
	if err != nil {
		t.Fatalf("messages since: %v", err)
	}
	for i, m := range msgs {
		if m.Sequence != uint64(i+1) {
			t.Fatalf("history out of order at %d: sequence %d", i, m.Sequence)
		}
	}
}

func testMessagesSince(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory, channels.Retention{})
	ch := channelName("since")
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		mustAppend(t, s, ch, fmt.Sprintf("msg %d", i), "")
	}

	got, err := s.MessagesSince(ctx, ch, 0)
	if err != nil {
		t.Fatalf("messages since 0: %v", err)
	}
	assertPayloads(t, got, "msg 1", "msg 2", "msg 3", "msg 4")

	got, err = s.MessagesSince(ctx, ch, 2)
	if err != nil {
		t.Fatalf("messages since 2: %v", err)
	}
	assertPayloads(t, got, "msg 3", "msg 4")

	got, err = s.MessagesSince(ctx, ch, 4)
	if err != nil {
		t.Fatalf("messages since 4: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no messages after head, got %q", payloads(got))
	}

	got, err = s.MessagesSince(ctx, ch, 40)
	if err != nil {
		t.Fatalf("messages since 40: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no messages past head, got %q", payloads(got))
	}
}

func testLastN(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory, channels.Retention{})
	ch := channelName("lastn")
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		mustAppend(t, s, ch, fmt.Sprintf("msg %d", i), "")
	}

	got, err := s.LastN(ctx, ch, 2)
	if err != nil {
		t.Fatalf("last 2: %v", err)
	}
	assertPayloads(t, got, "msg 3", "msg 4")

	got, err = s.LastN(ctx, ch, 10)
	if err != nil {
		t.Fatalf("last 10: %v", err)
	}
	assertPayloads(t, got, "msg 1", "msg 2", "msg 3", "msg 4")

	got, err = s.LastN(ctx, ch, 0)
	if err != nil {
		t.Fatalf("last 0: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no messages for n=0, got %q", payloads(got))
	}
}

func testUnknownChannel(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory, channels.Retention{})
	ch := channelName("unknown")
	ctx := context.Background()

	if got, err := s.MessagesSince(ctx, ch, 0); err != nil || len(got) != 0 {
		t.Fatalf("expected empty history, got %d messages, err %v", len(got), err)
	}
	if got, err := s.LastN(ctx, ch, 3); err != nil || len(got) != 0 {
		t.Fatalf("expected empty backtrack, got %d messages, err %v", len(got), err)
	}
	if _, err := s.FindByEventTag(ctx, ch, "nope"); !errors.Is(err, channels.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	head, err := s.Head(ctx, ch)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Sequence != 0 {
		t.Fatalf("expected zero head, got %d", head.Sequence)
	}
}

func testChannelIsolation(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory, channels.Retention{})
	a, b := channelName("iso-a"), channelName("iso-b")
	ctx := context.Background()

	mustAppend(t, s, a, "a1", "")
	mustAppend(t, s, b, "b1", "")
	mustAppend(t, s, a, "a2", "")

	got, err := s.MessagesSince(ctx, a, 0)
	if err != nil {
		t.Fatalf("messages a: %v", err)
	}
	assertPayloads(t, got, "a1", "a2")

	got, err = s.MessagesSince(ctx, b, 0)
	if err != nil {
		t.Fatalf("messages b: %v", err)
	}
	assertPayloads(t, got, "b1")
	if got[0].Sequence != 1 {
		t.Fatalf("expected independent sequence 1 for channel b, got %d", got[0].Sequence)
	}
}

func testFindByEventTag(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory, channels.Retention{})
	ch := channelName("tags")
	ctx := context.Background()

	mustAppend(t, s, ch, "msg 1", "event 1")
	mustAppend(t, s, ch, "msg 2", "event 2")
	mustAppend(t, s, ch, "msg 3", "")
	mustAppend(t, s, ch, "msg 4", "event 3")

	msg, err := s.FindByEventTag(ctx, ch, "event 2")
	if err != nil {
		t.Fatalf("find event 2: %v", err)
	}
	if msg.Sequence != 2 || string(msg.Payload) != "msg 2" {
		t.Fatalf("expected msg 2 at sequence 2, got %q at %d", msg.Payload, msg.Sequence)
	}

	if _, err := s.FindByEventTag(ctx, ch, "event 9"); !errors.Is(err, channels.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// Tags are unique only by convention; the newest carrier wins.
	mustAppend(t, s, ch, "msg 5", "event 1")
	msg, err = s.FindByEventTag(ctx, ch, "event 1")
	if err != nil {
		t.Fatalf("find event 1: %v", err)
	}
	if msg.Sequence != 5 {
		t.Fatalf("expected most recent carrier at sequence 5, got %d", msg.Sequence)
	}
}

func testHead(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory, channels.Retention{})
	ch := channelName("head")
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	mustAppend(t, s, ch, "one", "")
	last := mustAppend(t, s, ch, "two", "")

	head, err := s.Head(ctx, ch)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Sequence != 2 {
		t.Fatalf("expected head sequence 2, got %d", head.Sequence)
	}
	if head.PublishedAt.Before(before) {
		t.Fatalf("expected head time after %v, got %v", before, head.PublishedAt)
	}
	if !head.PublishedAt.Equal(last.PublishedAt) {
		t.Fatalf("expected head time %v, got %v", last.PublishedAt, head.PublishedAt)
	}
}

func testMessagesSincePastHead(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory, channels.Retention{})
	ch := channelName("past-head")
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		mustAppend(t, s, ch, fmt.Sprintf("msg %d", i), "")
	}

	for _, seq := range []uint64{3, 4, 1 << 40, math.MaxInt64, math.MaxUint64 - 1, math.MaxUint64} {
		got, err := s.MessagesSince(ctx, ch, seq)
		if err != nil {
			t.Fatalf("messages since %d: %v", seq, err)
		}
		if len(got) != 0 {
			t.Fatalf("expected nothing after %d, got %q", seq, payloads(got))
		}
	}
}

func testHeadEpoch(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory, channels.Retention{})
	ch := channelName("epoch")
	ctx := context.Background()

	head, err := s.Head(ctx, ch)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Epoch != 0 {
		t.Fatalf("expected no epoch for an unknown channel, got %d", head.Epoch)
	}

	first := mustAppend(t, s, ch, "one", "")
	mustAppend(t, s, ch, "two", "")
	if first.Epoch == 0 {
		t.Fatalf("expected appended message to carry an epoch")
	}

	head, err = s.Head(ctx, ch)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Epoch != first.Epoch {
		t.Fatalf("head epoch %d, message epoch %d", head.Epoch, first.Epoch)
	}
	got, err := s.MessagesSince(ctx, ch, 0)
	if err != nil {
		t.Fatalf("messages since: %v", err)
	}
	for _, m := range got {
		if m.Epoch != first.Epoch {
			t.Fatalf("message %d has epoch %d, want %d", m.Sequence, m.Epoch, first.Epoch)
		}
	}
}

func testRetentionBoundsTags(t *testing.T, factory StoreFactory) {
	const limit = 10
	s := newStore(t, factory, channels.Retention{MaxMessages: limit})
	ch := channelName("tag-bound")
	ctx := context.Background()

	for i := 1; i <= 200; i++ {
		mustAppend(t, s, ch, fmt.Sprintf("msg %d", i), fmt.Sprintf("tick-%d", i))
	}

	if _, err := s.FindByEventTag(ctx, ch, "tick-190"); !errors.Is(err, channels.ErrNotFound) {
		t.Fatalf("expected tag of an evicted message to be ErrNotFound, got %v", err)
	}
	msg, err := s.FindByEventTag(ctx, ch, "tick-191")
	if err != nil {
		t.Fatalf("find oldest retained tag: %v", err)
	}
	if msg.Sequence != 191 {
		t.Fatalf("expected sequence 191, got %d", msg.Sequence)
	}

	ti, ok := s.(TagIndexer)
	if !ok {
		return
	}
	n, err := ti.TagIndexLen(ctx, ch)
	if err != nil {
		t.Fatalf("tag index len: %v", err)
	}
	if n > limit {
		t.Fatalf("tag index holds %d entries, retention keeps %d messages", n, limit)
	}
}

func testRetentionByCount(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory, channels.Retention{MaxMessages: 3})
	ch := channelName("retention")
	ctx := context.Background()

	mustAppend(t, s, ch, "msg 1", "first")
	for i := 2; i <= 5; i++ {
		mustAppend(t, s, ch, fmt.Sprintf("msg %d", i), "")
	}

	got, err := s.LastN(ctx, ch, 10)
	if err != nil {
		t.Fatalf("last n: %v", err)
	}
	assertPayloads(t, got, "msg 3", "msg 4", "msg 5")

	got, err = s.MessagesSince(ctx, ch, 0)
	if err != nil {
		t.Fatalf("messages since: %v", err)
	}
	assertPayloads(t, got, "msg 3", "msg 4", "msg 5")

	if _, err := s.FindByEventTag(ctx, ch, "first"); !errors.Is(err, channels.ErrNotFound) {
		t.Fatalf("expected evicted tag to be ErrNotFound, got %v", err)
	}

	head, err := s.Head(ctx, ch)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Sequence != 5 {
		t.Fatalf("eviction must not rewind the sequence counter, got head %d", head.Sequence)
	}
}
