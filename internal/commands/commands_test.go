package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/pushstream-go/channels/memorystore"
	"github.com/ggoodman/pushstream-go/internal/config"
	"github.com/ggoodman/pushstream-go/longpoll"
	"github.com/ggoodman/pushstream-go/pushhttp"
)

func testFlags() *Flags {
	return &Flags{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func newBroker(t *testing.T) *httptest.Server {
	t.Helper()
	store := memorystore.New(memorystore.WithSweepInterval(0))
	t.Cleanup(func() { _ = store.Close() })
	engine := longpoll.New(store, longpoll.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	srv := httptest.NewServer(pushhttp.New(engine))
	t.Cleanup(srv.Close)
	return srv
}

func TestPublishThenSubscribe(t *testing.T) {
	srv := newBroker(t)
	ctx := context.Background()

	pub := NewPublishCmd(testFlags())
	pub.url = srv.URL
	pub.channel = "news"
	pub.contentType = "text/plain"

	for i, body := range []string{"one", "two"} {
		ack, err := pub.publish(ctx, []byte(body))
		if err != nil {
			t.Fatalf("publish %q: %v", body, err)
		}
		if ack.Channel != "news" || ack.Sequence != uint64(i+1) {
			t.Fatalf("unexpected ack %+v", ack)
		}
	}

	sub := NewSubscribeCmd(testFlags())
	sub.url = srv.URL
	sub.backtrack = 1
	target, err := sub.subscribeURL([]string{"news"})
	if err != nil {
		t.Fatalf("url: %v", err)
	}

	var st pollState
	var out bytes.Buffer
	if _, err := sub.pollOnce(ctx, target, &st, &out); err != nil {
		t.Fatalf("first poll: %v", err)
	}

	// The resumed poll blocks until the next publish, or sees it through
	// the cursor if the publish lands first.
	done := make(chan error, 1)
	go func() {
		_, err := sub.pollOnce(ctx, target, &st, &out)
		done <- err
	}()
	if _, err := pub.publish(ctx, []byte("three")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second poll: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("subscriber did not finish")
	}
	if got := out.String(); got != "two\r\nthree\r\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestSubscribeResumesAfterTimeout(t *testing.T) {
	srv := newBroker(t)
	ctx := context.Background()

	pub := NewPublishCmd(testFlags())
	pub.url = srv.URL
	pub.channel = "quiet"
	pub.contentType = "text/plain"
	if _, err := pub.publish(ctx, []byte("old")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sub := NewSubscribeCmd(testFlags())
	sub.url = srv.URL
	sub.backtrack = 1
	sub.timeout = 20 * time.Millisecond
	sub.deliveries = 1

	var out bytes.Buffer
	if err := sub.poll(ctx, []string{"quiet"}, &out); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if out.String() != "old\r\n" {
		t.Fatalf("unexpected output %q", out.String())
	}

	// A second subscriber started with the same state must only see new
	// messages across a timed-out poll.
	st := pollState{}
	target, err := sub.subscribeURL([]string{"quiet"})
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	var first bytes.Buffer
	if _, err := sub.pollOnce(ctx, target, &st, &first); err != nil {
		t.Fatalf("poll once: %v", err)
	}
	got, err := sub.pollOnce(ctx, target, &st, io.Discard)
	if err != nil {
		t.Fatalf("poll once: %v", err)
	}
	if got {
		t.Fatalf("expected a timed-out poll")
	}
	if st.etag == "" || st.lastModified == "" {
		t.Fatalf("timed-out poll should keep the cursor: %+v", st)
	}

	if _, err := pub.publish(ctx, []byte("new")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	var next bytes.Buffer
	if _, err := sub.pollOnce(ctx, target, &st, &next); err != nil {
		t.Fatalf("poll once: %v", err)
	}
	if next.String() != "new\r\n" {
		t.Fatalf("unexpected resume output %q", next.String())
	}
}

func TestSubscribeLastEventID(t *testing.T) {
	srv := newBroker(t)
	ctx := context.Background()

	pub := NewPublishCmd(testFlags())
	pub.url = srv.URL
	pub.channel = "tagged"
	pub.contentType = "text/plain"
	for _, tag := range []string{"a", "b", "c"} {
		pub.eventID = tag
		if _, err := pub.publish(ctx, []byte("msg-"+tag)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	sub := NewSubscribeCmd(testFlags())
	sub.url = srv.URL
	sub.lastEventID = "a"
	sub.deliveries = 1

	var out bytes.Buffer
	if err := sub.poll(ctx, []string{"tagged"}, &out); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if out.String() != "msg-b\r\nmsg-c\r\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestSubscribeRejected(t *testing.T) {
	srv := newBroker(t)
	sub := NewSubscribeCmd(testFlags())
	sub.url = srv.URL
	sub.deliveries = 1

	err := sub.poll(context.Background(), []string{"a", "a"}, io.Discard)
	if !errors.Is(err, errRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestSubscribeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		w.Header().Set("Etag", `"tok"`)
		_, _ = io.WriteString(w, "ok\r\n")
	}))
	defer srv.Close()

	sub := NewSubscribeCmd(testFlags())
	sub.url = srv.URL
	sub.deliveries = 1
	sub.retryDelay = time.Millisecond

	var out bytes.Buffer
	if err := sub.poll(context.Background(), []string{"x"}, &out); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n := calls.Load(); n != 2 || out.String() != "ok\r\n" {
		t.Fatalf("calls=%d out=%q", n, out.String())
	}
}

func TestSubscribeURL(t *testing.T) {
	sub := NewSubscribeCmd(testFlags())
	sub.url = "http://broker:9080/"
	sub.backtrack = 2
	sub.timeout = 5 * time.Second

	got, err := sub.subscribeURL([]string{"ch1", "ch2"})
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if want := "http://broker:9080/sub/ch1.b2/ch2.b2?timeout=5s"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if _, err := sub.subscribeURL([]string{"a/b"}); err == nil {
		t.Fatalf("expected slash in channel name to be rejected")
	}
}

func TestPublishRejected(t *testing.T) {
	srv := newBroker(t)
	pub := NewPublishCmd(testFlags())
	pub.url = srv.URL
	pub.channel = "c"
	pub.contentType = "garbage"

	_, err := pub.publish(context.Background(), []byte("x"))
	if err == nil || !strings.Contains(err.Error(), "415") {
		t.Fatalf("expected 415 error, got %v", err)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	cmd := NewServeCmd(testFlags())
	addrs := make(chan net.Addr, 1)
	cmd.ready = func(a net.Addr) { addrs <- a }

	cfg := config.Config{
		ListenAddr:                 "127.0.0.1:0",
		Store:                      config.StoreMemory,
		MaxMessages:                10,
		LongPollTimeout:            time.Second,
		MaxChannelsPerSubscription: 4,
		MaxPayloadBytes:            1024,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.serve(ctx, cfg) }()

	var addr net.Addr
	select {
	case addr = <-addrs:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not start")
	}

	pub := NewPublishCmd(testFlags())
	pub.url = fmt.Sprintf("http://%s", addr)
	pub.channel = "live"
	pub.contentType = "text/plain"
	if _, err := pub.publish(context.Background(), []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	_, err := pub.publish(context.Background(), bytes.Repeat([]byte("x"), 2048))
	if err == nil || !strings.Contains(err.Error(), "413") {
		t.Fatalf("expected payload limit from config, got %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("serve did not shut down")
	}
}
