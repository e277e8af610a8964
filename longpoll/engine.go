// Package longpoll implements long-polling subscriptions over a
// channels.Store: resolving a request against history, waiting for the next
// publish and computing the resumption cursor.
//
// A subscription receives exactly one Delivery. If history already holds
// messages past the client's position they are returned at once; otherwise
// the subscription registers as a waiter, re-checks history and blocks until
// a publish to any of its channels, its timeout or its context ends it.
package longpoll

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/pushstream-go/channels"
	"github.com/ggoodman/pushstream-go/internal/logctx"
	"github.com/ggoodman/pushstream-go/internal/metrics"
	"github.com/ggoodman/pushstream-go/internal/waiters"
)

const (
	// DefaultTimeout bounds a wait when neither the engine nor the request
	// configures one.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxChannels bounds the channels of one subscription.
	DefaultMaxChannels = 32
)

// Engine coordinates publishers and long-poll subscribers over one store.
type Engine struct {
	store    channels.Store
	registry *waiters.Registry
	log      *slog.Logger
	metrics  *metrics.Metrics

	timeout         time.Duration
	maxChannels     int
	maxPayloadBytes int
	listenRetry     time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics records publishes and subscription outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTimeout sets the default and maximum wait of a subscription.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithMaxChannels bounds the channels of one subscription. Non-positive
// disables the bound.
func WithMaxChannels(n int) Option {
	return func(e *Engine) { e.maxChannels = n }
}

// WithMaxPayloadBytes bounds published payloads. Non-positive disables the
// bound.
func WithMaxPayloadBytes(n int) Option {
	return func(e *Engine) { e.maxPayloadBytes = n }
}

// New creates an Engine over store.
func New(store channels.Store, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		registry:    waiters.NewRegistry(),
		log:         slog.Default(),
		timeout:     DefaultTimeout,
		maxChannels: DefaultMaxChannels,
		listenRetry: time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	e.log = slog.New(logctx.Handler{Handler: e.log.Handler()})
	return e
}

// Waiting reports the number of subscribers currently blocked.
func (e *Engine) Waiting() int { return e.registry.Len() }

// Publish appends a message to channel and completes every subscriber
// waiting on it. Each waiter computes its own delivery; the message is
// broadcast, not consumed.
func (e *Engine) Publish(ctx context.Context, channel string, pub channels.Publication) (channels.Message, error) {
	if e.maxPayloadBytes > 0 && len(pub.Payload) > e.maxPayloadBytes {
		return channels.Message{}, fmt.Errorf("%w: %d bytes, limit is %d", ErrPayloadTooLarge, len(pub.Payload), e.maxPayloadBytes)
	}
	msg, err := e.store.Append(ctx, channel, pub)
	if err != nil {
		return channels.Message{}, err
	}
	e.metrics.Published(len(pub.Payload))

	woken := e.registry.Wake(channel)
	e.log.DebugContext(ctx, "publish.ok",
		slog.String("channel", channel),
		slog.Uint64("seq", msg.Sequence),
		slog.Int("woken", woken),
	)
	return msg, nil
}

// Run relays appends made by other processes sharing the store to local
// waiters. It returns when ctx ends. Stores that are not shared need no
// relay and Run simply blocks.
func (e *Engine) Run(ctx context.Context) error {
	n, ok := e.store.(channels.AppendNotifier)
	if !ok {
		<-ctx.Done()
		return nil
	}
	for {
		err := n.Listen(ctx, func(channel string) { e.registry.Wake(channel) })
		if ctx.Err() != nil {
			return nil
		}
		e.log.ErrorContext(ctx, "store.listen.fail", slog.String("err", fmt.Sprint(err)))

		t := time.NewTimer(e.listenRetry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}
