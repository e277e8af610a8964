package longpoll

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggoodman/pushstream-go/channels"
	"github.com/ggoodman/pushstream-go/cursor"
	"github.com/ggoodman/pushstream-go/internal/metrics"
)

// Subscribe answers r with exactly one Delivery. It returns immediately when
// history holds messages past the client's position, otherwise it waits for
// a publish to any subscribed channel or the timeout. When ctx ends first
// Subscribe returns ctx.Err() and no delivery.
func (e *Engine) Subscribe(ctx context.Context, r Request) (*Delivery, error) {
	if err := e.validate(r); err != nil {
		return nil, err
	}
	names := r.Names()

	// Pin before resolving so a channel cannot be collected, and its
	// sequence reset, between resolution and wake.
	if p, ok := e.store.(channels.Pinner); ok {
		for _, name := range names {
			release := p.Pin(name)
			defer release()
		}
	}

	res, err := e.resolve(ctx, r)
	if err != nil {
		return nil, err
	}
	if len(res.Messages) > 0 {
		e.metrics.Completed(metrics.OutcomeDelivered)
		return e.delivery(names, res.Messages, res.Cursor), nil
	}

	timeout := e.timeout
	if r.Timeout > 0 && r.Timeout < timeout {
		timeout = r.Timeout
	}

	start := time.Now()
	e.metrics.WaitStarted()
	e.log.DebugContext(ctx, "longpoll.wait", slog.Duration("timeout", timeout))
	groups, timedOut, err := e.wait(ctx, names, res.Baseline, timeout)
	e.metrics.WaitEnded(time.Since(start))

	switch {
	case err != nil:
		if ctx.Err() != nil {
			e.metrics.Completed(metrics.OutcomeCancelled)
			e.log.DebugContext(ctx, "longpoll.cancel", slog.Duration("dur", time.Since(start)))
		}
		return nil, err
	case timedOut:
		e.metrics.Completed(metrics.OutcomeTimeout)
		e.log.DebugContext(ctx, "longpoll.timeout", slog.Duration("dur", time.Since(start)))
		c, _ := cursor.Decode(r.Tokens, names)
		return &Delivery{Outcome: TimedOut, Cursor: c, Tokens: r.Tokens}, nil
	}

	e.metrics.Completed(metrics.OutcomeDelivered)
	e.log.DebugContext(ctx, "longpoll.wake", slog.Duration("dur", time.Since(start)))
	return e.delivery(names, merge(groups), advance(res.Baseline, groups)), nil
}

func (e *Engine) delivery(names []string, msgs []channels.Message, c cursor.Cursor) *Delivery {
	return &Delivery{
		Outcome:  Delivered,
		Messages: msgs,
		Cursor:   c,
		Tokens:   cursor.Encode(names, c),
	}
}

// wait blocks until something is published past baseline on any channel.
// A waiter is registered before history is re-checked, so a publish landing
// between resolution and registration is still seen.
func (e *Engine) wait(ctx context.Context, names []string, baseline cursor.Cursor, timeout time.Duration) ([][]channels.Message, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	expired := false

	for {
		w := e.registry.Register(names)

		groups, err := e.collect(ctx, names, baseline)
		if err != nil {
			e.registry.Remove(w)
			return nil, false, err
		}
		if hasMessages(groups) && w.Claim() {
			e.registry.Remove(w)
			return groups, false, nil
		}

		select {
		case <-w.Woken():
		case <-timer.C:
			expired = true
			if w.Expire() {
				e.registry.Remove(w)
				return nil, true, nil
			}
			<-w.Woken()
		case <-ctx.Done():
			if w.Cancel() {
				e.registry.Remove(w)
				return nil, false, ctx.Err()
			}
			<-w.Woken()
		}
		e.registry.Remove(w)

		groups, err = e.collect(ctx, names, baseline)
		if err != nil {
			return nil, false, err
		}
		if hasMessages(groups) {
			return groups, false, nil
		}
		if expired {
			return nil, true, nil
		}
		// Woken without anything past the baseline, for instance by a
		// relayed notification for a message that already aged out.
	}
}

func hasMessages(groups [][]channels.Message) bool {
	for _, g := range groups {
		if len(g) > 0 {
			return true
		}
	}
	return false
}
