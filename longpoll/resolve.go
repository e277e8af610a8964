package longpoll

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/ggoodman/pushstream-go/channels"
	"github.com/ggoodman/pushstream-go/cursor"
)

// Resolution is the part of a request that history can answer immediately.
type Resolution struct {
	// Messages deliverable now, in cross-channel delivery order.
	Messages []channels.Message
	// Baseline is where each channel stood before Messages. Waiting
	// subscriptions are completed by anything published past it.
	Baseline cursor.Cursor
	// Cursor is Baseline advanced past Messages.
	Cursor cursor.Cursor
}

// Resolve computes the messages immediately deliverable for r:
//
//  1. A last event tag on a single-channel subscription resumes after the
//     tagged message. An unknown tag falls through to rule 3.
//  2. A valid cursor resumes each channel after its offset.
//  3. Otherwise channels with a backtrack count contribute their most
//     recent messages and the rest contribute nothing.
//
// An undecodable cursor is treated as absent.
func (e *Engine) Resolve(ctx context.Context, r Request) (Resolution, error) {
	if err := e.validate(r); err != nil {
		return Resolution{}, err
	}
	return e.resolve(ctx, r)
}

func (e *Engine) resolve(ctx context.Context, r Request) (Resolution, error) {
	names := r.Names()

	if r.LastEventTag != "" && len(names) == 1 {
		msg, err := e.store.FindByEventTag(ctx, names[0], r.LastEventTag)
		switch {
		case err == nil:
			baseline := cursor.Cursor{names[0]: position(msg)}
			return e.resolveSince(ctx, names, baseline)
		case errors.Is(err, channels.ErrNotFound):
			e.log.DebugContext(ctx, "event_tag.not_found", slog.String("tag", r.LastEventTag))
			return e.resolveBacktrack(ctx, r)
		default:
			return Resolution{}, err
		}
	}

	if !r.Tokens.IsZero() {
		c, err := cursor.Decode(r.Tokens, names)
		if err == nil {
			baseline, err := e.rebase(ctx, names, c)
			if err != nil {
				return Resolution{}, err
			}
			return e.resolveSince(ctx, names, baseline)
		}
		e.log.InfoContext(ctx, "cursor.decode.invalid", slog.String("err", err.Error()))
	}

	return e.resolveBacktrack(ctx, r)
}

// rebase drops offsets issued for an earlier incarnation of a channel that
// has since been collected: those from a different epoch, and those beyond
// the head when the cursor carries no epoch.
func (e *Engine) rebase(ctx context.Context, names []string, c cursor.Cursor) (cursor.Cursor, error) {
	out := make(cursor.Cursor, len(c))
	for _, name := range names {
		pos, ok := c[name]
		if !ok {
			continue
		}
		head, err := e.store.Head(ctx, name)
		if err != nil {
			return nil, err
		}
		if pos.Sequence > head.Sequence || otherEpoch(pos.Epoch, head.Epoch) {
			e.log.DebugContext(ctx, "cursor.rebase",
				slog.String("channel", name),
				slog.Uint64("cursor_seq", pos.Sequence),
				slog.Uint64("head_seq", head.Sequence),
				slog.Bool("epoch_changed", otherEpoch(pos.Epoch, head.Epoch)),
			)
			continue
		}
		out[name] = pos
	}
	return out, nil
}

func (e *Engine) resolveSince(ctx context.Context, names []string, baseline cursor.Cursor) (Resolution, error) {
	groups, err := e.collect(ctx, names, baseline)
	if err != nil {
		return Resolution{}, err
	}
	return newResolution(baseline, groups), nil
}

func (e *Engine) resolveBacktrack(ctx context.Context, r Request) (Resolution, error) {
	baseline := make(cursor.Cursor, len(r.Channels))
	groups := make([][]channels.Message, len(r.Channels))
	for i, spec := range r.Channels {
		// Head first: anything appended after it is either returned by
		// LastN or found by the waiter's re-check.
		head, err := e.store.Head(ctx, spec.Name)
		if err != nil {
			return Resolution{}, err
		}
		if head.Sequence > 0 {
			baseline[spec.Name] = cursor.Position{Sequence: head.Sequence, DeliveredAt: head.PublishedAt, Epoch: head.Epoch}
		}
		if spec.Backtrack <= 0 {
			continue
		}
		msgs, err := e.store.LastN(ctx, spec.Name, spec.Backtrack)
		if err != nil {
			return Resolution{}, err
		}
		groups[i] = msgs
	}
	return newResolution(baseline, groups), nil
}

// collect reads every channel's messages past its baseline offset. groups is
// indexed like names.
func (e *Engine) collect(ctx context.Context, names []string, baseline cursor.Cursor) ([][]channels.Message, error) {
	groups := make([][]channels.Message, len(names))
	for i, name := range names {
		pos := baseline[name]
		msgs, err := e.store.MessagesSince(ctx, name, pos.Sequence)
		if err != nil {
			return nil, err
		}
		if pos.Sequence > 0 {
			// The channel may have been collected and recreated since the
			// baseline was taken.
			stale := len(msgs) > 0 && otherEpoch(pos.Epoch, msgs[0].Epoch)
			if len(msgs) == 0 {
				head, err := e.store.Head(ctx, name)
				if err != nil {
					return nil, err
				}
				stale = head.Sequence < pos.Sequence || otherEpoch(pos.Epoch, head.Epoch)
			}
			if stale {
				if msgs, err = e.store.MessagesSince(ctx, name, 0); err != nil {
					return nil, err
				}
			}
		}
		groups[i] = msgs
	}
	return groups, nil
}

func newResolution(baseline cursor.Cursor, groups [][]channels.Message) Resolution {
	return Resolution{
		Messages: merge(groups),
		Baseline: baseline,
		Cursor:   advance(baseline, groups),
	}
}

// merge orders per-channel batches for a combined response: the channel
// whose newest delivered message is most recent comes first, ties keep
// subscription order, and each channel stays in sequence order.
func merge(groups [][]channels.Message) []channels.Message {
	order := make([]int, 0, len(groups))
	total := 0
	for i, g := range groups {
		if len(g) > 0 {
			order = append(order, i)
			total += len(g)
		}
	}
	if total == 0 {
		return nil
	}
	sort.SliceStable(order, func(a, b int) bool {
		ga, gb := groups[order[a]], groups[order[b]]
		return ga[len(ga)-1].PublishedAt.After(gb[len(gb)-1].PublishedAt)
	})
	out := make([]channels.Message, 0, total)
	for _, i := range order {
		out = append(out, groups[i]...)
	}
	return out
}

// advance returns baseline moved to the last delivered message of each
// channel. Channels without deliveries keep their baseline.
func advance(baseline cursor.Cursor, groups [][]channels.Message) cursor.Cursor {
	out := make(cursor.Cursor, len(baseline)+len(groups))
	for name, pos := range baseline {
		out[name] = pos
	}
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		last := g[len(g)-1]
		out[last.Channel] = position(last)
	}
	return out
}

func position(m channels.Message) cursor.Position {
	return cursor.Position{Sequence: m.Sequence, DeliveredAt: m.PublishedAt, Epoch: m.Epoch}
}

// otherEpoch reports whether two known epochs name different incarnations.
func otherEpoch(a, b uint64) bool {
	return a != 0 && b != 0 && a != b
}
