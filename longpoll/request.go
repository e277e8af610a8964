package longpoll

import (
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/pushstream-go/channels"
	"github.com/ggoodman/pushstream-go/cursor"
)

var (
	// ErrNoChannels is returned for a subscription without channels.
	ErrNoChannels = errors.New("longpoll: no channels requested")
	// ErrTooManyChannels is returned when a subscription exceeds the
	// configured channel limit.
	ErrTooManyChannels = errors.New("longpoll: too many channels")
	// ErrPayloadTooLarge is returned by Publish when the payload exceeds the
	// configured limit.
	ErrPayloadTooLarge = errors.New("longpoll: payload too large")
)

// ChannelSpec names one subscribed channel.
type ChannelSpec struct {
	Name string
	// Backtrack is the number of trailing messages to deliver when the
	// request carries no usable cursor or event tag.
	Backtrack int
}

// Request is a single long-poll subscription.
type Request struct {
	// Channels in subscription order. The order is part of the cursor.
	Channels []ChannelSpec
	// Tokens is the cursor returned by a previous delivery, if any.
	Tokens cursor.Tokens
	// LastEventTag resumes after the most recent message carrying the tag.
	// Honoured only for single-channel subscriptions.
	LastEventTag string
	// Timeout bounds the wait. Zero selects the engine default; larger
	// values are capped to it.
	Timeout time.Duration
}

// Names returns the channel names in subscription order.
func (r Request) Names() []string {
	names := make([]string, len(r.Channels))
	for i, c := range r.Channels {
		names[i] = c.Name
	}
	return names
}

func (e *Engine) validate(r Request) error {
	if len(r.Channels) == 0 {
		return ErrNoChannels
	}
	if e.maxChannels > 0 && len(r.Channels) > e.maxChannels {
		return fmt.Errorf("%w: %d requested, limit is %d", ErrTooManyChannels, len(r.Channels), e.maxChannels)
	}
	seen := make(map[string]struct{}, len(r.Channels))
	for _, c := range r.Channels {
		if err := channels.ValidateName(c.Name); err != nil {
			return err
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("%w: %q listed more than once", channels.ErrInvalidChannel, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

// Outcome of a completed subscription.
type Outcome int

const (
	// Delivered means Messages is non-empty and Cursor advanced.
	Delivered Outcome = iota
	// TimedOut means nothing was published before the wait ended. Tokens
	// echo the request unchanged.
	TimedOut
)

func (o Outcome) String() string {
	if o == TimedOut {
		return "timeout"
	}
	return "delivered"
}

// Delivery is the single response of a long-poll subscription.
type Delivery struct {
	Outcome Outcome
	// Messages in cross-channel delivery order.
	Messages []channels.Message
	// Cursor is the position after Messages.
	Cursor cursor.Cursor
	// Tokens is the encoded Cursor to hand back to the client.
	Tokens cursor.Tokens
}
