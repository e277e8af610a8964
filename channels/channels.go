// Package channels defines the message store contract shared by every
// backend of the broker. A channel is a named, independently ordered stream
// of published messages with bounded retention.
package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by FindByEventTag when no retained message
	// carries the requested tag. Evicted and never-published tags are
	// indistinguishable.
	ErrNotFound = errors.New("channels: message not found")
	// ErrInvalidChannel is returned when a channel name is empty, too long or
	// contains characters that cannot appear in a subscribe path segment.
	ErrInvalidChannel = errors.New("channels: invalid channel name")
)

// MaxChannelNameLength bounds the length of a channel name in bytes.
const MaxChannelNameLength = 255

// Message is an immutable entry in a channel's history.
type Message struct {
	// Channel is the name of the owning channel.
	Channel string
	// Sequence is assigned by the channel at publish time, starting at 1
	// and without gaps.
	Sequence uint64
	// EventTag is an optional client supplied label used for resumption
	// lookups only.
	EventTag string
	// Payload is the opaque message body.
	Payload []byte
	// ContentType is passed through to subscribers unchanged.
	ContentType string
	// PublishedAt is the wall clock time the message was appended.
	PublishedAt time.Time
	// Epoch identifies the incarnation of the channel the message was
	// appended to. A channel collected and later recreated gets a new epoch,
	// so sequences from different incarnations are never compared.
	Epoch uint64
}

// Publication carries the client supplied parts of a new message.
type Publication struct {
	Payload     []byte
	ContentType string
	EventTag    string
}

// Head describes the newest end of a channel. The zero value describes a
// channel that has never been published to.
type Head struct {
	Sequence    uint64
	PublishedAt time.Time
	// Epoch of the current incarnation, zero while the channel does not exist.
	Epoch uint64
}

// Retention bounds a channel's history. Zero values disable the dimension.
type Retention struct {
	// MaxMessages is the number of most recent messages kept per channel.
	MaxMessages int
	// MaxAge evicts messages older than this.
	MaxAge time.Duration
	// InactiveTTL is how long an empty, unpinned channel survives before its
	// state (including its sequence counter) is collected.
	InactiveTTL time.Duration
}

// DefaultRetention is used by stores constructed without explicit retention.
var DefaultRetention = Retention{
	MaxMessages: 100,
	MaxAge:      time.Hour,
	InactiveTTL: 10 * time.Minute,
}

// Store is the per-channel ordered history every backend implements.
// Implementations must be safe for concurrent use; Append on distinct
// channels should not serialise on a global lock.
type Store interface {
	// Append assigns the next sequence number for the channel, stores the
	// message and evicts whatever retention no longer allows.
	Append(ctx context.Context, channel string, pub Publication) (Message, error)
	// MessagesSince returns every retained message with a sequence greater
	// than seq, oldest first.
	MessagesSince(ctx context.Context, channel string, seq uint64) ([]Message, error)
	// LastN returns the n most recent retained messages, oldest first.
	LastN(ctx context.Context, channel string, n int) ([]Message, error)
	// FindByEventTag returns the most recent retained message carrying tag,
	// or ErrNotFound.
	FindByEventTag(ctx context.Context, channel string, tag string) (Message, error)
	// Head reports the last assigned sequence of the channel.
	Head(ctx context.Context, channel string) (Head, error)
}

// Pinner is implemented by stores that collect idle channels locally. A
// pinned channel is never collected; the returned function releases the pin.
type Pinner interface {
	Pin(channel string) (release func())
}

// AppendNotifier is implemented by stores shared between several broker
// processes. Listen blocks, invoking fn with the channel name of every
// append performed by any process, until ctx ends or the subscription fails.
type AppendNotifier interface {
	Listen(ctx context.Context, fn func(channel string)) error
}

// ValidateName checks that name can be used as a channel name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidChannel)
	}
	if len(name) > MaxChannelNameLength {
		return fmt.Errorf("%w: name longer than %d bytes", ErrInvalidChannel, MaxChannelNameLength)
	}
	if strings.ContainsAny(name, "/?#\x00\r\n") {
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidChannel, name)
	}
	return nil
}
