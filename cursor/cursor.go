// Package cursor encodes the per-channel resumption position handed to
// long-poll subscribers.
//
// A Cursor is only meaningful for the ordered channel list it was issued
// for. It travels as two tokens: Sequence carries every channel's offset and
// Time carries the most recent delivery time across channels. The byte layout
// of Sequence is versioned and opaque to clients.
package cursor

import (
	"encoding/base64"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrInvalid is returned by Decode when the tokens cannot be used for the
// requested channel list.
var ErrInvalid = errors.New("cursor: invalid token")

const version = 1

const (
	fieldVersion  protowire.Number = 1
	fieldChannels protowire.Number = 2
	fieldPosition protowire.Number = 3

	fieldPosSequence protowire.Number = 1
	fieldPosUnix     protowire.Number = 2
	fieldPosEpoch    protowire.Number = 3
)

// Position is the last delivered message of one channel.
type Position struct {
	Sequence    uint64
	DeliveredAt time.Time
	// Epoch is the channel incarnation Sequence belongs to. Zero means
	// unknown and matches any incarnation.
	Epoch uint64
}

// Cursor maps channel names to their last delivered position. Channels
// without an entry are at offset 0.
type Cursor map[string]Position

// Tokens is the wire form of a Cursor.
type Tokens struct {
	// Time is an HTTP date, exchanged as Last-Modified / If-Modified-Since.
	Time string
	// Sequence is exchanged as Etag / If-None-Match.
	Sequence string
}

// IsZero reports whether no cursor was supplied at all.
func (t Tokens) IsZero() bool { return t.Time == "" && t.Sequence == "" }

// Latest returns the most recent delivery time in the cursor.
func (c Cursor) Latest() time.Time {
	var latest time.Time
	for _, p := range c {
		if p.DeliveredAt.After(latest) {
			latest = p.DeliveredAt
		}
	}
	return latest
}

// Encode serialises c for the ordered channel list. Encoding is
// deterministic; delivery times are kept at second granularity.
func Encode(channels []string, c Cursor) Tokens {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, version)
	b = protowire.AppendTag(b, fieldChannels, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, channelsHash(channels))
	for _, name := range channels {
		p := c[name]
		var pos []byte
		pos = protowire.AppendTag(pos, fieldPosSequence, protowire.VarintType)
		pos = protowire.AppendVarint(pos, p.Sequence)
		pos = protowire.AppendTag(pos, fieldPosUnix, protowire.VarintType)
		pos = protowire.AppendVarint(pos, unixSeconds(p.DeliveredAt))
		if p.Epoch != 0 {
			pos = protowire.AppendTag(pos, fieldPosEpoch, protowire.VarintType)
			pos = protowire.AppendVarint(pos, p.Epoch)
		}
		b = protowire.AppendTag(b, fieldPosition, protowire.BytesType)
		b = protowire.AppendBytes(b, pos)
	}

	t := Tokens{Sequence: base64.RawURLEncoding.EncodeToString(b)}
	if latest := c.Latest(); !latest.IsZero() {
		t.Time = latest.UTC().Format(http.TimeFormat)
	}
	return t
}

// Decode parses tokens issued for the ordered channel list. Channels at
// offset 0 are omitted from the result.
func Decode(t Tokens, channels []string) (Cursor, error) {
	raw := unquote(t.Sequence)
	if raw == "" {
		return nil, fmt.Errorf("%w: missing sequence token", ErrInvalid)
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var (
		gotVersion uint64
		gotHash    uint32
		hasHash    bool
		positions  []Position
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalid, protowire.ParseError(n))
			}
			gotVersion = v
			b = b[n:]
		case num == fieldChannels && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalid, protowire.ParseError(n))
			}
			gotHash, hasHash = v, true
			b = b[n:]
		case num == fieldPosition && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalid, protowire.ParseError(n))
			}
			p, err := decodePosition(v)
			if err != nil {
				return nil, err
			}
			positions = append(positions, p)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalid, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if gotVersion != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalid, gotVersion)
	}
	if len(positions) != len(channels) {
		return nil, fmt.Errorf("%w: token has %d channels, subscription has %d", ErrInvalid, len(positions), len(channels))
	}
	if !hasHash || gotHash != channelsHash(channels) {
		return nil, fmt.Errorf("%w: token issued for a different channel list", ErrInvalid)
	}

	c := make(Cursor, len(channels))
	for i, name := range channels {
		if positions[i].Sequence == 0 {
			continue
		}
		c[name] = positions[i]
	}

	if t.Time != "" {
		since, err := http.ParseTime(t.Time)
		if err != nil {
			return nil, fmt.Errorf("%w: time token: %v", ErrInvalid, err)
		}
		if !since.Equal(c.Latest()) {
			return nil, fmt.Errorf("%w: time token does not match sequence token", ErrInvalid)
		}
	}
	return c, nil
}

func decodePosition(b []byte) (Position, error) {
	var p Position
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Position{}, fmt.Errorf("%w: %v", ErrInvalid, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType || (num != fieldPosSequence && num != fieldPosUnix && num != fieldPosEpoch) {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Position{}, fmt.Errorf("%w: %v", ErrInvalid, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return Position{}, fmt.Errorf("%w: %v", ErrInvalid, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldPosSequence:
			p.Sequence = v
		case num == fieldPosEpoch:
			p.Epoch = v
		case v > 0:
			p.DeliveredAt = time.Unix(int64(v), 0).UTC()
		}
	}
	return p, nil
}

func channelsHash(channels []string) uint32 {
	h := fnv.New32a()
	for i, name := range channels {
		if i > 0 {
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.Write([]byte(name))
	}
	return h.Sum32()
}

func unixSeconds(t time.Time) uint64 {
	if t.IsZero() || t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())
}

// unquote strips the entity-tag framing clients send back in If-None-Match.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "W/")
	return strings.Trim(s, `"`)
}
