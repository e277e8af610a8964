package cursor

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRoundTrip(t *testing.T) {
	chans := []string{"ch1", "ch2", "ch3"}
	c := Cursor{
		"ch1": {Sequence: 4, DeliveredAt: time.Unix(1700000000, 0)},
		"ch3": {Sequence: 17, DeliveredAt: time.Unix(1700000300, 0), Epoch: 1699999000123456789},
	}

	tok := Encode(chans, c)
	if tok.Sequence == "" {
		t.Fatalf("expected sequence token")
	}
	if tok.Time != "Tue, 14 Nov 2023 22:18:20 GMT" {
		t.Fatalf("unexpected time token %q", tok.Time)
	}

	got, err := Decode(tok, chans)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(c) {
		t.Fatalf("expected %d positions, got %d: %+v", len(c), len(got), got)
	}
	for name, want := range c {
		p, ok := got[name]
		if !ok {
			t.Fatalf("missing position for %s", name)
		}
		if p.Sequence != want.Sequence || !p.DeliveredAt.Equal(want.DeliveredAt) || p.Epoch != want.Epoch {
			t.Fatalf("position for %s: got %+v want %+v", name, p, want)
		}
	}
}

func TestEncodeDeterministic(t *testing.T) {
	chans := []string{"a", "b"}
	c := Cursor{"a": {Sequence: 1, DeliveredAt: time.Unix(10, 0)}, "b": {Sequence: 2, DeliveredAt: time.Unix(20, 0)}}
	if Encode(chans, c) != Encode(chans, c) {
		t.Fatalf("encoding is not deterministic")
	}
}

func TestEmptyCursorRoundTrip(t *testing.T) {
	chans := []string{"only"}
	tok := Encode(chans, nil)
	if tok.Time != "" {
		t.Fatalf("expected no time token for empty cursor, got %q", tok.Time)
	}
	got, err := Decode(tok, chans)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty cursor, got %+v", got)
	}
}

func TestDecodeAcceptsQuotedEntityTag(t *testing.T) {
	chans := []string{"ch"}
	tok := Encode(chans, Cursor{"ch": {Sequence: 9, DeliveredAt: time.Unix(99, 0)}})
	for _, seq := range []string{`"` + tok.Sequence + `"`, `W/"` + tok.Sequence + `"`} {
		got, err := Decode(Tokens{Time: tok.Time, Sequence: seq}, chans)
		if err != nil {
			t.Fatalf("decode %s: %v", seq, err)
		}
		if got["ch"].Sequence != 9 {
			t.Fatalf("expected sequence 9, got %d", got["ch"].Sequence)
		}
	}
}

func TestDecodeRejects(t *testing.T) {
	chans := []string{"a", "b"}
	good := Encode(chans, Cursor{"a": {Sequence: 3, DeliveredAt: time.Unix(1000, 0)}})

	cases := []struct {
		name     string
		tok      Tokens
		channels []string
	}{
		{"missing sequence", Tokens{Time: good.Time}, chans},
		{"garbage", Tokens{Sequence: "!!not-base64!!"}, chans},
		{"truncated", Tokens{Sequence: good.Sequence[:len(good.Sequence)-3]}, chans},
		{"arity mismatch", good, []string{"a"}},
		{"different channel list", good, []string{"a", "c"}},
		{"reordered channel list", good, []string{"b", "a"}},
		{"time disagrees", Tokens{Time: "Thu, 01 Jan 1970 00:20:00 GMT", Sequence: good.Sequence}, chans},
		{"unparseable time", Tokens{Time: "yesterday", Sequence: good.Sequence}, chans},
		{"legacy numeric", Tokens{Time: good.Time, Sequence: "0"}, chans},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.tok, tc.channels)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestTokensIsZero(t *testing.T) {
	if !(Tokens{}).IsZero() {
		t.Fatalf("zero tokens should report IsZero")
	}
	if (Tokens{Sequence: "x"}).IsZero() {
		t.Fatalf("tokens with a sequence are not zero")
	}
}

func TestTokenIsURLSafe(t *testing.T) {
	chans := []string{"x", "y", "z"}
	tok := Encode(chans, Cursor{"y": {Sequence: 1 << 40, DeliveredAt: time.Unix(1<<31, 0)}})
	if strings.ContainsAny(tok.Sequence, `"+/= `) {
		t.Fatalf("sequence token %q is not header/url safe", tok.Sequence)
	}
}
