package redisstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/ggoodman/pushstream-go/channels"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: PUSHSTREAM_REDIS_KEY_PREFIX
	KeyPrefix string `env:"PUSHSTREAM_REDIS_KEY_PREFIX,default=pushstream:"`
}

// Store implements channels.Store on Redis Streams. Each channel is a stream
// whose entry IDs are "<sequence>-0", a metadata hash holding the counter and
// epoch, and a sorted set indexing event tags by sequence.
type Store struct {
	client    *redis.Client
	keyPrefix string
	retention channels.Retention
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithRetention overrides channels.DefaultRetention.
func WithRetention(r channels.Retention) Option {
	return func(s *Store) { s.retention = r }
}

// WithClock replaces time.Now for publish timestamps and age filtering.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(cfg Config, opts ...Option) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "pushstream:"
	}
	s := &Store{
		client:    cl,
		keyPrefix: prefix,
		retention: channels.DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(opts ...Option) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(cfg, opts...)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

// --- Key helpers ---

// Keys of one channel share a hash tag so the append script stays within a
// single cluster slot.
func (s *Store) metaKey(name string) string   { return s.keyPrefix + "{" + name + "}:meta" }
func (s *Store) streamKey(name string) string { return s.keyPrefix + "{" + name + "}:stream" }
func (s *Store) tagsKey(name string) string   { return s.keyPrefix + "{" + name + "}:tagseq" }
func (s *Store) notifyChannel() string        { return s.keyPrefix + "notify" }

// appendScript assigns the next sequence and writes the entry atomically.
// The tag index is trimmed to the sequences the stream still holds.
//
// KEYS: meta, stream, tags
// ARGV: payload, content type, event tag, published at (unix ms), maxlen,
// expiry (ms), notify channel, channel name, candidate epoch
//
// Returns {seq, epoch}. The epoch is kept as a string: it does not fit a Lua
// number exactly.
var appendScript = redis.NewScript(`
redis.call('HSETNX', KEYS[1], 'epoch', ARGV[9])
local epoch = redis.call('HGET', KEYS[1], 'epoch')
local seq = redis.call('HINCRBY', KEYS[1], 'seq', 1)
redis.call('HSET', KEYS[1], 'at', ARGV[4])
local id = seq .. '-0'
local maxlen = tonumber(ARGV[5])
if maxlen > 0 then
  redis.call('XADD', KEYS[2], 'MAXLEN', maxlen, id, 'p', ARGV[1], 'ct', ARGV[2], 'tag', ARGV[3], 'at', ARGV[4], 'ep', epoch)
else
  redis.call('XADD', KEYS[2], id, 'p', ARGV[1], 'ct', ARGV[2], 'tag', ARGV[3], 'at', ARGV[4], 'ep', epoch)
end
if ARGV[3] ~= '' then
  redis.call('ZADD', KEYS[3], seq, ARGV[3])
end
if maxlen > 0 and seq > maxlen then
  redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', seq - maxlen)
end
local ttl = tonumber(ARGV[6])
if ttl > 0 then
  for i = 1, 3 do
    redis.call('PEXPIRE', KEYS[i], ttl)
  end
end
redis.call('PUBLISH', ARGV[7], ARGV[8])
return {seq, epoch}
`)

// expiry is how long channel keys live after the last publish. A channel is
// collectable once its newest message has aged out and it then stayed idle.
func (s *Store) expiry() time.Duration {
	if s.retention.MaxAge <= 0 || s.retention.InactiveTTL <= 0 {
		return 0
	}
	return s.retention.MaxAge + s.retention.InactiveTTL
}

func (s *Store) Append(ctx context.Context, name string, pub channels.Publication) (channels.Message, error) {
	if err := channels.ValidateName(name); err != nil {
		return channels.Message{}, err
	}
	at := s.now().UnixMilli()
	maxlen := s.retention.MaxMessages
	if maxlen < 0 {
		maxlen = 0
	}

	candidate := strconv.FormatInt(s.now().UnixNano(), 10)
	res, err := appendScript.Run(ctx, s.client,
		[]string{s.metaKey(name), s.streamKey(name), s.tagsKey(name)},
		pub.Payload, pub.ContentType, pub.EventTag, at, maxlen, s.expiry().Milliseconds(), s.notifyChannel(), name, candidate,
	).Slice()
	if err != nil {
		return channels.Message{}, fmt.Errorf("redis append: %w", err)
	}
	if len(res) != 2 {
		return channels.Message{}, fmt.Errorf("redis append: unexpected reply %v", res)
	}
	seq, ok := res[0].(int64)
	if !ok {
		return channels.Message{}, fmt.Errorf("redis append: unexpected sequence %v", res[0])
	}
	epoch, err := strconv.ParseUint(fmt.Sprint(res[1]), 10, 64)
	if err != nil {
		return channels.Message{}, fmt.Errorf("redis append epoch: %w", err)
	}

	return channels.Message{
		Channel:     name,
		Sequence:    uint64(seq),
		EventTag:    pub.EventTag,
		Payload:     append([]byte(nil), pub.Payload...),
		ContentType: pub.ContentType,
		PublishedAt: time.UnixMilli(at),
		Epoch:       epoch,
	}, nil
}

func (s *Store) MessagesSince(ctx context.Context, name string, seq uint64) ([]channels.Message, error) {
	if seq == math.MaxUint64 {
		return nil, nil
	}
	res, err := s.client.XRange(ctx, s.streamKey(name), strconv.FormatUint(seq+1, 10)+"-0", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("redis xrange: %w", err)
	}
	return s.decodeLive(name, res)
}

func (s *Store) LastN(ctx context.Context, name string, n int) ([]channels.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	res, err := s.client.XRevRangeN(ctx, s.streamKey(name), "+", "-", int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis xrevrange: %w", err)
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return s.decodeLive(name, res)
}

func (s *Store) FindByEventTag(ctx context.Context, name string, tag string) (channels.Message, error) {
	if tag == "" {
		return channels.Message{}, channels.ErrNotFound
	}
	score, err := s.client.ZScore(ctx, s.tagsKey(name), tag).Result()
	if errors.Is(err, redis.Nil) {
		return channels.Message{}, channels.ErrNotFound
	}
	if err != nil {
		return channels.Message{}, fmt.Errorf("redis zscore: %w", err)
	}
	id := strconv.FormatUint(uint64(score), 10) + "-0"
	res, err := s.client.XRange(ctx, s.streamKey(name), id, id).Result()
	if err != nil {
		return channels.Message{}, fmt.Errorf("redis xrange: %w", err)
	}
	msgs, err := s.decodeLive(name, res)
	if err != nil {
		return channels.Message{}, err
	}
	if len(msgs) == 0 {
		return channels.Message{}, channels.ErrNotFound
	}
	return msgs[0], nil
}

func (s *Store) Head(ctx context.Context, name string) (channels.Head, error) {
	vals, err := s.client.HMGet(ctx, s.metaKey(name), "seq", "at", "epoch").Result()
	if err != nil {
		return channels.Head{}, fmt.Errorf("redis hmget: %w", err)
	}
	var head channels.Head
	if v, ok := vals[0].(string); ok {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return channels.Head{}, fmt.Errorf("redis head sequence: %w", err)
		}
		head.Sequence = seq
	}
	if v, ok := vals[1].(string); ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return channels.Head{}, fmt.Errorf("redis head time: %w", err)
		}
		head.PublishedAt = time.UnixMilli(ms)
	}
	if v, ok := vals[2].(string); ok {
		epoch, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return channels.Head{}, fmt.Errorf("redis head epoch: %w", err)
		}
		head.Epoch = epoch
	}
	return head, nil
}

// TagIndexLen reports how many event tags are indexed for a channel.
// Intended for tests and diagnostics.
func (s *Store) TagIndexLen(ctx context.Context, name string) (int, error) {
	n, err := s.client.ZCard(ctx, s.tagsKey(name)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard: %w", err)
	}
	return int(n), nil
}

// Listen implements channels.AppendNotifier using Redis Pub/Sub.
func (s *Store) Listen(ctx context.Context, fn func(channel string)) error {
	ps := s.client.Subscribe(ctx, s.notifyChannel())
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return errors.New("redis subscription closed")
			}
			fn(m.Payload)
		}
	}
}

// decodeLive converts stream entries to messages, dropping those older than
// the age bound. Entries are trimmed by count on write; age is enforced here.
func (s *Store) decodeLive(name string, entries []redis.XMessage) ([]channels.Message, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	var cutoff time.Time
	if s.retention.MaxAge > 0 {
		cutoff = s.now().Add(-s.retention.MaxAge)
	}
	out := make([]channels.Message, 0, len(entries))
	for _, e := range entries {
		msg, err := decodeEntry(name, e)
		if err != nil {
			return nil, err
		}
		if !cutoff.IsZero() && msg.PublishedAt.Before(cutoff) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func decodeEntry(name string, e redis.XMessage) (channels.Message, error) {
	var seqPart string
	for i := 0; i < len(e.ID); i++ {
		if e.ID[i] == '-' {
			seqPart = e.ID[:i]
			break
		}
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return channels.Message{}, fmt.Errorf("redis entry id %q: %w", e.ID, err)
	}
	ms, err := strconv.ParseInt(field(e.Values, "at"), 10, 64)
	if err != nil {
		return channels.Message{}, fmt.Errorf("redis entry %q time: %w", e.ID, err)
	}
	var epoch uint64
	if v := field(e.Values, "ep"); v != "" {
		if epoch, err = strconv.ParseUint(v, 10, 64); err != nil {
			return channels.Message{}, fmt.Errorf("redis entry %q epoch: %w", e.ID, err)
		}
	}
	return channels.Message{
		Channel:     name,
		Sequence:    seq,
		Epoch:       epoch,
		EventTag:    field(e.Values, "tag"),
		Payload:     []byte(field(e.Values, "p")),
		ContentType: field(e.Values, "ct"),
		PublishedAt: time.UnixMilli(ms),
	}, nil
}

func field(values map[string]interface{}, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

var (
	_ channels.Store          = (*Store)(nil)
	_ channels.AppendNotifier = (*Store)(nil)
)
