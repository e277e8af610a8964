// Package config loads the pushstreamd daemon configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/pushstream-go/channels"
	"github.com/ggoodman/pushstream-go/channels/redisstore"
	"github.com/joeshaw/envdecode"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config is the daemon configuration. Every field has a default so an empty
// environment yields a runnable single-node broker.
type Config struct {
	ListenAddr string `env:"PUSHSTREAM_LISTEN_ADDR,default=:9080"`
	Store      string `env:"PUSHSTREAM_STORE,default=memory"`

	MaxMessages        int           `env:"PUSHSTREAM_MAX_MESSAGES,default=100,strict"`
	MessageTTL         time.Duration `env:"PUSHSTREAM_MESSAGE_TTL,default=1h,strict"`
	ChannelInactiveTTL time.Duration `env:"PUSHSTREAM_CHANNEL_INACTIVE_TTL,default=10m,strict"`

	LongPollTimeout            time.Duration `env:"PUSHSTREAM_LONGPOLL_TIMEOUT,default=30s,strict"`
	MaxChannelsPerSubscription int           `env:"PUSHSTREAM_MAX_CHANNELS_PER_SUBSCRIPTION,default=32,strict"`
	MaxPayloadBytes            int64         `env:"PUSHSTREAM_MAX_PAYLOAD_BYTES,default=1048576,strict"`

	// MetricsAddr serves Prometheus metrics when non-empty.
	MetricsAddr string `env:"PUSHSTREAM_METRICS_ADDR"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	Redis redisstore.Config
}

// Load decodes the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("PUSHSTREAM_STORE: unknown store %q", c.Store)
	}
	if c.ListenAddr == "" {
		return errors.New("PUSHSTREAM_LISTEN_ADDR: must not be empty")
	}
	if c.MaxMessages < 0 {
		return errors.New("PUSHSTREAM_MAX_MESSAGES: must not be negative")
	}
	if c.MessageTTL < 0 || c.ChannelInactiveTTL < 0 {
		return errors.New("retention durations must not be negative")
	}
	if c.LongPollTimeout <= 0 {
		return errors.New("PUSHSTREAM_LONGPOLL_TIMEOUT: must be positive")
	}
	if c.MaxChannelsPerSubscription <= 0 {
		return errors.New("PUSHSTREAM_MAX_CHANNELS_PER_SUBSCRIPTION: must be positive")
	}
	if c.MaxPayloadBytes <= 0 {
		return errors.New("PUSHSTREAM_MAX_PAYLOAD_BYTES: must be positive")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT: unknown format %q", c.LogFormat)
	}
	return nil
}

// Retention maps the retention settings onto channels.Retention.
func (c Config) Retention() channels.Retention {
	return channels.Retention{
		MaxMessages: c.MaxMessages,
		MaxAge:      c.MessageTTL,
		InactiveTTL: c.ChannelInactiveTTL,
	}
}

// Logger builds a slog.Logger writing to w in the configured format and level.
func (c Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(c.LogFormat) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "text", "":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return slog.New(h), nil
}

// ParseLevel accepts debug, info, warn and error in any case.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}
