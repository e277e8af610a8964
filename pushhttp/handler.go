package pushhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/pushstream-go/channels"
	"github.com/ggoodman/pushstream-go/cursor"
	"github.com/ggoodman/pushstream-go/internal/logctx"
	"github.com/ggoodman/pushstream-go/longpoll"
	"github.com/google/uuid"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	// ErrBadSubscribePath is returned when a subscribe path does not name a
	// valid channel list.
	ErrBadSubscribePath = errors.New("pushhttp: malformed subscribe path")
	// ErrUnsupportedMode is returned when the mode selector names a delivery
	// mode other than long-polling.
	ErrUnsupportedMode = errors.New("pushhttp: unsupported delivery mode")
)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	// ModeHeader selects the delivery mode of a subscription.
	ModeHeader = "X-PushStream-Mode"
	// ModeLongPolling is the only delivery mode served.
	ModeLongPolling = "long-polling"
	// EventIDHeader carries the optional event tag of a publish.
	EventIDHeader = "Event-Id"

	lastEventIDHeader     = "Last-Event-Id"
	ifNoneMatchHeader     = "If-None-Match"
	ifModifiedSinceHeader = "If-Modified-Since"
	defaultContentType    = "text/plain"
	lineTerminator        = "\r\n"
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections.
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*config)

type config struct {
	logger          *slog.Logger
	subscribePrefix string
	publishPath     string
	maxPayloadBytes int64
}

// WithLogger sets the logger used by the handler. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithSubscribePrefix sets the path prefix of subscribe requests. Defaults
// to "/sub/".
func WithSubscribePrefix(prefix string) Option {
	return func(c *config) { c.subscribePrefix = prefix }
}

// WithPublishPath sets the path of publish requests. Defaults to "/pub".
func WithPublishPath(path string) Option {
	return func(c *config) { c.publishPath = path }
}

// WithMaxPayloadBytes bounds the request body of a publish. Non-positive
// disables the bound.
func WithMaxPayloadBytes(n int64) Option {
	return func(c *config) { c.maxPayloadBytes = n }
}

// Handler serves long-poll subscriptions and publishes over HTTP.
type Handler struct {
	engine *longpoll.Engine
	log    *slog.Logger
	mux    *http.ServeMux

	subscribePrefix string
	maxPayloadBytes int64
}

// New builds a Handler on top of engine.
func New(engine *longpoll.Engine, opts ...Option) *Handler {
	cfg := &config{
		logger:          slog.Default(),
		subscribePrefix: "/sub/",
		publishPath:     "/pub",
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if !strings.HasSuffix(cfg.subscribePrefix, "/") {
		cfg.subscribePrefix += "/"
	}

	h := &Handler{
		engine:          engine,
		log:             slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		subscribePrefix: cfg.subscribePrefix,
		maxPayloadBytes: cfg.maxPayloadBytes,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("GET %s", cfg.subscribePrefix), h.handleSubscribe)
	mux.HandleFunc(fmt.Sprintf("POST %s", cfg.publishPath), h.handlePublish)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// handleSubscribe serves GET /sub/<ch>[/<ch>...]. The response is either the
// deliverable messages with a fresh cursor, or 304 once the wait times out.
func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	mode := strings.TrimSpace(r.Header.Get(ModeHeader))
	if mode == "" {
		mode = ModeLongPolling
	}

	specs, err := ParseSubscribePath(strings.TrimPrefix(r.URL.Path, h.subscribePrefix))
	ctx = logctx.WithSubscriptionData(ctx, &logctx.SubscriptionData{Channels: specNames(specs), Mode: mode})
	h.log.InfoContext(ctx, "http.sub.start")

	if !strings.EqualFold(mode, ModeLongPolling) {
		h.log.WarnContext(ctx, "http.sub.mode.unsupported")
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("%v: %q", ErrUnsupportedMode, mode))
		return
	}
	if err != nil {
		h.log.InfoContext(ctx, "http.sub.path.invalid", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	timeout, err := parseTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		h.log.InfoContext(ctx, "http.sub.timeout.invalid", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := longpoll.Request{
		Channels: specs,
		Tokens: cursor.Tokens{
			Time:     r.Header.Get(ifModifiedSinceHeader),
			Sequence: r.Header.Get(ifNoneMatchHeader),
		},
		LastEventTag: r.Header.Get(lastEventIDHeader),
		Timeout:      timeout,
	}

	d, err := h.engine.Subscribe(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			h.log.InfoContext(ctx, "http.sub.cancel", slog.Duration("dur", time.Since(start)))
			return
		}
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.log.ErrorContext(ctx, "http.sub.fail", slog.String("err", err.Error()))
			writeJSONError(w, status, "internal error")
			return
		}
		h.log.InfoContext(ctx, "http.sub.reject", slog.String("err", err.Error()))
		writeJSONError(w, status, err.Error())
		return
	}

	header := w.Header()
	header.Set("Cache-Control", "no-cache")
	setCursorHeaders(header, d.Tokens)

	if d.Outcome == longpoll.TimedOut {
		w.WriteHeader(http.StatusNotModified)
		h.log.InfoContext(ctx, "http.sub.timeout", slog.Duration("dur", time.Since(start)))
		return
	}

	header.Set("Content-Type", sharedContentType(d.Messages))
	w.WriteHeader(http.StatusOK)
	for _, m := range d.Messages {
		if _, err := w.Write(m.Payload); err != nil {
			h.log.ErrorContext(ctx, "http.sub.write.fail", slog.String("err", err.Error()))
			return
		}
		if _, err := io.WriteString(w, lineTerminator); err != nil {
			h.log.ErrorContext(ctx, "http.sub.write.fail", slog.String("err", err.Error()))
			return
		}
	}
	h.log.InfoContext(ctx, "http.sub.ok",
		slog.Int("messages", len(d.Messages)),
		slog.Duration("dur", time.Since(start)),
	)
}

// publishAck is the body of a successful publish.
type publishAck struct {
	Channel     string    `json:"channel"`
	Sequence    uint64    `json:"sequence"`
	PublishedAt time.Time `json:"published_at"`
}

// handlePublish serves POST /pub?id=<ch>.
func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	channel := r.URL.Query().Get("id")
	tag := r.Header.Get(EventIDHeader)
	ctx = logctx.WithPublishData(ctx, &logctx.PublishData{Channel: channel, EventTag: tag})
	h.log.InfoContext(ctx, "http.pub.start")

	if channel == "" {
		writeJSONError(w, http.StatusBadRequest, "missing channel id")
		return
	}

	// The content type is stored as sent; it only has to be well formed.
	if _, err := contenttype.GetMediaType(r); err != nil {
		h.log.InfoContext(ctx, "http.pub.content_type.invalid", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusUnsupportedMediaType, "invalid content type")
		return
	}

	body := r.Body
	if h.maxPayloadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxPayloadBytes)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("payload exceeds %d bytes", mbe.Limit))
			return
		}
		h.log.WarnContext(ctx, "http.pub.read.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	msg, err := h.engine.Publish(ctx, channel, channels.Publication{
		Payload:     payload,
		ContentType: r.Header.Get("Content-Type"),
		EventTag:    tag,
	})
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.log.ErrorContext(ctx, "http.pub.fail", slog.String("err", err.Error()))
			writeJSONError(w, status, "internal error")
			return
		}
		h.log.InfoContext(ctx, "http.pub.reject", slog.String("err", err.Error()))
		writeJSONError(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(publishAck{Channel: msg.Channel, Sequence: msg.Sequence, PublishedAt: msg.PublishedAt.UTC()}); err != nil {
		h.log.ErrorContext(ctx, "http.pub.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "http.pub.ok",
		slog.Uint64("seq", msg.Sequence),
		slog.Int("bytes", len(payload)),
		slog.Duration("dur", time.Since(start)),
	)
}

// ParseSubscribePath splits the part of a subscribe path after the prefix
// into channel specs. A segment ending in ".b<N>" requests a backtrack of N
// messages for that channel.
func ParseSubscribePath(path string) ([]longpoll.ChannelSpec, error) {
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return nil, fmt.Errorf("%w: no channels", ErrBadSubscribePath)
	}
	segments := strings.Split(path, "/")
	specs := make([]longpoll.ChannelSpec, 0, len(segments))
	for _, seg := range segments {
		spec := longpoll.ChannelSpec{Name: seg}
		if i := strings.LastIndex(seg, ".b"); i >= 0 {
			if rest := seg[i+2:]; isDigits(rest) {
				n, err := strconv.Atoi(rest)
				if err != nil {
					return nil, fmt.Errorf("%w: backtrack %q out of range", ErrBadSubscribePath, rest)
				}
				spec = longpoll.ChannelSpec{Name: seg[:i], Backtrack: n}
			}
		}
		if spec.Name == "" {
			return nil, fmt.Errorf("%w: empty channel in %q", ErrBadSubscribePath, path)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// parseTimeout accepts whole seconds or a Go duration.
func parseTimeout(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid timeout %q", v)
	}
	return d, nil
}

func setCursorHeaders(header http.Header, t cursor.Tokens) {
	if t.Time != "" {
		header.Set("Last-Modified", t.Time)
	}
	if t.Sequence != "" {
		seq := t.Sequence
		if !strings.HasSuffix(seq, `"`) {
			seq = `"` + seq + `"`
		}
		header.Set("Etag", seq)
	}
}

// sharedContentType returns the content type common to msgs, or text/plain
// when they differ or none was given.
func sharedContentType(msgs []channels.Message) string {
	if len(msgs) == 0 || msgs[0].ContentType == "" {
		return defaultContentType
	}
	ct := msgs[0].ContentType
	for _, m := range msgs[1:] {
		if m.ContentType != ct {
			return defaultContentType
		}
	}
	return ct
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadSubscribePath),
		errors.Is(err, channels.ErrInvalidChannel),
		errors.Is(err, longpoll.ErrNoChannels),
		errors.Is(err, longpoll.ErrTooManyChannels):
		return http.StatusBadRequest
	case errors.Is(err, longpoll.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func specNames(specs []longpoll.ChannelSpec) []string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}
