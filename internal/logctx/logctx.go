package logctx

import (
	"context"
	"log/slog"
	"strings"
)

// Handler decorates records with the request and subscription attributes
// carried on the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(subscriptionDataKey{}).(*SubscriptionData); ok {
		r.AddAttrs(slog.Group("sub",
			slog.String("channels", strings.Join(sd.Channels, "/")),
			slog.String("mode", sd.Mode),
		))
	}

	if pd, ok := ctx.Value(publishDataKey{}).(*PublishData); ok {
		r.AddAttrs(slog.Group("pub",
			slog.String("channel", pd.Channel),
			slog.String("event_id", pd.EventTag),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type subscriptionDataKey struct{}

type SubscriptionData struct {
	Channels []string
	Mode     string
}

func WithSubscriptionData(ctx context.Context, data *SubscriptionData) context.Context {
	return context.WithValue(ctx, subscriptionDataKey{}, data)
}

type publishDataKey struct{}

type PublishData struct {
	Channel  string
	EventTag string
}

func WithPublishData(ctx context.Context, data *PublishData) context.Context {
	return context.WithValue(ctx, publishDataKey{}, data)
}
