package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)}).With("component", "test")

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "r-1", Method: "GET", Path: "/sub/a/b"})
	ctx = WithSubscriptionData(ctx, &SubscriptionData{Channels: []string{"a", "b"}, Mode: "long-polling"})
	logger.InfoContext(ctx, "longpoll.wait")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["component"] != "test" {
		t.Fatalf("expected With attributes to survive, got %v", rec)
	}
	req, ok := rec["req"].(map[string]any)
	if !ok || req["id"] != "r-1" || req["path"] != "/sub/a/b" {
		t.Fatalf("unexpected req group: %v", rec["req"])
	}
	sub, ok := rec["sub"].(map[string]any)
	if !ok || sub["channels"] != "a/b" || sub["mode"] != "long-polling" {
		t.Fatalf("unexpected sub group: %v", rec["sub"])
	}
	if _, ok := rec["pub"]; ok {
		t.Fatalf("pub group should be absent")
	}
}
