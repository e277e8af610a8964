package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/ggoodman/pushstream-go/pushhttp"
)

type SubscribeCmd struct {
	flags *Flags

	url         string
	backtrack   int
	timeout     time.Duration
	lastEventID string
	deliveries  int
	retryDelay  time.Duration
}

// NewSubscribeCmd creates a new subscribe command.
func NewSubscribeCmd(flags *Flags) *SubscribeCmd {
	return &SubscribeCmd{flags: flags, retryDelay: time.Second}
}

// Register adds the subscribe command to the application.
func (cmd *SubscribeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "subscribe",
		Aliases:   []string{"sub"},
		Usage:     "Long-poll one or more channels and print messages",
		UsageText: "pushstreamd subscribe [options] <channel> [channel...]",
		Description: `Repeatedly long-polls the given channels, resuming each poll from the
cursor returned by the previous one, and writes every message to stdout
followed by CRLF.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "url",
				Usage:       "broker base URL",
				Sources:     cli.EnvVars("PUSHSTREAM_URL"),
				Value:       DefaultURL,
				Destination: &cmd.url,
			},
			&cli.IntFlag{
				Name:        "backtrack",
				Aliases:     []string{"b"},
				Usage:       "number of retained messages per channel to receive first",
				Destination: &cmd.backtrack,
			},
			&cli.DurationFlag{
				Name:        "timeout",
				Usage:       "per-poll wait, bounded by the broker's maximum (0 uses the broker default)",
				Destination: &cmd.timeout,
			},
			&cli.StringFlag{
				Name:        "last-event-id",
				Usage:       "resume a single channel after this event tag",
				Destination: &cmd.lastEventID,
			},
			&cli.IntFlag{
				Name:        "deliveries",
				Aliases:     []string{"n"},
				Usage:       "exit after this many non-empty responses (0 runs until interrupted)",
				Destination: &cmd.deliveries,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *SubscribeCmd) run(ctx context.Context, c *cli.Command) error {
	if c.Args().Len() == 0 {
		return errors.New("at least one channel is required")
	}
	err := cmd.poll(ctx, c.Args().Slice(), c.Root().Writer)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pollState is what a subscriber carries from one poll to the next.
type pollState struct {
	etag         string
	lastModified string
	lastEventID  string
}

func (cmd *SubscribeCmd) poll(ctx context.Context, names []string, w io.Writer) error {
	log := cmd.flags.logger()
	target, err := cmd.subscribeURL(names)
	if err != nil {
		return err
	}

	st := pollState{lastEventID: cmd.lastEventID}
	delivered := 0
	for cmd.deliveries <= 0 || delivered < cmd.deliveries {
		got, err := cmd.pollOnce(ctx, target, &st, w)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, errRejected):
			return err
		default:
			log.WarnContext(ctx, "sub.poll.fail", slog.String("err", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cmd.retryDelay):
			}
			continue
		}
		if got {
			delivered++
		}
	}
	return nil
}

var errRejected = errors.New("subscription rejected")

// pollOnce issues one long-poll and reports whether it carried messages.
func (cmd *SubscribeCmd) pollOnce(ctx context.Context, target string, st *pollState, w io.Writer) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(pushhttp.ModeHeader, pushhttp.ModeLongPolling)
	if st.etag != "" {
		req.Header.Set("If-None-Match", st.etag)
	}
	if st.lastModified != "" {
		req.Header.Set("If-Modified-Since", st.lastModified)
	}
	if st.lastEventID != "" {
		req.Header.Set("Last-Event-Id", st.lastEventID)
	}

	res, err := cmd.flags.client().Do(req)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		if _, err := io.Copy(w, res.Body); err != nil {
			return false, fmt.Errorf("copy messages: %w", err)
		}
	case http.StatusNotModified:
	default:
		if res.StatusCode >= 400 && res.StatusCode < 500 {
			return false, fmt.Errorf("%w: %w", errRejected, responseError(res))
		}
		return false, responseError(res)
	}

	if v := res.Header.Get("Etag"); v != "" {
		st.etag = v
	}
	if v := res.Header.Get("Last-Modified"); v != "" {
		st.lastModified = v
	}
	// Once a cursor is held it takes over from the event tag.
	if st.etag != "" {
		st.lastEventID = ""
	}
	return res.StatusCode == http.StatusOK, nil
}

func (cmd *SubscribeCmd) subscribeURL(names []string) (string, error) {
	parts := make([]string, len(names))
	for i, name := range names {
		if name == "" || strings.ContainsAny(name, "/") {
			return "", fmt.Errorf("invalid channel name %q", name)
		}
		parts[i] = url.PathEscape(name)
		if cmd.backtrack > 0 {
			parts[i] += ".b" + strconv.Itoa(cmd.backtrack)
		}
	}
	target := joinURL(cmd.url, "/sub/"+strings.Join(parts, "/"))
	if cmd.timeout > 0 {
		target += "?timeout=" + url.QueryEscape(cmd.timeout.String())
	}
	return target, nil
}
