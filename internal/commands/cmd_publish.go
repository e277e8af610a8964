package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/ggoodman/pushstream-go/pushhttp"
)

type PublishCmd struct {
	flags *Flags

	url         string
	channel     string
	contentType string
	eventID     string
}

// NewPublishCmd creates a new publish command.
func NewPublishCmd(flags *Flags) *PublishCmd {
	return &PublishCmd{flags: flags}
}

// Register adds the publish command to the application.
func (cmd *PublishCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "publish",
		Aliases:   []string{"pub"},
		Usage:     "Publish a message to a channel",
		UsageText: "pushstreamd publish --channel <name> [message]",
		Description: `Publishes one message. The payload is the first argument, or stdin when
no argument is given.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "url",
				Usage:       "broker base URL",
				Sources:     cli.EnvVars("PUSHSTREAM_URL"),
				Value:       DefaultURL,
				Destination: &cmd.url,
			},
			&cli.StringFlag{
				Name:        "channel",
				Aliases:     []string{"c"},
				Usage:       "channel to publish to",
				Required:    true,
				Destination: &cmd.channel,
			},
			&cli.StringFlag{
				Name:        "content-type",
				Usage:       "content type stored with the message",
				Value:       "text/plain",
				Destination: &cmd.contentType,
			},
			&cli.StringFlag{
				Name:        "event-id",
				Usage:       "event tag subscribers can resume from with Last-Event-Id",
				Destination: &cmd.eventID,
			},
		},
		Action: cmd.run,
	})

	return app
}

// publishAck mirrors the broker's publish response.
type publishAck struct {
	Channel     string    `json:"channel"`
	Sequence    uint64    `json:"sequence"`
	PublishedAt time.Time `json:"published_at"`
}

func (cmd *PublishCmd) run(ctx context.Context, c *cli.Command) error {
	var payload []byte
	if c.Args().Len() > 0 {
		payload = []byte(c.Args().First())
	} else {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		payload = b
	}

	ack, err := cmd.publish(ctx, payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.Root().Writer, "%s #%d at %s\n", ack.Channel, ack.Sequence, ack.PublishedAt.Format(time.RFC3339))
	return err
}

func (cmd *PublishCmd) publish(ctx context.Context, payload []byte) (*publishAck, error) {
	target := joinURL(cmd.url, "/pub?id="+url.QueryEscape(cmd.channel))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", cmd.contentType)
	if cmd.eventID != "" {
		req.Header.Set(pushhttp.EventIDHeader, cmd.eventID)
	}

	res, err := cmd.flags.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, responseError(res)
	}
	var ack publishAck
	if err := json.NewDecoder(res.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("decode ack: %w", err)
	}
	return &ack, nil
}

// responseError turns a rejected response into an error carrying the
// broker's message when the body is the usual JSON error shape.
func responseError(res *http.Response) error {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 64<<10)).Decode(&body); err == nil && body.Error.Message != "" {
		return fmt.Errorf("broker returned %s: %s", res.Status, body.Error.Message)
	}
	return fmt.Errorf("broker returned %s", res.Status)
}
