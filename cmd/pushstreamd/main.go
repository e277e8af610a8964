// Command pushstreamd runs the long-polling channel broker and provides
// small publish and subscribe clients for it.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/ggoodman/pushstream-go/internal/commands"
	"github.com/ggoodman/pushstream-go/internal/config"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

func build() string {
	short := commit
	if len(commit) > 7 {
		short = commit[:7]
	}
	return fmt.Sprintf("%s (%s)", version, short)
}

func main() {
	flags := &commands.Flags{}

	app := &cli.Command{
		Name:      "pushstreamd",
		Usage:     "Long-polling publish/subscribe broker",
		UsageText: "pushstreamd [global options] command [command options]",
		Version:   build(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("LOG_LEVEL"),
				Value:       "info",
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "log format (text, json)",
				Sources:     cli.EnvVars("LOG_FORMAT"),
				Value:       "text",
				Destination: &flags.LogFormat,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			log, err := config.Config{LogLevel: flags.LogLevel, LogFormat: flags.LogFormat}.Logger(os.Stderr)
			if err != nil {
				return ctx, err
			}
			flags.Logger = log
			return ctx, nil
		},
	}

	app = commands.NewServeCmd(flags).Register(app)
	app = commands.NewPublishCmd(flags).Register(app)
	app = commands.NewSubscribeCmd(flags).Register(app)

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "pushstreamd: %v\n", err)
		os.Exit(1)
	}
}
