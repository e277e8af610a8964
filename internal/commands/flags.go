// Package commands holds the pushstreamd subcommands.
package commands

import (
	"log/slog"
	"net/http"
	"strings"
)

// DefaultURL is the broker address the client commands talk to.
const DefaultURL = "http://localhost:9080"

type Flags struct {
	LogLevel  string
	LogFormat string

	// Logger is built in the Before hook from LogLevel and LogFormat.
	Logger *slog.Logger

	// Client is used by the publish and subscribe commands. Nil means
	// http.DefaultClient.
	Client *http.Client
}

func (f *Flags) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

func (f *Flags) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
