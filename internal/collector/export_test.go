package collector

import (
	"log/slog"
	"net/http"
)

type Recorder = recorder

// WithHTTPClient overrides the client used to poll the nodes.
func WithHTTPClient(c *http.Client) Options {
	return func(o *options) {
		o.client = c
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger slog.Handler) Options {
	return func(o *options) {
		o.log = slog.New(logger)
	}
}
