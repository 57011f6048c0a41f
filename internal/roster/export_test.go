package roster

import "log/slog"

// WithLogger overrides the logger of the manager.
func WithLogger(h slog.Handler) Options {
	return func(o *options) {
		o.logger = slog.New(h)
	}
}
