package metricstore

import (
	"context"
	"time"
)

type (
	Client     = client
	Collection = collection
)

// WithNewClient overrides the document store client factory.
func WithNewClient(newClient func(ctx context.Context, uri string) (Client, error)) Options {
	return func(o *options) {
		o.newClient = newClient
	}
}

// WithClock overrides the clock used to stamp recorded readings.
func WithClock(now func() time.Time) Options {
	return func(o *options) {
		o.now = now
	}
}
