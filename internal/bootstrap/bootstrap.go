// Package bootstrap brings the service datastores up before any traffic is accepted.
//
// Each datastore is connected through a bounded retry policy. Once connected, its schema step
// runs once; a failing schema step is logged and does not block startup since the table or index
// may already exist from a prior run.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is returned when a datastore stayed unreachable for the whole retry budget.
var ErrExhausted = errors.New("datastore unreachable")

// Policy is a bounded retry policy with a fixed delay between attempts.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultPolicy is 30 attempts, 2 seconds apart.
var DefaultPolicy = Policy{Attempts: 30, Delay: 2 * time.Second}

// Step describes how to bring up one datastore.
type Step[T any] struct {
	Name string
	// Open connects to the datastore. It is called once per attempt.
	Open func(ctx context.Context) (T, error)
	// Ensure creates the schema or index. It may be nil.
	Ensure func(ctx context.Context, store T) error
}

// Closer is a datastore handle which can be released.
type Closer interface {
	Close() error
}

// Retry calls connect until it succeeds, the policy is exhausted or ctx is done.
//
// On exhaustion, the last error is returned wrapped in ErrExhausted.
func Retry(ctx context.Context, p Policy, name string, connect func(context.Context) error) error {
	attempts := max(p.Attempts, 1)

	var attempt int
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(attempts-1)),
		ctx)

	op := func() error {
		attempt++
		return connect(ctx)
	}
	notify := func(err error, next time.Duration) {
		slog.Warn("Datastore not ready, retrying", "store", name, "attempt", attempt, "attempts", attempts, "next", next, "err", err)
	}

	err := backoff.RetryNotify(op, b, notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s bootstrap interrupted: %w", name, ctxErr)
	}
	return fmt.Errorf("%w: %s init failed after %d attempts: %v", ErrExhausted, name, attempt, err)
}

// Connect opens the datastore described by step with the retry policy, then runs its schema step.
func Connect[T any](ctx context.Context, p Policy, step Step[T]) (T, error) {
	var store T
	err := Retry(ctx, p, step.Name, func(ctx context.Context) error {
		s, err := step.Open(ctx)
		if err != nil {
			return err
		}
		store = s
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}

	if step.Ensure != nil {
		if err := step.Ensure(ctx, store); err != nil {
			slog.Warn("Failed to ensure datastore schema, continuing", "store", step.Name, "err", err)
		}
	}
	slog.Info("Datastore ready", "store", step.Name)
	return store, nil
}

// Run brings up the blob store, then the metrics store.
//
// Both are returned ready, or an error is returned and nothing is left open.
func Run[B, M Closer](ctx context.Context, p Policy, blobs Step[B], metrics Step[M]) (B, M, error) {
	var (
		zeroB B
		zeroM M
	)

	b, err := Connect(ctx, p, blobs)
	if err != nil {
		return zeroB, zeroM, err
	}

	m, err := Connect(ctx, p, metrics)
	if err != nil {
		if cErr := b.Close(); cErr != nil {
			slog.Warn("Failed to close datastore", "store", blobs.Name, "err", cErr)
		}
		return zeroB, zeroM, err
	}

	return b, m, nil
}
