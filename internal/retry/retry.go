// Package retry runs operations against remote services with a bounded number
// of attempts and a fixed pause between them.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/danielorbach/go-component"
	"gocloud.dev/gcerrors"
)

// A Policy bounds the retries of a single operation.
type Policy struct {
	// Attempts is the total number of calls, including the first one. Values
	// below 1 are treated as 1.
	Attempts int
	// Pause is the fixed wait before every retry.
	Pause time.Duration
}

// Default is the policy used for archive and synchronisation calls.
var Default = Policy{Attempts: 5, Pause: 2 * time.Second}

// Do calls op until it succeeds, returns a permanent error, exhausts the
// policy's attempts, or ctx is done. It returns the last error op returned.
//
// Wrap an error with Permanent to stop retrying immediately.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	var b backoff.BackOff = backoff.NewConstantBackOff(p.Pause)
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	logger := component.Logger(ctx)
	var n int
	return backoff.RetryNotify(func() error {
		n++
		return op(ctx)
	}, b, func(err error, pause time.Duration) {
		logger.Debug("Retrying after failed attempt",
			slog.Int("attempt", n),
			slog.Int("attempts", attempts),
			slog.Duration("pause", pause),
			slog.Any("error", err),
		)
	})
}

// Permanent wraps err so that Do returns it without retrying. Do unwraps it
// before returning, so callers see err itself.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Transient reports whether err is worth retrying: errors reported by Go CDK
// drivers as temporary conditions on the remote side. Context cancellations
// and everything else are not transient.
func Transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch gcerrors.Code(err) {
	case gcerrors.Unknown, gcerrors.Internal, gcerrors.ResourceExhausted, gcerrors.DeadlineExceeded:
		return true
	}
	return false
}

// OnlyTransient adapts op so that errors that are not Transient stop Do
// immediately.
func OnlyTransient(op func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		err := op(ctx)
		if err != nil && !Transient(err) {
			return Permanent(err)
		}
		return err
	}
}
