package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

func TestDo(t *testing.T) {
	errFlaky := errors.New("flaky")
	p := Policy{Attempts: 3, Pause: time.Millisecond}

	tests := []struct {
		name      string
		failures  int   // calls that fail before op succeeds
		err       error // error returned by failing calls
		wantCalls int
		wantErr   error
	}{
		{name: "FirstAttempt", failures: 0, wantCalls: 1},
		{name: "Recovers", failures: 2, err: errFlaky, wantCalls: 3},
		{name: "Exhausted", failures: 5, err: errFlaky, wantCalls: 3, wantErr: errFlaky},
		{name: "Permanent", failures: 5, err: Permanent(errFlaky), wantCalls: 1, wantErr: errFlaky},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			err := Do(context.Background(), p, func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Errorf("Do() error = %v, want %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("Do() called op %d times, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestDo_cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Do(ctx, Policy{Attempts: 10, Pause: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("unavailable")
	})
	if err == nil {
		t.Fatal("Do() succeeded, want error")
	}
	if calls != 1 {
		t.Errorf("Do() called op %d times after cancellation, want 1", calls)
	}
}

func TestTransient(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	_, notFound := bucket.ReadAll(ctx, "missing")
	if gcerrors.Code(notFound) != gcerrors.NotFound {
		t.Fatalf("ReadAll(missing) error code = %v, want NotFound", gcerrors.Code(notFound))
	}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "Nil", err: nil, want: false},
		{name: "NotFound", err: notFound, want: false},
		{name: "WrappedNotFound", err: fmt.Errorf("read: %w", notFound), want: false},
		{name: "Cancelled", err: context.Canceled, want: false},
		{name: "Deadline", err: context.DeadlineExceeded, want: true},
		{name: "Unclassified", err: errors.New("connection reset"), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Transient(tt.err); got != tt.want {
				t.Errorf("Transient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestOnlyTransient(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	var calls int
	err := Do(ctx, Policy{Attempts: 5, Pause: time.Millisecond}, OnlyTransient(func(ctx context.Context) error {
		calls++
		_, err := bucket.ReadAll(ctx, "missing")
		return err
	}))
	if gcerrors.Code(err) != gcerrors.NotFound {
		t.Errorf("Do() error = %v, want NotFound", err)
	}
	if calls != 1 {
		t.Errorf("Do() retried a permanent error %d times", calls-1)
	}
}
