package resolvertest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/go-digitaltwin/go-resolution"
	"github.com/go-digitaltwin/go-resolution/resolver"
)

// A check inspects the tested resolver and its log after a step, returning a
// description of the problem it found, or the empty string.
type check func(ctx context.Context, r *resolver.Resolver, log resolution.EdgeLog) string

func canonical(id, want string) check {
	return func(_ context.Context, r *resolver.Resolver, _ resolution.EdgeLog) string {
		if got := r.Canonical(id); got != want {
			return fmt.Sprintf("Canonical(%s) = %q, want %q", id, got, want)
		}
		return ""
	}
}

func connected(id string, want ...string) check {
	return func(_ context.Context, r *resolver.Resolver, _ resolution.EdgeLog) string {
		if diff := cmp.Diff(want, r.Connected(id)); diff != "" {
			return fmt.Sprintf("Connected(%s) mismatch (-want +got):\n%s", id, diff)
		}
		return ""
	}
}

func canonicalIsMinted(id string) check {
	return func(_ context.Context, r *resolver.Resolver, _ resolution.EdgeLog) string {
		got := r.Canonical(id)
		if !strings.HasPrefix(got, resolution.CanonicalPrefix) {
			return fmt.Sprintf("Canonical(%s) = %q, want a minted canonical id", id, got)
		}
		if !slices.Contains(r.Connected(id), got) {
			return fmt.Sprintf("minted canonical id %s is not linked into the cluster of %s", got, id)
		}
		return ""
	}
}

func sameCluster(ids ...string) check {
	return func(_ context.Context, r *resolver.Resolver, _ resolution.EdgeLog) string {
		want := r.Canonical(ids[0])
		for _, id := range ids[1:] {
			if got := r.Canonical(id); got != want {
				return fmt.Sprintf("Canonical(%s) = %q, want %q like Canonical(%s)", id, got, want, ids[0])
			}
		}
		return ""
	}
}

func distinctClusters(a, b string) check {
	return func(_ context.Context, r *resolver.Resolver, _ resolution.EdgeLog) string {
		if r.Canonical(a) == r.Canonical(b) {
			return fmt.Sprintf("%s and %s share canonical id %s", a, b, r.Canonical(a))
		}
		return ""
	}
}

func judgement(a, b string, want resolution.Judgement) check {
	return func(_ context.Context, r *resolver.Resolver, _ resolution.EdgeLog) string {
		if got := r.Judgement(a, b); got != want {
			return fmt.Sprintf("Judgement(%s, %s) = %v, want %v", a, b, got, want)
		}
		return ""
	}
}

func candidate(a, b string, want bool) check {
	return func(_ context.Context, r *resolver.Resolver, _ resolution.EdgeLog) string {
		if got := r.CheckCandidate(a, b); got != want {
			return fmt.Sprintf("CheckCandidate(%s, %s) = %v, want %v", a, b, got, want)
		}
		return ""
	}
}

// logSize checks the number of edges in the log, and how many of them were
// not tombstoned.
func logSize(total, live int) check {
	return func(ctx context.Context, _ *resolver.Resolver, log resolution.EdgeLog) string {
		var gotTotal, gotLive int
		var previous resolution.Edge
		for e, err := range log.Edges(ctx) {
			if err != nil {
				return fmt.Sprintf("Edges() failed: %v", err)
			}
			if e.CreatedAt.Before(previous.CreatedAt) {
				return fmt.Sprintf("Edges() out of creation order: %v after %v", e, previous)
			}
			previous = e
			gotTotal++
			if !e.IsDeleted() {
				gotLive++
			}
		}
		if gotTotal != total || gotLive != live {
			return fmt.Sprintf("log has %d edges (%d live), want %d (%d live)", gotTotal, gotLive, total, live)
		}
		return ""
	}
}

// reloaded checks that a resolver loaded afresh from the log agrees with the
// tested resolver about the given identifiers.
func reloaded(ids ...string) check {
	return func(ctx context.Context, r *resolver.Resolver, log resolution.EdgeLog) string {
		fresh, err := resolver.New(ctx, log)
		if err != nil {
			return fmt.Sprintf("New() from the log failed: %v", err)
		}
		for _, id := range ids {
			if diff := cmp.Diff(r.Connected(id), fresh.Connected(id)); diff != "" {
				return fmt.Sprintf("reloaded Connected(%s) mismatch (-want +got):\n%s", id, diff)
			}
			for _, other := range ids {
				if want, got := r.Judgement(id, other), fresh.Judgement(id, other); want != got {
					return fmt.Sprintf("reloaded Judgement(%s, %s) = %v, want %v", id, other, got, want)
				}
			}
		}
		return ""
	}
}

func expectConflict(err error, standing resolution.Judgement) error {
	var conflict *resolution.ConflictError
	if !errors.As(err, &conflict) || !errors.Is(err, resolution.ErrConflict) {
		return fmt.Errorf("got error %v, want a *resolution.ConflictError", err)
	}
	if conflict.Existing != standing {
		return fmt.Errorf("conflict with %v judgement, want %v", conflict.Existing, standing)
	}
	return nil
}
