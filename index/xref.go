package index

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/danielorbach/go-component"
)

// A Suggester records candidate pairs for review; *resolver.Resolver is one.
type Suggester interface {
	CheckCandidate(a, b string) bool
	Suggest(ctx context.Context, a, b string, score float64) (bool, error)
}

// Xref suggests the best pairs of idx to r, skipping pairs that r already
// judged or merged, until limit suggestions were recorded. Zero means no limit.
// It returns the number of recorded suggestions.
func Xref(ctx context.Context, idx *Index, r Suggester, limit int) (int, error) {
	ctx, span := tracer.Start(ctx, "Xref")
	defer span.End()

	var n int
	for pair, score := range idx.Pairs() {
		if limit > 0 && n >= limit {
			break
		}
		if !r.CheckCandidate(pair.Source, pair.Target) {
			continue
		}
		ok, err := r.Suggest(ctx, pair.Source, pair.Target, score)
		if err != nil {
			return n, fmt.Errorf("xref %s: %w", pair, err)
		}
		if ok {
			n++
		}
	}
	suggestionCounter.Add(ctx, int64(n))
	component.Logger(ctx).Info("Suggested candidate pairs", slog.Int("suggestions", n))
	return n, nil
}
