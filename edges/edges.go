// Package edges merges duplicate relationship entities.
//
// Sources often report the same relationship (an ownership, a directorship)
// several times, with or without its end date. Two edge entities are
// duplicates when they connect the same canonical endpoints with the same
// schema and the same distinguishing properties, and their temporal extents
// agree: either exactly, or because one reports an end the other lacks for the
// same start. When several ends compete for one start, nothing is merged.
package edges

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/go-digitaltwin/go-resolution"
	"github.com/go-digitaltwin/go-resolution/resolver"
)

// A Linker resolves identifiers to canonical identifiers.
type Linker interface {
	Canonical(id string) string
}

// A Resolver records merges of duplicate edges; *resolver.Resolver is one.
type Resolver interface {
	Linker
	Judgement(a, b string) resolution.Judgement
	Decide(ctx context.Context, a, b string, j resolution.Judgement, opts ...resolver.DecideOption) (string, error)
}

// An EntitySource yields the entities to deduplicate; *store.View is one.
type EntitySource interface {
	Entities(ctx context.Context) iter.Seq2[*resolution.Entity, error]
}

// Vertices are the canonical endpoints of an edge entity.
type Vertices struct {
	Source string
	Target string
}

// GetVertices resolves the endpoints of an edge entity to canonical ids. It
// reports false if e is not an edge or lacks an endpoint.
func GetVertices(l Linker, e *resolution.Entity) (Vertices, bool) {
	if !e.Schema.IsEdge() {
		return Vertices{}, false
	}
	source, _ := e.First(e.Schema.Edge.Source)
	target, _ := e.First(e.Schema.Edge.Target)
	if source == "" || target == "" {
		return Vertices{}, false
	}
	return Vertices{Source: l.Canonical(source), Target: l.Canonical(target)}, true
}

// A Key groups edge entities that describe the same relationship.
type Key struct {
	Schema string
	Vertices
	Start string
	End   string
	// Extra holds the values of the schema's distinguishing properties, in the
	// order they are listed.
	Extra string
}

// MakeKey builds the grouping key of an edge entity. Only the properties named
// by extra contribute to Key.Extra; other properties never affect grouping.
// With blankEnd, the key ignores the end date.
func MakeKey(v Vertices, e *resolution.Entity, extra []string, blankEnd bool) Key {
	k := Key{Schema: e.Schema.Name, Vertices: v}
	if spec := e.Schema.Edge; spec != nil {
		k.Start = earliest(e, spec.Start)
		if !blankEnd {
			k.End = earliest(e, spec.End)
		}
	}
	parts := make([]string, len(extra))
	props := e.Props()
	for i, prop := range extra {
		values := slices.Sorted(slices.Values(props[prop]))
		parts[i] = strings.Join(values, "\x1e")
	}
	k.Extra = strings.Join(parts, "\x1f")
	return k
}

func earliest(e *resolution.Entity, prop string) string {
	if prop == "" {
		return ""
	}
	values := e.Props()[prop]
	if len(values) == 0 {
		return ""
	}
	return slices.Min(values)
}

// Summary reports the outcome of Dedupe.
type Summary struct {
	// Edges counts the edge entities considered.
	Edges int
	// Merged counts the edge entities merged into another.
	Merged int
	// Ambiguous counts groups left alone because several end dates compete for
	// the same start.
	Ambiguous int
	// Skipped counts merges blocked by a standing negative or unsure judgement.
	Skipped int
}

type edge struct {
	id  string
	key Key
}

// Dedupe finds duplicate edge entities of src and merges them in r with
// positive judgements between the edge entities. Merges that contradict a
// standing judgement are skipped, never forced.
func Dedupe(ctx context.Context, r Resolver, src EntitySource) (Summary, error) {
	ctx, span := tracer.Start(ctx, "Dedupe")
	defer span.End()

	var summary Summary
	groups := make(map[Key][]edge)
	for e, err := range src.Entities(ctx) {
		if err != nil {
			return summary, fmt.Errorf("dedupe edges: %w", err)
		}
		v, ok := GetVertices(r, e)
		if !ok {
			continue
		}
		summary.Edges++
		k := MakeKey(v, e, e.Schema.Edge.Dedupe, false)
		group := k
		group.Start, group.End = "", ""
		groups[group] = append(groups[group], edge{id: e.ID, key: k})
	}

	for _, group := range slices.SortedFunc(maps.Keys(groups), compareKeys) {
		for _, ids := range duplicates(groups[group], &summary) {
			for _, id := range ids[1:] {
				if err := merge(ctx, r, ids[0], id, &summary); err != nil {
					return summary, err
				}
			}
		}
	}

	recordSummary(ctx, summary)
	component.Logger(ctx).Info("Deduplicated edges",
		slog.Int("edges", summary.Edges),
		slog.Int("merged", summary.Merged),
		slog.Int("ambiguous", summary.Ambiguous),
		slog.Int("skipped", summary.Skipped),
	)
	return summary, nil
}

// duplicates partitions a group of edges sharing schema, endpoints and extra
// properties into sets of duplicates, each sorted by id.
func duplicates(group []edge, summary *Summary) [][]string {
	// Edges with identical keys, dates included.
	exact := make(map[Key][]string)
	for _, e := range group {
		exact[e.key] = append(exact[e.key], e.id)
	}

	// A start reported with no end and with exactly one end describes one
	// ongoing-then-ended relationship.
	ends := make(map[string][]string)
	for k := range exact {
		if k.Start != "" && k.End != "" {
			ends[k.Start] = append(ends[k.Start], k.End)
		}
	}
	merged := make(map[Key]bool)
	var sets [][]string
	for _, start := range slices.Sorted(maps.Keys(ends)) {
		if len(ends[start]) > 1 {
			summary.Ambiguous++
			continue
		}
		open := Key{Schema: group[0].key.Schema, Vertices: group[0].key.Vertices, Start: start, Extra: group[0].key.Extra}
		if _, ok := exact[open]; !ok {
			continue
		}
		closed := open
		closed.End = ends[start][0]
		merged[open], merged[closed] = true, true
		sets = append(sets, sorted(exact[open], exact[closed]))
	}
	for k, ids := range exact {
		if !merged[k] && len(ids) > 1 {
			sets = append(sets, sorted(ids))
		}
	}
	slices.SortFunc(sets, func(a, b []string) int { return cmp.Compare(a[0], b[0]) })
	return sets
}

func sorted(ids ...[]string) []string {
	return slices.Sorted(slices.Values(slices.Concat(ids...)))
}

func merge(ctx context.Context, r Resolver, a, b string, summary *Summary) error {
	switch r.Judgement(a, b) {
	case resolution.Positive:
		return nil
	case resolution.Negative, resolution.Unsure:
		summary.Skipped++
		component.Logger(ctx).Debug("Skipped duplicate edge with a standing judgement",
			slog.String("edge", a),
			slog.String("other", b),
		)
		return nil
	}
	if _, err := r.Decide(ctx, a, b, resolution.Positive, resolver.WithUser("edges.Dedupe")); err != nil {
		return fmt.Errorf("merge edges %s and %s: %w", a, b, err)
	}
	summary.Merged++
	return nil
}

func compareKeys(a, b Key) int {
	return cmp.Or(
		cmp.Compare(a.Schema, b.Schema),
		cmp.Compare(a.Source, b.Source),
		cmp.Compare(a.Target, b.Target),
		cmp.Compare(a.Extra, b.Extra),
		cmp.Compare(a.Start, b.Start),
		cmp.Compare(a.End, b.End),
	)
}

func recordSummary(ctx context.Context, s Summary) {
	for outcome, n := range map[string]int{"merged": s.Merged, "ambiguous": s.Ambiguous, "skipped": s.Skipped} {
		outcomeCounter.Add(ctx, int64(n), metric.WithAttributeSet(attribute.NewSet(attribute.String("edges.outcome", outcome))))
	}
}
