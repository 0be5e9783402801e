// Package resolver maintains the identity graph of an entity-resolution
// system: an append-only log of pairwise judgements between identifiers, from
// which it computes clusters of identifiers that name the same entity and the
// canonical identifier of each cluster.
//
// A Resolver keeps the whole graph in memory and writes through to a
// resolution.EdgeLog (see MemoryLog, or the neo4jresolver package for a durable
// log). Consumers that only need to read the graph take a Linker, which is an
// immutable projection of the graph at some point in time.
package resolver

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/go-resolution"
)

// Resolver is the mutable identity graph.
//
// A cluster is a connected component over live positive edges. Its canonical
// identifier is the greatest member according to resolution.CompareIDs; when
// no member may stand for the cluster (see resolution.IsCanonicalID) the
// resolver mints one and links it into the cluster.
//
// A Resolver is safe for concurrent use; writes are serialised.
type Resolver struct {
	log resolution.EdgeLog
	now func() time.Time

	mu      sync.RWMutex
	history []resolution.Edge              // every edge in creation order, tombstones included
	live    map[resolution.Pair]int        // index into history of the live edge of each pair
	links   map[string]map[string]struct{} // live positive edges, in both directions
	cache   clusterCache
}

// An Option configures a Resolver.
type Option func(*Resolver)

// WithClock replaces time.Now as the source of edge timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// New loads the given log into memory and returns a Resolver writing through
// to it.
func New(ctx context.Context, log resolution.EdgeLog, opts ...Option) (*Resolver, error) {
	ctx, span := tracer.Start(ctx, "New")
	defer span.End()

	r := &Resolver{
		log:   log,
		now:   time.Now,
		live:  make(map[resolution.Pair]int),
		links: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	for e, err := range log.Edges(ctx) {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("read edge log: %w", err)
		}
		if err := r.load(e); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("load edge log: %w", err)
		}
	}
	span.SetAttributes(attribute.Int("resolver.edges", len(r.history)))
	component.Logger(ctx).Debug("Loaded identity graph", slog.Int("edges", len(r.history)), slog.Int("live", len(r.live)))
	return r, nil
}

func (r *Resolver) load(e resolution.Edge) error {
	if e.Pair() != resolution.NewPair(e.Source, e.Target) || e.Source == e.Target {
		return fmt.Errorf("edge %v is not normalised", e)
	}
	if n := len(r.history); n > 0 && e.CreatedAt.Before(r.history[n-1].CreatedAt) {
		return fmt.Errorf("edge %v is out of creation order", e)
	}
	r.history = append(r.history, e)
	if e.IsDeleted() {
		return nil
	}
	if i, ok := r.live[e.Pair()]; ok {
		return fmt.Errorf("two live edges for %v: %v and %v", e.Pair(), r.history[i], e)
	}
	r.live[e.Pair()] = len(r.history) - 1
	if e.Judgement == resolution.Positive {
		r.link(e.Source, e.Target)
	}
	return nil
}

// A DecideOption adjusts how a judgement is recorded.
type DecideOption func(*decideOptions)

type decideOptions struct {
	user  string
	score float64
	force bool
}

// WithUser attributes the judgement to a reviewer or an automated process.
func WithUser(user string) DecideOption {
	return func(o *decideOptions) { o.user = user }
}

// WithScore records the matching score that motivated the judgement.
func WithScore(score float64) DecideOption {
	return func(o *decideOptions) { o.score = score }
}

// WithForce permits a positive judgement to override standing negative or
// unsure judgements between the two clusters, which are tombstoned.
func WithForce() DecideOption {
	return func(o *decideOptions) { o.force = true }
}

// Decide records a judgement between a and b and returns the canonical id of
// the merged cluster when the judgement is positive (or the empty string
// otherwise).
//
// Repeating the standing judgement of a pair is a no-op. A different judgement
// tombstones the standing edge before the new edge is appended. A positive
// judgement between clusters separated by a negative or unsure judgement is
// rejected with a *resolution.ConflictError unless WithForce is given.
//
// The log has no transactions: when appending the new edge fails, the edges
// it replaces may already be tombstoned. Callers must repeat a Decide that
// failed; the repeat finds nothing left to tombstone and appends the edge.
func (r *Resolver) Decide(ctx context.Context, a, b string, j resolution.Judgement, opts ...DecideOption) (canonical string, err error) {
	ctx, span := tracer.Start(ctx, "Decide", trace.WithAttributes(
		attribute.String("resolver.a", a),
		attribute.String("resolver.b", b),
		attribute.Stringer("resolver.judgement", j),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	var o decideOptions
	for _, opt := range opts {
		opt(&o)
	}
	if a == b {
		return "", fmt.Errorf("decide %s: cannot judge an identifier against itself", a)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pair := resolution.NewPair(a, b)
	if i, ok := r.live[pair]; ok && r.history[i].Judgement == j {
		if j == resolution.Positive {
			return r.canonicalLocked(a), nil
		}
		return "", nil
	}

	now := r.tick()
	if j == resolution.Positive {
		standing := r.judgementLocked(a, b)
		if standing == resolution.Negative || standing == resolution.Unsure {
			if !o.force {
				recordConflict(ctx, standing)
				return "", &resolution.ConflictError{Source: pair.Source, Target: pair.Target, Existing: standing}
			}
			component.Logger(ctx).Warn("Overriding standing judgement with a forced merge",
				slog.String("source", pair.Source),
				slog.String("target", pair.Target),
				slog.Any("judgement", standing),
				slog.String("user", o.user),
			)
			for _, p := range r.conflictsLocked(a, b) {
				if err := r.tombstone(ctx, p, now); err != nil {
					return "", err
				}
			}
		}
	}

	if err := r.tombstone(ctx, pair, now); err != nil {
		return "", err
	}
	e := resolution.Edge{
		Source:    pair.Source,
		Target:    pair.Target,
		Judgement: j,
		User:      o.user,
		Score:     o.score,
		CreatedAt: now,
	}
	if err := r.append(ctx, e); err != nil {
		component.Logger(ctx).Error("Judgement was not recorded after replacing standing judgements; retry it",
			slog.String("source", pair.Source),
			slog.String("target", pair.Target),
			slog.Any("judgement", j),
			slog.Any("error", err),
		)
		return "", err
	}
	recordJudgement(ctx, j)
	if j != resolution.Positive {
		return "", nil
	}
	return r.mintLocked(ctx, a, o.user)
}

// Suggest records an unjudged candidate pair with its matching score. It
// reports whether the candidate was recorded; pairs that are already judged,
// already merged or already suggested are left alone.
func (r *Resolver) Suggest(ctx context.Context, a, b string, score float64) (bool, error) {
	if a == b {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	pair := resolution.NewPair(a, b)
	if _, ok := r.live[pair]; ok {
		return false, nil
	}
	if r.judgementLocked(a, b) != resolution.NoJudgement {
		return false, nil
	}
	e := resolution.Edge{
		Source:    pair.Source,
		Target:    pair.Target,
		Judgement: resolution.NoJudgement,
		Score:     score,
		CreatedAt: r.tick(),
	}
	if err := r.append(ctx, e); err != nil {
		return false, err
	}
	return true, nil
}

// Candidates iterates suggested pairs that are still undecided, best score
// first. Ties are broken by the pair's identifiers.
func (r *Resolver) Candidates() iter.Seq2[resolution.Pair, float64] {
	r.mu.RLock()
	var candidates []resolution.Edge
	for _, i := range r.live {
		if e := r.history[i]; e.Judgement == resolution.NoJudgement {
			candidates = append(candidates, e)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(candidates, func(x, y resolution.Edge) int {
		switch {
		case x.Score > y.Score:
			return -1
		case x.Score < y.Score:
			return 1
		}
		if c := resolution.CompareIDs(x.Target, y.Target); c != 0 {
			return c
		}
		return resolution.CompareIDs(x.Source, y.Source)
	})
	return func(yield func(resolution.Pair, float64) bool) {
		for _, e := range candidates {
			// Merges since the snapshot may have settled the candidate.
			if !r.CheckCandidate(e.Source, e.Target) {
				continue
			}
			if !yield(e.Pair(), e.Score) {
				return
			}
		}
	}
}

// Canonical returns the canonical id of the cluster containing id; an id that
// was never merged is its own canonical id.
func (r *Resolver) Canonical(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canonicalLocked(id)
}

// Connected returns all identifiers in the cluster containing id (including
// id), sorted.
func (r *Resolver) Connected(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connectedLocked(id)
}

// CheckCandidate reports whether a and b are worth presenting as a candidate
// pair: they are in different clusters and no judgement stands between their
// clusters.
func (r *Resolver) CheckCandidate(a, b string) bool {
	if a == b {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.judgementLocked(a, b) == resolution.NoJudgement
}

// Judgement returns the judgement standing between a and b: the judgement of
// their exact pair if any, positive if they share a cluster, or else the
// strongest negative or unsure judgement between members of their clusters.
func (r *Resolver) Judgement(a, b string) resolution.Judgement {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.judgementLocked(a, b)
}

// Edge returns the live edge of the pair (a, b), if any.
func (r *Resolver) Edge(a, b string) (resolution.Edge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.live[resolution.NewPair(a, b)]
	if !ok {
		return resolution.Edge{}, false
	}
	return r.history[i], true
}

// Explode tombstones every positive edge within the cluster of id and returns
// the identifiers it released.
func (r *Resolver) Explode(ctx context.Context, id string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "Explode", trace.WithAttributes(attribute.String("resolver.id", id)))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	cluster := r.connectedLocked(id)
	now := r.tick()
	for _, member := range cluster {
		for _, other := range slices.Sorted(maps.Keys(r.links[member])) {
			if err := r.tombstone(ctx, resolution.NewPair(member, other), now); err != nil {
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
		}
	}
	component.Logger(ctx).Info("Exploded cluster", slog.String("id", id), slog.Int("members", len(cluster)))
	return cluster, nil
}

// Canonicals returns the canonical id of every cluster with more than one
// member, sorted.
func (r *Resolver) Canonicals() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.links))
	var canonicals []string
	for id := range r.links {
		if _, ok := seen[id]; ok {
			continue
		}
		cluster := r.connectedLocked(id)
		for _, member := range cluster {
			seen[member] = struct{}{}
		}
		canonicals = append(canonicals, resolution.MaxID(cluster...))
	}
	slices.Sort(canonicals)
	return canonicals
}

// Edges iterates every edge ever recorded, tombstoned edges included, in
// creation order.
func (r *Resolver) Edges() iter.Seq[resolution.Edge] {
	r.mu.RLock()
	snapshot := slices.Clone(r.history)
	r.mu.RUnlock()
	return slices.Values(snapshot)
}

// Replay iterates the judgements that were live at asOf, in creation order.
// Unjudged candidates are skipped.
//
// The returned sequence covers the prefix of the log created up to asOf, as
// it was when Replay was called; it may be iterated any number of times.
func (r *Resolver) Replay(asOf time.Time) iter.Seq[resolution.Edge] {
	r.mu.RLock()
	n := sort.Search(len(r.history), func(i int) bool {
		return r.history[i].CreatedAt.After(asOf)
	})
	prefix := slices.Clone(r.history[:n])
	r.mu.RUnlock()

	return func(yield func(resolution.Edge) bool) {
		for _, e := range prefix {
			if e.Judgement == resolution.NoJudgement || !e.LiveAt(asOf) {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// Linker returns a read-only projection of the current graph.
func (r *Resolver) Linker() *Linker {
	r.mu.RLock()
	var positives []resolution.Edge
	for _, i := range r.live {
		if e := r.history[i]; e.Judgement == resolution.Positive {
			positives = append(positives, e)
		}
	}
	r.mu.RUnlock()
	return newLinker(slices.Values(positives))
}

// LinkerAt returns a read-only projection of the graph as it was at asOf.
func (r *Resolver) LinkerAt(asOf time.Time) *Linker {
	return newLinker(r.Replay(asOf))
}

// tick returns a timestamp for a new edge that is strictly later than every
// edge in the log, so that creation order and timestamps never disagree.
func (r *Resolver) tick() time.Time {
	t := r.now().UTC()
	if n := len(r.history); n > 0 {
		if last := r.history[n-1].CreatedAt; !t.After(last) {
			t = last.Add(time.Nanosecond)
		}
	}
	return t
}

func (r *Resolver) append(ctx context.Context, e resolution.Edge) error {
	if err := r.log.Append(ctx, e); err != nil {
		return fmt.Errorf("append %v: %w", e, err)
	}
	r.history = append(r.history, e)
	r.live[e.Pair()] = len(r.history) - 1
	if e.Judgement == resolution.Positive {
		r.link(e.Source, e.Target)
	}
	r.cache.Invalidate()
	return nil
}

func (r *Resolver) tombstone(ctx context.Context, pair resolution.Pair, at time.Time) error {
	i, ok := r.live[pair]
	if !ok {
		return nil
	}
	e := r.history[i]
	if err := r.log.Tombstone(ctx, e, at); err != nil {
		return fmt.Errorf("tombstone %v: %w", e, err)
	}
	r.history[i].DeletedAt = at
	delete(r.live, pair)
	if e.Judgement == resolution.Positive {
		r.unlink(e.Source, e.Target)
	}
	r.cache.Invalidate()
	return nil
}

func (r *Resolver) link(a, b string) {
	for _, x := range [][2]string{{a, b}, {b, a}} {
		if r.links[x[0]] == nil {
			r.links[x[0]] = make(map[string]struct{})
		}
		r.links[x[0]][x[1]] = struct{}{}
	}
}

func (r *Resolver) unlink(a, b string) {
	for _, x := range [][2]string{{a, b}, {b, a}} {
		delete(r.links[x[0]], x[1])
		if len(r.links[x[0]]) == 0 {
			delete(r.links, x[0])
		}
	}
}

func (r *Resolver) connectedLocked(id string) []string {
	if cluster, ok := r.cache.Find(id); ok {
		return cluster
	}
	cluster := reachable(r.links, id)
	r.cache.Update(cluster)
	return cluster
}

func (r *Resolver) canonicalLocked(id string) string {
	return resolution.MaxID(r.connectedLocked(id)...)
}

func (r *Resolver) judgementLocked(a, b string) resolution.Judgement {
	if a == b {
		return resolution.Positive
	}
	if i, ok := r.live[resolution.NewPair(a, b)]; ok && r.history[i].Judgement != resolution.NoJudgement {
		return r.history[i].Judgement
	}
	lefts := r.connectedLocked(a)
	if slices.Contains(lefts, b) {
		return resolution.Positive
	}
	rights := r.connectedLocked(b)
	standing := resolution.NoJudgement
	for _, l := range lefts {
		for _, rr := range rights {
			i, ok := r.live[resolution.NewPair(l, rr)]
			if !ok {
				continue
			}
			switch r.history[i].Judgement {
			case resolution.Negative:
				return resolution.Negative
			case resolution.Unsure:
				standing = resolution.Unsure
			}
		}
	}
	return standing
}

// conflictsLocked returns the pairs between the clusters of a and b that carry
// a negative or unsure judgement.
func (r *Resolver) conflictsLocked(a, b string) []resolution.Pair {
	var pairs []resolution.Pair
	for _, l := range r.connectedLocked(a) {
		for _, rr := range r.connectedLocked(b) {
			p := resolution.NewPair(l, rr)
			i, ok := r.live[p]
			if !ok {
				continue
			}
			if j := r.history[i].Judgement; j == resolution.Negative || j == resolution.Unsure {
				pairs = append(pairs, p)
			}
		}
	}
	return pairs
}

// mintLocked makes sure the cluster of id has a canonical member, minting and
// linking a fresh canonical id when none of its members qualifies.
func (r *Resolver) mintLocked(ctx context.Context, id, user string) (string, error) {
	cluster := r.connectedLocked(id)
	canonical := resolution.MaxID(cluster...)
	if resolution.IsCanonicalID(canonical) {
		return canonical, nil
	}
	minted := resolution.NewCanonicalID()
	e := resolution.NewEdge(canonical, minted, resolution.Positive)
	e.User = user
	e.CreatedAt = r.tick()
	if err := r.append(ctx, e); err != nil {
		return "", fmt.Errorf("mint canonical id: %w", err)
	}
	component.Logger(ctx).Debug("Minted canonical id", slog.String("canonical", minted), slog.Int("members", len(cluster)))
	return minted, nil
}

// reachable returns the connected component of id over links, sorted.
func reachable(links map[string]map[string]struct{}, id string) []string {
	seen := map[string]struct{}{id: {}}
	queue := []string{id}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for other := range links[next] {
			if _, ok := seen[other]; !ok {
				seen[other] = struct{}{}
				queue = append(queue, other)
			}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}
