package resolver_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/go-digitaltwin/go-resolution"
	"github.com/go-digitaltwin/go-resolution/resolver"
	"github.com/go-digitaltwin/go-resolution/resolvertest"
)

func TestMemoryLog(t *testing.T) {
	resolvertest.Run(t, new(resolver.MemoryLog))
}

// stepClock returns a clock that advances by a minute on every call, starting
// at t0.
func stepClock(t0 time.Time) func() time.Time {
	next := t0
	return func() time.Time {
		now := next
		next = next.Add(time.Minute)
		return now
	}
}

func newResolver(t *testing.T, opts ...resolver.Option) *resolver.Resolver {
	t.Helper()
	r, err := resolver.New(context.Background(), new(resolver.MemoryLog), opts...)
	if err != nil {
		t.Fatal("New:", err)
	}
	return r
}

func TestResolver_Decide_positive(t *testing.T) {
	pairs := [][2]string{
		{"a", "b"},
		{"c", "d"},
		{"b", "c"},
		{"e", "Q7"},
		{"NK-x", "f"},
		{"d", "e"},
	}
	ctx := context.Background()
	r := newResolver(t)
	for _, p := range pairs {
		canonical, err := r.Decide(ctx, p[0], p[1], resolution.Positive)
		if err != nil {
			t.Fatalf("Decide(%s, %s): %v", p[0], p[1], err)
		}
		ca, cb := r.Canonical(p[0]), r.Canonical(p[1])
		if ca != cb || ca != canonical {
			t.Errorf("after Decide(%s, %s) = %q: Canonical = %q and %q", p[0], p[1], canonical, ca, cb)
		}
	}
	// The last merge joined every cluster except f, and the QID outranks all.
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if got := r.Canonical(id); got != "Q7" {
			t.Errorf("Canonical(%s) = %q, want Q7", id, got)
		}
	}
	if got := r.Canonical("f"); got != "NK-x" {
		t.Errorf("Canonical(f) = %q, want NK-x (no id is minted when a member is canonical)", got)
	}
}

func TestResolver_Decide_force(t *testing.T) {
	ctx := context.Background()
	log := new(resolver.MemoryLog)
	r, err := resolver.New(ctx, log)
	if err != nil {
		t.Fatal("New:", err)
	}

	if _, err := r.Decide(ctx, "a", "b", resolution.Negative); err != nil {
		t.Fatal("Decide(negative):", err)
	}
	_, err = r.Decide(ctx, "a", "b", resolution.Positive)
	if !errors.Is(err, resolution.ErrConflict) {
		t.Fatalf("Decide(positive) error = %v, want %v", err, resolution.ErrConflict)
	}
	if r.Canonical("a") == r.Canonical("b") {
		t.Fatal("rejected merge was applied")
	}

	canonical, err := r.Decide(ctx, "a", "b", resolution.Positive, resolver.WithForce(), resolver.WithUser("reviewer"))
	if err != nil {
		t.Fatal("Decide(positive, force):", err)
	}
	if r.Canonical("a") != canonical || r.Canonical("b") != canonical {
		t.Errorf("forced merge did not join a and b under %s", canonical)
	}

	var tombstoned, positive int
	for e := range log.Edges(ctx) {
		if e.Judgement == resolution.Negative && e.IsDeleted() {
			tombstoned++
		}
		if e.Judgement == resolution.Positive && !e.IsDeleted() && e.Pair() == resolution.NewPair("a", "b") {
			positive++
			if e.User != "reviewer" {
				t.Errorf("forced edge user = %q, want reviewer", e.User)
			}
		}
	}
	if tombstoned != 1 || positive != 1 {
		t.Errorf("log has %d tombstoned negative edges and %d live positive edges, want 1 and 1", tombstoned, positive)
	}
}

// appendFailingLog fails the next append after failNext is set.
type appendFailingLog struct {
	resolver.MemoryLog
	failNext bool
}

var errAppend = errors.New("log unavailable")

func (l *appendFailingLog) Append(ctx context.Context, e resolution.Edge) error {
	if l.failNext {
		l.failNext = false
		return errAppend
	}
	return l.MemoryLog.Append(ctx, e)
}

func TestResolver_Decide_retryAfterFailedAppend(t *testing.T) {
	ctx := context.Background()
	log := new(appendFailingLog)
	r, err := resolver.New(ctx, log)
	if err != nil {
		t.Fatal("New:", err)
	}
	if _, err := r.Decide(ctx, "a", "b", resolution.Negative); err != nil {
		t.Fatal("Decide(negative):", err)
	}

	log.failNext = true
	if _, err := r.Decide(ctx, "a", "b", resolution.Positive, resolver.WithForce()); !errors.Is(err, errAppend) {
		t.Fatalf("Decide(positive, force) error = %v, want %v", err, errAppend)
	}
	canonical, err := r.Decide(ctx, "a", "b", resolution.Positive, resolver.WithForce())
	if err != nil {
		t.Fatal("repeated Decide(positive, force):", err)
	}
	if r.Canonical("a") != canonical || r.Canonical("b") != canonical {
		t.Errorf("repeated merge did not join a and b under %s", canonical)
	}

	// The log reloads into the same graph.
	reloaded, err := resolver.New(ctx, &log.MemoryLog)
	if err != nil {
		t.Fatal("New(reloaded):", err)
	}
	if got := reloaded.Canonical("a"); got != canonical {
		t.Errorf("reloaded Canonical(a) = %q, want %q", got, canonical)
	}
}

func TestResolver_Decide_self(t *testing.T) {
	r := newResolver(t)
	if _, err := r.Decide(context.Background(), "a", "a", resolution.Negative); err == nil {
		t.Error("Decide(a, a) succeeded, want error")
	}
}

func TestResolver_cacheInvalidation(t *testing.T) {
	ctx := context.Background()
	r := newResolver(t)

	// Prime the cache for every id before mutating the graph.
	for _, id := range []string{"a", "b", "c"} {
		_ = r.Connected(id)
	}
	if _, err := r.Decide(ctx, "a", "b", resolution.Positive); err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(r.Connected("a"), "b") {
		t.Errorf("Connected(a) = %v does not reflect the merge", r.Connected("a"))
	}
	if _, err := r.Decide(ctx, "b", "c", resolution.Positive); err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(r.Connected("a"), "c") {
		t.Errorf("Connected(a) = %v does not reflect the second merge", r.Connected("a"))
	}
	if _, err := r.Explode(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a"}, r.Connected("a")); diff != "" {
		t.Errorf("Connected(a) after Explode mismatch (-want +got):\n%s", diff)
	}
}

func TestResolver_Candidates(t *testing.T) {
	ctx := context.Background()
	r := newResolver(t)

	suggestions := []struct {
		a, b  string
		score float64
	}{
		{"a", "b", 0.5},
		{"c", "d", 0.9},
		{"e", "f", 0.5},
		{"g", "h", 0.7},
	}
	for _, s := range suggestions {
		ok, err := r.Suggest(ctx, s.a, s.b, s.score)
		if err != nil || !ok {
			t.Fatalf("Suggest(%s, %s) = %v, %v", s.a, s.b, ok, err)
		}
	}
	// suggesting again is a no-op
	if ok, _ := r.Suggest(ctx, "b", "a", 1); ok {
		t.Error("Suggest(b, a) recorded a duplicate candidate")
	}
	// deciding a pair settles its candidate
	if _, err := r.Decide(ctx, "g", "h", resolution.Negative); err != nil {
		t.Fatal(err)
	}

	var got []resolution.Pair
	for pair := range r.Candidates() {
		got = append(got, pair)
	}
	want := []resolution.Pair{
		resolution.NewPair("c", "d"),
		resolution.NewPair("a", "b"),
		resolution.NewPair("e", "f"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Candidates() mismatch (-want +got):\n%s", diff)
	}
}

func TestResolver_Replay(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := newResolver(t, resolver.WithClock(stepClock(t0)))

	// t0+0: a-b positive, t0+1: mint
	if _, err := r.Decide(ctx, "a", "b", resolution.Positive); err != nil {
		t.Fatal(err)
	}
	// t0+2: candidate (never replayed)
	if _, err := r.Suggest(ctx, "c", "d", 0.5); err != nil {
		t.Fatal(err)
	}
	// t0+3: a-b tombstoned, negative appended
	if _, err := r.Decide(ctx, "a", "b", resolution.Negative); err != nil {
		t.Fatal(err)
	}

	judgements := func(asOf time.Time) []resolution.Judgement {
		var js []resolution.Judgement
		for e := range r.Replay(asOf) {
			js = append(js, e.Judgement)
		}
		return js
	}

	tests := []struct {
		name string
		asOf time.Time
		want []resolution.Judgement
	}{
		{name: "before", asOf: t0.Add(-time.Second), want: nil},
		{name: "first", asOf: t0, want: []resolution.Judgement{resolution.Positive}},
		{name: "merged", asOf: t0.Add(2 * time.Minute), want: []resolution.Judgement{resolution.Positive, resolution.Positive}},
		{name: "split", asOf: t0.Add(3 * time.Minute), want: []resolution.Judgement{resolution.Positive, resolution.Negative}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, judgements(tt.asOf)); diff != "" {
				t.Errorf("Replay(%v) mismatch (-want +got):\n%s", tt.asOf, diff)
			}
		})
	}

	// Replay is restartable.
	seq := r.Replay(t0.Add(time.Hour))
	var first, second int
	for range seq {
		first++
	}
	for range seq {
		second++
	}
	if first != second || first == 0 {
		t.Errorf("Replay yielded %d then %d edges", first, second)
	}

	before := r.LinkerAt(t0.Add(2 * time.Minute))
	if before.Canonical("a") != before.Canonical("b") {
		t.Error("LinkerAt(merged) does not join a and b")
	}
	after := r.LinkerAt(t0.Add(3 * time.Minute))
	if after.Canonical("a") == after.Canonical("b") {
		t.Error("LinkerAt(split) still joins a and b")
	}
}

func TestLinker_Apply(t *testing.T) {
	ctx := context.Background()
	r := newResolver(t)
	canonical, err := r.Decide(ctx, "owner-1", "owner-2", resolution.Positive)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Decide(ctx, "own-1", "own-2", resolution.Positive); err != nil {
		t.Fatal(err)
	}

	e := resolution.NewEntity(resolution.MustLookup("Ownership"), "own-1")
	_ = e.Add("owner", "owner-2")
	_ = e.Add("asset", "asset-1")

	l := r.Linker()
	l.Apply(e)
	if e.ID != r.Canonical("own-1") {
		t.Errorf("ID = %q, want %q", e.ID, r.Canonical("own-1"))
	}
	if diff := cmp.Diff([]string{"own-1"}, e.Referents); diff != "" {
		t.Errorf("Referents mismatch (-want +got):\n%s", diff)
	}
	want := map[string][]string{"owner": {canonical}, "asset": {"asset-1"}}
	if diff := cmp.Diff(want, e.Props()); diff != "" {
		t.Errorf("Props() mismatch (-want +got):\n%s", diff)
	}

	// The linker is a snapshot.
	if _, err := r.Explode(ctx, "owner-1"); err != nil {
		t.Fatal(err)
	}
	if l.Canonical("owner-1") != canonical {
		t.Error("Linker changed after the resolver was modified")
	}
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	r := newResolver(t)
	if _, err := r.Decide(ctx, "a", "b", resolution.Positive, resolver.WithScore(0.9)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Decide(ctx, "c", "d", resolution.Negative); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Decide(ctx, "c", "d", resolution.Unsure); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "resolver.jsonl")
	if err := resolver.SaveFile(path, r); err != nil {
		t.Fatal("SaveFile:", err)
	}
	// Stray blank lines are tolerated.
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, append([]byte("\n"), bytes.ReplaceAll(b, []byte("\n"), []byte("\n\n"))...), 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := resolver.Load(ctx, path)
	if err != nil {
		t.Fatal("Load:", err)
	}
	if diff := cmp.Diff(slices.Collect(r.Edges()), slices.Collect(loaded.Edges())); diff != "" {
		t.Errorf("Load(Save(r)) edges mismatch (-want +got):\n%s", diff)
	}
	if loaded.Canonical("a") != r.Canonical("b") {
		t.Error("loaded resolver does not join a and b")
	}
	if got := loaded.Judgement("c", "d"); got != resolution.Unsure {
		t.Errorf("loaded Judgement(c, d) = %v, want %v", got, resolution.Unsure)
	}

	empty, err := resolver.Load(ctx, filepath.Join(t.TempDir(), "missing.jsonl"))
	if err != nil {
		t.Fatal("Load(missing):", err)
	}
	if len(empty.Canonicals()) != 0 {
		t.Error("Load(missing) returned a non-empty resolver")
	}
}

func TestNew_tornLog(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		edges []resolution.Edge
	}{
		{
			name: "TwoLiveEdges",
			edges: []resolution.Edge{
				{Source: "a", Target: "b", Judgement: resolution.Positive, CreatedAt: t0},
				{Source: "a", Target: "b", Judgement: resolution.Negative, CreatedAt: t0.Add(time.Second)},
			},
		},
		{
			name: "OutOfOrder",
			edges: []resolution.Edge{
				{Source: "a", Target: "b", Judgement: resolution.Positive, CreatedAt: t0.Add(time.Second)},
				{Source: "c", Target: "d", Judgement: resolution.Negative, CreatedAt: t0},
			},
		},
		{
			name: "NotNormalised",
			edges: []resolution.Edge{
				{Source: "b", Target: "a", Judgement: resolution.Positive, CreatedAt: t0},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := resolver.New(context.Background(), resolver.NewMemoryLog(tt.edges...)); err == nil {
				t.Error("New() succeeded, want error")
			}
		})
	}
}
