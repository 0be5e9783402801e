/*
Package resolvertest provides a suite of tests designed to assess
implementations of [resolution.EdgeLog] (e.g. in-memory, neo4j).

The tests drive a [resolver.Resolver] writing through to the tested log, and
check both the resolver's view of the identity graph and the log's contents.
Every few cases, a second resolver is loaded from the same log to check that
the log preserves creation order and tombstones faithfully.

Call resolvertest.Run in its own test to invoke the test-suite, passing an
empty log:

	func TestLog(t *testing.T) {
		log := NewLog(context.Background(), driver, "neo4j")
		resolvertest.Run(t, log)
	}

The test cases in this suite focus on the contract of the identity graph:

  - Merging identifiers and minting canonical ids.
  - Rejecting and forcing merges against standing judgements.
  - Tombstoning edges on override and reloading the graph from the log.

So, specific log implementations are encouraged to perform additional tests
which are specific to their underlying storage.
*/
package resolvertest

import (
	"context"
	"fmt"
	"runtime"
	"testing"

	"github.com/go-digitaltwin/go-resolution"
	"github.com/go-digitaltwin/go-resolution/resolver"
)

type testCase struct {
	// Subtest name.
	name string
	// A path leading to the test-case's file and line in the source code.
	location string
	// A step executes a single modification of the identity graph through the
	// tested resolver.
	step func(ctx context.Context, r *resolver.Resolver) error
	// A list of checks to run once the step has succeeded. Checks take into
	// account the order and the successful execution of previous test-cases.
	checks []check
}

var cases = []testCase{
	{
		name:     "empty-log",
		location: locateSource(),
		step:     func(context.Context, *resolver.Resolver) error { return nil },
		checks: []check{
			logSize(0, 0),
			canonical("a", "a"),
			connected("a", "a"),
			judgement("a", "b", resolution.NoJudgement),
		},
	},
	{
		name:     "merge-source-ids",
		location: locateSource(),
		step: func(ctx context.Context, r *resolver.Resolver) error {
			return decide(ctx, r, "a", "b", resolution.Positive, wantMinted)
		},
		checks: []check{
			// the merge and the minted canonical id
			logSize(2, 2),
			sameCluster("a", "b"),
			canonicalIsMinted("a"),
			judgement("a", "b", resolution.Positive),
			candidate("a", "b", false),
		},
	},
	{
		name:     "repeat-merge",
		location: locateSource(),
		step: func(ctx context.Context, r *resolver.Resolver) error {
			return decide(ctx, r, "b", "a", resolution.Positive, wantMinted)
		},
		checks: []check{
			logSize(2, 2),
			sameCluster("a", "b"),
		},
	},
	{
		name:     "merge-into-qid",
		location: locateSource(),
		step: func(ctx context.Context, r *resolver.Resolver) error {
			return decide(ctx, r, "a", "Q42", resolution.Positive, "Q42")
		},
		checks: []check{
			logSize(3, 3),
			sameCluster("a", "b", "Q42"),
			canonical("b", "Q42"),
		},
	},
	{
		name:     "negative",
		location: locateSource(),
		step: func(ctx context.Context, r *resolver.Resolver) error {
			return decide(ctx, r, "c", "d", resolution.Negative, "")
		},
		checks: []check{
			logSize(4, 4),
			judgement("d", "c", resolution.Negative),
			candidate("c", "d", false),
			canonical("c", "c"),
			canonical("d", "d"),
		},
	},
	{
		name:     "reject-conflicting-merge",
		location: locateSource(),
		step: func(ctx context.Context, r *resolver.Resolver) error {
			_, err := r.Decide(ctx, "c", "d", resolution.Positive)
			if err == nil {
				return fmt.Errorf("Decide(c, d, positive) succeeded despite a standing negative judgement")
			}
			return expectConflict(err, resolution.Negative)
		},
		checks: []check{
			logSize(4, 4),
			judgement("c", "d", resolution.Negative),
		},
	},
	{
		name:     "reload-after-conflict",
		location: locateSource(),
		step:     func(context.Context, *resolver.Resolver) error { return nil },
		checks: []check{
			reloaded("a", "b", "c", "d", "Q42"),
		},
	},
	{
		name:     "force-merge",
		location: locateSource(),
		step: func(ctx context.Context, r *resolver.Resolver) error {
			return decide(ctx, r, "c", "d", resolution.Positive, wantMinted, resolver.WithForce(), resolver.WithUser("reviewer"))
		},
		checks: []check{
			// negative tombstoned; the merge and its minted id appended
			logSize(6, 5),
			sameCluster("c", "d"),
			canonicalIsMinted("c"),
			judgement("c", "d", resolution.Positive),
		},
	},
	{
		name:     "unsure-blocks-cluster",
		location: locateSource(),
		step: func(ctx context.Context, r *resolver.Resolver) error {
			return decide(ctx, r, "b", "d", resolution.Unsure, "")
		},
		checks: []check{
			logSize(7, 6),
			// the judgement applies to members of both clusters
			judgement("Q42", "c", resolution.Unsure),
			candidate("a", "c", false),
		},
	},
	{
		name:     "reject-merge-across-unsure",
		location: locateSource(),
		step: func(ctx context.Context, r *resolver.Resolver) error {
			_, err := r.Decide(ctx, "a", "c", resolution.Positive)
			if err == nil {
				return fmt.Errorf("Decide(a, c, positive) succeeded despite a standing unsure judgement")
			}
			return expectConflict(err, resolution.Unsure)
		},
		checks: []check{
			logSize(7, 6),
			distinctClusters("a", "c"),
		},
	},
	{
		name:     "split",
		location: locateSource(),
		step: func(ctx context.Context, r *resolver.Resolver) error {
			return decide(ctx, r, "a", "b", resolution.Negative, "")
		},
		checks: []check{
			// a-b tombstoned and replaced; a keeps its own link to Q42
			logSize(8, 6),
			judgement("a", "b", resolution.Negative),
			canonical("a", "Q42"),
		},
	},
	{
		name:     "explode",
		location: locateSource(),
		step: func(ctx context.Context, r *resolver.Resolver) error {
			released, err := r.Explode(ctx, "c")
			if err != nil {
				return err
			}
			if len(released) != 3 {
				return fmt.Errorf("Explode(c) released %v, want c, d and their canonical id", released)
			}
			return nil
		},
		checks: []check{
			logSize(8, 4),
			canonical("c", "c"),
			canonical("d", "d"),
		},
	},
	{
		name:     "reload-after-explode",
		location: locateSource(),
		step:     func(context.Context, *resolver.Resolver) error { return nil },
		checks: []check{
			reloaded("a", "b", "c", "d", "Q42"),
		},
	},
}

// Run runs the test-suite against the given log, which must be empty.
func Run(t *testing.T, log resolution.EdgeLog) {
	t.Helper()

	// We deliberately use the background context because this test-suite does not
	// check performance.
	ctx := context.Background()

	r, err := resolver.New(ctx, log)
	if err != nil {
		t.Fatal("New() on an empty log failed:", err)
	}

	// All test-cases run in-order, on the same resolver, because each case's checks
	// depend on the previous steps. That is, a test case cannot run if the previous
	// case had failed.
	for _, c := range cases {
		// We encourage developers to read the source code directly, especially when
		// failures are not clear enough.
		t.Logf("Read the source for test-case %v at %v", c.name, c.location)
		if err := c.step(ctx, r); err != nil {
			t.Fatalf("Step %v failed: %v", c.name, err)
		}
		for _, check := range c.checks {
			if problem := check(ctx, r, log); problem != "" {
				t.Errorf("Check %v: %v", c.name, problem)
			}
		}
		if t.Failed() {
			t.FailNow()
		}
	}
}

// wantMinted stands for a freshly minted canonical id in calls to decide.
const wantMinted = "<minted>"

// decide calls Decide and verifies the returned canonical id: empty, minted,
// or a specific id.
func decide(ctx context.Context, r *resolver.Resolver, a, b string, j resolution.Judgement, want string, opts ...resolver.DecideOption) error {
	got, err := r.Decide(ctx, a, b, j, opts...)
	if err != nil {
		return err
	}
	switch {
	case want == wantMinted && (len(got) <= len(resolution.CanonicalPrefix) || got[:len(resolution.CanonicalPrefix)] != resolution.CanonicalPrefix):
		return fmt.Errorf("Decide(%s, %s, %s) = %q, want a minted canonical id", a, b, j, got)
	case want != wantMinted && got != want:
		return fmt.Errorf("Decide(%s, %s, %s) = %q, want %q", a, b, j, got, want)
	}
	return nil
}

// locateSource returns the file and line of its caller.
func locateSource() (path string) {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		panic("runtime.Caller failed")
	}
	return fmt.Sprintf("%v:%v", file, line)
}
