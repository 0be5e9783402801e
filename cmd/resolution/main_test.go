package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gocloud.dev/pubsub"

	"github.com/go-digitaltwin/go-resolution"
	"github.com/go-digitaltwin/go-resolution/resolver"
)

const testPack = `entity_id,prop,schema,value,dataset

p1,name,Person,Vladimir Putin,ds
p1,country,Person,ru,ds
p2,name,Person,Vladimir Vladimirovich Putin,ds
p2,country,Person,ru,ds
p3,name,Person,Jane Doe,ds
`

// setup points the configuration at a fresh directory and returns it.
func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	if err := os.Mkdir(filepath.Join(dir, "archive"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RESOLUTION_STORE_PATH", filepath.Join(dir, "store"))
	t.Setenv("RESOLUTION_ARCHIVE_URL", "file://"+filepath.ToSlash(filepath.Join(dir, "archive")))
	t.Setenv("RESOLUTION_GRAPH_PATH", filepath.Join(dir, "graph", "resolver.jsonl"))
	t.Setenv("RESOLUTION_LOG_LEVEL", "error")
	return dir
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("resolution %s: %v\n%s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String()
}

func lines(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == '\n' })
}

func TestPipeline(t *testing.T) {
	dir := setup(t)
	packFile := filepath.Join(dir, "ds.pack")
	if err := os.WriteFile(packFile, []byte(testPack), 0o644); err != nil {
		t.Fatal(err)
	}

	const version = "20240101000000-aaa"
	if got := run(t, "publish", "ds", packFile, "--version", version); strings.TrimSpace(got) != version {
		t.Errorf("publish printed %q, want %q", got, version)
	}
	run(t, "sync", "ds")
	if diff := cmp.Diff([]string{"* " + version}, lines(run(t, "versions", "ds"))); diff != "" {
		t.Errorf("versions mismatch (-want +got):\n%s", diff)
	}

	run(t, "xref", "ds", "--limit", "10")
	candidates := lines(run(t, "candidates"))
	if len(candidates) == 0 {
		t.Fatal("xref suggested no candidates")
	}
	top := strings.Fields(candidates[0])[:2]
	slices.Sort(top)
	if diff := cmp.Diff([]string{"p1", "p2"}, top); diff != "" {
		t.Errorf("top candidate mismatch (-want +got):\n%s", diff)
	}

	canonical := strings.TrimSpace(run(t, "decide", "p1", "p2", "positive", "--user", "tester"))
	if !resolution.IsCanonicalID(canonical) {
		t.Errorf("decide printed %q, want a canonical id", canonical)
	}
	for _, line := range lines(run(t, "candidates")) {
		if f := strings.Fields(line); slices.Contains(f, "p1") && slices.Contains(f, "p2") {
			t.Error("decided pair is still a candidate")
		}
	}

	if got := strings.TrimSpace(run(t, "dedupe", "ds")); got != "0 edges, 0 merged, 0 ambiguous, 0 skipped" {
		t.Errorf("dedupe printed %q", got)
	}

	exported := run(t, "export", "ds")
	if n := len(lines(exported)); n != 6 {
		t.Errorf("export wrote %d lines, want a header and 5 statements:\n%s", n, exported)
	}
}

func TestDecide_invalidJudgement(t *testing.T) {
	setup(t)
	cmd := newRootCmd()
	cmd.SetArgs([]string{"decide", "a", "b", "maybe"})
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	if err := cmd.ExecuteContext(context.Background()); err == nil {
		t.Error("decide with an unknown judgement succeeded")
	}
}

func TestAnnotate_unconfigured(t *testing.T) {
	setup(t)
	cmd := newRootCmd()
	cmd.SetArgs([]string{"annotate", "ds"})
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	if err := cmd.ExecuteContext(context.Background()); err == nil {
		t.Error("annotate without a categorisation service succeeded")
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestFeed_interrupt(t *testing.T) {
	dir := setup(t)
	const url = "mem://feed-interrupt"
	t.Setenv("RESOLUTION_FEED_SUBSCRIPTION", url)
	t.Setenv("RESOLUTION_LOG_LEVEL", "debug")

	ctx := context.Background()
	topic, err := pubsub.OpenTopic(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = topic.Shutdown(ctx) })

	feedCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var stderr syncBuffer
	cmd := newRootCmd()
	cmd.SetArgs([]string{"feed"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(&stderr)
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(feedCtx) }()

	// The subscription misses proposals sent before it is opened, and repeating
	// a judgement is a no-op, so keep proposing until one is applied.
	feed := resolver.NewFeed(topic)
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(stderr.String(), "Applied proposed judgement") {
		select {
		case err := <-done:
			t.Fatalf("feed returned early: %v\n%s", err, stderr.String())
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("no proposal was applied:\n%s", stderr.String())
		}
		if err := feed.Propose(ctx, resolver.Proposal{A: "a", B: "b", Judgement: resolution.Positive}); err != nil {
			t.Fatal("Propose:", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal("feed:", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("feed still running after its context was cancelled")
	}

	g, err := resolver.Load(ctx, filepath.Join(dir, "graph", "resolver.jsonl"))
	if err != nil {
		t.Fatal("Load:", err)
	}
	if got := g.Judgement("a", "b"); got != resolution.Positive {
		t.Errorf("saved Judgement(a, b) = %v, want %v", got, resolution.Positive)
	}
}

func TestFeed_unconfigured(t *testing.T) {
	setup(t)
	for _, name := range []string{"feed", "propose"} {
		cmd := newRootCmd()
		args := []string{name}
		if name == "propose" {
			args = append(args, "a", "b", "positive")
		}
		cmd.SetArgs(args)
		cmd.SetOut(new(bytes.Buffer))
		cmd.SetErr(new(bytes.Buffer))
		if err := cmd.ExecuteContext(context.Background()); err == nil {
			t.Errorf("%s without a feed succeeded", name)
		}
	}
}
