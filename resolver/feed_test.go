package resolver

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/danielorbach/go-component"
	"gocloud.dev/pubsub"
	"gocloud.dev/pubsub/mempubsub"

	"github.com/go-digitaltwin/go-resolution"
)

func TestApplyJudgements(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	topic := mempubsub.NewTopic()
	defer topic.Shutdown(ctx)
	sub := mempubsub.NewSubscription(topic, time.Minute)
	defer sub.Shutdown(ctx)

	r, err := New(ctx, new(MemoryLog))
	if err != nil {
		t.Fatal(err)
	}
	feed := NewFeed(topic)
	applier := ApplyJudgements(sub, r).(judgementApplier)
	logger := slog.New(slog.DiscardHandler)

	proposals := []Proposal{
		{A: "a", B: "b", Judgement: resolution.Positive, User: "matcher", Score: 0.8},
		{A: "c", B: "a", Judgement: resolution.Negative, User: "reviewer"},
		// conflicts with the previous proposal, and is dropped
		{A: "b", B: "c", Judgement: resolution.Positive, User: "matcher"},
		{A: "b", B: "c", Judgement: resolution.Positive, User: "reviewer", Force: true},
	}
	for _, p := range proposals {
		if err := feed.Propose(ctx, p); err != nil {
			t.Fatal("Propose:", err)
		}
		if err := applier.next(ctx, logger); err != nil {
			t.Fatalf("next() after proposing %+v: %v", p, err)
		}
	}

	if r.Canonical("a") != r.Canonical("c") {
		t.Error("forced proposal was not applied")
	}
	e, ok := r.Edge("a", "b")
	if !ok || e.User != "matcher" || e.Score != 0.8 {
		t.Errorf("Edge(a, b) = %v, %v; want a positive edge by matcher scored 0.8", e, ok)
	}
}

func TestApplyJudgements_undecodable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	topic := mempubsub.NewTopic()
	defer topic.Shutdown(ctx)
	sub := mempubsub.NewSubscription(topic, time.Minute)
	defer sub.Shutdown(ctx)

	r, err := New(ctx, new(MemoryLog))
	if err != nil {
		t.Fatal(err)
	}
	if err := topic.Send(ctx, &pubsub.Message{Body: []byte("not a proposal")}); err != nil {
		t.Fatal(err)
	}
	applier := judgementApplier{source: sub, resolver: r}
	if err := applier.next(ctx, slog.New(slog.DiscardHandler)); err != nil {
		t.Errorf("next() = %v, want the malformed message dropped", err)
	}
	if n := len(r.history); n != 0 {
		t.Errorf("resolver recorded %d edges from a malformed message", n)
	}
}

// The following example demonstrates how matching workers publish proposals
// while a single procedure applies them to the resolver. This code is for
// illustration purposes only and is not meant to be executed as is.
func ExampleApplyJudgements() {
	// Normally, both ends of the feed are opened from URLs in the configuration.
	var proposals *pubsub.Topic
	var judgements *pubsub.Subscription
	var r *Resolver

	feed := NewFeed(proposals)
	component.RunProc(func(l *component.L) {
		l.Fork("apply judgements", ApplyJudgements(judgements, r))
		l.Go("match", func(l *component.L) {
			err := feed.Propose(l.Context(), Proposal{A: "a", B: "b", Judgement: resolution.Positive, Score: 0.9})
			if err != nil {
				l.Fatal(err)
			}
		})
	})
}
