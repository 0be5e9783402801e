package resolver

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/go-digitaltwin/go-resolution"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-resolution/resolver")
var meter = otel.Meter("github.com/go-digitaltwin/go-resolution/resolver")

// judgementKey is the attribute key associating records with the kind of
// judgement involved.
const judgementKey = "judgement"

var (
	// judgementCounter counts recorded judgements, by judgement.
	judgementCounter metric.Int64Counter
	// conflictCounter counts positive judgements rejected because of a standing
	// negative or unsure judgement, by the standing judgement.
	conflictCounter metric.Int64Counter
	// proposalDuration measures how long it takes to apply a single proposal
	// received from a judgement feed.
	proposalDuration metric.Float64Histogram
	// proposalFailures counts proposals that could not be applied.
	proposalFailures metric.Int64Counter
)

func init() {
	var err error
	judgementCounter, err = meter.Int64Counter(
		"resolver.judgements",
		metric.WithDescription("The number of judgements recorded in the identity graph."),
	)
	if err != nil {
		panic(fmt.Sprintf("resolver: failed to init 'resolver.judgements' instrument: %v", err))
	}

	conflictCounter, err = meter.Int64Counter(
		"resolver.conflicts",
		metric.WithDescription("The number of positive judgements rejected by a standing negative or unsure judgement."),
	)
	if err != nil {
		panic(fmt.Sprintf("resolver: failed to init 'resolver.conflicts' instrument: %v", err))
	}

	proposalDuration, err = meter.Float64Histogram(
		"resolver.proposal.duration",
		metric.WithDescription("The duration of applying a single proposed judgement from a feed."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("resolver: failed to init 'resolver.proposal.duration' instrument: %v", err))
	}

	proposalFailures, err = meter.Int64Counter(
		"resolver.proposal.failures",
		metric.WithDescription("The number of proposed judgements that could not be applied."),
	)
	if err != nil {
		panic(fmt.Sprintf("resolver: failed to init 'resolver.proposal.failures' instrument: %v", err))
	}
}

func recordJudgement(ctx context.Context, j resolution.Judgement) {
	attrs := attribute.NewSet(attribute.Stringer(judgementKey, j))
	judgementCounter.Add(ctx, 1, metric.WithAttributeSet(attrs))
}

func recordConflict(ctx context.Context, standing resolution.Judgement) {
	attrs := attribute.NewSet(attribute.Stringer(judgementKey, standing))
	conflictCounter.Add(ctx, 1, metric.WithAttributeSet(attrs))
}

// measureProposal records the duration of a successfully applied proposal, or
// counts a failure.
func measureProposal(ctx context.Context, j resolution.Judgement, succeeded bool, d time.Duration) {
	attrs := attribute.NewSet(attribute.Stringer(judgementKey, j))
	if succeeded {
		duration := float64(d) / float64(time.Millisecond)
		proposalDuration.Record(ctx, duration, metric.WithAttributeSet(attrs))
	} else {
		proposalFailures.Add(ctx, 1, metric.WithAttributeSet(attrs))
	}
}
