package index

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-resolution/index")
var meter = otel.Meter("github.com/go-digitaltwin/go-resolution/index")

var (
	// buildDuration measures how long it takes to build an index.
	buildDuration metric.Float64Histogram
	// indexedEntities records the size of built indexes.
	indexedEntities metric.Int64Gauge
	// indexedTokens records the number of distinct tokens of built indexes.
	indexedTokens metric.Int64Gauge
	// suggestionCounter counts candidate pairs suggested to a resolver.
	suggestionCounter metric.Int64Counter
)

func init() {
	var err error
	buildDuration, err = meter.Float64Histogram(
		"index.build.duration",
		metric.WithDescription("The duration of building a blocking index."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("index: failed to init 'index.build.duration' instrument: %v", err))
	}

	indexedEntities, err = meter.Int64Gauge(
		"index.entities",
		metric.WithDescription("The number of entities in the last built blocking index."),
	)
	if err != nil {
		panic(fmt.Sprintf("index: failed to init 'index.entities' instrument: %v", err))
	}

	indexedTokens, err = meter.Int64Gauge(
		"index.tokens",
		metric.WithDescription("The number of distinct tokens in the last built blocking index."),
	)
	if err != nil {
		panic(fmt.Sprintf("index: failed to init 'index.tokens' instrument: %v", err))
	}

	suggestionCounter, err = meter.Int64Counter(
		"index.suggestions",
		metric.WithDescription("The number of candidate pairs suggested for review."),
	)
	if err != nil {
		panic(fmt.Sprintf("index: failed to init 'index.suggestions' instrument: %v", err))
	}
}

func measureBuild(ctx context.Context, entities, tokens int, start time.Time) {
	duration := float64(time.Since(start)) / float64(time.Millisecond)
	buildDuration.Record(ctx, duration)
	indexedEntities.Record(ctx, int64(entities))
	indexedTokens.Record(ctx, int64(tokens))
}
