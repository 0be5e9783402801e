package neo4jresolver

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-resolution/neo4jresolver")
var meter = otel.Meter("github.com/go-digitaltwin/go-resolution/neo4jresolver")

var (
	// queryDuration measures modifications of the edge log, by kind.
	queryDuration metric.Float64Histogram
	// corruptionCounter counts how many times the stored edge log was found to
	// contradict itself. Every occurrence is followed by a panic, so any value
	// other than zero deserves an investigation.
	corruptionCounter metric.Int64Counter
)

func init() {
	// An instrument that fails to initialise is a programming error in the
	// options given to the meter.
	var err error
	queryDuration, err = meter.Float64Histogram(
		"neo4jresolver.query.duration",
		metric.WithDescription("The duration of a single modification of the edge log."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("neo4jresolver: failed to init 'neo4jresolver.query.duration' instrument: %v", err))
	}

	corruptionCounter, err = meter.Int64Counter(
		"neo4jresolver.corruptions",
		metric.WithDescription("How many times the stored edge log contradicted itself."),
	)
	if err != nil {
		panic(fmt.Sprintf("neo4jresolver: failed to init 'neo4jresolver.corruptions' instrument: %v", err))
	}
}

// measureQuery records the time elapsed since start; call it deferred.
func measureQuery(ctx context.Context, query string, start time.Time) {
	duration := float64(time.Since(start)) / float64(time.Millisecond)
	attrs := attribute.NewSet(attribute.String("query", query))
	queryDuration.Record(ctx, duration, metric.WithAttributeSet(attrs))
}
