package store

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-resolution/store")
var meter = otel.Meter("github.com/go-digitaltwin/go-resolution/store")

// datasetKey is the attribute key associating records with a dataset.
const datasetKey = "store.dataset"

var (
	// flushDuration measures how long it takes to commit the buffer of a writer.
	flushDuration metric.Float64Histogram
	// statementCounter counts statements committed by writers.
	statementCounter metric.Int64Counter
	// droppedEntities counts entities dropped during assembly because their
	// statements could not be merged.
	droppedEntities metric.Int64Counter
	// syncFailures counts leaf datasets that failed to sync from an archive.
	syncFailures metric.Int64Counter
)

func init() {
	var err error
	flushDuration, err = meter.Float64Histogram(
		"store.flush.duration",
		metric.WithDescription("The duration of committing buffered statements of a dataset version."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("store: failed to init 'store.flush.duration' instrument: %v", err))
	}

	statementCounter, err = meter.Int64Counter(
		"store.statements",
		metric.WithDescription("The number of statements committed to the store."),
	)
	if err != nil {
		panic(fmt.Sprintf("store: failed to init 'store.statements' instrument: %v", err))
	}

	droppedEntities, err = meter.Int64Counter(
		"store.assembly.dropped",
		metric.WithDescription("The number of entities dropped because their statements are incompatible."),
	)
	if err != nil {
		panic(fmt.Sprintf("store: failed to init 'store.assembly.dropped' instrument: %v", err))
	}

	syncFailures, err = meter.Int64Counter(
		"store.sync.failures",
		metric.WithDescription("The number of leaf datasets that failed to sync from an archive."),
	)
	if err != nil {
		panic(fmt.Sprintf("store: failed to init 'store.sync.failures' instrument: %v", err))
	}
}

func measureFlush(ctx context.Context, dataset string, n int, start time.Time) {
	attrs := attribute.NewSet(attribute.String(datasetKey, dataset))
	duration := float64(time.Since(start)) / float64(time.Millisecond)
	flushDuration.Record(ctx, duration, metric.WithAttributeSet(attrs))
	statementCounter.Add(ctx, int64(n), metric.WithAttributeSet(attrs))
}
