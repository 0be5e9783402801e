package archive

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-resolution/archive")
var meter = otel.Meter("github.com/go-digitaltwin/go-resolution/archive")

var (
	// publishDuration measures how long it takes to publish a dataset version,
	// from the first upload until the history lists it.
	publishDuration metric.Float64Histogram
	// publishedBytes counts the bytes of published resources.
	publishedBytes metric.Int64Counter
)

func init() {
	var err error
	publishDuration, err = meter.Float64Histogram(
		"archive.publish.duration",
		metric.WithDescription("The duration of publishing a single dataset version."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("archive: failed to init 'archive.publish.duration' instrument: %v", err))
	}

	publishedBytes, err = meter.Int64Counter(
		"archive.published.bytes",
		metric.WithDescription("The size of published resources."),
		metric.WithUnit("By"),
	)
	if err != nil {
		panic(fmt.Sprintf("archive: failed to init 'archive.published.bytes' instrument: %v", err))
	}
}

func measurePublish(ctx context.Context, dataset string, resources []indexResource, d time.Duration) {
	attrs := attribute.NewSet(attribute.String("archive.dataset", dataset))
	duration := float64(d) / float64(time.Millisecond)
	publishDuration.Record(ctx, duration, metric.WithAttributeSet(attrs))
	var size int64
	for _, r := range resources {
		size += int64(r.Size)
	}
	publishedBytes.Add(ctx, size, metric.WithAttributeSet(attrs))
}
