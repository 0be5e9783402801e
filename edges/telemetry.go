package edges

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-resolution/edges")
var meter = otel.Meter("github.com/go-digitaltwin/go-resolution/edges")

// outcomeCounter counts duplicate edges by what became of them: merged, left
// alone as ambiguous, or skipped for a standing judgement.
var outcomeCounter metric.Int64Counter

func init() {
	var err error
	outcomeCounter, err = meter.Int64Counter(
		"edges.duplicates",
		metric.WithDescription("The number of duplicate edges found, by outcome."),
	)
	if err != nil {
		panic(fmt.Sprintf("edges: failed to init 'edges.duplicates' instrument: %v", err))
	}
}
