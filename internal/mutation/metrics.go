package mutation

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce       sync.Once
	mutationsSettled  metric.Int64Counter
	mutationsDuration metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/keystonehq/keystone-sync/internal/mutation")

		var err error
		mutationsSettled, err = meter.Int64Counter(
			"mutation.settled",
			metric.WithDescription("Mutations by name and outcome"),
		)
		if err != nil {
			otel.Handle(err)
		}

		mutationsDuration, err = meter.Float64Histogram(
			"mutation.duration",
			metric.WithDescription("Mutation duration from dispatch to settlement"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

func recordMutation(ctx context.Context, name, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("mutation.name", name),
		attribute.String("mutation.outcome", outcome),
	)
	if mutationsSettled != nil {
		mutationsSettled.Add(ctx, 1, attrs)
	}
	if mutationsDuration != nil {
		mutationsDuration.Record(ctx, duration.Seconds(), attrs)
	}
}
