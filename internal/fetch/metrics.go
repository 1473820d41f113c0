package fetch

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce    sync.Once
	fetchRequests  metric.Int64Counter
	fetchCoalesced metric.Int64Counter
	fetchDuration  metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/keystonehq/keystone-sync/internal/fetch")

		var err error
		fetchRequests, err = meter.Int64Counter(
			"fetch.requests",
			metric.WithDescription("Backend fetches by resource and outcome"),
		)
		if err != nil {
			otel.Handle(err)
		}

		fetchCoalesced, err = meter.Int64Counter(
			"fetch.coalesced",
			metric.WithDescription("Fetch calls served by a fetch already in flight"),
		)
		if err != nil {
			otel.Handle(err)
		}

		fetchDuration, err = meter.Float64Histogram(
			"fetch.duration",
			metric.WithDescription("Duration of a logical fetch including retries"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

func recordFetch(ctx context.Context, resource, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("fetch.resource", resource),
		attribute.String("fetch.status", status),
	)
	if fetchRequests != nil {
		fetchRequests.Add(ctx, 1, attrs)
	}
	if fetchDuration != nil {
		fetchDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

func recordCoalesced(ctx context.Context, resource string) {
	if fetchCoalesced == nil {
		return
	}
	fetchCoalesced.Add(ctx, 1, metric.WithAttributes(attribute.String("fetch.resource", resource)))
}
