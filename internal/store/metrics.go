package store

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce     sync.Once
	storeOperations metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/keystonehq/keystone-sync/internal/store")

		var err error
		storeOperations, err = meter.Int64Counter(
			"store.operations",
			metric.WithDescription("Cache store operations by outcome"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

func recordOperation(operation, status string) {
	recordOperationCtx(context.Background(), operation, status)
}

func recordOperationCtx(ctx context.Context, operation, status string) {
	if storeOperations == nil {
		return
	}
	storeOperations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("store.operation", operation),
			attribute.String("store.status", status),
		),
	)
}
