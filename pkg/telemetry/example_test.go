package telemetry_test

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/openfroyo/rowforge/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

func ExampleNewTelemetry() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Output = "stderr"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	ctx = telemetry.WithRunContext(ctx, "run-456", "cfg-hash", "run")

	err = telemetry.RecordNodeOperation(ctx, "transform-enrich-1a2b3c4d", "transform", "enrich", "tok-1",
		func(ctx context.Context) error {
			telemetry.SpanFromContext(ctx).SetAttributes(attribute.Int("row.fields", 4))
			return nil
		})

	status := "completed"
	if err != nil {
		status = "failed"
	}
	telemetry.EndRunContext(ctx, "run-456", status, err)
}

func ExampleLogger() {
	logger := telemetry.NewWriterLogger(os.Stdout, "info").
		NewComponentLogger("processor").
		WithRunID("run-123").
		WithNodeID("transform-enrich-1a2b3c4d")

	logger.Debug("dropped at info level")
	logger.WithError(errors.New("lookup timeout")).Warn("transform attempt failed")
}

func ExampleEventPublisher_Subscribe() {
	events, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})

	events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.NodeID, e.Data["size"])
	}, telemetry.FilterByType(telemetry.EventTypeBatchFlushed))

	_ = events.PublishBatchFlushed("run-1", "aggregation-totals-9f8e7d6c", "batch-1", "count", 3)
	_ = events.PublishRunCompleted("run-1", "completed", 0)

	// Output:
	// aggregation.flushed aggregation-totals-9f8e7d6c 3
}

func ExampleConfig_ApplyEnv() {
	os.Setenv("ROWFORGE_LOG_LEVEL", "warn")
	defer os.Unsetenv("ROWFORGE_LOG_LEVEL")

	cfg := telemetry.ProductionConfig()
	if err := cfg.ApplyEnv(); err != nil {
		panic(err)
	}
	fmt.Println(cfg.Logging.Level, cfg.Logging.Format, cfg.Tracing.Exporter)

	// Output:
	// warn json otlp
}
