// Package telemetry is the engine's observability layer: zerolog loggers
// tagged with run, node and token ids, OpenTelemetry spans, Prometheus
// collectors on a private registry, and an in-process event bus.
//
// A *Telemetry is built once from a Config and carried in the context:
//
//	cfg := telemetry.DefaultConfig()
//	if err := cfg.ApplyEnv(); err != nil {
//		return err
//	}
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// Spans nest run > row > node. WithRunContext and EndRunContext bracket a
// run; RecordNodeOperation wraps each plugin call.
//
// Environment overrides use the ROWFORGE_ prefix followed by the section:
// ROWFORGE_LOG_LEVEL, ROWFORGE_TRACING_EXPORTER, ROWFORGE_METRICS_LISTEN_ADDRESS,
// ROWFORGE_EVENTS_ASYNC and so on.
//
// Events are advisory. The audit trail is the record of a run; nothing in
// the engine depends on a subscriber seeing an event.
package telemetry
