package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Telemetry bundles the logger, tracer, metrics and event bus handed to
// the engine. It travels in the context so plugins and helpers can reach
// it without extra parameters.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type (
	telemetryKey struct{}
	runKey       struct{}
)

// runScope is what WithRunContext leaves in the context for EndRunContext.
type runScope struct {
	span    trace.Span
	started time.Time
}

// NewTelemetry validates cfg and builds every component from it.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}
	return &Telemetry{Logger: logger, Tracer: tracer, Metrics: metrics, Events: events, Config: cfg}, nil
}

// Nop discards logs and records nothing. The engine falls back to it when
// no telemetry is configured.
func Nop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Events.Enabled = false
	return &Telemetry{
		Logger:  NopLogger(),
		Tracer:  &Tracer{tracer: noop.NewTracerProvider().Tracer("rowforge")},
		Metrics: &Metrics{cfg: cfg.Metrics},
		Events:  &EventPublisher{cfg: cfg.Events},
		Config:  cfg,
	}
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryKey{}, t))
}

func fromContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryKey{}).(*Telemetry)
	return t
}

// StartMetricsServer serves metrics when an address is configured and logs
// serve failures.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer(func(err error) {
		t.Logger.WithError(err).Error("metrics server stopped")
	})
}

// Shutdown drains the event bus, flushes spans and stops the metrics
// server. Every component is shut down even when an earlier one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Metrics.StopMetricsServer(),
	)
}

// WithRunContext opens the run span, tags the context logger with the run
// id and announces the run. Mode is "run" or "resume". The returned context
// must be passed to EndRunContext.
func WithRunContext(ctx context.Context, runID, configHash, mode string) context.Context {
	t := fromContext(ctx)
	if t == nil {
		return ctx
	}
	ctx, span := t.Tracer.StartRunSpan(ctx, runID, configHash, mode)
	ctx = t.Logger.WithRunID(runID).WithContext(ctx)
	ctx = context.WithValue(ctx, runKey{}, &runScope{span: span, started: time.Now()})

	t.Metrics.RecordRunStarted(mode)
	if mode == "resume" {
		_ = t.Events.PublishRunResumed(runID, configHash)
	} else {
		_ = t.Events.PublishRunStarted(runID, configHash)
	}
	return ctx
}

// EndRunContext closes the run span opened by WithRunContext and records
// the final status.
func EndRunContext(ctx context.Context, runID, status string, err error) {
	t := fromContext(ctx)
	if t == nil {
		return
	}
	var elapsed time.Duration
	if rs, ok := ctx.Value(runKey{}).(*runScope); ok {
		elapsed = time.Since(rs.started)
		rs.span.SetAttributes(AttrRunStatus.String(status))
		if err != nil {
			RecordError(rs.span, err)
		} else {
			RecordSuccess(rs.span)
		}
		rs.span.End()
	}

	t.Metrics.RecordRunCompleted(status, elapsed)
	if err != nil {
		_ = t.Events.PublishRunFailed(runID, err)
		return
	}
	_ = t.Events.PublishRunCompleted(runID, status, elapsed)
}

// RecordNodeOperation runs fn inside a node span and records the call's
// duration and error with the node metrics.
func RecordNodeOperation(ctx context.Context, nodeID, nodeKind, plugin, tokenID string, fn func(context.Context) error) error {
	t := fromContext(ctx)
	if t == nil {
		return fn(ctx)
	}
	ctx, span := t.Tracer.StartNodeSpan(ctx, nodeID, nodeKind, plugin, tokenID)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	t.Metrics.RecordNodeExecution(nodeKind, plugin, time.Since(start), err)
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	return err
}
