package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys shared by the engine's spans.
const (
	AttrRunID      = attribute.Key("rowforge.run.id")
	AttrRunMode    = attribute.Key("rowforge.run.mode")
	AttrRunStatus  = attribute.Key("rowforge.run.status")
	AttrConfigHash = attribute.Key("rowforge.run.config_hash")
	AttrRowID      = attribute.Key("rowforge.row.id")
	AttrRowIndex   = attribute.Key("rowforge.row.index")
	AttrTokenID    = attribute.Key("rowforge.token.id")
	AttrNodeID     = attribute.Key("rowforge.node.id")
	AttrNodeKind   = attribute.Key("rowforge.node.kind")
	AttrPlugin     = attribute.Key("rowforge.plugin")
	AttrSink       = attribute.Key("rowforge.sink")
	AttrSinkRows   = attribute.Key("rowforge.sink.rows")
)

// Tracer produces the run, row, node and sink spans. Spans nest in that
// order: a run span parents one row span per source row, node spans hang
// off the row span that drove them, and sink spans hang off the run.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer for cfg. A disabled config yields a no-op
// tracer; an enabled one installs itself as the global provider.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(serviceName)}, nil
	}

	exporter, err := newSpanExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("trace exporter %s: %w", cfg.Exporter, err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			semconv.DeploymentEnvironmentKey.String(environment),
		)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithExportTimeout(cfg.Timeout)))
	}
	provider := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return &Tracer{provider: provider, tracer: provider.Tracer("github.com/openfroyo/rowforge")}, nil
}

// newSpanExporter returns nil for "none": spans are sampled and timed but
// never leave the process.
func newSpanExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, otlptracegrpc.WithTimeout(cfg.Timeout))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported exporter")
}

// StartRunSpan opens the span that covers a whole run or resume.
func (t *Tracer) StartRunSpan(ctx context.Context, runID, configHash, mode string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "rowforge."+mode,
		trace.WithAttributes(AttrRunID.String(runID), AttrConfigHash.String(configHash), AttrRunMode.String(mode)))
}

// StartRowSpan opens the span for one source row's trip through the graph.
func (t *Tracer) StartRowSpan(ctx context.Context, runID, rowID string, rowIndex int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "rowforge.row",
		trace.WithAttributes(AttrRunID.String(runID), AttrRowID.String(rowID), AttrRowIndex.Int(rowIndex)))
}

// StartNodeSpan opens the span for one plugin call made on behalf of a token.
func (t *Tracer) StartNodeSpan(ctx context.Context, nodeID, nodeKind, plugin, tokenID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "rowforge.node."+nodeKind,
		trace.WithAttributes(
			AttrNodeID.String(nodeID),
			AttrNodeKind.String(nodeKind),
			AttrPlugin.String(plugin),
			AttrTokenID.String(tokenID),
		))
}

// StartSinkSpan opens the span for one sink write.
func (t *Tracer) StartSinkSpan(ctx context.Context, sinkName string, rows int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "rowforge.sink",
		trace.WithAttributes(AttrSink.String(sinkName), AttrSinkRows.Int(rows)))
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// SpanFromContext returns the innermost span in ctx.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

func (t *Tracer) ForceFlush(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.ForceFlush(ctx)
}

func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
