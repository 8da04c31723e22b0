package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

// Config drives NewTelemetry. Every section can be overridden from
// ROWFORGE_* environment variables through ApplyEnv.
type Config struct {
	ServiceName    string `env:"ROWFORGE_SERVICE_NAME" validate:"required"`
	ServiceVersion string `validate:"required"`
	Environment    string `env:"ROWFORGE_ENVIRONMENT"`

	Logging LoggingConfig `envPrefix:"ROWFORGE_LOG_"`
	Tracing TracingConfig `envPrefix:"ROWFORGE_TRACING_"`
	Metrics MetricsConfig `envPrefix:"ROWFORGE_METRICS_"`
	Events  EventsConfig  `envPrefix:"ROWFORGE_EVENTS_"`
}

// LoggingConfig selects the zerolog level, encoding and destination.
// Output is "stdout", "stderr" or a file path opened for append.
type LoggingConfig struct {
	Level        string `env:"LEVEL" validate:"oneof=trace debug info warn error"`
	Format       string `env:"FORMAT" validate:"oneof=console json"`
	Output       string `env:"OUTPUT" validate:"required"`
	EnableCaller bool   `env:"CALLER"`

	// SampleEvery keeps one in N debug and trace messages when above 1.
	// Row-level debug logging is otherwise unbounded.
	SampleEvery uint32 `env:"SAMPLE_EVERY"`
}

// TracingConfig configures the OpenTelemetry span exporter.
type TracingConfig struct {
	Enabled      bool              `env:"ENABLED"`
	Exporter     string            `env:"EXPORTER" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint     string            `env:"ENDPOINT"`
	Insecure     bool              `env:"INSECURE"`
	SamplingRate float64           `env:"SAMPLING_RATE" validate:"gte=0,lte=1"`
	Timeout      time.Duration     `env:"TIMEOUT"`
	Headers      map[string]string `env:"HEADERS"`
}

// MetricsConfig configures the Prometheus collectors and the optional
// scrape endpoint. An empty ListenAddress registers the collectors without
// serving them.
type MetricsConfig struct {
	Enabled       bool   `env:"ENABLED"`
	ListenAddress string `env:"LISTEN_ADDRESS"`
	Path          string `env:"PATH"`
	Namespace     string `env:"NAMESPACE"`

	// Buckets are the latency histogram bounds in seconds.
	Buckets []float64
}

// EventsConfig configures the in-process event bus. Async delivery queues
// up to BufferSize events for a single delivery goroutine.
type EventsConfig struct {
	Enabled     bool `env:"ENABLED"`
	BufferSize  int  `env:"BUFFER_SIZE" validate:"gte=0"`
	EnableAsync bool `env:"ASYNC"`
}

// DefaultConfig is what the CLI starts from: console logs, no tracing,
// metrics collected but not served, synchronous events.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "rowforge",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			Output:       "stdout",
			EnableCaller: true,
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			Insecure:     true,
			SamplingRate: 1,
			Timeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "rowforge",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 1000,
		},
	}
}

// ProductionConfig switches to JSON logs, sampled OTLP traces, a served
// metrics endpoint and async event delivery.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableCaller = false
	cfg.Logging.SampleEvery = 10
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Insecure = false
	cfg.Tracing.SamplingRate = 0.1
	cfg.Metrics.ListenAddress = ":9090"
	cfg.Events.EnableAsync = true
	return cfg
}

// ApplyEnv overrides fields from ROWFORGE_* variables. Unset variables
// leave the current value alone.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("telemetry env config: %w", err)
	}
	return nil
}

var configValidator = validator.New()

// Validate reports every invalid field in one error.
func (c *Config) Validate() error {
	var msgs []string
	if err := configValidator.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("telemetry config: %w", err)
		}
		for _, fe := range fieldErrs {
			msgs = append(msgs, fmt.Sprintf("%s: %v fails %s", fe.Namespace(), fe.Value(), fe.Tag()))
		}
	}
	if c.Events.Enabled && c.Events.BufferSize == 0 {
		msgs = append(msgs, "Config.Events.BufferSize: must be positive when events are enabled")
	}
	if len(msgs) > 0 {
		return fmt.Errorf("telemetry config: %s", strings.Join(msgs, "; "))
	}
	return nil
}
