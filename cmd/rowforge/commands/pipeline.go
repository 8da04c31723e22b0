package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/rowforge/pkg/config"
	"github.com/openfroyo/rowforge/pkg/engine"
	"github.com/openfroyo/rowforge/pkg/plugins"
	"github.com/openfroyo/rowforge/pkg/stores"
	"github.com/openfroyo/rowforge/pkg/telemetry"
)

// pipeline is a loaded settings file bound to the built-in plugins.
type pipeline struct {
	path     string
	settings *config.Settings
	spec     *engine.PipelineSpec
	opts     engine.Options
}

func loadPipeline(ctx context.Context, path string) (*pipeline, error) {
	settings, err := config.NewLoader().Load(ctx, path)
	if err != nil {
		return nil, err
	}
	return bindPipeline(ctx, path, settings)
}

func bindPipeline(ctx context.Context, path string, settings *config.Settings) (*pipeline, error) {
	reg := config.NewRegistry()
	plugins.Register(reg)

	spec, err := config.Build(ctx, settings, reg)
	if err != nil {
		return nil, fmt.Errorf("failed to build pipeline %s: %w", path, err)
	}
	opts, err := settings.EngineOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to derive engine options: %w", err)
	}
	return &pipeline{path: path, settings: settings, spec: spec, opts: opts}, nil
}

// newTelemetry builds the telemetry of a pipeline run. Logs go to stderr so
// that --json output on stdout stays machine readable.
func newTelemetry(metricsAddr string) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = buildVersion
	cfg.Logging.Output = "stderr"
	cfg.Logging.EnableCaller = false
	cfg.Logging.Level = logLevel()
	cfg.Metrics.ListenAddress = metricsAddr
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if err := tel.StartMetricsServer(); err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}
	return tel, nil
}

func logLevel() string {
	switch lvl := zerolog.GlobalLevel(); lvl {
	case zerolog.TraceLevel, zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel, zerolog.ErrorLevel:
		return lvl.String()
	default:
		return "info"
	}
}

func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := stores.Open(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit trail %s: %w", dbPath, err)
	}
	return store, nil
}

// execute runs fn with the audit trail and telemetry wired into the
// pipeline's options, then reports the result.
func (p *pipeline) execute(ctx context.Context, out io.Writer, metricsAddr string,
	fn func(*engine.Orchestrator) (*engine.RunResult, error)) error {
	tel, err := newTelemetry(metricsAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	p.opts.Telemetry = tel
	p.opts.Checkpoints = store
	p.opts.OnProgress = func(pr engine.Progress) {
		log.Info().
			Str("run_id", pr.RunID).
			Int("processed", pr.RowsProcessed).
			Int("succeeded", pr.RowsSucceeded).
			Int("failed", pr.RowsFailed).
			Int("quarantined", pr.RowsQuarantined).
			Int("routed", pr.RowsRouted).
			Dur("elapsed", pr.Elapsed).
			Msg("Progress")
	}

	result, runErr := fn(engine.NewOrchestrator(store, p.opts))
	if result == nil {
		return runErr
	}
	if err := printResult(out, result); err != nil {
		return err
	}
	if code := result.ExitCode(); code != engine.ExitCompleted {
		return &ExitError{Code: code, Err: runErr}
	}
	return nil
}

func printResult(out io.Writer, result *engine.RunResult) error {
	if jsonOutput {
		return writeJSON(out, struct {
			*engine.RunResult
			Error string `json:"error,omitempty"`
		}{result, errorString(result.Error)})
	}

	s := result.Summary
	fmt.Fprintf(out, "Run %s %s in %s\n", result.RunID, result.Status, result.Duration.Round(time.Millisecond))
	for _, c := range []struct {
		label string
		n     int
	}{
		{"rows processed", s.RowsProcessed},
		{"succeeded", s.RowsSucceeded},
		{"failed", s.RowsFailed},
		{"quarantined", s.RowsQuarantined},
		{"routed", s.RowsRouted},
		{"forked", s.RowsForked},
		{"coalesced", s.RowsCoalesced},
		{"expanded", s.RowsExpanded},
		{"consumed in batch", s.RowsConsumed},
	} {
		fmt.Fprintf(out, "  %-18s %d\n", c.label+":", c.n)
	}
	for _, name := range slices.Sorted(maps.Keys(s.RoutedBySink)) {
		fmt.Fprintf(out, "  -> %s: %d\n", name, s.RoutedBySink[name])
	}
	if result.Checkpoints > 0 {
		fmt.Fprintf(out, "  %-18s %d\n", "checkpoints:", result.Checkpoints)
	}
	if result.Error != nil {
		fmt.Fprintf(out, "  error: %v\n", result.Error)
	}
	return nil
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
