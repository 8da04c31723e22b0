package engine

import (
	"context"
	"iter"

	"github.com/openfroyo/rowforge/pkg/contracts"
	"github.com/openfroyo/rowforge/pkg/telemetry"
)

// PluginContext is passed to every plugin call.
type PluginContext struct {
	// RunID is the run being executed.
	RunID string

	// NodeID is the graph node the plugin is bound to.
	NodeID string

	// Attempt is the 1-based attempt number of the current call.
	Attempt int

	// Logger carries run, node and plugin fields.
	Logger *telemetry.Logger
}

// SourceRow is one item produced by a source.
type SourceRow struct {
	// Data is the row payload.
	Data map[string]interface{}

	// Quarantined marks a row that failed source validation.
	Quarantined bool

	// QuarantineDestination is "discard" or the name of the sink that
	// receives the quarantined row. Empty means the source's configured
	// destination.
	QuarantineDestination string

	// Error describes why the row was quarantined.
	Error string
}

// Source loads the rows of a run.
type Source interface {
	// Name returns the plugin name.
	Name() string

	// Load returns the rows in order. A non-nil error ends the stream and
	// fails the run.
	Load(ctx context.Context, pctx *PluginContext) iter.Seq2[SourceRow, error]

	// Schema returns the declared contract of valid rows, or nil to infer
	// it from the first valid row.
	Schema() *contracts.SchemaContract
}

// TransformResult is the result of one transform call.
type TransformResult struct {
	// Row is the single output row of a successful call.
	Row map[string]interface{}

	// Rows are the output rows of a multi-row result.
	Rows []map[string]interface{}

	// Multi is set when Rows is the result.
	Multi bool

	// ErrorReason is set when the transform rejected the row. How the
	// rejection is handled is decided by the step's on_error policy.
	ErrorReason map[string]interface{}
}

// Failed reports whether the transform rejected its input.
func (r TransformResult) Failed() bool {
	return r.ErrorReason != nil
}

// Success returns a single-row result.
func Success(row map[string]interface{}) TransformResult {
	return TransformResult{Row: row}
}

// SuccessMulti returns a multi-row result. On a per-row transform this
// expands the input token; the transform must report CreatesTokens.
func SuccessMulti(rows []map[string]interface{}) TransformResult {
	return TransformResult{Rows: rows, Multi: true}
}

// Error returns a rejection result. reason must be non-empty.
func Error(reason map[string]interface{}) TransformResult {
	if reason == nil {
		reason = map[string]interface{}{}
	}
	if len(reason) == 0 {
		reason["reason"] = "rejected"
	}
	return TransformResult{ErrorReason: reason}
}

// Transform processes one row at a time.
//
// A returned Go error is a failure of the call itself. Errors classified
// as retryable (see IsRetryable) are retried by the run's retry policy;
// any other error is fatal to the run.
type Transform interface {
	Name() string
	Process(ctx context.Context, row contracts.Row, pctx *PluginContext) (TransformResult, error)
}

// TokenCreator is implemented by transforms that may return multi-row
// results and so create new tokens from one input row.
type TokenCreator interface {
	CreatesTokens() bool
}

// BatchTransform processes the buffered rows of an aggregation node.
type BatchTransform interface {
	Name() string
	ProcessBatch(ctx context.Context, rows []contracts.Row, pctx *PluginContext) (TransformResult, error)
}

// ArtifactDescriptor describes what a sink write produced.
type ArtifactDescriptor struct {
	ArtifactType string
	PathOrURI    string
	ContentHash  string
	SizeBytes    int64
}

// Sink writes rows to their destination. A nil error means the rows are
// durable.
type Sink interface {
	Name() string
	Write(ctx context.Context, rows []map[string]interface{}, pctx *PluginContext) (ArtifactDescriptor, error)
}

// Condition is a gate condition. The engine evaluates it; a bool result
// selects the "true" or "false" route, any other value selects the route
// named by its string form.
type Condition interface {
	Evaluate(ctx context.Context, row map[string]interface{}) (interface{}, error)
	Expression() string
}

// Starter is implemented by plugins that need setup before the first row.
type Starter interface {
	OnStart(ctx context.Context, pctx *PluginContext) error
}

// Completer is implemented by plugins that need to know a run ended. It is
// called for every plugin even when the run failed.
type Completer interface {
	OnComplete(ctx context.Context, pctx *PluginContext) error
}
