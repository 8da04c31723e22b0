package engine

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"testing"

	"github.com/openfroyo/rowforge/pkg/audit"
	"github.com/openfroyo/rowforge/pkg/contracts"
)

type sliceSource struct {
	rows   []SourceRow
	schema *contracts.SchemaContract

	// afterRow is called once row i went through the pipeline.
	afterRow func(i int)
}

func (s *sliceSource) Name() string                       { return "slice" }
func (s *sliceSource) Schema() *contracts.SchemaContract { return s.schema }

func (s *sliceSource) Load(ctx context.Context, pctx *PluginContext) iter.Seq2[SourceRow, error] {
	return func(yield func(SourceRow, error) bool) {
		for i, r := range s.rows {
			if !yield(r, nil) {
				return
			}
			if s.afterRow != nil {
				s.afterRow(i)
			}
		}
	}
}

func validRows(n int) []SourceRow {
	rows := make([]SourceRow, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, SourceRow{Data: map[string]interface{}{"id": i, "amount": i * 10}})
	}
	return rows
}

type funcTransform struct {
	name    string
	creates bool
	fn      func(row contracts.Row, attempt int) (TransformResult, error)

	mu    sync.Mutex
	calls int
}

func (t *funcTransform) Name() string        { return t.name }
func (t *funcTransform) CreatesTokens() bool { return t.creates }

func (t *funcTransform) Process(ctx context.Context, row contracts.Row, pctx *PluginContext) (TransformResult, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	return t.fn(row, pctx.Attempt)
}

// setField returns a transform that sets key to value on every row.
func setField(name, key string, value interface{}) *funcTransform {
	return &funcTransform{name: name, fn: func(row contracts.Row, _ int) (TransformResult, error) {
		out := row.ToMap()
		out[key] = value
		return Success(out), nil
	}}
}

type fieldCondition struct {
	field string
}

func (c fieldCondition) Evaluate(ctx context.Context, row map[string]interface{}) (interface{}, error) {
	return row[c.field], nil
}

func (c fieldCondition) Expression() string { return fmt.Sprintf("row[%q]", c.field) }

type constCondition struct {
	value interface{}
}

func (c constCondition) Evaluate(ctx context.Context, row map[string]interface{}) (interface{}, error) {
	return c.value, nil
}

func (c constCondition) Expression() string { return fmt.Sprint(c.value) }

type memorySink struct {
	name string

	mu       sync.Mutex
	rows     []map[string]interface{}
	writes   int
	failures int
	failWith error
	started  bool
	finished bool
}

func newMemorySink(name string) *memorySink { return &memorySink{name: name} }

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Write(ctx context.Context, rows []map[string]interface{}, pctx *PluginContext) (ArtifactDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return ArtifactDescriptor{}, s.failWith
	}
	s.rows = append(s.rows, rows...)
	s.writes++
	return ArtifactDescriptor{
		ArtifactType: "memory",
		PathOrURI:    "memory://" + s.name,
		ContentHash:  fmt.Sprintf("write-%d", s.writes),
		SizeBytes:    int64(len(rows)),
	}, nil
}

func (s *memorySink) OnStart(ctx context.Context, pctx *PluginContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *memorySink) OnComplete(ctx context.Context, pctx *PluginContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	return nil
}

func (s *memorySink) Rows() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]interface{}(nil), s.rows...)
}

// ids returns the sorted "id" values of the written rows.
func (s *memorySink) ids() []int {
	var out []int
	for _, r := range s.Rows() {
		if v, ok := r["id"].(int); ok {
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}

type sumBatch struct {
	fn func(rows []contracts.Row) TransformResult
}

func (b *sumBatch) Name() string { return "sum" }

func (b *sumBatch) ProcessBatch(ctx context.Context, rows []contracts.Row, pctx *PluginContext) (TransformResult, error) {
	if b.fn != nil {
		return b.fn(rows), nil
	}
	total := 0
	for _, r := range rows {
		v, _ := r.Get("amount")
		n, _ := v.(int)
		total += n
	}
	return Success(map[string]interface{}{"total": total, "count": len(rows)}), nil
}

func linearSpec(src Source, sink Sink, steps ...StepSpec) *PipelineSpec {
	return &PipelineSpec{
		Source: SourceSpec{Name: "input", Plugin: src},
		Steps:  steps,
		Sinks:  []SinkSpec{{Name: "output", Plugin: sink}},
	}
}

func runPipeline(t *testing.T, store *audit.MemoryStore, spec *PipelineSpec, opts Options) *RunResult {
	t.Helper()
	result, err := NewOrchestrator(store, opts).Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return result
}

// outcomes counts the recorded outcomes of every token of the run.
func outcomes(t *testing.T, store *audit.MemoryStore, runID string) map[audit.RowOutcome]int {
	t.Helper()
	ctx := context.Background()
	rows, err := store.GetRows(ctx, runID)
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	out := make(map[audit.RowOutcome]int)
	for _, r := range rows {
		toks, err := store.GetTokensForRow(ctx, r.RowID)
		if err != nil {
			t.Fatalf("GetTokensForRow() error = %v", err)
		}
		for _, tok := range toks {
			o, err := store.GetTokenOutcome(ctx, tok.TokenID)
			if err != nil || o == nil {
				continue
			}
			out[o.Outcome]++
		}
	}
	return out
}

// unprocessed returns the number of rows of the run still lacking outcomes.
func unprocessed(t *testing.T, store *audit.MemoryStore, runID string) int {
	t.Helper()
	rows, err := store.GetUnprocessedRows(context.Background(), runID, nil)
	if err != nil {
		t.Fatalf("GetUnprocessedRows() error = %v", err)
	}
	return len(rows)
}
