package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/openfroyo/rowforge/pkg/audit"
	"github.com/openfroyo/rowforge/pkg/checkpoint"
	"github.com/openfroyo/rowforge/pkg/contracts"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// rejectEven rejects rows with an even id.
func rejectEven() *funcTransform {
	return &funcTransform{name: "validate", fn: func(row contracts.Row, _ int) (TransformResult, error) {
		v, _ := row.Get("id")
		if id, _ := v.(int); id%2 == 0 {
			return Error(map[string]interface{}{"reason": "even id"}), nil
		}
		return Success(row.ToMap()), nil
	}}
}

func twoSinkSpec(src Source, extra string, steps ...StepSpec) (*PipelineSpec, *memorySink, *memorySink) {
	output := newMemorySink("output")
	other := newMemorySink(extra)
	spec := &PipelineSpec{
		Source: SourceSpec{Name: "input", Plugin: src},
		Steps:  steps,
		Sinks: []SinkSpec{
			{Name: "output", Plugin: output},
			{Name: extra, Plugin: other},
		},
		DefaultSink: "output",
	}
	return spec, output, other
}

func countTokens(t *testing.T, store *audit.MemoryStore, runID string) int {
	t.Helper()
	ctx := context.Background()
	rows, err := store.GetRows(ctx, runID)
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	n := 0
	for _, r := range rows {
		toks, err := store.GetTokensForRow(ctx, r.RowID)
		if err != nil {
			t.Fatalf("GetTokensForRow() error = %v", err)
		}
		n += len(toks)
	}
	return n
}

func TestOrchestrator_Run_Linear(t *testing.T) {
	store := audit.NewMemoryStore()
	sink := newMemorySink("output")
	spec := linearSpec(&sliceSource{rows: validRows(5)}, sink,
		TransformStep("double", setField("double", "doubled", true), ""),
	)

	result := runPipeline(t, store, spec, Options{})

	if result.Status != audit.RunStatusCompleted {
		t.Fatalf("Expected status completed, got: %s", result.Status)
	}
	if result.ExitCode() != ExitCompleted {
		t.Errorf("Expected exit code %d, got %d", ExitCompleted, result.ExitCode())
	}
	if result.Summary.RowsProcessed != 5 || result.Summary.RowsSucceeded != 5 {
		t.Errorf("Expected 5 processed and succeeded rows, got %+v", result.Summary)
	}

	rows := sink.Rows()
	if len(rows) != 5 {
		t.Fatalf("Expected 5 written rows, got %d", len(rows))
	}
	for _, r := range rows {
		if r["doubled"] != true {
			t.Errorf("Expected every row to be transformed, got %v", r)
		}
	}
	if !sink.started || !sink.finished {
		t.Error("Expected sink lifecycle hooks to be called")
	}

	got := outcomes(t, store, result.RunID)
	if got[audit.OutcomeCompleted] != 5 {
		t.Errorf("Expected 5 completed outcomes, got %v", got)
	}
	if n := unprocessed(t, store, result.RunID); n != 0 {
		t.Errorf("Expected no unprocessed rows, got %d", n)
	}

	run, err := store.GetRun(context.Background(), result.RunID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if run.Status != audit.RunStatusCompleted {
		t.Errorf("Expected recorded status completed, got %s", run.Status)
	}
	contract, err := store.GetRunContract(context.Background(), result.RunID)
	if err != nil || contract == nil {
		t.Fatalf("Expected the inferred contract to be recorded, got: %v", err)
	}
	if _, ok := contract.Field("amount"); !ok {
		t.Error("Expected the contract to carry the amount field")
	}
}

func TestOrchestrator_Run_OnErrorRoutesToSink(t *testing.T) {
	store := audit.NewMemoryStore()
	spec, output, errs := twoSinkSpec(&sliceSource{rows: validRows(5)}, "errors",
		TransformStep("validate", rejectEven(), "errors"),
	)

	result := runPipeline(t, store, spec, Options{})

	if ids := output.ids(); len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Errorf("Expected output ids [1 3], got %v", ids)
	}
	if ids := errs.ids(); len(ids) != 3 {
		t.Errorf("Expected 3 rejected rows in the error sink, got %v", ids)
	}
	if result.Summary.RowsRouted != 3 || result.Summary.RoutedBySink["errors"] != 3 {
		t.Errorf("Expected 3 rows routed to errors, got %+v", result.Summary)
	}

	got := outcomes(t, store, result.RunID)
	if got[audit.OutcomeRouted] != 3 || got[audit.OutcomeCompleted] != 2 {
		t.Errorf("Expected 3 routed and 2 completed outcomes, got %v", got)
	}
}

func TestOrchestrator_Run_OnErrorDiscard(t *testing.T) {
	store := audit.NewMemoryStore()
	sink := newMemorySink("output")
	spec := linearSpec(&sliceSource{rows: validRows(5)}, sink,
		TransformStep("validate", rejectEven(), OnErrorDiscard),
	)

	result := runPipeline(t, store, spec, Options{})

	if len(sink.Rows()) != 2 {
		t.Errorf("Expected 2 written rows, got %d", len(sink.Rows()))
	}
	if result.Summary.RowsQuarantined != 3 {
		t.Errorf("Expected 3 quarantined rows, got %d", result.Summary.RowsQuarantined)
	}
	got := outcomes(t, store, result.RunID)
	if got[audit.OutcomeQuarantined] != 3 {
		t.Errorf("Expected 3 quarantined outcomes, got %v", got)
	}
}

func TestOrchestrator_Run_RejectionWithoutOnErrorIsFatal(t *testing.T) {
	store := audit.NewMemoryStore()
	sink := newMemorySink("output")
	spec := linearSpec(&sliceSource{rows: validRows(5)}, sink,
		TransformStep("validate", rejectEven(), ""),
	)

	result, err := NewOrchestrator(store, Options{}).Run(context.Background(), spec)
	if err == nil {
		t.Fatal("Expected a fatal error")
	}
	if ErrorCode(err) != ErrCodePluginFailed {
		t.Errorf("Expected code %s, got %s", ErrCodePluginFailed, ErrorCode(err))
	}
	if result == nil || result.Status != audit.RunStatusFailed {
		t.Fatalf("Expected a failed result, got %+v", result)
	}
	if result.ExitCode() != ExitFailed {
		t.Errorf("Expected exit code %d, got %d", ExitFailed, result.ExitCode())
	}
	if !sink.finished {
		t.Error("Expected completion hooks to run on a failed run")
	}
}

func TestOrchestrator_Run_SourceQuarantine(t *testing.T) {
	store := audit.NewMemoryStore()
	rows := validRows(2)
	rows = append(rows, SourceRow{
		Data:        map[string]interface{}{"raw": "id=x"},
		Quarantined: true,
		Error:       "id is not a number",
	})
	spec, output, quarantine := twoSinkSpec(&sliceSource{rows: rows}, "quarantine")
	spec.Source.OnValidationFailure = "quarantine"

	result := runPipeline(t, store, spec, Options{})

	if len(output.Rows()) != 2 {
		t.Errorf("Expected 2 valid rows written, got %d", len(output.Rows()))
	}
	qrows := quarantine.Rows()
	if len(qrows) != 1 || qrows[0]["raw"] != "id=x" {
		t.Fatalf("Expected the invalid row in the quarantine sink, got %v", qrows)
	}
	if result.Summary.RowsQuarantined != 1 || result.Summary.RoutedBySink["quarantine"] != 1 {
		t.Errorf("Expected one row quarantined to the quarantine sink, got %+v", result.Summary)
	}
	if result.Summary.RowsProcessed != 3 {
		t.Errorf("Expected 3 processed rows, got %d", result.Summary.RowsProcessed)
	}
}

func TestOrchestrator_Run_GateRoutesToSink(t *testing.T) {
	store := audit.NewMemoryStore()
	rows := validRows(5)
	for i := range rows {
		rows[i].Data["big"] = i >= 3
	}
	spec, output, large := twoSinkSpec(&sliceSource{rows: rows}, "large",
		GateStep("size", fieldCondition{field: "big"}, map[string]string{"true": "large", "false": RouteContinue}),
	)

	result := runPipeline(t, store, spec, Options{})

	if ids := large.ids(); len(ids) != 2 || ids[0] != 3 || ids[1] != 4 {
		t.Errorf("Expected large ids [3 4], got %v", ids)
	}
	if ids := output.ids(); len(ids) != 3 {
		t.Errorf("Expected 3 rows continuing to output, got %v", ids)
	}
	got := outcomes(t, store, result.RunID)
	if got[audit.OutcomeRouted] != 2 || got[audit.OutcomeCompleted] != 3 {
		t.Errorf("Expected 2 routed and 3 completed outcomes, got %v", got)
	}
}

func TestOrchestrator_Run_UnresolvedRouteIsFatal(t *testing.T) {
	store := audit.NewMemoryStore()
	spec, _, _ := twoSinkSpec(&sliceSource{rows: validRows(1)}, "large",
		GateStep("size", constCondition{value: "medium"}, map[string]string{"small": RouteContinue, "big": "large"}),
	)

	_, err := NewOrchestrator(store, Options{}).Run(context.Background(), spec)
	if ErrorCode(err) != ErrCodeRouteUnresolved {
		t.Fatalf("Expected code %s, got: %v", ErrCodeRouteUnresolved, err)
	}
}

func TestOrchestrator_Run_ForkAndCoalesce(t *testing.T) {
	store := audit.NewMemoryStore()
	spec, sinks := forkJoinSpec(PolicyRequireAll)
	spec.Source.Plugin = &sliceSource{rows: []SourceRow{
		{Data: map[string]interface{}{"id": 0, "size": "big"}},
		{Data: map[string]interface{}{"id": 1, "size": "small"}},
		{Data: map[string]interface{}{"id": 2, "size": "big"}},
		{Data: map[string]interface{}{"id": 3, "size": "small"}},
	}}

	result := runPipeline(t, store, spec, Options{})

	rows := sinks["output"].Rows()
	if len(rows) != 4 {
		t.Fatalf("Expected 4 rows in output, got %d", len(rows))
	}
	merged := 0
	for _, r := range rows {
		if r["size"] != "big" {
			continue
		}
		merged++
		if r["a_score"] != 1 || r["b_score"] != 2 || r["enriched"] != true {
			t.Errorf("Expected a union of both branches, got %v", r)
		}
	}
	if merged != 2 {
		t.Errorf("Expected 2 merged rows, got %d", merged)
	}

	got := outcomes(t, store, result.RunID)
	want := map[audit.RowOutcome]int{
		audit.OutcomeForked:    2,
		audit.OutcomeCoalesced: 4,
		audit.OutcomeCompleted: 2,
		audit.OutcomeRouted:    2,
	}
	for o, n := range want {
		if got[o] != n {
			t.Errorf("Expected %d %s outcomes, got %d (all: %v)", n, o, got[o], got)
		}
	}
	if result.Summary.RowsForked != 2 || result.Summary.RowsCoalesced != 4 {
		t.Errorf("Unexpected summary %+v", result.Summary)
	}
}

// dropOnB discards every branch b token of rows with an odd id.
func dropOnB(spec *PipelineSpec) {
	spec.Branches["b"] = []StepSpec{TransformStep("score_b", &funcTransform{name: "score_b", fn: func(row contracts.Row, _ int) (TransformResult, error) {
		v, _ := row.Get("id")
		if id, _ := v.(int); id%2 == 1 {
			return Error(map[string]interface{}{"reason": "no score"}), nil
		}
		out := row.ToMap()
		out["b_score"] = 2
		return Success(out), nil
	}}, OnErrorDiscard)}
}

func bigRows(n int) []SourceRow {
	rows := make([]SourceRow, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, SourceRow{Data: map[string]interface{}{"id": i, "size": "big"}})
	}
	return rows
}

func TestOrchestrator_Run_CoalescePolicies(t *testing.T) {
	tests := []struct {
		name      string
		configure func(c *CoalesceSpec)
		written   int
		failed    int
		coalesced int
	}{
		{
			name:      "require_all fails incomplete joins at end of source",
			configure: func(c *CoalesceSpec) {},
			written:   1,
			failed:    1,
			coalesced: 2,
		},
		{
			name: "best_effort merges what arrived at end of source",
			configure: func(c *CoalesceSpec) {
				c.Policy = PolicyBestEffort
				c.Timeout = time.Hour
			},
			written:   2,
			coalesced: 3,
		},
		{
			name: "quorum merges on the first branch and consumes the rest",
			configure: func(c *CoalesceSpec) {
				c.Policy = PolicyQuorum
				c.Quorum = 1
			},
			written:   2,
			coalesced: 3,
		},
		{
			name: "first merges on the first branch and consumes the rest",
			configure: func(c *CoalesceSpec) {
				c.Policy = PolicyFirst
			},
			written:   2,
			coalesced: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := audit.NewMemoryStore()
			spec, sinks := forkJoinSpec(PolicyRequireAll)
			spec.Source.Plugin = &sliceSource{rows: bigRows(2)}
			dropOnB(spec)
			tt.configure(&spec.Coalesce[0])

			result := runPipeline(t, store, spec, Options{})

			if n := len(sinks["output"].Rows()); n != tt.written {
				t.Errorf("Expected %d rows written, got %d", tt.written, n)
			}
			got := outcomes(t, store, result.RunID)
			if got[audit.OutcomeFailed] != tt.failed {
				t.Errorf("Expected %d failed outcomes, got %v", tt.failed, got)
			}
			if got[audit.OutcomeCoalesced] != tt.coalesced {
				t.Errorf("Expected %d coalesced outcomes, got %v", tt.coalesced, got)
			}
			if got[audit.OutcomeQuarantined] != 1 {
				t.Errorf("Expected the dropped branch token to be quarantined, got %v", got)
			}
		})
	}
}

func TestOrchestrator_Run_NestedMerge(t *testing.T) {
	store := audit.NewMemoryStore()
	spec, sinks := forkJoinSpec(PolicyRequireAll)
	spec.Source.Plugin = &sliceSource{rows: bigRows(1)}
	spec.Coalesce[0].Merge = MergeNested

	runPipeline(t, store, spec, Options{})

	rows := sinks["output"].Rows()
	if len(rows) != 1 {
		t.Fatalf("Expected 1 merged row, got %d", len(rows))
	}
	a, ok := rows[0]["a"].(map[string]interface{})
	if !ok || a["a_score"] != 1 {
		t.Errorf("Expected branch a nested under its name, got %v", rows[0])
	}
	if _, ok := rows[0]["b"].(map[string]interface{}); !ok {
		t.Errorf("Expected branch b nested under its name, got %v", rows[0])
	}
}

func TestOrchestrator_Run_AggregationSingle(t *testing.T) {
	store := audit.NewMemoryStore()
	sink := newMemorySink("output")
	spec := linearSpec(&sliceSource{rows: validRows(5)}, sink,
		AggregationStep("sum", &sumBatch{}, Trigger{Count: 2}, OutputSingle),
	)

	result := runPipeline(t, store, spec, Options{})

	rows := sink.Rows()
	if len(rows) != 3 {
		t.Fatalf("Expected 3 batch outputs, got %d: %v", len(rows), rows)
	}
	wantTotals := []int{10, 50, 40}
	for i, r := range rows {
		if r["total"] != wantTotals[i] {
			t.Errorf("Batch %d: expected total %d, got %v", i, wantTotals[i], r["total"])
		}
	}
	if rows[2]["count"] != 1 {
		t.Errorf("Expected the end-of-source flush to hold one row, got %v", rows[2]["count"])
	}

	got := outcomes(t, store, result.RunID)
	if got[audit.OutcomeConsumedInBatch] != 5 || got[audit.OutcomeCompleted] != 3 {
		t.Errorf("Expected 5 consumed and 3 completed outcomes, got %v", got)
	}
	if result.Summary.RowsConsumed != 5 {
		t.Errorf("Expected 5 consumed rows in the summary, got %d", result.Summary.RowsConsumed)
	}
}

func TestOrchestrator_Run_AggregationPassthrough(t *testing.T) {
	store := audit.NewMemoryStore()
	sink := newMemorySink("output")
	batch := &sumBatch{fn: func(rows []contracts.Row) TransformResult {
		total := 0
		for _, r := range rows {
			v, _ := r.Get("amount")
			n, _ := v.(int)
			total += n
		}
		out := make([]map[string]interface{}, 0, len(rows))
		for _, r := range rows {
			m := r.ToMap()
			m["batch_total"] = total
			out = append(out, m)
		}
		return SuccessMulti(out)
	}}
	spec := linearSpec(&sliceSource{rows: validRows(4)}, sink,
		AggregationStep("sum", batch, Trigger{Count: 2}, OutputPassthrough),
	)

	result := runPipeline(t, store, spec, Options{})

	want := map[int]int{0: 10, 1: 10, 2: 50, 3: 50}
	rows := sink.Rows()
	if len(rows) != 4 {
		t.Fatalf("Expected 4 rows, got %d", len(rows))
	}
	for _, r := range rows {
		id := r["id"].(int)
		if r["batch_total"] != want[id] {
			t.Errorf("Row %d: expected batch_total %d, got %v", id, want[id], r["batch_total"])
		}
	}
	got := outcomes(t, store, result.RunID)
	if got[audit.OutcomeCompleted] != 4 || got[audit.OutcomeConsumedInBatch] != 0 {
		t.Errorf("Expected 4 completed outcomes and none consumed, got %v", got)
	}
}

func TestOrchestrator_Run_Expand(t *testing.T) {
	store := audit.NewMemoryStore()
	sink := newMemorySink("output")
	explode := &funcTransform{name: "explode", creates: true, fn: func(row contracts.Row, _ int) (TransformResult, error) {
		id, _ := row.Get("id")
		return SuccessMulti([]map[string]interface{}{
			{"id": id, "part": 0},
			{"id": id, "part": 1},
		}), nil
	}}
	spec := linearSpec(&sliceSource{rows: validRows(3)}, sink,
		TransformStep("explode", explode, ""),
	)

	result := runPipeline(t, store, spec, Options{})

	if len(sink.Rows()) != 6 {
		t.Errorf("Expected 6 rows, got %d", len(sink.Rows()))
	}
	got := outcomes(t, store, result.RunID)
	if got[audit.OutcomeExpanded] != 3 || got[audit.OutcomeCompleted] != 6 {
		t.Errorf("Expected 3 expanded and 6 completed outcomes, got %v", got)
	}
	if result.Summary.RowsExpanded != 3 {
		t.Errorf("Expected 3 expanded rows in the summary, got %d", result.Summary.RowsExpanded)
	}
}

func TestOrchestrator_Run_ExpandWithoutCreatesTokens(t *testing.T) {
	store := audit.NewMemoryStore()
	explode := &funcTransform{name: "explode", fn: func(row contracts.Row, _ int) (TransformResult, error) {
		return SuccessMulti([]map[string]interface{}{row.ToMap(), row.ToMap()}), nil
	}}
	spec := linearSpec(&sliceSource{rows: validRows(1)}, newMemorySink("output"),
		TransformStep("explode", explode, ""),
	)

	_, err := NewOrchestrator(store, Options{}).Run(context.Background(), spec)
	if ErrorCode(err) != ErrCodePluginContract {
		t.Fatalf("Expected code %s, got: %v", ErrCodePluginContract, err)
	}
}

func TestOrchestrator_Run_Retries(t *testing.T) {
	store := audit.NewMemoryStore()
	sink := newMemorySink("output")
	flaky := &funcTransform{name: "flaky", fn: func(row contracts.Row, attempt int) (TransformResult, error) {
		v, _ := row.Get("id")
		switch id, _ := v.(int); {
		case id == 1 && attempt == 1:
			return TransformResult{}, NewTransientError("connection reset", nil)
		case id == 2:
			return TransformResult{}, NewThrottledError("rate limited", nil)
		}
		return Success(row.ToMap()), nil
	}}
	spec := linearSpec(&sliceSource{rows: validRows(5)}, sink,
		TransformStep("flaky", flaky, ""),
	)

	result := runPipeline(t, store, spec, Options{Retry: Retry(3).Immediate().Policy()})

	if result.Status != audit.RunStatusCompleted {
		t.Fatalf("Expected the run to complete, got %s", result.Status)
	}
	if flaky.calls != 5+1+2 {
		t.Errorf("Expected 8 transform calls, got %d", flaky.calls)
	}
	if ids := sink.ids(); len(ids) != 4 {
		t.Errorf("Expected 4 written rows, got %v", ids)
	}
	got := outcomes(t, store, result.RunID)
	if got[audit.OutcomeFailed] != 1 || got[audit.OutcomeCompleted] != 4 {
		t.Errorf("Expected 1 failed and 4 completed outcomes, got %v", got)
	}
	if result.Summary.RowsFailed != 1 {
		t.Errorf("Expected 1 failed row in the summary, got %d", result.Summary.RowsFailed)
	}
}

func TestOrchestrator_Run_UnclassifiedErrorIsFatal(t *testing.T) {
	store := audit.NewMemoryStore()
	sink := newMemorySink("output")
	boom := &funcTransform{name: "boom", fn: func(row contracts.Row, _ int) (TransformResult, error) {
		if v, _ := row.Get("id"); v == 2 {
			return TransformResult{}, errors.New("boom")
		}
		return Success(row.ToMap()), nil
	}}
	spec := linearSpec(&sliceSource{rows: validRows(5)}, sink, TransformStep("boom", boom, ""))

	result, err := NewOrchestrator(store, Options{Retry: Retry(3).Immediate().Policy()}).Run(context.Background(), spec)
	if err == nil {
		t.Fatal("Expected a fatal error")
	}
	if boom.calls != 3 {
		t.Errorf("Expected no retries of an unclassified error, got %d calls", boom.calls)
	}
	if result.Status != audit.RunStatusFailed {
		t.Errorf("Expected status failed, got %s", result.Status)
	}
	if ids := sink.ids(); len(ids) != 2 {
		t.Errorf("Expected rows before the failure to be written, got %v", ids)
	}
}

func TestOrchestrator_Run_SinkFailure(t *testing.T) {
	store := audit.NewMemoryStore()
	sink := newMemorySink("output")
	sink.failures = 1
	sink.failWith = NewTransientError("disk busy", nil)
	spec := linearSpec(&sliceSource{rows: validRows(3)}, sink)

	result := runPipeline(t, store, spec, Options{Retry: Retry(2).Immediate().Policy()})
	if len(sink.Rows()) != 3 {
		t.Errorf("Expected the retried write to land every row, got %d", len(sink.Rows()))
	}
	if result.Status != audit.RunStatusCompleted {
		t.Errorf("Expected status completed, got %s", result.Status)
	}

	failing := newMemorySink("output")
	failing.failures = 10
	failing.failWith = errors.New("disk full")
	_, err := NewOrchestrator(audit.NewMemoryStore(), Options{}).
		Run(context.Background(), linearSpec(&sliceSource{rows: validRows(3)}, failing))
	if ErrorCode(err) != ErrCodePluginFailed {
		t.Errorf("Expected code %s, got: %v", ErrCodePluginFailed, err)
	}
}

func TestOrchestrator_Run_Progress(t *testing.T) {
	store := audit.NewMemoryStore()
	var reports []Progress
	opts := Options{
		Progress:   ProgressConfig{EveryRows: 2},
		OnProgress: func(p Progress) { reports = append(reports, p) },
	}

	runPipeline(t, store, linearSpec(&sliceSource{rows: validRows(5)}, newMemorySink("output")), opts)

	if len(reports) != 4 {
		t.Fatalf("Expected 4 progress reports, got %d: %+v", len(reports), reports)
	}
	if reports[0].RowsProcessed != 1 || reports[1].RowsProcessed != 3 {
		t.Errorf("Unexpected report cadence: %+v", reports)
	}
	if last := reports[len(reports)-1]; last.RowsProcessed != 5 || last.RowsSucceeded != 5 {
		t.Errorf("Expected the final report to cover every row, got %+v", last)
	}
}

func TestOrchestrator_Run_Checkpoints(t *testing.T) {
	store := audit.NewMemoryStore()
	cps := checkpoint.NewMemoryStore()
	var savedDuringRun int
	src := &sliceSource{rows: validRows(3)}
	opts := Options{
		Checkpoint:  checkpoint.Config{Enabled: true, Frequency: checkpoint.EveryRow},
		Checkpoints: cps,
		RunID:       "run-checkpoints",
	}
	src.afterRow = func(int) { savedDuringRun = cps.Count("run-checkpoints") }

	result := runPipeline(t, store, linearSpec(src, newMemorySink("output")), opts)

	if result.Checkpoints != 3 {
		t.Errorf("Expected 3 checkpoints, got %d", result.Checkpoints)
	}
	if savedDuringRun == 0 {
		t.Error("Expected checkpoints to be stored while the run was active")
	}
	if n := cps.Count(result.RunID); n != 0 {
		t.Errorf("Expected checkpoints of a completed run to be deleted, got %d", n)
	}
}

func TestOrchestrator_Run_InvalidCheckpointConfig(t *testing.T) {
	_, err := NewOrchestrator(audit.NewMemoryStore(), Options{
		Checkpoint: checkpoint.Config{Enabled: true, Frequency: checkpoint.EveryN},
	}).Run(context.Background(), linearSpec(&sliceSource{}, newMemorySink("output")))
	if ErrorCode(err) != ErrCodeConfig {
		t.Fatalf("Expected code %s, got: %v", ErrCodeConfig, err)
	}
}

func TestOrchestrator_InterruptAndResume(t *testing.T) {
	store := audit.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := newMemorySink("output")
	src := &sliceSource{rows: validRows(5), afterRow: func(i int) {
		if i == 1 {
			cancel()
		}
	}}
	result, err := NewOrchestrator(store, Options{}).Run(ctx, linearSpec(src, first))
	if err != nil {
		t.Fatalf("Expected an interrupted run to return no error, got: %v", err)
	}
	if result.Status != audit.RunStatusInterrupted || result.ExitCode() != ExitInterrupted {
		t.Fatalf("Expected an interrupted run, got %s (exit %d)", result.Status, result.ExitCode())
	}
	if ids := first.ids(); len(ids) != 2 {
		t.Fatalf("Expected 2 rows written before the shutdown, got %v", ids)
	}

	second := newMemorySink("output")
	resumed, err := NewOrchestrator(store, Options{}).
		Resume(context.Background(), result.RunID, linearSpec(&sliceSource{rows: validRows(5)}, second))
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if resumed.Status != audit.RunStatusCompleted {
		t.Fatalf("Expected the resumed run to complete, got %s", resumed.Status)
	}
	if ids := second.ids(); len(ids) != 3 || ids[0] != 2 {
		t.Errorf("Expected the resumed run to continue at row 2, got %v", ids)
	}

	got := outcomes(t, store, result.RunID)
	if got[audit.OutcomeCompleted] != 5 {
		t.Errorf("Expected 5 completed outcomes across both attempts, got %v", got)
	}
	if n := unprocessed(t, store, result.RunID); n != 0 {
		t.Errorf("Expected no unprocessed rows, got %d", n)
	}
}

func TestOrchestrator_InterruptFlushesAggregation(t *testing.T) {
	store := audit.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spec := func(src *sliceSource, sink *memorySink) *PipelineSpec {
		return linearSpec(src, sink, AggregationStep("sum", &sumBatch{}, Trigger{Count: 3}, OutputSingle))
	}

	first := newMemorySink("output")
	src := &sliceSource{rows: validRows(5), afterRow: func(i int) {
		if i == 1 {
			cancel()
		}
	}}
	result, err := NewOrchestrator(store, Options{}).Run(ctx, spec(src, first))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	rows := first.Rows()
	if len(rows) != 1 || rows[0]["total"] != 10 || rows[0]["count"] != 2 {
		t.Fatalf("Expected the held batch to be flushed on shutdown, got %v", rows)
	}

	second := newMemorySink("output")
	if _, err := NewOrchestrator(store, Options{}).
		Resume(context.Background(), result.RunID, spec(&sliceSource{rows: validRows(5)}, second)); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	rows = second.Rows()
	if len(rows) != 1 || rows[0]["total"] != 90 || rows[0]["count"] != 3 {
		t.Errorf("Expected one batch of the remaining rows, got %v", rows)
	}
}

func TestOrchestrator_Resume_FullyProcessedRun(t *testing.T) {
	store := audit.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &sliceSource{rows: validRows(3), afterRow: func(i int) {
		if i == 2 {
			cancel()
		}
	}}
	result, err := NewOrchestrator(store, Options{}).Run(ctx, linearSpec(src, newMemorySink("output")))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Status != audit.RunStatusInterrupted {
		t.Fatalf("Expected status interrupted, got %s", result.Status)
	}
	before := countTokens(t, store, result.RunID)

	sink := newMemorySink("output")
	resumed, err := NewOrchestrator(store, Options{}).
		Resume(context.Background(), result.RunID, linearSpec(&sliceSource{rows: validRows(3)}, sink))
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if resumed.Status != audit.RunStatusCompleted {
		t.Errorf("Expected status completed, got %s", resumed.Status)
	}
	if len(sink.Rows()) != 0 {
		t.Errorf("Expected nothing to be written again, got %d rows", len(sink.Rows()))
	}
	if after := countTokens(t, store, result.RunID); after != before {
		t.Errorf("Expected no new tokens, got %d before and %d after", before, after)
	}
}

func TestOrchestrator_Resume_Rejects(t *testing.T) {
	store := audit.NewMemoryStore()
	completed := runPipeline(t, store, linearSpec(&sliceSource{rows: validRows(2)}, newMemorySink("output")), Options{})

	_, err := NewOrchestrator(store, Options{}).
		Resume(context.Background(), completed.RunID, linearSpec(&sliceSource{rows: validRows(2)}, newMemorySink("output")))
	if !errors.Is(err, ErrRunNotResumable) || ErrorCode(err) != ErrCodeValidation {
		t.Errorf("Expected a completed run to be rejected, got: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	interrupted, err := NewOrchestrator(store, Options{}).
		Run(ctx, linearSpec(&sliceSource{rows: validRows(2)}, newMemorySink("output")))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	changed := linearSpec(&sliceSource{rows: validRows(2)}, newMemorySink("output"),
		TransformStep("extra", setField("extra", "x", 1), ""),
	)
	_, err = NewOrchestrator(store, Options{}).Resume(context.Background(), interrupted.RunID, changed)
	if ErrorCode(err) != ErrCodeConfig {
		t.Errorf("Expected a changed pipeline to be rejected with %s, got: %v", ErrCodeConfig, err)
	}
}
