package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/openfroyo/rowforge/pkg/audit"
	"github.com/openfroyo/rowforge/pkg/contracts"
)

// threeWaySpec forks every row into branches x, y and z and joins them
// with join. Each branch sets its own score field; z runs zSteps instead
// when given.
func threeWaySpec(join CoalesceSpec, zSteps ...StepSpec) *PipelineSpec {
	if len(zSteps) == 0 {
		zSteps = []StepSpec{TransformStep("score_z", setField("score_z", "z_score", 3), "")}
	}
	join.Name = "join"
	join.Branches = []string{"x", "y", "z"}
	return &PipelineSpec{
		Source: SourceSpec{Name: "input", Plugin: &sliceSource{}},
		Steps: []StepSpec{
			GateStep("route", constCondition{value: "all"}, map[string]string{"all": RouteFork}, "x", "y", "z"),
			CoalesceStep("join"),
		},
		Branches: map[string][]StepSpec{
			"x": {TransformStep("score_x", setField("score_x", "x_score", 1), "")},
			"y": {TransformStep("score_y", setField("score_y", "y_score", 2), "")},
			"z": zSteps,
		},
		Coalesce:    []CoalesceSpec{join},
		Sinks:       []SinkSpec{{Name: "output", Plugin: newMemorySink("output")}},
		DefaultSink: "output",
	}
}

// holdBranch buffers branch tokens in a passthrough aggregation until end
// of source.
func holdBranch() StepSpec {
	keep := &sumBatch{fn: func(rows []contracts.Row) TransformResult {
		out := make([]map[string]interface{}, 0, len(rows))
		for _, r := range rows {
			out = append(out, r.ToMap())
		}
		return SuccessMulti(out)
	}}
	return AggregationStep("hold_z", keep, Trigger{Count: 1000}, OutputPassthrough)
}

// joinContext returns the context recorded by the completed join state
// that carries reason.
func joinContext(t *testing.T, store *audit.MemoryStore, runID, joinID, reason string) map[string]interface{} {
	t.Helper()
	ctx := context.Background()
	rows, err := store.GetRows(ctx, runID)
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	for _, r := range rows {
		toks, err := store.GetTokensForRow(ctx, r.RowID)
		if err != nil {
			t.Fatalf("GetTokensForRow() error = %v", err)
		}
		for _, tok := range toks {
			states, err := store.GetNodeStates(ctx, tok.TokenID)
			if err != nil {
				t.Fatalf("GetNodeStates() error = %v", err)
			}
			for _, s := range states {
				if s.NodeID == joinID && s.Status == audit.NodeStateCompleted && s.Context["reason"] == reason {
					return s.Context
				}
			}
		}
	}
	t.Fatalf("no join state with reason %s", reason)
	return nil
}

func TestCoalesce_BestEffortTimeoutMidStream(t *testing.T) {
	store := audit.NewMemoryStore()
	spec := threeWaySpec(CoalesceSpec{Policy: PolicyBestEffort, Timeout: time.Minute, Merge: MergeNested},
		TransformStep("score_z", setField("score_z", "z_score", 3), ""), holdBranch())
	f := newProcessorFixture(t, store, spec, nil, 0)
	joinID := f.nodeID(t, "join")

	if res := f.process(t, map[string]interface{}{"id": 0}); len(res.Pending) != 0 {
		t.Fatalf("Expected the join to wait, got %d outputs", len(res.Pending))
	}
	if held := f.proc.coalesce.Held(); held != 2 {
		t.Fatalf("Expected x and y held at the join, got %d", held)
	}

	f.clock.Advance(30 * time.Second)
	if res := f.checkTimeouts(t); len(res.Pending) != 0 {
		t.Fatalf("Expected no merge inside the window, got %d outputs", len(res.Pending))
	}

	f.clock.Advance(31 * time.Second)
	res := f.checkTimeouts(t)
	if len(res.Pending) != 1 {
		t.Fatalf("Expected the timed out join to reach the sink, got %d outputs", len(res.Pending))
	}
	data := res.Pending[0].Token.Row.Data()
	if _, ok := data["x"]; !ok {
		t.Errorf("Expected branch x in the merged row, got %v", data)
	}
	if _, ok := data["y"]; !ok {
		t.Errorf("Expected branch y in the merged row, got %v", data)
	}
	if _, ok := data["z"]; ok {
		t.Errorf("Expected branch z absent from the merged row, got %v", data)
	}

	details := joinContext(t, store, f.runID, joinID, ReasonTimeout)
	if got := fmt.Sprint(details["branches_arrived"]); got != "[x y]" {
		t.Errorf("Expected branches_arrived [x y], got %s", got)
	}
	if got := fmt.Sprint(details["branches_missing"]); got != "[z]" {
		t.Errorf("Expected branches_missing [z], got %s", got)
	}

	// z is still buffered upstream, so the merged join is checkpointed.
	snap := f.proc.Snapshot()
	if len(snap.Merged) != 1 || snap.Merged[0].NodeID != joinID {
		t.Fatalf("Expected the merged join in the snapshot, got %+v", snap.Merged)
	}
	restored := newCoalesceEngine(f.proc.env, f.proc.graph)
	if err := restored.RestoreMerged(snap.Merged); err != nil {
		t.Fatalf("RestoreMerged() error = %v", err)
	}
	if len(restored.merged) != 1 {
		t.Errorf("Expected the merged join to be restored, got %d", len(restored.merged))
	}

	f.flush(t)
	if n := len(f.proc.coalesce.merged); n != 0 {
		t.Errorf("Expected the merged join released once z arrived, got %d", n)
	}
	got := outcomes(t, store, f.runID)
	if got[audit.OutcomeCoalesced] != 3 {
		t.Errorf("Expected x, y and the late z coalesced, got %v", got)
	}
}

func TestCoalesce_QuorumTwoOfThree(t *testing.T) {
	store := audit.NewMemoryStore()
	spec := threeWaySpec(CoalesceSpec{Policy: PolicyQuorum, Quorum: 2})
	f := newProcessorFixture(t, store, spec, nil, 0)
	joinID := f.nodeID(t, "join")

	res := f.process(t, map[string]interface{}{"id": 7})
	if len(res.Pending) != 1 {
		t.Fatalf("Expected one merged row, got %d", len(res.Pending))
	}
	data := res.Pending[0].Token.Row.Data()
	if data["x_score"] != 1 || data["y_score"] != 2 {
		t.Errorf("Expected the first two branches merged, got %v", data)
	}
	if _, ok := data["z_score"]; ok {
		t.Errorf("Expected the third branch left out, got %v", data)
	}

	details := joinContext(t, store, f.runID, joinID, ReasonQuorumMet)
	if got := fmt.Sprint(details["branches_arrived"]); got != "[x y]" {
		t.Errorf("Expected branches_arrived [x y], got %s", got)
	}

	got := outcomes(t, store, f.runID)
	if got[audit.OutcomeForked] != 1 || got[audit.OutcomeCoalesced] != 3 {
		t.Errorf("Expected 1 forked and 3 coalesced outcomes, got %v", got)
	}
	if held := f.proc.Held(); held != 0 {
		t.Errorf("Expected nothing held, got %d", held)
	}
	if n := len(f.proc.coalesce.merged); n != 0 {
		t.Errorf("Expected no merged joins kept after the row drained, got %d", n)
	}
}

func TestCoalesce_MergedJoinsReleased(t *testing.T) {
	tests := []struct {
		name   string
		policy CoalescePolicy
		quorum int
	}{
		{"first", PolicyFirst, 0},
		{"quorum", PolicyQuorum, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, _ := forkJoinSpec(tt.policy)
			spec.Coalesce[0].Quorum = tt.quorum
			f := newProcessorFixture(t, audit.NewMemoryStore(), spec, nil, 0)

			for _, sr := range bigRows(500) {
				res := f.process(t, sr.Data)
				if len(res.Pending) != 1 {
					t.Fatalf("Expected one merged row per source row, got %d", len(res.Pending))
				}
			}
			if n := len(f.proc.coalesce.merged); n != 0 {
				t.Errorf("Expected merged joins released, got %d", n)
			}
			if snap := f.proc.Snapshot(); len(snap.Merged) != 0 {
				t.Errorf("Expected no merged joins in the snapshot, got %d", len(snap.Merged))
			}
		})
	}
}
