package audit

import (
	"context"
	"errors"
	"testing"
)

func setupRun(t *testing.T) (*MemoryStore, *Run) {
	t.Helper()
	ctx := context.Background()
	s := NewMemoryStore()
	run, err := s.BeginRun(ctx, BeginRunRequest{ConfigHash: "abc"})
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	for _, n := range []Node{
		{NodeID: "source-1", RunID: run.RunID, NodeType: NodeTypeSource},
		{NodeID: "sink-1", RunID: run.RunID, NodeType: NodeTypeSink},
	} {
		n := n
		if err := s.RegisterNode(ctx, &n); err != nil {
			t.Fatalf("RegisterNode failed: %v", err)
		}
	}
	if err := s.RegisterEdge(ctx, &Edge{
		EdgeID: "e1", RunID: run.RunID, FromNodeID: "source-1", ToNodeID: "sink-1",
		Label: "continue", Mode: RoutingModeMove,
	}); err != nil {
		t.Fatalf("RegisterEdge failed: %v", err)
	}
	return s, run
}

func createInitial(t *testing.T, s *MemoryStore, runID string, index int) (*Row, *Token) {
	t.Helper()
	ctx := context.Background()
	row, err := s.CreateRow(ctx, runID, "source-1", index, map[string]interface{}{"i": index})
	if err != nil {
		t.Fatalf("CreateRow failed: %v", err)
	}
	tok, err := s.CreateToken(ctx, NewToken{RunID: runID, RowID: row.RowID})
	if err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}
	return row, tok
}

func TestForkTokenLineage(t *testing.T) {
	ctx := context.Background()
	s, run := setupRun(t)
	_, parent := createInitial(t, s, run.RunID, 0)

	children, groupID, err := s.ForkToken(ctx, parent, []string{"a", "b"}, 1)
	if err != nil {
		t.Fatalf("ForkToken failed: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
	for _, c := range children {
		if c.ForkGroupID != groupID {
			t.Errorf("child %s has fork group %s, want %s", c.TokenID, c.ForkGroupID, groupID)
		}
		if c.RowID != parent.RowID {
			t.Errorf("child row id %s, want %s", c.RowID, parent.RowID)
		}
		links, _ := s.GetTokenParents(ctx, c.TokenID)
		if len(links) != 1 || links[0].ParentTokenID != parent.TokenID {
			t.Errorf("expected single parent link to %s, got %+v", parent.TokenID, links)
		}
	}
	if children[0].BranchName != "a" || children[1].BranchName != "b" {
		t.Errorf("branch order not preserved: %s, %s", children[0].BranchName, children[1].BranchName)
	}
}

func TestCoalesceTokensLinksEveryParent(t *testing.T) {
	ctx := context.Background()
	s, run := setupRun(t)
	_, parent := createInitial(t, s, run.RunID, 0)
	children, _, err := s.ForkToken(ctx, parent, []string{"a", "b", "c"}, 1)
	if err != nil {
		t.Fatal(err)
	}

	merged, err := s.CoalesceTokens(ctx, children[:2], "", 2)
	if err != nil {
		t.Fatalf("CoalesceTokens failed: %v", err)
	}
	if merged.JoinGroupID == "" {
		t.Error("expected join group id")
	}
	links, _ := s.GetTokenParents(ctx, merged.TokenID)
	if len(links) != 2 {
		t.Fatalf("expected 2 parent links, got %d", len(links))
	}
	for i, l := range links {
		if l.ParentTokenID != children[i].TokenID || l.Ordinal != i {
			t.Errorf("link %d = %+v", i, l)
		}
	}
}

func TestRecordTokenOutcomeOnce(t *testing.T) {
	ctx := context.Background()
	s, run := setupRun(t)
	_, tok := createInitial(t, s, run.RunID, 0)

	o := &TokenOutcome{RunID: run.RunID, TokenID: tok.TokenID, Outcome: OutcomeCompleted, SinkName: "out"}
	if err := s.RecordTokenOutcome(ctx, o); err != nil {
		t.Fatalf("RecordTokenOutcome failed: %v", err)
	}
	if err := s.RecordTokenOutcome(ctx, o); err == nil {
		t.Error("expected error recording a second outcome")
	}
	if err := s.RecordTokenOutcome(ctx, &TokenOutcome{TokenID: tok.TokenID, Outcome: "lost"}); err == nil {
		t.Error("expected error for invalid outcome")
	}
}

func TestNodeStateIntegrity(t *testing.T) {
	ctx := context.Background()
	s, run := setupRun(t)
	_, tok := createInitial(t, s, run.RunID, 0)

	state, err := s.BeginNodeState(ctx, BeginNodeStateRequest{
		RunID: run.RunID, TokenID: tok.TokenID, NodeID: "sink-1", Input: map[string]interface{}{"i": 0},
	})
	if err != nil {
		t.Fatalf("BeginNodeState failed: %v", err)
	}
	done, err := s.CompleteNodeState(ctx, state.StateID, CompleteNodeStateRequest{
		Status: NodeStateCompleted, Output: map[string]interface{}{"i": 0},
	})
	if err != nil {
		t.Fatalf("CompleteNodeState failed: %v", err)
	}
	if done.CompletedAt == nil || done.OutputHash == "" {
		t.Errorf("completed state missing timestamp or hash: %+v", done)
	}

	// Corrupt the stored state the way a broken writer would.
	s.states[state.StateID].CompletedAt = nil
	if _, err := s.GetNodeStates(ctx, tok.TokenID); !errors.Is(err, ErrAuditIntegrity) {
		t.Errorf("expected ErrAuditIntegrity, got %v", err)
	}
}

func TestPendingNodeStateHasNoCompletion(t *testing.T) {
	ctx := context.Background()
	s, run := setupRun(t)
	_, tok := createInitial(t, s, run.RunID, 0)

	state, _ := s.BeginNodeState(ctx, BeginNodeStateRequest{RunID: run.RunID, TokenID: tok.TokenID, NodeID: "sink-1"})
	pending, err := s.CompleteNodeState(ctx, state.StateID, CompleteNodeStateRequest{Status: NodeStatePending})
	if err != nil {
		t.Fatalf("CompleteNodeState failed: %v", err)
	}
	if pending.CompletedAt != nil {
		t.Error("pending state must not carry completed_at")
	}
	if _, err := s.GetNodeStates(ctx, tok.TokenID); err != nil {
		t.Errorf("pending state should pass integrity check: %v", err)
	}
}

func TestRoutingEventsShareGroup(t *testing.T) {
	ctx := context.Background()
	s, run := setupRun(t)
	_, tok := createInitial(t, s, run.RunID, 0)
	state, _ := s.BeginNodeState(ctx, BeginNodeStateRequest{RunID: run.RunID, TokenID: tok.TokenID, NodeID: "source-1"})

	events, err := s.RecordRoutingEvents(ctx, state.StateID, []Route{
		{EdgeID: "e1", Mode: RoutingModeCopy},
		{EdgeID: "e1", Mode: RoutingModeCopy},
	}, nil)
	if err != nil {
		t.Fatalf("RecordRoutingEvents failed: %v", err)
	}
	if events[0].RoutingGroupID != events[1].RoutingGroupID {
		t.Error("events of one decision must share a routing group")
	}
	if events[1].Ordinal != 1 {
		t.Errorf("expected ordinal 1, got %d", events[1].Ordinal)
	}

	if _, err := s.RecordRoutingEvent(ctx, state.StateID, Route{EdgeID: "missing"}, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown edge, got %v", err)
	}
}

func TestRetryBatch(t *testing.T) {
	ctx := context.Background()
	s, run := setupRun(t)
	_, t1 := createInitial(t, s, run.RunID, 0)
	_, t2 := createInitial(t, s, run.RunID, 1)

	batch, _ := s.CreateBatch(ctx, run.RunID, "agg-1", 1)
	_ = s.AddBatchMember(ctx, batch.BatchID, t1.TokenID, 0)
	_ = s.AddBatchMember(ctx, batch.BatchID, t2.TokenID, 1)

	if _, err := s.RetryBatch(ctx, batch.BatchID); err == nil {
		t.Error("expected error retrying a draft batch")
	}

	_ = s.UpdateBatchStatus(ctx, batch.BatchID, BatchStatusFailed, "count", "")
	retry, err := s.RetryBatch(ctx, batch.BatchID)
	if err != nil {
		t.Fatalf("RetryBatch failed: %v", err)
	}
	if retry.BatchID == batch.BatchID || retry.Attempt != 2 || retry.Status != BatchStatusDraft {
		t.Errorf("unexpected retry batch: %+v", retry)
	}
	members, _ := s.GetBatchMembers(ctx, retry.BatchID)
	if len(members) != 2 || members[0].TokenID != t1.TokenID || members[1].TokenID != t2.TokenID {
		t.Errorf("membership not copied: %+v", members)
	}
	old, _ := s.GetBatchMembers(ctx, batch.BatchID)
	if len(old) != 2 {
		t.Error("original batch membership changed")
	}
}

func TestGetUnprocessedRows(t *testing.T) {
	ctx := context.Background()
	s, run := setupRun(t)

	_, done := createInitial(t, s, run.RunID, 0)
	_, open := createInitial(t, s, run.RunID, 1)
	_, held := createInitial(t, s, run.RunID, 2)
	if _, err := s.CreateRow(ctx, run.RunID, "source-1", 3, map[string]interface{}{"i": 3}); err != nil {
		t.Fatal(err)
	}

	_ = s.RecordTokenOutcome(ctx, &TokenOutcome{RunID: run.RunID, TokenID: done.TokenID, Outcome: OutcomeCompleted})

	rows, err := s.GetUnprocessedRows(ctx, run.RunID, map[string]bool{held.TokenID: true})
	if err != nil {
		t.Fatalf("GetUnprocessedRows failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 unprocessed rows, got %d", len(rows))
	}
	if rows[0].RowID != open.RowID || rows[1].RowIndex != 3 {
		t.Errorf("unexpected rows: %+v", rows)
	}
	if rows[0].Data["i"] != 1 {
		t.Errorf("expected payload to be returned, got %v", rows[0].Data)
	}
}

func TestFinalizeRun(t *testing.T) {
	ctx := context.Background()
	s, run := setupRun(t)

	final, err := s.FinalizeRun(ctx, run.RunID, RunStatusInterrupted)
	if err != nil {
		t.Fatalf("FinalizeRun failed: %v", err)
	}
	if final.CompletedAt == nil || final.Status != RunStatusInterrupted {
		t.Errorf("unexpected run: %+v", final)
	}
	if !final.Status.IsResumable() {
		t.Error("interrupted runs must be resumable")
	}
	resumed, err := s.ResumeRun(ctx, run.RunID)
	if err != nil || resumed.Status != RunStatusRunning || resumed.CompletedAt != nil {
		t.Errorf("ResumeRun = %+v, %v", resumed, err)
	}
}
