package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/rowforge/pkg/audit"
	"github.com/openfroyo/rowforge/pkg/checkpoint"
	"github.com/openfroyo/rowforge/pkg/contracts"
)

// setupTestStore creates a migrated store backed by a temporary file.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// setupRun begins a run with a source and a sink node joined by edge e1.
func setupRun(t *testing.T) (*SQLiteStore, *audit.Run) {
	t.Helper()
	ctx := context.Background()
	s := setupTestStore(t)

	run, err := s.BeginRun(ctx, audit.BeginRunRequest{ConfigHash: "abc", Settings: []byte(`{"name":"test"}`)})
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	for _, n := range []audit.Node{
		{NodeID: "source-1", RunID: run.RunID, NodeType: audit.NodeTypeSource, PluginName: "csv"},
		{NodeID: "sink-1", RunID: run.RunID, NodeType: audit.NodeTypeSink, PluginName: "jsonl", Sequence: 1},
	} {
		n := n
		if err := s.RegisterNode(ctx, &n); err != nil {
			t.Fatalf("RegisterNode failed: %v", err)
		}
	}
	if err := s.RegisterEdge(ctx, &audit.Edge{
		EdgeID: "e1", RunID: run.RunID, FromNodeID: "source-1", ToNodeID: "sink-1",
		Label: "continue", Mode: audit.RoutingModeMove,
	}); err != nil {
		t.Fatalf("RegisterEdge failed: %v", err)
	}
	return s, run
}

func createInitial(t *testing.T, s *SQLiteStore, runID string, index int) (*audit.Row, *audit.Token) {
	t.Helper()
	ctx := context.Background()
	row, err := s.CreateRow(ctx, runID, "source-1", index, map[string]interface{}{"i": index})
	if err != nil {
		t.Fatalf("CreateRow failed: %v", err)
	}
	tok, err := s.CreateToken(ctx, audit.NewToken{RunID: runID, RowID: row.RowID})
	if err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}
	return row, tok
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "lifecycle.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Migrate(ctx); err == nil {
		t.Error("expected Migrate to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// A second migration is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestStoreInMemory(t *testing.T) {
	store, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	defer store.Close()

	if _, err := store.BeginRun(context.Background(), audit.BeginRunRequest{RunID: "mem"}); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if _, err := store.GetRun(context.Background(), "mem"); err != nil {
		t.Errorf("GetRun failed: %v", err)
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	first, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := first.BeginRun(ctx, audit.BeginRunRequest{RunID: "run-1", ConfigHash: "h"}); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	_ = first.Close()

	second, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer second.Close()

	run, err := second.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.ConfigHash != "h" || run.Status != audit.RunStatusRunning {
		t.Errorf("unexpected run after reopen: %+v", run)
	}
}

func TestBeginRun(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	contract, err := contracts.New(contracts.ModeFlexible, []contracts.FieldContract{
		{Name: "id", Type: contracts.TypeInt, Required: true},
	}, true)
	if err != nil {
		t.Fatalf("contracts.New failed: %v", err)
	}

	run, err := s.BeginRun(ctx, audit.BeginRunRequest{
		RunID:      "fixed",
		ConfigHash: "abc",
		Settings:   []byte(`{"name":"orders"}`),
		Contract:   contract,
	})
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if run.CanonicalVersion != audit.CanonicalVersion {
		t.Errorf("canonical version = %q", run.CanonicalVersion)
	}

	if _, err := s.BeginRun(ctx, audit.BeginRunRequest{RunID: "fixed"}); err == nil {
		t.Error("expected error for a duplicate run id")
	}

	got, err := s.GetRun(ctx, "fixed")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if string(got.Settings) != `{"name":"orders"}` {
		t.Errorf("settings = %s", got.Settings)
	}
	if got.Contract == nil || got.Contract.Hash() != contract.Hash() {
		t.Errorf("contract not persisted: %+v", got.Contract)
	}

	stored, err := s.GetRunContract(ctx, "fixed")
	if err != nil {
		t.Fatalf("GetRunContract failed: %v", err)
	}
	if f, ok := stored.Field("id"); !ok || f.Type != contracts.TypeInt {
		t.Errorf("unexpected contract field: %+v", f)
	}

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRunContractUpdate(t *testing.T) {
	ctx := context.Background()
	s, run := setupRun(t)

	c, err := s.GetRunContract(ctx, run.RunID)
	if err != nil || c != nil {
		t.Fatalf("expected no contract, got %v, %v", c, err)
	}

	contract, _ := contracts.New(contracts.ModeObserved, []contracts.FieldContract{
		{Name: "amount", Type: contracts.TypeFloat},
	}, true)
	if err := s.UpdateRunContract(ctx, run.RunID, contract); err != nil {
		t.Fatalf("UpdateRunContract failed: %v", err)
	}
	c, err = s.GetRunContract(ctx, run.RunID)
	if err != nil || c == nil || c.Hash() != contract.Hash() {
		t.Errorf("contract not updated: %v, %v", c, err)
	}

	if err := s.UpdateRunContract(ctx, "missing", contract); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegisterGraph(t *testing.T) {
	ctx := context.Background()
	s, run := setupRun(t)

	// Registering the same node again is a no-op.
	if err := s.RegisterNode(ctx, &audit.Node{NodeID: "sink-1", RunID: run.RunID, NodeType: audit.NodeTypeSink}); err != nil {
		t.Fatalf("RegisterNode failed: %v", err)
	}
	if err := s.RegisterNode(ctx, &audit.Node{NodeID: "x", RunID: "missing"}); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown run, got %v", err)
	}
	if err := s.RegisterEdge(ctx, &audit.Edge{
		EdgeID: "e2", RunID: run.RunID, FromNodeID: "source-1", ToNodeID: "nowhere",
	}); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unregistered endpoint, got %v", err)
	}

	nodes, err := s.GetNodes(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetNodes failed: %v", err)
	}
	if len(nodes) != 2 || nodes[0].NodeID != "source-1" || nodes[1].PluginName != "jsonl" {
		t.Errorf("unexpected nodes: %+v", nodes)
	}
	edges, err := s.GetEdges(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetEdges failed: %v", err)
	}
	if len(edges) != 1 || edges[0].Mode != audit.RoutingModeMove {
		t.Errorf("unexpected edges: %+v", edges)
	}
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
		if c.ForkGroupID != groupID || c.RowID != parent.RowID {
			t.Errorf("unexpected child: %+v", c)
		}
		links, err := s.GetTokenParents(ctx, c.TokenID)
		if err != nil {
			t.Fatalf("GetTokenParents failed: %v", err)
		}
		if len(links) != 1 || links[0].ParentTokenID != parent.TokenID {
			t.Errorf("expected single parent link to %s, got %+v", parent.TokenID, links)
		}
	}

	stored, err := s.GetTokensForRow(ctx, parent.RowID)
	if err != nil {
		t.Fatalf("GetTokensForRow failed: %v", err)
	}
	if len(stored) != 3 || stored[1].BranchName != "a" || stored[2].BranchName != "b" {
		t.Errorf("unexpected tokens for row: %+v", stored)
	}

	if _, _, err := s.ForkToken(ctx, parent, nil, 1); err == nil {
		t.Error("expected error forking to no branches")
	}
	if _, _, err := s.ForkToken(ctx, &audit.Token{TokenID: "ghost"}, []string{"a"}, 1); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown parent, got %v", err)
	}
}

func TestExpandAndCoalesceTokens(t *testing.T) {
	ctx := context.Background()
	s, run := setupRun(t)
	_, parent := createInitial(t, s, run.RunID, 0)

	children, groupID, err := s.ExpandToken(ctx, parent, 3, 2)
	if err != nil {
		t.Fatalf("ExpandToken failed: %v", err)
	}
	if len(children) != 3 || children[2].ExpandGroupID != groupID || children[0].StepInPipeline != 2 {
		t.Fatalf("unexpected expansion: %+v", children)
	}
	if _, _, err := s.ExpandToken(ctx, parent, 0, 2); err == nil {
		t.Error("expected error expanding to zero children")
	}

	merged, err := s.CoalesceTokens(ctx, children, "joined", 3)
	if err != nil {
		t.Fatalf("CoalesceTokens failed: %v", err)
	}
	if merged.JoinGroupID == "" || merged.BranchName != "joined" {
		t.Errorf("unexpected merged token: %+v", merged)
	}
	links, _ := s.GetTokenParents(ctx, merged.TokenID)
	if len(links) != 3 {
		t.Fatalf("expected 3 parent links, got %d", len(links))
	}
	for i, l := range links {
		if l.Ordinal != i || l.ParentTokenID != children[i].TokenID {
			t.Errorf("link %d = %+v", i, l)
		}
	}

	got, err := s.GetToken(ctx, merged.TokenID)
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if got.JoinGroupID != merged.JoinGroupID || got.StepInPipeline != 3 {
		t.Errorf("stored token differs: %+v", got)
	}
}

func TestRecordTokenOutcomeOnce(t *testing.T) {
	ctx := context.Background()
	s, run := setupRun(t)
	_, tok := createInitial(t, s, run.RunID, 0)

	o := &audit.TokenOutcome{
		RunID: run.RunID, TokenID: tok.TokenID, Outcome: audit.OutcomeCompleted, SinkName: "out",
		Context: map[string]interface{}{"attempts": 1},
	}
	if err := s.RecordTokenOutcome(ctx, o); err != nil {
		t.Fatalf("RecordTokenOutcome failed: %v", err)
	}
	if err := s.RecordTokenOutcome(ctx, o); err == nil {
		t.Error("expected error recording a second outcome")
	}
	if err := s.RecordTokenOutcome(ctx, &audit.TokenOutcome{TokenID: tok.TokenID, Outcome: "lost"}); err == nil {
		t.Error("expected error for invalid outcome")
	}

	got, err := s.GetTokenOutcome(ctx, tok.TokenID)
	if err != nil {
		t.Fatalf("GetTokenOutcome failed: %v", err)
	}
	if got.SinkName != "out" || got.Context["attempts"] != float64(1) || got.OutcomeID == "" {
		t.Errorf("unexpected outcome: %+v", got)
	}

	_, other := createInitial(t, s, run.RunID, 1)
	if _, err := s.GetTokenOutcome(ctx, other.TokenID); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestNodeStateLifecycle(t *testing.T) {
	ctx := context.Background()
	s, run := setupRun(t)
	_, tok := createInitial(t, s, run.RunID, 0)

	state, err := s.BeginNodeState(ctx, audit.BeginNodeStateRequest{
		RunID: run.RunID, TokenID: tok.TokenID, NodeID: "sink-1", StepIndex: 1, Attempt: 1,
		Input: map[string]interface{}{"i": 0},
	})
	if err != nil {
		t.Fatalf("BeginNodeState failed: %v", err)
	}
	if state.Status != audit.NodeStateOpen || state.InputHash == "" {
		t.Errorf("unexpected open state: %+v", state)
	}

	done, err := s.CompleteNodeState(ctx, state.StateID, audit.CompleteNodeStateRequest{
		Status:   audit.NodeStateCompleted,
		Output:   map[string]interface{}{"i": 0},
		Duration: 1500 * time.Microsecond,
	})
	if err != nil {
		t.Fatalf("CompleteNodeState failed: %v", err)
	}
	if done.CompletedAt == nil || done.OutputHash == "" || done.DurationMs != 1.5 {
		t.Errorf("completed state missing fields: %+v", done)
	}
	if _, err := s.CompleteNodeState(ctx, state.StateID, audit.CompleteNodeStateRequest{Status: audit.NodeStateFailed}); err == nil {
		t.Error("expected error completing a terminal state twice")
	}
	if _, err := s.CompleteNodeState(ctx, state.StateID, audit.CompleteNodeStateRequest{Status: audit.NodeStateOpen}); err == nil {
		t.Error("expected error completing to open")
	}

	states, err := s.GetNodeStates(ctx, tok.TokenID)
	if err != nil {
		t.Fatalf("GetNodeStates failed: %v", err)
	}
	if len(states) != 1 || states[0].OutputHash != done.OutputHash || states[0].CompletedAt == nil {
		t.Errorf("unexpected stored states: %+v", states)
	}
}

func TestNodeStateIntegrity(t *testing.T) {
	ctx := context.Background()
	s, run := setupRun(t)
	_, tok := createInitial(t, s, run.RunID, 0)

	state, _ := s.BeginNodeState(ctx, audit.BeginNodeStateRequest{RunID: run.RunID, TokenID: tok.TokenID, NodeID: "sink-1"})
	if _, err := s.CompleteNodeState(ctx, state.StateID, audit.CompleteNodeStateRequest{
		Status: audit.NodeStateFailed, Error: map[string]interface{}{"reason": "boom"},
	}); err != nil {
		t.Fatalf("CompleteNodeState failed: %v", err)
	}

	// Corrupt the stored state the way a broken writer would.
	if _, err := s.db.ExecContext(ctx, `UPDATE node_states SET completed_at = NULL WHERE state_id = ?`, state.StateID); err != nil {
		t.Fatalf("corrupt state: %v", err)
	}
	if _, err := s.GetNodeStates(ctx, tok.TokenID); !errors.Is(err, audit.ErrAuditIntegrity) {
		t.Errorf("expected ErrAuditIntegrity, got %v", err)
	}
}

func TestPendingNodeStateHasNoCompletion(t *testing.T) {
	ctx := context.Background()
	s, run := setupRun(t)
	_, tok := createInitial(t, s, run.RunID, 0)

	state, _ := s.BeginNodeState(ctx, audit.BeginNodeStateRequest{RunID: run.RunID, TokenID: tok.TokenID, NodeID: "sink-1"})
	pending, err := s.CompleteNodeState(ctx, state.StateID, audit.CompleteNodeStateRequest{
		Status: audit.NodeStatePending, Context: map[string]interface{}{"buffered": true},
	})
	if err != nil {
		t.Fatalf("CompleteNodeState failed: %v", err)
	}
	if pending.CompletedAt != nil {
		t.Error("pending state must not carry completed_at")
	}

	// A pending state can still complete.
	if _, err := s.CompleteNodeState(ctx, state.StateID, audit.CompleteNodeStateRequest{Status: audit.NodeStateCompleted}); err != nil {
		t.Errorf("completing a pending state failed: %v", err)
	}
}

func TestRoutingEventsShareGroup(t *testing.T) {
	ctx := context.Background()
	s, run := setupRun(t)
	_, tok := createInitial(t, s, run.RunID, 0)
	state, _ := s.BeginNodeState(ctx, audit.BeginNodeStateRequest{RunID: run.RunID, TokenID: tok.TokenID, NodeID: "source-1"})

	events, err := s.RecordRoutingEvents(ctx, state.StateID, []audit.Route{
		{EdgeID: "e1", Mode: audit.RoutingModeCopy},
		{EdgeID: "e1", Mode: audit.RoutingModeCopy},
	}, map[string]interface{}{"condition": "true"})
	if err != nil {
		t.Fatalf("RecordRoutingEvents failed: %v", err)
	}
	if events[0].RoutingGroupID != events[1].RoutingGroupID || events[1].Ordinal != 1 {
		t.Errorf("unexpected events: %+v", events)
	}

	stored, err := s.GetRoutingEvents(ctx, state.StateID)
	if err != nil {
		t.Fatalf("GetRoutingEvents failed: %v", err)
	}
	if len(stored) != 2 || stored[0].Reason["condition"] != "true" {
		t.Errorf("unexpected stored events: %+v", stored)
	}

	if _, err := s.RecordRoutingEvent(ctx, state.StateID, audit.Route{EdgeID: "missing"}, nil); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown edge, got %v", err)
	}
	if _, err := s.RecordRoutingEvents(ctx, state.StateID, nil, nil); err == nil {
		t.Error("expected error for no routes")
	}
}

func TestRetryBatch(t *testing.T) {
	ctx := context.Background()
	s, run := setupRun(t)
	_, t1 := createInitial(t, s, run.RunID, 0)
	_, t2 := createInitial(t, s, run.RunID, 1)

	batch, err := s.CreateBatch(ctx, run.RunID, "agg-1", 1)
	if err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}
	if err := s.AddBatchMember(ctx, batch.BatchID, t1.TokenID, 0); err != nil {
		t.Fatalf("AddBatchMember failed: %v", err)
	}
	if err := s.AddBatchMember(ctx, batch.BatchID, t2.TokenID, 1); err != nil {
		t.Fatalf("AddBatchMember failed: %v", err)
	}
	if err := s.AddBatchMember(ctx, "missing", t2.TokenID, 2); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown batch, got %v", err)
	}

	if _, err := s.RetryBatch(ctx, batch.BatchID); err == nil {
		t.Error("expected error retrying a draft batch")
	}

	if err := s.UpdateBatchStatus(ctx, batch.BatchID, audit.BatchStatusExecuting, "count", "state-1"); err != nil {
		t.Fatalf("UpdateBatchStatus failed: %v", err)
	}
	if err := s.UpdateBatchStatus(ctx, batch.BatchID, audit.BatchStatusFailed, "", ""); err != nil {
		t.Fatalf("UpdateBatchStatus failed: %v", err)
	}

	incomplete, err := s.GetIncompleteBatches(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetIncompleteBatches failed: %v", err)
	}
	if len(incomplete) != 1 {
		t.Fatalf("expected the failed batch to be incomplete, got %+v", incomplete)
	}
	failed := incomplete[0]
	if failed.TriggerReason != "count" || failed.StateID != "state-1" || failed.CompletedAt == nil {
		t.Errorf("empty updates must keep stored values: %+v", failed)
	}

	retry, err := s.RetryBatch(ctx, batch.BatchID)
	if err != nil {
		t.Fatalf("RetryBatch failed: %v", err)
	}
	if retry.BatchID == batch.BatchID || retry.Attempt != 2 || retry.Status != audit.BatchStatusDraft {
		t.Errorf("unexpected retry batch: %+v", retry)
	}
	members, _ := s.GetBatchMembers(ctx, retry.BatchID)
	if len(members) != 2 || members[0].TokenID != t1.TokenID || members[1].TokenID != t2.TokenID {
		t.Errorf("membership not copied: %+v", members)
	}

	if err := s.UpdateBatchStatus(ctx, retry.BatchID, audit.BatchStatusCompleted, "count", ""); err != nil {
		t.Fatalf("UpdateBatchStatus failed: %v", err)
	}
	incomplete, _ = s.GetIncompleteBatches(ctx, run.RunID)
	if len(incomplete) != 1 || incomplete[0].BatchID != batch.BatchID {
		t.Errorf("completed batches must not be incomplete: %+v", incomplete)
	}

	if err := s.UpdateBatchStatus(ctx, "missing", audit.BatchStatusFailed, "", ""); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestArtifacts(t *testing.T) {
	ctx := context.Background()
	s, run := setupRun(t)

	a, err := s.RegisterArtifact(ctx, &audit.Artifact{
		RunID: run.RunID, SinkNodeID: "sink-1", ArtifactType: "file",
		PathOrURI: "/tmp/out.jsonl", ContentHash: "abc", SizeBytes: 42, RowCount: 2,
	})
	if err != nil {
		t.Fatalf("RegisterArtifact failed: %v", err)
	}
	if a.ArtifactID == "" || a.CreatedAt.IsZero() {
		t.Errorf("artifact missing id or timestamp: %+v", a)
	}

	got, err := s.GetArtifacts(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetArtifacts failed: %v", err)
	}
	if len(got) != 1 || got[0].SizeBytes != 42 || got[0].RowCount != 2 || got[0].ContentHash != "abc" {
		t.Errorf("unexpected artifacts: %+v", got)
	}
}

func TestGetUnprocessedRows(t *testing.T) {
	ctx := context.Background()
	s, run := setupRun(t)

	_, done := createInitial(t, s, run.RunID, 0)
	open, _ := createInitial(t, s, run.RunID, 1)
	_, held := createInitial(t, s, run.RunID, 2)
	if _, err := s.CreateRow(ctx, run.RunID, "source-1", 3, map[string]interface{}{"i": 3}); err != nil {
		t.Fatal(err)
	}

	_ = s.RecordTokenOutcome(ctx, &audit.TokenOutcome{RunID: run.RunID, TokenID: done.TokenID, Outcome: audit.OutcomeCompleted})

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
	// Payloads come back through JSON.
	if rows[0].Data["i"] != float64(1) {
		t.Errorf("expected payload to be returned, got %v", rows[0].Data)
	}

	all, err := s.GetRows(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRows failed: %v", err)
	}
	if len(all) != 4 || all[2].DataHash == "" {
		t.Errorf("unexpected rows: %+v", all)
	}
	n, err := s.GetRowCount(ctx, run.RunID)
	if err != nil || n != 4 {
		t.Errorf("GetRowCount = %d, %v", n, err)
	}
}

func TestFinalizeAndResumeRun(t *testing.T) {
	ctx := context.Background()
	s, run := setupRun(t)

	final, err := s.FinalizeRun(ctx, run.RunID, audit.RunStatusInterrupted)
	if err != nil {
		t.Fatalf("FinalizeRun failed: %v", err)
	}
	if final.Status != audit.RunStatusInterrupted || final.CompletedAt == nil {
		t.Errorf("unexpected final run: %+v", final)
	}
	if _, err := s.FinalizeRun(ctx, run.RunID, "paused"); err == nil {
		t.Error("expected error for invalid status")
	}

	resumed, err := s.ResumeRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("ResumeRun failed: %v", err)
	}
	if resumed.Status != audit.RunStatusRunning || resumed.CompletedAt != nil {
		t.Errorf("unexpected resumed run: %+v", resumed)
	}
	if _, err := s.ResumeRun(ctx, "missing"); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListAndDeleteRuns(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	for _, id := range []string{"r1", "r2", "r3"} {
		if _, err := s.BeginRun(ctx, audit.BeginRunRequest{RunID: id}); err != nil {
			t.Fatalf("BeginRun failed: %v", err)
		}
	}
	runs, err := s.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "r3" || runs[1].RunID != "r2" {
		t.Errorf("expected newest first, got %+v", runs)
	}
	all, _ := s.ListRuns(ctx, 0)
	if len(all) != 3 {
		t.Errorf("expected every run without a limit, got %d", len(all))
	}

	if err := s.SaveCheckpoint(ctx, &checkpoint.Checkpoint{CheckpointID: "c1", RunID: "r1", SequenceNumber: 1}); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	if err := s.DeleteRun(ctx, "r1"); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	if _, err := s.GetRun(ctx, "r1"); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("expected deleted run to be gone, got %v", err)
	}
	if _, err := s.LatestCheckpoint(ctx, "r1"); !errors.Is(err, checkpoint.ErrNoCheckpoint) {
		t.Errorf("expected checkpoints to be deleted, got %v", err)
	}
	if err := s.DeleteRun(ctx, "r1"); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCheckpoints(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	if _, err := s.LatestCheckpoint(ctx, "run"); !errors.Is(err, checkpoint.ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}

	for _, seq := range []int64{3, 7, 5} {
		cp := &checkpoint.Checkpoint{
			CheckpointID:   "cp",
			RunID:          "run",
			TokenID:        "tok",
			NodeID:         "sink-1",
			SequenceNumber: seq,
			FormatVersion:  checkpoint.FormatVersion,
			CreatedAt:      time.Now().UTC(),
		}
		if err := s.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatalf("SaveCheckpoint failed: %v", err)
		}
	}

	latest, err := s.LatestCheckpoint(ctx, "run")
	if err != nil {
		t.Fatalf("LatestCheckpoint failed: %v", err)
	}
	if latest.SequenceNumber != 7 || latest.NodeID != "sink-1" || latest.FormatVersion != checkpoint.FormatVersion {
		t.Errorf("unexpected latest checkpoint: %+v", latest)
	}
	if n, _ := s.CheckpointCount(ctx, "run"); n != 3 {
		t.Errorf("expected 3 checkpoints, got %d", n)
	}

	if err := s.DeleteCheckpoints(ctx, "run"); err != nil {
		t.Fatalf("DeleteCheckpoints failed: %v", err)
	}
	if n, _ := s.CheckpointCount(ctx, "run"); n != 0 {
		t.Errorf("expected no checkpoints after delete, got %d", n)
	}
}
