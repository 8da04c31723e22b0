package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/rowforge/pkg/contracts"
)

// MemoryStore is an in-process Store. It keeps the whole trail in maps
// guarded by one mutex and is used by tests and dry runs.
type MemoryStore struct {
	mu sync.RWMutex

	runs      map[string]*Run
	runOrder  []string
	nodes     map[string][]Node
	edges     map[string][]Edge
	rows      map[string]*Row
	runRows   map[string][]string
	tokens    map[string]*Token
	rowTokens map[string][]string
	parents   map[string][]TokenParent
	states    map[string]*NodeState
	tokStates map[string][]string
	routing   map[string][]RoutingEvent
	batches   map[string]*Batch
	members   map[string][]BatchMember
	artifacts map[string][]Artifact
	outcomes  map[string]*TokenOutcome
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*Run),
		nodes:     make(map[string][]Node),
		edges:     make(map[string][]Edge),
		rows:      make(map[string]*Row),
		runRows:   make(map[string][]string),
		tokens:    make(map[string]*Token),
		rowTokens: make(map[string][]string),
		parents:   make(map[string][]TokenParent),
		states:    make(map[string]*NodeState),
		tokStates: make(map[string][]string),
		routing:   make(map[string][]RoutingEvent),
		batches:   make(map[string]*Batch),
		members:   make(map[string][]BatchMember),
		artifacts: make(map[string][]Artifact),
		outcomes:  make(map[string]*TokenOutcome),
	}
}

// BeginRun implements Recorder.
func (s *MemoryStore) BeginRun(ctx context.Context, req BeginRunRequest) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	if _, exists := s.runs[runID]; exists {
		return nil, fmt.Errorf("run %s already exists", runID)
	}

	run := &Run{
		RunID:            runID,
		Status:           RunStatusRunning,
		ConfigHash:       req.ConfigHash,
		Settings:         req.Settings,
		CanonicalVersion: CanonicalVersion,
		Contract:         req.Contract,
		StartedAt:        time.Now().UTC(),
	}
	s.runs[runID] = run
	s.runOrder = append(s.runOrder, runID)

	out := *run
	return &out, nil
}

// ResumeRun implements Recorder.
func (s *MemoryStore) ResumeRun(ctx context.Context, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	run.Status = RunStatusRunning
	run.CompletedAt = nil

	out := *run
	return &out, nil
}

// RegisterNode implements Recorder.
func (s *MemoryStore) RegisterNode(ctx context.Context, node *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[node.RunID]; !ok {
		return fmt.Errorf("register node %s: run %s: %w", node.NodeID, node.RunID, ErrNotFound)
	}
	for _, n := range s.nodes[node.RunID] {
		if n.NodeID == node.NodeID {
			return nil
		}
	}
	s.nodes[node.RunID] = append(s.nodes[node.RunID], *node)
	return nil
}

// RegisterEdge implements Recorder.
func (s *MemoryStore) RegisterEdge(ctx context.Context, edge *Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasNode(edge.RunID, edge.FromNodeID) || !s.hasNode(edge.RunID, edge.ToNodeID) {
		return fmt.Errorf("register edge %s: endpoint not registered: %w", edge.EdgeID, ErrNotFound)
	}
	for _, e := range s.edges[edge.RunID] {
		if e.EdgeID == edge.EdgeID {
			return nil
		}
	}
	s.edges[edge.RunID] = append(s.edges[edge.RunID], *edge)
	return nil
}

func (s *MemoryStore) hasNode(runID, nodeID string) bool {
	for _, n := range s.nodes[runID] {
		if n.NodeID == nodeID {
			return true
		}
	}
	return false
}

// CreateRow implements Recorder.
func (s *MemoryStore) CreateRow(ctx context.Context, runID, sourceNodeID string, rowIndex int, data map[string]interface{}) (*Row, error) {
	hash, err := StableHash(DomainRow, data)
	if err != nil {
		return nil, fmt.Errorf("hash row %d: %w", rowIndex, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, fmt.Errorf("create row: run %s: %w", runID, ErrNotFound)
	}

	row := &Row{
		RowID:        uuid.New().String(),
		RunID:        runID,
		SourceNodeID: sourceNodeID,
		RowIndex:     rowIndex,
		DataHash:     hash,
		Data:         contracts.DeepCopyMap(data),
		CreatedAt:    time.Now().UTC(),
	}
	s.rows[row.RowID] = row
	s.runRows[runID] = append(s.runRows[runID], row.RowID)

	out := *row
	return &out, nil
}

// CreateToken implements Recorder.
func (s *MemoryStore) CreateToken(ctx context.Context, req NewToken) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[req.RowID]; !ok {
		return nil, fmt.Errorf("create token: row %s: %w", req.RowID, ErrNotFound)
	}
	for _, p := range req.Parents {
		if _, ok := s.tokens[p]; !ok {
			return nil, fmt.Errorf("create token: parent %s: %w", p, ErrNotFound)
		}
	}

	tok := s.insertToken(Token{
		RunID:          req.RunID,
		RowID:          req.RowID,
		BranchName:     req.BranchName,
		StepInPipeline: req.StepInPipeline,
	}, req.Parents)

	out := *tok
	return &out, nil
}

// insertToken assigns an id, records the parent links and stores the token.
// Callers hold the write lock.
func (s *MemoryStore) insertToken(t Token, parents []string) *Token {
	t.TokenID = uuid.New().String()
	t.CreatedAt = time.Now().UTC()
	for i, p := range parents {
		s.parents[t.TokenID] = append(s.parents[t.TokenID], TokenParent{
			TokenID:       t.TokenID,
			ParentTokenID: p,
			Ordinal:       i,
		})
	}
	tok := &t
	s.tokens[t.TokenID] = tok
	s.rowTokens[t.RowID] = append(s.rowTokens[t.RowID], t.TokenID)
	return tok
}

// ForkToken implements Recorder.
func (s *MemoryStore) ForkToken(ctx context.Context, parent *Token, branches []string, stepInPipeline int) ([]Token, string, error) {
	if len(branches) == 0 {
		return nil, "", fmt.Errorf("fork token %s: no branches", parent.TokenID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[parent.TokenID]; !ok {
		return nil, "", fmt.Errorf("fork token: parent %s: %w", parent.TokenID, ErrNotFound)
	}

	groupID := uuid.New().String()
	children := make([]Token, 0, len(branches))
	for _, branch := range branches {
		tok := s.insertToken(Token{
			RunID:          parent.RunID,
			RowID:          parent.RowID,
			BranchName:     branch,
			ForkGroupID:    groupID,
			StepInPipeline: stepInPipeline,
		}, []string{parent.TokenID})
		children = append(children, *tok)
	}
	return children, groupID, nil
}

// ExpandToken implements Recorder.
func (s *MemoryStore) ExpandToken(ctx context.Context, parent *Token, count, stepInPipeline int) ([]Token, string, error) {
	if count <= 0 {
		return nil, "", fmt.Errorf("expand token %s: count must be positive", parent.TokenID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[parent.TokenID]; !ok {
		return nil, "", fmt.Errorf("expand token: parent %s: %w", parent.TokenID, ErrNotFound)
	}

	groupID := uuid.New().String()
	children := make([]Token, 0, count)
	for i := 0; i < count; i++ {
		tok := s.insertToken(Token{
			RunID:          parent.RunID,
			RowID:          parent.RowID,
			BranchName:     parent.BranchName,
			ExpandGroupID:  groupID,
			StepInPipeline: stepInPipeline,
		}, []string{parent.TokenID})
		children = append(children, *tok)
	}
	return children, groupID, nil
}

// CoalesceTokens implements Recorder.
func (s *MemoryStore) CoalesceTokens(ctx context.Context, parents []Token, branchName string, stepInPipeline int) (*Token, error) {
	if len(parents) == 0 {
		return nil, fmt.Errorf("coalesce tokens: no parents")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(parents))
	for _, p := range parents {
		if _, ok := s.tokens[p.TokenID]; !ok {
			return nil, fmt.Errorf("coalesce tokens: parent %s: %w", p.TokenID, ErrNotFound)
		}
		ids = append(ids, p.TokenID)
	}

	tok := s.insertToken(Token{
		RunID:          parents[0].RunID,
		RowID:          parents[0].RowID,
		BranchName:     branchName,
		JoinGroupID:    uuid.New().String(),
		StepInPipeline: stepInPipeline,
	}, ids)

	out := *tok
	return &out, nil
}

// BeginNodeState implements Recorder.
func (s *MemoryStore) BeginNodeState(ctx context.Context, req BeginNodeStateRequest) (*NodeState, error) {
	hash, err := StableHash(DomainState, req.Input)
	if err != nil {
		return nil, fmt.Errorf("hash node input: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[req.TokenID]; !ok {
		return nil, fmt.Errorf("begin node state: token %s: %w", req.TokenID, ErrNotFound)
	}

	state := &NodeState{
		StateID:   uuid.New().String(),
		RunID:     req.RunID,
		TokenID:   req.TokenID,
		NodeID:    req.NodeID,
		StepIndex: req.StepIndex,
		Attempt:   req.Attempt,
		Status:    NodeStateOpen,
		InputHash: hash,
		StartedAt: time.Now().UTC(),
	}
	s.states[state.StateID] = state
	s.tokStates[req.TokenID] = append(s.tokStates[req.TokenID], state.StateID)

	out := *state
	return &out, nil
}

// CompleteNodeState implements Recorder.
func (s *MemoryStore) CompleteNodeState(ctx context.Context, stateID string, req CompleteNodeStateRequest) (*NodeState, error) {
	if req.Status == NodeStateOpen {
		return nil, fmt.Errorf("complete node state %s: status must not be open", stateID)
	}

	var outputHash string
	if req.Status == NodeStateCompleted {
		h, err := StableHash(DomainState, req.Output)
		if err != nil {
			return nil, fmt.Errorf("hash node output: %w", err)
		}
		outputHash = h
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[stateID]
	if !ok {
		return nil, fmt.Errorf("complete node state: %s: %w", stateID, ErrNotFound)
	}
	if state.Status.IsTerminal() {
		return nil, fmt.Errorf("complete node state %s: already %s", stateID, state.Status)
	}

	state.Status = req.Status
	state.OutputHash = outputHash
	state.Error = req.Error
	state.Context = req.Context
	state.DurationMs = float64(req.Duration.Microseconds()) / 1000
	if req.Status.IsTerminal() {
		now := time.Now().UTC()
		state.CompletedAt = &now
	}

	out := *state
	return &out, nil
}

// RecordRoutingEvent implements Recorder.
func (s *MemoryStore) RecordRoutingEvent(ctx context.Context, stateID string, route Route, reason map[string]interface{}) (*RoutingEvent, error) {
	events, err := s.RecordRoutingEvents(ctx, stateID, []Route{route}, reason)
	if err != nil {
		return nil, err
	}
	return &events[0], nil
}

// RecordRoutingEvents implements Recorder.
func (s *MemoryStore) RecordRoutingEvents(ctx context.Context, stateID string, routes []Route, reason map[string]interface{}) ([]RoutingEvent, error) {
	if len(routes) == 0 {
		return nil, fmt.Errorf("record routing events: no routes")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[stateID]
	if !ok {
		return nil, fmt.Errorf("record routing events: state %s: %w", stateID, ErrNotFound)
	}
	for _, r := range routes {
		if !s.hasEdge(state.RunID, r.EdgeID) {
			return nil, fmt.Errorf("record routing events: edge %s: %w", r.EdgeID, ErrNotFound)
		}
	}

	groupID := uuid.New().String()
	now := time.Now().UTC()
	events := make([]RoutingEvent, 0, len(routes))
	for i, r := range routes {
		events = append(events, RoutingEvent{
			EventID:        uuid.New().String(),
			StateID:        stateID,
			EdgeID:         r.EdgeID,
			RoutingGroupID: groupID,
			Ordinal:        i,
			Mode:           r.Mode,
			Reason:         reason,
			CreatedAt:      now,
		})
	}
	s.routing[stateID] = append(s.routing[stateID], events...)
	return events, nil
}

func (s *MemoryStore) hasEdge(runID, edgeID string) bool {
	for _, e := range s.edges[runID] {
		if e.EdgeID == edgeID {
			return true
		}
	}
	return false
}

// CreateBatch implements Recorder.
func (s *MemoryStore) CreateBatch(ctx context.Context, runID, aggregationNodeID string, attempt int) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := &Batch{
		BatchID:           uuid.New().String(),
		RunID:             runID,
		AggregationNodeID: aggregationNodeID,
		Attempt:           attempt,
		Status:            BatchStatusDraft,
		CreatedAt:         time.Now().UTC(),
	}
	s.batches[batch.BatchID] = batch

	out := *batch
	return &out, nil
}

// AddBatchMember implements Recorder.
func (s *MemoryStore) AddBatchMember(ctx context.Context, batchID, tokenID string, ordinal int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[batchID]; !ok {
		return fmt.Errorf("add batch member: batch %s: %w", batchID, ErrNotFound)
	}
	if _, ok := s.tokens[tokenID]; !ok {
		return fmt.Errorf("add batch member: token %s: %w", tokenID, ErrNotFound)
	}
	s.members[batchID] = append(s.members[batchID], BatchMember{
		BatchID: batchID,
		TokenID: tokenID,
		Ordinal: ordinal,
	})
	return nil
}

// UpdateBatchStatus implements Recorder.
func (s *MemoryStore) UpdateBatchStatus(ctx context.Context, batchID string, status BatchStatus, triggerReason, stateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return fmt.Errorf("update batch: %s: %w", batchID, ErrNotFound)
	}
	batch.Status = status
	if triggerReason != "" {
		batch.TriggerReason = triggerReason
	}
	if stateID != "" {
		batch.StateID = stateID
	}
	if status.IsTerminal() {
		now := time.Now().UTC()
		batch.CompletedAt = &now
	}
	return nil
}

// RetryBatch implements Recorder.
func (s *MemoryStore) RetryBatch(ctx context.Context, batchID string) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("retry batch: %s: %w", batchID, ErrNotFound)
	}
	if old.Status != BatchStatusFailed {
		return nil, fmt.Errorf("retry batch %s: status is %s, only failed batches can be retried", batchID, old.Status)
	}

	batch := &Batch{
		BatchID:           uuid.New().String(),
		RunID:             old.RunID,
		AggregationNodeID: old.AggregationNodeID,
		Attempt:           old.Attempt + 1,
		Status:            BatchStatusDraft,
		CreatedAt:         time.Now().UTC(),
	}
	s.batches[batch.BatchID] = batch
	for _, m := range s.members[batchID] {
		s.members[batch.BatchID] = append(s.members[batch.BatchID], BatchMember{
			BatchID: batch.BatchID,
			TokenID: m.TokenID,
			Ordinal: m.Ordinal,
		})
	}

	out := *batch
	return &out, nil
}

// RegisterArtifact implements Recorder.
func (s *MemoryStore) RegisterArtifact(ctx context.Context, artifact *Artifact) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := *artifact
	if a.ArtifactID == "" {
		a.ArtifactID = uuid.New().String()
	}
	a.CreatedAt = time.Now().UTC()
	s.artifacts[a.RunID] = append(s.artifacts[a.RunID], a)
	return &a, nil
}

// RecordTokenOutcome implements Recorder.
func (s *MemoryStore) RecordTokenOutcome(ctx context.Context, outcome *TokenOutcome) error {
	if err := outcome.Outcome.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[outcome.TokenID]; !ok {
		return fmt.Errorf("record outcome: token %s: %w", outcome.TokenID, ErrNotFound)
	}
	if existing, ok := s.outcomes[outcome.TokenID]; ok {
		return fmt.Errorf("record outcome: token %s already has outcome %s", outcome.TokenID, existing.Outcome)
	}

	o := *outcome
	o.OutcomeID = uuid.New().String()
	o.RecordedAt = time.Now().UTC()
	s.outcomes[o.TokenID] = &o
	return nil
}

// FinalizeRun implements Recorder.
func (s *MemoryStore) FinalizeRun(ctx context.Context, runID string, status RunStatus) (*Run, error) {
	if err := status.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("finalize run: %s: %w", runID, ErrNotFound)
	}
	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now

	out := *run
	return &out, nil
}

// GetRunContract implements Recorder.
func (s *MemoryStore) GetRunContract(ctx context.Context, runID string) (*contracts.SchemaContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("get run contract: %s: %w", runID, ErrNotFound)
	}
	return run.Contract, nil
}

// UpdateRunContract implements Recorder.
func (s *MemoryStore) UpdateRunContract(ctx context.Context, runID string, contract *contracts.SchemaContract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("update run contract: %s: %w", runID, ErrNotFound)
	}
	run.Contract = contract
	return nil
}

// GetRun implements Reader.
func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	out := *run
	return &out, nil
}

// ListRuns implements Reader. Runs are returned newest first.
func (s *MemoryStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]Run, 0, len(s.runOrder))
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		if limit > 0 && len(runs) >= limit {
			break
		}
		runs = append(runs, *s.runs[s.runOrder[i]])
	}
	return runs, nil
}

// GetNodes implements Reader.
func (s *MemoryStore) GetNodes(ctx context.Context, runID string) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Node(nil), s.nodes[runID]...), nil
}

// GetEdges implements Reader.
func (s *MemoryStore) GetEdges(ctx context.Context, runID string) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Edge(nil), s.edges[runID]...), nil
}

// GetRow implements Reader.
func (s *MemoryStore) GetRow(ctx context.Context, rowID string) (*Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[rowID]
	if !ok {
		return nil, fmt.Errorf("row %s: %w", rowID, ErrNotFound)
	}
	out := *row
	out.Data = contracts.DeepCopyMap(row.Data)
	return &out, nil
}

// GetToken implements Reader.
func (s *MemoryStore) GetToken(ctx context.Context, tokenID string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, ok := s.tokens[tokenID]
	if !ok {
		return nil, fmt.Errorf("token %s: %w", tokenID, ErrNotFound)
	}
	out := *tok
	return &out, nil
}

// GetTokensForRow implements Reader.
func (s *MemoryStore) GetTokensForRow(ctx context.Context, rowID string) ([]Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.rowTokens[rowID]
	out := make([]Token, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.tokens[id])
	}
	return out, nil
}

// GetTokenParents implements Reader.
func (s *MemoryStore) GetTokenParents(ctx context.Context, tokenID string) ([]TokenParent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]TokenParent(nil), s.parents[tokenID]...), nil
}

// GetNodeStates implements Reader.
func (s *MemoryStore) GetNodeStates(ctx context.Context, tokenID string) ([]NodeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.tokStates[tokenID]
	out := make([]NodeState, 0, len(ids))
	for _, id := range ids {
		st := *s.states[id]
		if err := CheckIntegrity(&st); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

// GetRoutingEvents implements Reader.
func (s *MemoryStore) GetRoutingEvents(ctx context.Context, stateID string) ([]RoutingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]RoutingEvent(nil), s.routing[stateID]...), nil
}

// GetTokenOutcome implements Reader.
func (s *MemoryStore) GetTokenOutcome(ctx context.Context, tokenID string) (*TokenOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.outcomes[tokenID]
	if !ok {
		return nil, fmt.Errorf("outcome for token %s: %w", tokenID, ErrNotFound)
	}
	out := *o
	return &out, nil
}

// GetIncompleteBatches implements Reader. Failed batches are included because
// they are eligible for retry.
func (s *MemoryStore) GetIncompleteBatches(ctx context.Context, runID string) ([]Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Batch
	for _, b := range s.batches {
		if b.RunID == runID && b.Status != BatchStatusCompleted {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetBatchMembers implements Reader.
func (s *MemoryStore) GetBatchMembers(ctx context.Context, batchID string) ([]BatchMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]BatchMember(nil), s.members[batchID]...), nil
}

// GetArtifacts implements Reader.
func (s *MemoryStore) GetArtifacts(ctx context.Context, runID string) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Artifact(nil), s.artifacts[runID]...), nil
}

// GetUnprocessedRows implements Reader.
func (s *MemoryStore) GetUnprocessedRows(ctx context.Context, runID string, held map[string]bool) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Row
	for _, rowID := range s.runRows[runID] {
		if s.rowProcessed(rowID, held) {
			continue
		}
		row := *s.rows[rowID]
		row.Data = contracts.DeepCopyMap(row.Data)
		out = append(out, row)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RowIndex < out[j].RowIndex })
	return out, nil
}

// GetRows implements Reader.
func (s *MemoryStore) GetRows(ctx context.Context, runID string) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Row, 0, len(s.runRows[runID]))
	for _, rowID := range s.runRows[runID] {
		row := *s.rows[rowID]
		row.Data = contracts.DeepCopyMap(row.Data)
		out = append(out, row)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RowIndex < out[j].RowIndex })
	return out, nil
}

// GetRowCount implements Reader.
func (s *MemoryStore) GetRowCount(ctx context.Context, runID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runRows[runID]), nil
}

func (s *MemoryStore) rowProcessed(rowID string, held map[string]bool) bool {
	ids := s.rowTokens[rowID]
	if len(ids) == 0 {
		return false
	}
	for _, id := range ids {
		if _, ok := s.outcomes[id]; ok || held[id] {
			continue
		}
		return false
	}
	return true
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
