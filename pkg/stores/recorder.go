package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/rowforge/pkg/audit"
	"github.com/openfroyo/rowforge/pkg/contracts"
)

// BeginRun implements audit.Recorder.
func (s *SQLiteStore) BeginRun(ctx context.Context, req audit.BeginRunRequest) (*audit.Run, error) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	run := &audit.Run{
		RunID:            runID,
		Status:           audit.RunStatusRunning,
		ConfigHash:       req.ConfigHash,
		CanonicalVersion: audit.CanonicalVersion,
		Contract:         req.Contract,
		StartedAt:        time.Now().UTC(),
	}
	if len(req.Settings) > 0 {
		run.Settings = json.RawMessage(append([]byte(nil), req.Settings...))
	}

	settings, err := encodeJSON(run.Settings)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	contract, err := encodeContract(req.Contract)
	if err != nil {
		return nil, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		dup, err := exists(ctx, tx, `SELECT 1 FROM runs WHERE run_id = ?`, runID)
		if err != nil {
			return fmt.Errorf("failed to check run: %w", err)
		}
		if dup {
			return fmt.Errorf("run %s already exists", runID)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO runs (run_id, status, config_hash, settings, canonical_version, contract, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.Status, run.ConfigHash, settings, run.CanonicalVersion, contract, toNanos(run.StartedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ResumeRun implements audit.Recorder.
func (s *SQLiteStore) ResumeRun(ctx context.Context, runID string) (*audit.Run, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = NULL WHERE run_id = ?`,
		audit.RunStatusRunning, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to resume run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, audit.ErrNotFound)
	}
	return s.GetRun(ctx, runID)
}

// RegisterNode implements audit.Recorder. Registering a node twice is a
// no-op.
func (s *SQLiteStore) RegisterNode(ctx context.Context, node *audit.Node) error {
	cfg, err := encodeJSON(node.Config)
	if err != nil {
		return fmt.Errorf("encode node config: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := require(ctx, tx, fmt.Sprintf("register node %s: run %s", node.NodeID, node.RunID),
			`SELECT 1 FROM runs WHERE run_id = ?`, node.RunID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO nodes (run_id, node_id, plugin_name, node_type, config, config_hash, sequence)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, node_id) DO NOTHING`,
			node.RunID, node.NodeID, node.PluginName, node.NodeType, cfg, node.ConfigHash, node.Sequence,
		)
		if err != nil {
			return fmt.Errorf("failed to register node: %w", err)
		}
		return nil
	})
}

// RegisterEdge implements audit.Recorder. Both endpoints must be
// registered.
func (s *SQLiteStore) RegisterEdge(ctx context.Context, edge *audit.Edge) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM nodes WHERE run_id = ? AND node_id IN (?, ?)`,
			edge.RunID, edge.FromNodeID, edge.ToNodeID,
		).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to check edge endpoints: %w", err)
		}
		want := 2
		if edge.FromNodeID == edge.ToNodeID {
			want = 1
		}
		if n != want {
			return fmt.Errorf("register edge %s: endpoint not registered: %w", edge.EdgeID, audit.ErrNotFound)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO edges (run_id, edge_id, from_node_id, to_node_id, label, mode)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, edge_id) DO NOTHING`,
			edge.RunID, edge.EdgeID, edge.FromNodeID, edge.ToNodeID, edge.Label, edge.Mode,
		)
		if err != nil {
			return fmt.Errorf("failed to register edge: %w", err)
		}
		return nil
	})
}

// CreateRow implements audit.Recorder.
func (s *SQLiteStore) CreateRow(ctx context.Context, runID, sourceNodeID string, rowIndex int, data map[string]interface{}) (*audit.Row, error) {
	hash, err := audit.StableHash(audit.DomainRow, data)
	if err != nil {
		return nil, fmt.Errorf("hash row %d: %w", rowIndex, err)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode row %d: %w", rowIndex, err)
	}

	row := &audit.Row{
		RowID:        uuid.New().String(),
		RunID:        runID,
		SourceNodeID: sourceNodeID,
		RowIndex:     rowIndex,
		DataHash:     hash,
		Data:         contracts.DeepCopyMap(data),
		CreatedAt:    time.Now().UTC(),
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := require(ctx, tx, "create row: run "+runID, `SELECT 1 FROM runs WHERE run_id = ?`, runID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO source_rows (row_id, run_id, source_node_id, row_index, data_hash, data, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			row.RowID, row.RunID, row.SourceNodeID, row.RowIndex, row.DataHash, string(payload), toNanos(row.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create row: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// CreateToken implements audit.Recorder.
func (s *SQLiteStore) CreateToken(ctx context.Context, req audit.NewToken) (*audit.Token, error) {
	var tok *audit.Token
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := require(ctx, tx, "create token: row "+req.RowID, `SELECT 1 FROM source_rows WHERE row_id = ?`, req.RowID); err != nil {
			return err
		}
		for _, p := range req.Parents {
			if err := requireToken(ctx, tx, "create token: parent "+p, p); err != nil {
				return err
			}
		}
		var err error
		tok, err = insertToken(ctx, tx, audit.Token{
			RunID:          req.RunID,
			RowID:          req.RowID,
			BranchName:     req.BranchName,
			StepInPipeline: req.StepInPipeline,
		}, req.Parents)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// ForkToken implements audit.Recorder.
func (s *SQLiteStore) ForkToken(ctx context.Context, parent *audit.Token, branches []string, stepInPipeline int) ([]audit.Token, string, error) {
	if len(branches) == 0 {
		return nil, "", fmt.Errorf("fork token %s: no branches", parent.TokenID)
	}

	groupID := uuid.New().String()
	children := make([]audit.Token, 0, len(branches))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireToken(ctx, tx, "fork token: parent "+parent.TokenID, parent.TokenID); err != nil {
			return err
		}
		for _, branch := range branches {
			tok, err := insertToken(ctx, tx, audit.Token{
				RunID:          parent.RunID,
				RowID:          parent.RowID,
				BranchName:     branch,
				ForkGroupID:    groupID,
				StepInPipeline: stepInPipeline,
			}, []string{parent.TokenID})
			if err != nil {
				return err
			}
			children = append(children, *tok)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return children, groupID, nil
}

// ExpandToken implements audit.Recorder.
func (s *SQLiteStore) ExpandToken(ctx context.Context, parent *audit.Token, count, stepInPipeline int) ([]audit.Token, string, error) {
	if count <= 0 {
		return nil, "", fmt.Errorf("expand token %s: count must be positive", parent.TokenID)
	}

	groupID := uuid.New().String()
	children := make([]audit.Token, 0, count)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireToken(ctx, tx, "expand token: parent "+parent.TokenID, parent.TokenID); err != nil {
			return err
		}
		for i := 0; i < count; i++ {
			tok, err := insertToken(ctx, tx, audit.Token{
				RunID:          parent.RunID,
				RowID:          parent.RowID,
				BranchName:     parent.BranchName,
				ExpandGroupID:  groupID,
				StepInPipeline: stepInPipeline,
			}, []string{parent.TokenID})
			if err != nil {
				return err
			}
			children = append(children, *tok)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return children, groupID, nil
}

// CoalesceTokens implements audit.Recorder.
func (s *SQLiteStore) CoalesceTokens(ctx context.Context, parents []audit.Token, branchName string, stepInPipeline int) (*audit.Token, error) {
	if len(parents) == 0 {
		return nil, fmt.Errorf("coalesce tokens: no parents")
	}

	ids := make([]string, 0, len(parents))
	for _, p := range parents {
		ids = append(ids, p.TokenID)
	}

	var tok *audit.Token
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if err := requireToken(ctx, tx, "coalesce tokens: parent "+id, id); err != nil {
				return err
			}
		}
		var err error
		tok, err = insertToken(ctx, tx, audit.Token{
			RunID:          parents[0].RunID,
			RowID:          parents[0].RowID,
			BranchName:     branchName,
			JoinGroupID:    uuid.New().String(),
			StepInPipeline: stepInPipeline,
		}, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tok, nil
}

func requireToken(ctx context.Context, q queryer, what, tokenID string) error {
	return require(ctx, q, what, `SELECT 1 FROM tokens WHERE token_id = ?`, tokenID)
}

// insertToken assigns an id, stores the token and records its parent links.
func insertToken(ctx context.Context, q queryer, t audit.Token, parents []string) (*audit.Token, error) {
	t.TokenID = uuid.New().String()
	t.CreatedAt = time.Now().UTC()

	_, err := q.ExecContext(ctx, `
		INSERT INTO tokens (token_id, row_id, run_id, branch_name, fork_group_id, expand_group_id, join_group_id, step_in_pipeline, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TokenID, t.RowID, t.RunID, t.BranchName, t.ForkGroupID, t.ExpandGroupID, t.JoinGroupID, t.StepInPipeline, toNanos(t.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token: %w", err)
	}
	for i, p := range parents {
		_, err := q.ExecContext(ctx,
			`INSERT INTO token_parents (token_id, parent_token_id, ordinal) VALUES (?, ?, ?)`,
			t.TokenID, p, i,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to link token parent: %w", err)
		}
	}
	return &t, nil
}

// BeginNodeState implements audit.Recorder.
func (s *SQLiteStore) BeginNodeState(ctx context.Context, req audit.BeginNodeStateRequest) (*audit.NodeState, error) {
	hash, err := audit.StableHash(audit.DomainState, req.Input)
	if err != nil {
		return nil, fmt.Errorf("hash node input: %w", err)
	}

	state := &audit.NodeState{
		StateID:   uuid.New().String(),
		RunID:     req.RunID,
		TokenID:   req.TokenID,
		NodeID:    req.NodeID,
		StepIndex: req.StepIndex,
		Attempt:   req.Attempt,
		Status:    audit.NodeStateOpen,
		InputHash: hash,
		StartedAt: time.Now().UTC(),
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireToken(ctx, tx, "begin node state: token "+req.TokenID, req.TokenID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO node_states (state_id, run_id, token_id, node_id, step_index, attempt, status, input_hash, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			state.StateID, state.RunID, state.TokenID, state.NodeID, state.StepIndex, state.Attempt,
			state.Status, state.InputHash, toNanos(state.StartedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to begin node state: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// CompleteNodeState implements audit.Recorder. A state that already
// reached a terminal status cannot change again.
func (s *SQLiteStore) CompleteNodeState(ctx context.Context, stateID string, req audit.CompleteNodeStateRequest) (*audit.NodeState, error) {
	if req.Status == audit.NodeStateOpen {
		return nil, fmt.Errorf("complete node state %s: status must not be open", stateID)
	}

	var outputHash string
	if req.Status == audit.NodeStateCompleted {
		h, err := audit.StableHash(audit.DomainState, req.Output)
		if err != nil {
			return nil, fmt.Errorf("hash node output: %w", err)
		}
		outputHash = h
	}
	errJSON, err := encodeJSON(req.Error)
	if err != nil {
		return nil, fmt.Errorf("encode node error: %w", err)
	}
	ctxJSON, err := encodeJSON(req.Context)
	if err != nil {
		return nil, fmt.Errorf("encode node context: %w", err)
	}

	var state *audit.NodeState
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanNodeState(tx.QueryRowContext(ctx, selectNodeState+` WHERE state_id = ?`, stateID))
		if err != nil {
			return notFound(err, "complete node state: "+stateID)
		}
		if current.Status.IsTerminal() {
			return fmt.Errorf("complete node state %s: already %s", stateID, current.Status)
		}

		var completedAt *time.Time
		if req.Status.IsTerminal() {
			now := time.Now().UTC()
			completedAt = &now
		}
		durationMs := float64(req.Duration.Microseconds()) / 1000

		_, err = tx.ExecContext(ctx, `
			UPDATE node_states
			SET status = ?, output_hash = ?, error = ?, context = ?, completed_at = ?, duration_ms = ?
			WHERE state_id = ?`,
			req.Status, outputHash, errJSON, ctxJSON, toNullNanos(completedAt), durationMs, stateID,
		)
		if err != nil {
			return fmt.Errorf("failed to complete node state: %w", err)
		}

		current.Status = req.Status
		current.OutputHash = outputHash
		current.Error = req.Error
		current.Context = req.Context
		current.CompletedAt = completedAt
		current.DurationMs = durationMs
		state = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// RecordRoutingEvent implements audit.Recorder.
func (s *SQLiteStore) RecordRoutingEvent(ctx context.Context, stateID string, route audit.Route, reason map[string]interface{}) (*audit.RoutingEvent, error) {
	events, err := s.RecordRoutingEvents(ctx, stateID, []audit.Route{route}, reason)
	if err != nil {
		return nil, err
	}
	return &events[0], nil
}

// RecordRoutingEvents implements audit.Recorder. Every route must name a
// registered edge of the state's run.
func (s *SQLiteStore) RecordRoutingEvents(ctx context.Context, stateID string, routes []audit.Route, reason map[string]interface{}) ([]audit.RoutingEvent, error) {
	if len(routes) == 0 {
		return nil, fmt.Errorf("record routing events: no routes")
	}
	reasonJSON, err := encodeJSON(reason)
	if err != nil {
		return nil, fmt.Errorf("encode routing reason: %w", err)
	}

	groupID := uuid.New().String()
	now := time.Now().UTC()
	events := make([]audit.RoutingEvent, 0, len(routes))

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var runID string
		err := tx.QueryRowContext(ctx, `SELECT run_id FROM node_states WHERE state_id = ?`, stateID).Scan(&runID)
		if err != nil {
			return notFound(err, "record routing events: state "+stateID)
		}
		for _, r := range routes {
			if err := require(ctx, tx, "record routing events: edge "+r.EdgeID,
				`SELECT 1 FROM edges WHERE run_id = ? AND edge_id = ?`, runID, r.EdgeID); err != nil {
				return err
			}
		}
		for i, r := range routes {
			ev := audit.RoutingEvent{
				EventID:        uuid.New().String(),
				StateID:        stateID,
				EdgeID:         r.EdgeID,
				RoutingGroupID: groupID,
				Ordinal:        i,
				Mode:           r.Mode,
				Reason:         reason,
				CreatedAt:      now,
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO routing_events (event_id, state_id, edge_id, routing_group_id, ordinal, mode, reason, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				ev.EventID, ev.StateID, ev.EdgeID, ev.RoutingGroupID, ev.Ordinal, ev.Mode, reasonJSON, toNanos(now),
			)
			if err != nil {
				return fmt.Errorf("failed to record routing event: %w", err)
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// CreateBatch implements audit.Recorder.
func (s *SQLiteStore) CreateBatch(ctx context.Context, runID, aggregationNodeID string, attempt int) (*audit.Batch, error) {
	batch := &audit.Batch{
		BatchID:           uuid.New().String(),
		RunID:             runID,
		AggregationNodeID: aggregationNodeID,
		Attempt:           attempt,
		Status:            audit.BatchStatusDraft,
		CreatedAt:         time.Now().UTC(),
	}
	if err := insertBatch(ctx, s.db, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

func insertBatch(ctx context.Context, q queryer, b *audit.Batch) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO batches (batch_id, run_id, aggregation_node_id, attempt, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.BatchID, b.RunID, b.AggregationNodeID, b.Attempt, b.Status, toNanos(b.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

// AddBatchMember implements audit.Recorder.
func (s *SQLiteStore) AddBatchMember(ctx context.Context, batchID, tokenID string, ordinal int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := require(ctx, tx, "add batch member: batch "+batchID, `SELECT 1 FROM batches WHERE batch_id = ?`, batchID); err != nil {
			return err
		}
		if err := requireToken(ctx, tx, "add batch member: token "+tokenID, tokenID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO batch_members (batch_id, token_id, ordinal) VALUES (?, ?, ?)`,
			batchID, tokenID, ordinal,
		)
		if err != nil {
			return fmt.Errorf("failed to add batch member: %w", err)
		}
		return nil
	})
}

// UpdateBatchStatus implements audit.Recorder. Empty triggerReason and
// stateID leave the stored values unchanged.
func (s *SQLiteStore) UpdateBatchStatus(ctx context.Context, batchID string, status audit.BatchStatus, triggerReason, stateID string) error {
	var completedAt *time.Time
	if status.IsTerminal() {
		now := time.Now().UTC()
		completedAt = &now
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE batches
		SET status = ?,
		    trigger_reason = CASE WHEN ? = '' THEN trigger_reason ELSE ? END,
		    state_id = CASE WHEN ? = '' THEN state_id ELSE ? END,
		    completed_at = COALESCE(?, completed_at)
		WHERE batch_id = ?`,
		status, triggerReason, triggerReason, stateID, stateID, toNullNanos(completedAt), batchID,
	)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update batch: %s: %w", batchID, audit.ErrNotFound)
	}
	return nil
}

// RetryBatch implements audit.Recorder. Only failed batches can be retried;
// the new batch copies the members of the old one.
func (s *SQLiteStore) RetryBatch(ctx context.Context, batchID string) (*audit.Batch, error) {
	var batch *audit.Batch
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		old, err := scanBatch(tx.QueryRowContext(ctx, selectBatch+` WHERE batch_id = ?`, batchID))
		if err != nil {
			return notFound(err, "retry batch: "+batchID)
		}
		if old.Status != audit.BatchStatusFailed {
			return fmt.Errorf("retry batch %s: status is %s, only failed batches can be retried", batchID, old.Status)
		}

		batch = &audit.Batch{
			BatchID:           uuid.New().String(),
			RunID:             old.RunID,
			AggregationNodeID: old.AggregationNodeID,
			Attempt:           old.Attempt + 1,
			Status:            audit.BatchStatusDraft,
			CreatedAt:         time.Now().UTC(),
		}
		if err := insertBatch(ctx, tx, batch); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO batch_members (batch_id, token_id, ordinal)
			SELECT ?, token_id, ordinal FROM batch_members WHERE batch_id = ? ORDER BY rowid`,
			batch.BatchID, batchID,
		)
		if err != nil {
			return fmt.Errorf("failed to copy batch members: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// RegisterArtifact implements audit.Recorder.
func (s *SQLiteStore) RegisterArtifact(ctx context.Context, artifact *audit.Artifact) (*audit.Artifact, error) {
	a := *artifact
	if a.ArtifactID == "" {
		a.ArtifactID = uuid.New().String()
	}
	a.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (artifact_id, run_id, sink_node_id, state_id, artifact_type, path_or_uri, content_hash, size_bytes, row_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ArtifactID, a.RunID, a.SinkNodeID, a.StateID, a.ArtifactType, a.PathOrURI, a.ContentHash, a.SizeBytes, a.RowCount, toNanos(a.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register artifact: %w", err)
	}
	return &a, nil
}

// RecordTokenOutcome implements audit.Recorder. A token has at most one
// outcome.
func (s *SQLiteStore) RecordTokenOutcome(ctx context.Context, outcome *audit.TokenOutcome) error {
	if err := outcome.Outcome.Validate(); err != nil {
		return err
	}
	ctxJSON, err := encodeJSON(outcome.Context)
	if err != nil {
		return fmt.Errorf("encode outcome context: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireToken(ctx, tx, "record outcome: token "+outcome.TokenID, outcome.TokenID); err != nil {
			return err
		}
		var existing audit.RowOutcome
		err := tx.QueryRowContext(ctx, `SELECT outcome FROM token_outcomes WHERE token_id = ?`, outcome.TokenID).Scan(&existing)
		if err == nil {
			return fmt.Errorf("record outcome: token %s already has outcome %s", outcome.TokenID, existing)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check outcome: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO token_outcomes (outcome_id, run_id, token_id, outcome, sink_name, batch_id, fork_group_id, join_group_id, expand_group_id, context, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), outcome.RunID, outcome.TokenID, outcome.Outcome, outcome.SinkName,
			outcome.BatchID, outcome.ForkGroupID, outcome.JoinGroupID, outcome.ExpandGroupID,
			ctxJSON, toNanos(time.Now().UTC()),
		)
		if err != nil {
			return fmt.Errorf("failed to record outcome: %w", err)
		}
		return nil
	})
}

// FinalizeRun implements audit.Recorder.
func (s *SQLiteStore) FinalizeRun(ctx context.Context, runID string, status audit.RunStatus) (*audit.Run, error) {
	if err := status.Validate(); err != nil {
		return nil, err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ? WHERE run_id = ?`,
		status, toNanos(time.Now().UTC()), runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("finalize run: %s: %w", runID, audit.ErrNotFound)
	}
	return s.GetRun(ctx, runID)
}

// GetRunContract implements audit.Recorder. It returns nil when the run
// has no contract yet.
func (s *SQLiteStore) GetRunContract(ctx context.Context, runID string) (*contracts.SchemaContract, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT contract FROM runs WHERE run_id = ?`, runID).Scan(&raw)
	if err != nil {
		return nil, notFound(err, "get run contract: "+runID)
	}
	return decodeContract(raw)
}

// UpdateRunContract implements audit.Recorder.
func (s *SQLiteStore) UpdateRunContract(ctx context.Context, runID string, contract *contracts.SchemaContract) error {
	raw, err := encodeContract(contract)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `UPDATE runs SET contract = ? WHERE run_id = ?`, raw, runID)
	if err != nil {
		return fmt.Errorf("failed to update run contract: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update run contract: %s: %w", runID, audit.ErrNotFound)
	}
	return nil
}

func encodeContract(c *contracts.SchemaContract) (sql.NullString, error) {
	if c == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode contract: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeContract(raw sql.NullString) (*contracts.SchemaContract, error) {
	if !raw.Valid {
		return nil, nil
	}
	var c contracts.SchemaContract
	if err := json.Unmarshal([]byte(raw.String), &c); err != nil {
		return nil, fmt.Errorf("decode contract: %w", err)
	}
	return &c, nil
}
