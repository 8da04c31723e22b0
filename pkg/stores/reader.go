package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openfroyo/rowforge/pkg/audit"
)

const (
	selectRun = `
		SELECT run_id, status, config_hash, settings, canonical_version, contract, started_at, completed_at
		FROM runs`

	selectRow = `
		SELECT row_id, run_id, source_node_id, row_index, data_hash, data, created_at
		FROM source_rows`

	selectToken = `
		SELECT token_id, row_id, run_id, branch_name, fork_group_id, expand_group_id, join_group_id, step_in_pipeline, created_at
		FROM tokens`

	selectNodeState = `
		SELECT state_id, run_id, token_id, node_id, step_index, attempt, status, input_hash, output_hash,
		       error, context, started_at, completed_at, duration_ms
		FROM node_states`

	selectBatch = `
		SELECT batch_id, run_id, aggregation_node_id, attempt, status, trigger_reason, state_id, created_at, completed_at
		FROM batches`
)

func scanRun(sc scanner) (*audit.Run, error) {
	var (
		run       audit.Run
		settings  sql.NullString
		contract  sql.NullString
		started   int64
		completed sql.NullInt64
	)
	err := sc.Scan(&run.RunID, &run.Status, &run.ConfigHash, &settings, &run.CanonicalVersion,
		&contract, &started, &completed)
	if err != nil {
		return nil, err
	}
	if settings.Valid {
		run.Settings = json.RawMessage(settings.String)
	}
	c, err := decodeContract(contract)
	if err != nil {
		return nil, err
	}
	run.Contract = c
	run.StartedAt = fromNanos(started)
	run.CompletedAt = fromNullNanos(completed)
	return &run, nil
}

func scanRow(sc scanner) (*audit.Row, error) {
	var (
		row     audit.Row
		data    sql.NullString
		created int64
	)
	err := sc.Scan(&row.RowID, &row.RunID, &row.SourceNodeID, &row.RowIndex, &row.DataHash, &data, &created)
	if err != nil {
		return nil, err
	}
	m, err := decodeMap(data)
	if err != nil {
		return nil, err
	}
	row.Data = m
	row.CreatedAt = fromNanos(created)
	return &row, nil
}

func scanToken(sc scanner) (*audit.Token, error) {
	var (
		tok     audit.Token
		created int64
	)
	err := sc.Scan(&tok.TokenID, &tok.RowID, &tok.RunID, &tok.BranchName, &tok.ForkGroupID,
		&tok.ExpandGroupID, &tok.JoinGroupID, &tok.StepInPipeline, &created)
	if err != nil {
		return nil, err
	}
	tok.CreatedAt = fromNanos(created)
	return &tok, nil
}

func scanNodeState(sc scanner) (*audit.NodeState, error) {
	var (
		st        audit.NodeState
		errJSON   sql.NullString
		ctxJSON   sql.NullString
		started   int64
		completed sql.NullInt64
	)
	err := sc.Scan(&st.StateID, &st.RunID, &st.TokenID, &st.NodeID, &st.StepIndex, &st.Attempt,
		&st.Status, &st.InputHash, &st.OutputHash, &errJSON, &ctxJSON, &started, &completed, &st.DurationMs)
	if err != nil {
		return nil, err
	}
	if st.Error, err = decodeMap(errJSON); err != nil {
		return nil, err
	}
	if st.Context, err = decodeMap(ctxJSON); err != nil {
		return nil, err
	}
	st.StartedAt = fromNanos(started)
	st.CompletedAt = fromNullNanos(completed)
	return &st, nil
}

func scanBatch(sc scanner) (*audit.Batch, error) {
	var (
		b         audit.Batch
		created   int64
		completed sql.NullInt64
	)
	err := sc.Scan(&b.BatchID, &b.RunID, &b.AggregationNodeID, &b.Attempt, &b.Status,
		&b.TriggerReason, &b.StateID, &created, &completed)
	if err != nil {
		return nil, err
	}
	b.CreatedAt = fromNanos(created)
	b.CompletedAt = fromNullNanos(completed)
	return &b, nil
}

// queryAll runs query and scans every result row with scan.
func queryAll[T any](ctx context.Context, q queryer, what string, scan func(scanner) (*T, error), query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", what, err)
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", what, err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", what, err)
	}
	return out, nil
}

// GetRun implements audit.Reader.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*audit.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRun+` WHERE run_id = ?`, runID))
	if err != nil {
		return nil, notFound(err, "run "+runID)
	}
	return run, nil
}

// ListRuns implements audit.Reader. Runs are returned newest first; a
// limit of zero returns every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]audit.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	return queryAll(ctx, s.db, "runs", scanRun, selectRun+` ORDER BY rowid DESC LIMIT ?`, limit)
}

// GetNodes implements audit.Reader.
func (s *SQLiteStore) GetNodes(ctx context.Context, runID string) ([]audit.Node, error) {
	return queryAll(ctx, s.db, "nodes", func(sc scanner) (*audit.Node, error) {
		var (
			n   audit.Node
			cfg sql.NullString
		)
		if err := sc.Scan(&n.NodeID, &n.RunID, &n.PluginName, &n.NodeType, &cfg, &n.ConfigHash, &n.Sequence); err != nil {
			return nil, err
		}
		m, err := decodeMap(cfg)
		if err != nil {
			return nil, err
		}
		n.Config = m
		return &n, nil
	}, `
		SELECT node_id, run_id, plugin_name, node_type, config, config_hash, sequence
		FROM nodes WHERE run_id = ? ORDER BY rowid`, runID)
}

// GetEdges implements audit.Reader.
func (s *SQLiteStore) GetEdges(ctx context.Context, runID string) ([]audit.Edge, error) {
	return queryAll(ctx, s.db, "edges", func(sc scanner) (*audit.Edge, error) {
		var e audit.Edge
		if err := sc.Scan(&e.EdgeID, &e.RunID, &e.FromNodeID, &e.ToNodeID, &e.Label, &e.Mode); err != nil {
			return nil, err
		}
		return &e, nil
	}, `
		SELECT edge_id, run_id, from_node_id, to_node_id, label, mode
		FROM edges WHERE run_id = ? ORDER BY rowid`, runID)
}

// GetRow implements audit.Reader.
func (s *SQLiteStore) GetRow(ctx context.Context, rowID string) (*audit.Row, error) {
	row, err := scanRow(s.db.QueryRowContext(ctx, selectRow+` WHERE row_id = ?`, rowID))
	if err != nil {
		return nil, notFound(err, "row "+rowID)
	}
	return row, nil
}

// GetRows implements audit.Reader.
func (s *SQLiteStore) GetRows(ctx context.Context, runID string) ([]audit.Row, error) {
	return queryAll(ctx, s.db, "rows", scanRow, selectRow+` WHERE run_id = ? ORDER BY row_index, rowid`, runID)
}

// GetRowCount implements audit.Reader.
func (s *SQLiteStore) GetRowCount(ctx context.Context, runID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM source_rows WHERE run_id = ?`, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return n, nil
}

// GetToken implements audit.Reader.
func (s *SQLiteStore) GetToken(ctx context.Context, tokenID string) (*audit.Token, error) {
	tok, err := scanToken(s.db.QueryRowContext(ctx, selectToken+` WHERE token_id = ?`, tokenID))
	if err != nil {
		return nil, notFound(err, "token "+tokenID)
	}
	return tok, nil
}

// GetTokensForRow implements audit.Reader.
func (s *SQLiteStore) GetTokensForRow(ctx context.Context, rowID string) ([]audit.Token, error) {
	return queryAll(ctx, s.db, "tokens", scanToken, selectToken+` WHERE row_id = ? ORDER BY rowid`, rowID)
}

// GetTokenParents implements audit.Reader.
func (s *SQLiteStore) GetTokenParents(ctx context.Context, tokenID string) ([]audit.TokenParent, error) {
	return queryAll(ctx, s.db, "token parents", func(sc scanner) (*audit.TokenParent, error) {
		var p audit.TokenParent
		if err := sc.Scan(&p.TokenID, &p.ParentTokenID, &p.Ordinal); err != nil {
			return nil, err
		}
		return &p, nil
	}, `
		SELECT token_id, parent_token_id, ordinal
		FROM token_parents WHERE token_id = ? ORDER BY ordinal`, tokenID)
}

// GetNodeStates implements audit.Reader. A stored state that violates the
// trail's invariants fails the read with audit.ErrAuditIntegrity.
func (s *SQLiteStore) GetNodeStates(ctx context.Context, tokenID string) ([]audit.NodeState, error) {
	states, err := queryAll(ctx, s.db, "node states", scanNodeState,
		selectNodeState+` WHERE token_id = ? ORDER BY step_index, rowid`, tokenID)
	if err != nil {
		return nil, err
	}
	for i := range states {
		if err := audit.CheckIntegrity(&states[i]); err != nil {
			return nil, err
		}
	}
	return states, nil
}

// GetRoutingEvents implements audit.Reader.
func (s *SQLiteStore) GetRoutingEvents(ctx context.Context, stateID string) ([]audit.RoutingEvent, error) {
	return queryAll(ctx, s.db, "routing events", func(sc scanner) (*audit.RoutingEvent, error) {
		var (
			ev      audit.RoutingEvent
			reason  sql.NullString
			created int64
		)
		if err := sc.Scan(&ev.EventID, &ev.StateID, &ev.EdgeID, &ev.RoutingGroupID, &ev.Ordinal, &ev.Mode, &reason, &created); err != nil {
			return nil, err
		}
		m, err := decodeMap(reason)
		if err != nil {
			return nil, err
		}
		ev.Reason = m
		ev.CreatedAt = fromNanos(created)
		return &ev, nil
	}, `
		SELECT event_id, state_id, edge_id, routing_group_id, ordinal, mode, reason, created_at
		FROM routing_events WHERE state_id = ? ORDER BY rowid`, stateID)
}

// GetTokenOutcome implements audit.Reader.
func (s *SQLiteStore) GetTokenOutcome(ctx context.Context, tokenID string) (*audit.TokenOutcome, error) {
	var (
		o        audit.TokenOutcome
		ctxJSON  sql.NullString
		recorded int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT outcome_id, run_id, token_id, outcome, sink_name, batch_id, fork_group_id, join_group_id, expand_group_id, context, recorded_at
		FROM token_outcomes WHERE token_id = ?`, tokenID,
	).Scan(&o.OutcomeID, &o.RunID, &o.TokenID, &o.Outcome, &o.SinkName, &o.BatchID,
		&o.ForkGroupID, &o.JoinGroupID, &o.ExpandGroupID, &ctxJSON, &recorded)
	if err != nil {
		return nil, notFound(err, "outcome for token "+tokenID)
	}
	if o.Context, err = decodeMap(ctxJSON); err != nil {
		return nil, err
	}
	o.RecordedAt = fromNanos(recorded)
	return &o, nil
}

// GetIncompleteBatches implements audit.Reader. Failed batches are
// included because they are eligible for retry.
func (s *SQLiteStore) GetIncompleteBatches(ctx context.Context, runID string) ([]audit.Batch, error) {
	return queryAll(ctx, s.db, "batches", scanBatch,
		selectBatch+` WHERE run_id = ? AND status != ? ORDER BY created_at, rowid`,
		runID, audit.BatchStatusCompleted)
}

// GetBatchMembers implements audit.Reader.
func (s *SQLiteStore) GetBatchMembers(ctx context.Context, batchID string) ([]audit.BatchMember, error) {
	return queryAll(ctx, s.db, "batch members", func(sc scanner) (*audit.BatchMember, error) {
		var m audit.BatchMember
		if err := sc.Scan(&m.BatchID, &m.TokenID, &m.Ordinal); err != nil {
			return nil, err
		}
		return &m, nil
	}, `
		SELECT batch_id, token_id, ordinal
		FROM batch_members WHERE batch_id = ? ORDER BY rowid`, batchID)
}

// GetArtifacts implements audit.Reader.
func (s *SQLiteStore) GetArtifacts(ctx context.Context, runID string) ([]audit.Artifact, error) {
	return queryAll(ctx, s.db, "artifacts", func(sc scanner) (*audit.Artifact, error) {
		var (
			a       audit.Artifact
			created int64
		)
		if err := sc.Scan(&a.ArtifactID, &a.RunID, &a.SinkNodeID, &a.StateID, &a.ArtifactType,
			&a.PathOrURI, &a.ContentHash, &a.SizeBytes, &a.RowCount, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = fromNanos(created)
		return &a, nil
	}, `
		SELECT artifact_id, run_id, sink_node_id, state_id, artifact_type, path_or_uri, content_hash, size_bytes, row_count, created_at
		FROM artifacts WHERE run_id = ? ORDER BY rowid`, runID)
}

// GetUnprocessedRows implements audit.Reader. A row is unprocessed when it
// has no token, or when one of its tokens has no outcome and is not in
// held.
func (s *SQLiteStore) GetUnprocessedRows(ctx context.Context, runID string, held map[string]bool) ([]audit.Row, error) {
	type candidate struct {
		row    audit.Row
		tokens int
		open   sql.NullString
	}

	cands, err := queryAll(ctx, s.db, "unprocessed rows", func(sc scanner) (*candidate, error) {
		var (
			c       candidate
			data    sql.NullString
			created int64
		)
		if err := sc.Scan(&c.row.RowID, &c.row.RunID, &c.row.SourceNodeID, &c.row.RowIndex,
			&c.row.DataHash, &data, &created, &c.tokens, &c.open); err != nil {
			return nil, err
		}
		m, err := decodeMap(data)
		if err != nil {
			return nil, err
		}
		c.row.Data = m
		c.row.CreatedAt = fromNanos(created)
		return &c, nil
	}, `
		SELECT r.row_id, r.run_id, r.source_node_id, r.row_index, r.data_hash, r.data, r.created_at,
		       (SELECT COUNT(*) FROM tokens t WHERE t.row_id = r.row_id),
		       (SELECT GROUP_CONCAT(t.token_id) FROM tokens t
		         WHERE t.row_id = r.row_id
		           AND NOT EXISTS (SELECT 1 FROM token_outcomes o WHERE o.token_id = t.token_id))
		FROM source_rows r
		WHERE r.run_id = ?
		ORDER BY r.row_index, r.rowid`, runID)
	if err != nil {
		return nil, err
	}

	var out []audit.Row
	for _, c := range cands {
		if c.tokens > 0 && allHeld(c.open, held) {
			continue
		}
		out = append(out, c.row)
	}
	return out, nil
}

// allHeld reports whether every id in the comma-separated list is held.
func allHeld(open sql.NullString, held map[string]bool) bool {
	if !open.Valid || open.String == "" {
		return true
	}
	for _, id := range strings.Split(open.String, ",") {
		if !held[id] {
			return false
		}
	}
	return true
}
