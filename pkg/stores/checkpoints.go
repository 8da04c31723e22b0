package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/rowforge/pkg/checkpoint"
)

// SaveCheckpoint implements checkpoint.Store. The checkpoint is stored in
// its JSON form.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	created := cp.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (checkpoint_id, run_id, sequence_number, data, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		cp.CheckpointID, cp.RunID, cp.SequenceNumber, string(data), toNanos(created),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint implements checkpoint.Store. Ties on sequence number go
// to the checkpoint saved last.
func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, runID string) (*checkpoint.Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM checkpoints
		WHERE run_id = ?
		ORDER BY sequence_number DESC, rowid DESC
		LIMIT 1`, runID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, checkpoint.ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	var cp checkpoint.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

// DeleteCheckpoints implements checkpoint.Store.
func (s *SQLiteStore) DeleteCheckpoints(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

// CheckpointCount returns the number of checkpoints stored for a run.
func (s *SQLiteStore) CheckpointCount(ctx context.Context, runID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints WHERE run_id = ?`, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count checkpoints: %w", err)
	}
	return n, nil
}
