package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Manager allocates sink-write sequence numbers and creates checkpoints
// according to the configured frequency.
//
// Sequence allocation and checkpoint creation happen under one lock, so
// concurrent sink flushes never interleave sequence numbers.
type Manager struct {
	store  Store
	cfg    Config
	logger zerolog.Logger

	mu           sync.Mutex
	sequence     int64
	batchFlushed bool
	saved        int
}

// NewManager creates a checkpoint manager. A nil store or a disabled
// config produces a manager that only counts sequence numbers.
func NewManager(store Store, cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "checkpoint").Logger(),
	}
}

// Enabled reports whether checkpoints are persisted.
func (m *Manager) Enabled() bool {
	return m.cfg.Enabled && m.store != nil
}

// SetSequence sets the sequence counter, used when resuming from a
// checkpoint so numbering continues where the previous run stopped.
func (m *Manager) SetSequence(seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequence = seq
}

// Sequence returns the last allocated sequence number.
func (m *Manager) Sequence() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sequence
}

// Saved returns how many checkpoints this manager has persisted.
func (m *Manager) Saved() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved
}

// MarkBatchFlushed records that an aggregation batch flushed. Under the
// aggregation_only frequency the next sink write creates a checkpoint.
func (m *Manager) MarkBatchFlushed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchFlushed = true
}

// ShouldCheckpoint reports whether a sink write with sequence number seq
// creates a checkpoint under the current configuration.
func (m *Manager) ShouldCheckpoint(seq int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shouldCheckpoint(seq)
}

func (m *Manager) shouldCheckpoint(seq int64) bool {
	if !m.Enabled() {
		return false
	}
	switch m.cfg.Frequency {
	case EveryRow:
		return true
	case EveryN:
		return m.cfg.Interval > 0 && seq%int64(m.cfg.Interval) == 0
	case AggregationOnly:
		return m.batchFlushed
	default:
		return false
	}
}

// AfterSinkWrite allocates the next sequence number for a durable sink
// write of tokenID at nodeID and creates a checkpoint when the frequency
// calls for one. snapshot is only invoked when a checkpoint is created.
// It returns the checkpoint, or nil when none was due.
func (m *Manager) AfterSinkWrite(ctx context.Context, runID, tokenID, nodeID string, snapshot func() BufferState) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sequence++
	seq := m.sequence
	if !m.shouldCheckpoint(seq) {
		return nil, nil
	}

	state := BufferState{Version: FormatVersion}
	if snapshot != nil {
		state = snapshot()
		state.Version = FormatVersion
	}

	cp := &Checkpoint{
		CheckpointID:   uuid.New().String(),
		RunID:          runID,
		TokenID:        tokenID,
		NodeID:         nodeID,
		SequenceNumber: seq,
		State:          state,
		FormatVersion:  FormatVersion,
		CreatedAt:      time.Now().UTC(),
	}
	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("save checkpoint %d: %w", seq, err)
	}

	m.batchFlushed = false
	m.saved++
	m.logger.Debug().
		Str("run_id", runID).
		Str("token_id", tokenID).
		Int64("sequence", seq).
		Int("held_aggregations", len(state.Aggregations)).
		Int("held_joins", len(state.Coalesce)).
		Msg("checkpoint saved")
	return cp, nil
}

// Delete removes the checkpoints of a run, typically once it completed.
func (m *Manager) Delete(ctx context.Context, runID string) error {
	if m.store == nil {
		return nil
	}
	return m.store.DeleteCheckpoints(ctx, runID)
}
