package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Store persists checkpoints.
type Store interface {
	// SaveCheckpoint persists a checkpoint.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error

	// LatestCheckpoint returns the checkpoint with the highest sequence
	// number for a run, or ErrNoCheckpoint.
	LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error)

	// DeleteCheckpoints removes every checkpoint of a run.
	DeleteCheckpoints(ctx context.Context, runID string) error
}

// MemoryStore keeps checkpoints in memory. Checkpoints are stored in their
// JSON form so that a round trip behaves like a durable store.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string][][]byte
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string][][]byte)}
}

// SaveCheckpoint implements Store.
func (s *MemoryStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[cp.RunID] = append(s.runs[cp.RunID], data)
	return nil
}

// LatestCheckpoint implements Store.
func (s *MemoryStore) LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *Checkpoint
	for _, data := range s.runs[runID] {
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		if latest == nil || cp.SequenceNumber > latest.SequenceNumber {
			c := cp
			latest = &c
		}
	}
	if latest == nil {
		return nil, ErrNoCheckpoint
	}
	return latest, nil
}

// DeleteCheckpoints implements Store.
func (s *MemoryStore) DeleteCheckpoints(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}

// Count returns the number of checkpoints stored for a run.
func (s *MemoryStore) Count(runID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs[runID])
}

var _ Store = (*MemoryStore)(nil)
