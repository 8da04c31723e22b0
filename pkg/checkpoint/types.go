// Package checkpoint decides when a run's progress is durably marked and
// rebuilds in-flight state when a run is resumed.
//
// A checkpoint is only ever taken after a sink write has succeeded. It
// carries the sequence number of that write and a JSON-safe snapshot of the
// aggregation buffers and pending coalesce joins, so a resumed run can pick
// up tokens that were held when the process stopped.
package checkpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/rowforge/pkg/audit"
	"github.com/openfroyo/rowforge/pkg/contracts"
	"github.com/openfroyo/rowforge/pkg/tokens"
)

// FormatVersion tags the serialized buffer state. A checkpoint written with
// a different version is rejected on resume.
const FormatVersion = 1

var (
	// ErrNoCheckpoint is returned by Store.LatestCheckpoint when a run has
	// no checkpoint.
	ErrNoCheckpoint = errors.New("no checkpoint for run")

	// ErrFormatVersion is returned when a checkpoint was written with an
	// incompatible format version.
	ErrFormatVersion = errors.New("unsupported checkpoint format version")

	// ErrRunNotResumable is returned when resume is requested for a run
	// that completed or does not exist.
	ErrRunNotResumable = errors.New("run is not resumable")

	// ErrMissingContract is returned on resume when the original run has no
	// recorded schema contract.
	ErrMissingContract = errors.New("run has no recorded schema contract")
)

// Frequency selects when checkpoints are taken.
type Frequency string

const (
	// EveryRow checkpoints after every sink write.
	EveryRow Frequency = "every_row"

	// EveryN checkpoints on sink writes whose sequence number is a multiple
	// of Config.Interval.
	EveryN Frequency = "every_n"

	// AggregationOnly checkpoints on the first sink write after an
	// aggregation batch flushed.
	AggregationOnly Frequency = "aggregation_only"
)

// Config controls checkpointing for a run.
type Config struct {
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	Frequency Frequency `json:"frequency" yaml:"frequency"`
	Interval  int       `json:"interval,omitempty" yaml:"interval,omitempty"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Frequency {
	case EveryRow, AggregationOnly:
		return nil
	case EveryN:
		if c.Interval <= 0 {
			return fmt.Errorf("checkpoint frequency every_n requires a positive interval, got %d", c.Interval)
		}
		return nil
	default:
		return fmt.Errorf("invalid checkpoint frequency: %q", c.Frequency)
	}
}

// TokenState is the serializable form of a held token.
type TokenState struct {
	TokenID        string                 `json:"token_id"`
	RowID          string                 `json:"row_id"`
	BranchName     string                 `json:"branch_name,omitempty"`
	ForkGroupID    string                 `json:"fork_group_id,omitempty"`
	ExpandGroupID  string                 `json:"expand_group_id,omitempty"`
	JoinGroupID    string                 `json:"join_group_id,omitempty"`
	StepInPipeline int                    `json:"step_in_pipeline"`
	Data           map[string]interface{} `json:"data"`
	Contract       contracts.State        `json:"contract"`

	// StateID is the pending node state the token holds at its buffer.
	StateID string `json:"state_id,omitempty"`
}

// FromToken captures a token. The row data is deep-copied.
func FromToken(t *tokens.Token, stateID string) TokenState {
	ts := TokenState{
		TokenID:        t.TokenID,
		RowID:          t.RowID,
		BranchName:     t.BranchName,
		ForkGroupID:    t.ForkGroupID,
		ExpandGroupID:  t.ExpandGroupID,
		JoinGroupID:    t.JoinGroupID,
		StepInPipeline: t.StepInPipeline,
		Data:           t.Row.ToMap(),
		StateID:        stateID,
	}
	if c := t.Row.Contract(); c != nil {
		ts.Contract = c.State()
	}
	return ts
}

// Restore rebuilds the token. Values that lost their type through JSON,
// such as integers decoded as float64, are coerced back with the recorded
// contract.
func (s TokenState) Restore() (*tokens.Token, error) {
	contract, err := contracts.FromState(s.Contract)
	if err != nil {
		return nil, fmt.Errorf("restore token %s contract: %w", s.TokenID, err)
	}
	data, err := contract.Coerce(s.Data)
	if err != nil {
		return nil, fmt.Errorf("restore token %s data: %w", s.TokenID, err)
	}
	return tokens.Restore(audit.Token{
		TokenID:        s.TokenID,
		RowID:          s.RowID,
		BranchName:     s.BranchName,
		ForkGroupID:    s.ForkGroupID,
		ExpandGroupID:  s.ExpandGroupID,
		JoinGroupID:    s.JoinGroupID,
		StepInPipeline: s.StepInPipeline,
	}, contracts.NewRow(data, contract)), nil
}

// AggregationBufferState is the buffer of one aggregation node.
type AggregationBufferState struct {
	NodeID       string       `json:"node_id"`
	BatchID      string       `json:"batch_id"`
	FirstArrival time.Time    `json:"first_arrival"`
	Tokens       []TokenState `json:"tokens"`
}

// CoalesceArrivalState is one branch token held at a join.
type CoalesceArrivalState struct {
	Branch    string     `json:"branch"`
	ArrivedAt time.Time  `json:"arrived_at"`
	Token     TokenState `json:"token"`
}

// CoalescePendingState is a join waiting for more branches of one row.
type CoalescePendingState struct {
	NodeID       string                 `json:"node_id"`
	RowID        string                 `json:"row_id"`
	FirstArrival time.Time              `json:"first_arrival"`
	Arrivals     []CoalesceArrivalState `json:"arrivals"`
}

// MergedJoinState marks a join that merged before all of its branches
// arrived while other tokens of the row were still held.
type MergedJoinState struct {
	NodeID string `json:"node_id"`
	RowID  string `json:"row_id"`
}

// BufferState is the in-flight state of a run's processor.
type BufferState struct {
	Version      int                      `json:"version"`
	Aggregations []AggregationBufferState `json:"aggregations,omitempty"`
	Coalesce     []CoalescePendingState   `json:"coalesce,omitempty"`
	Merged       []MergedJoinState        `json:"merged,omitempty"`
}

// Empty reports whether nothing is held.
func (b BufferState) Empty() bool {
	return len(b.Aggregations) == 0 && len(b.Coalesce) == 0
}

// HeldTokens returns the ids of every token held in the state.
func (b BufferState) HeldTokens() map[string]bool {
	held := make(map[string]bool)
	for _, agg := range b.Aggregations {
		for _, t := range agg.Tokens {
			held[t.TokenID] = true
		}
	}
	for _, p := range b.Coalesce {
		for _, a := range p.Arrivals {
			held[a.Token.TokenID] = true
		}
	}
	return held
}

// filter returns a copy keeping only tokens for which keep returns true.
// Buffers and joins left empty are removed.
func (b BufferState) filter(keep func(TokenState) bool) BufferState {
	out := BufferState{Version: b.Version, Merged: b.Merged}
	for _, agg := range b.Aggregations {
		kept := agg
		kept.Tokens = nil
		for _, t := range agg.Tokens {
			if keep(t) {
				kept.Tokens = append(kept.Tokens, t)
			}
		}
		if len(kept.Tokens) > 0 {
			out.Aggregations = append(out.Aggregations, kept)
		}
	}
	for _, p := range b.Coalesce {
		kept := p
		kept.Arrivals = nil
		for _, a := range p.Arrivals {
			if keep(a.Token) {
				kept.Arrivals = append(kept.Arrivals, a)
			}
		}
		if len(kept.Arrivals) > 0 {
			out.Coalesce = append(out.Coalesce, kept)
		}
	}
	return out
}

// Checkpoint is a durable progress marker taken after a sink write.
type Checkpoint struct {
	CheckpointID   string      `json:"checkpoint_id"`
	RunID          string      `json:"run_id"`
	TokenID        string      `json:"token_id"`
	NodeID         string      `json:"node_id"`
	SequenceNumber int64       `json:"sequence_number"`
	State          BufferState `json:"state"`
	FormatVersion  int         `json:"format_version"`
	CreatedAt      time.Time   `json:"created_at"`
}
