package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rowforge/pkg/audit"
	"github.com/openfroyo/rowforge/pkg/contracts"
)

// RecoveredRow is a source row that must be processed again on resume.
type RecoveredRow struct {
	RowID        string
	SourceNodeID string
	RowIndex     int

	// Data is the recorded payload coerced back to the types of the run's
	// original contract.
	Data map[string]interface{}
}

// Plan is everything a resumed run needs to continue.
type Plan struct {
	Run      *audit.Run
	Contract *contracts.SchemaContract

	// Checkpoint is the latest checkpoint, or nil when the run stopped
	// before its first checkpoint.
	Checkpoint *Checkpoint

	// Buffers is the held state to restore into the processor. Tokens that
	// gained an outcome after the checkpoint and tokens of rows that are
	// about to be reprocessed are removed. Aggregation buffers carry the id
	// of the batch that now owns them.
	Buffers BufferState

	// Rows are the rows to run through the graph again, in row index order.
	Rows []RecoveredRow

	// Sequence is the sink-write sequence number to continue from: the
	// larger of the checkpoint's number and the rows written to sinks.
	Sequence int64
}

// RecoveryManager prepares interrupted or crashed runs for resume.
type RecoveryManager struct {
	audit       audit.Store
	checkpoints Store
	logger      zerolog.Logger
}

// NewRecoveryManager creates a recovery manager. checkpoints may be nil,
// in which case resume restores no buffers and relies on the audit trail
// alone.
func NewRecoveryManager(store audit.Store, checkpoints Store, logger zerolog.Logger) *RecoveryManager {
	return &RecoveryManager{
		audit:       store,
		checkpoints: checkpoints,
		logger:      logger.With().Str("component", "recovery").Logger(),
	}
}

// CanResume returns nil if the run exists and is in a resumable status.
func (r *RecoveryManager) CanResume(ctx context.Context, runID string) error {
	run, err := r.audit.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			return fmt.Errorf("%w: run %s does not exist", ErrRunNotResumable, runID)
		}
		return err
	}
	if !run.Status.IsResumable() {
		return fmt.Errorf("%w: run %s is %s", ErrRunNotResumable, runID, run.Status)
	}
	return nil
}

// Prepare builds the resume plan of a run:
//
//  1. the run must be resumable and have a recorded contract
//  2. the latest checkpoint, if any, supplies the held buffers
//  3. incomplete batches are resolved and restored buffers get a live batch
//  4. rows without a complete set of outcomes are loaded and coerced with
//     the run's contract
func (r *RecoveryManager) Prepare(ctx context.Context, runID string) (*Plan, error) {
	if err := r.CanResume(ctx, runID); err != nil {
		return nil, err
	}
	run, err := r.audit.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	contract, err := r.audit.GetRunContract(ctx, runID)
	if err != nil && !errors.Is(err, audit.ErrNotFound) {
		return nil, fmt.Errorf("load run contract: %w", err)
	}
	if contract == nil {
		return nil, fmt.Errorf("%w: run %s", ErrMissingContract, runID)
	}

	plan := &Plan{Run: run, Contract: contract, Buffers: BufferState{Version: FormatVersion}}

	if r.checkpoints != nil {
		cp, err := r.checkpoints.LatestCheckpoint(ctx, runID)
		switch {
		case errors.Is(err, ErrNoCheckpoint):
		case err != nil:
			return nil, fmt.Errorf("load checkpoint: %w", err)
		default:
			if cp.FormatVersion != FormatVersion || cp.State.Version != FormatVersion {
				return nil, fmt.Errorf("%w: checkpoint %s has version %d, want %d",
					ErrFormatVersion, cp.CheckpointID, cp.FormatVersion, FormatVersion)
			}
			plan.Checkpoint = cp
			plan.Sequence = cp.SequenceNumber
			plan.Buffers = cp.State
		}
	}

	// Sink writes after the checkpoint allocated sequence numbers the
	// checkpoint does not know about. Each written row took one.
	written, err := r.writtenRows(ctx, runID)
	if err != nil {
		return nil, err
	}
	if written > plan.Sequence {
		plan.Sequence = written
	}

	// Tokens consumed or merged after the checkpoint are no longer held.
	plan.Buffers, err = r.dropFinished(ctx, plan.Buffers)
	if err != nil {
		return nil, err
	}

	held := plan.Buffers.HeldTokens()
	rows, err := r.audit.GetUnprocessedRows(ctx, runID, held)
	if err != nil {
		return nil, fmt.Errorf("load unprocessed rows: %w", err)
	}

	// A row that is reprocessed regenerates all of its tokens, so anything
	// of that row still held from the previous attempt is dropped.
	rerun := make(map[string]bool, len(rows))
	for _, row := range rows {
		rerun[row.RowID] = true
	}
	plan.Buffers = plan.Buffers.filter(func(t TokenState) bool { return !rerun[t.RowID] })

	if err := r.resolveBatches(ctx, runID, &plan.Buffers); err != nil {
		return nil, err
	}

	for _, row := range rows {
		data, err := contract.Coerce(row.Data)
		if err != nil {
			return nil, fmt.Errorf("coerce row %s with run contract: %w", row.RowID, err)
		}
		plan.Rows = append(plan.Rows, RecoveredRow{
			RowID:        row.RowID,
			SourceNodeID: row.SourceNodeID,
			RowIndex:     row.RowIndex,
			Data:         data,
		})
	}

	r.logger.Info().
		Str("run_id", runID).
		Int("unprocessed_rows", len(plan.Rows)).
		Int("held_tokens", len(plan.Buffers.HeldTokens())).
		Int64("sequence", plan.Sequence).
		Msg("resume plan prepared")
	return plan, nil
}

// writtenRows returns the number of rows the run's sinks wrote durably.
func (r *RecoveryManager) writtenRows(ctx context.Context, runID string) (int64, error) {
	artifacts, err := r.audit.GetArtifacts(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("load artifacts: %w", err)
	}
	var n int64
	for _, a := range artifacts {
		n += int64(a.RowCount)
	}
	return n, nil
}

func (r *RecoveryManager) dropFinished(ctx context.Context, state BufferState) (BufferState, error) {
	finished := make(map[string]bool)
	for id := range state.HeldTokens() {
		_, err := r.audit.GetTokenOutcome(ctx, id)
		switch {
		case err == nil:
			finished[id] = true
		case errors.Is(err, audit.ErrNotFound):
		default:
			return state, fmt.Errorf("load outcome of held token %s: %w", id, err)
		}
	}
	if len(finished) == 0 {
		return state, nil
	}
	return state.filter(func(t TokenState) bool { return !finished[t.TokenID] }), nil
}

// resolveBatches fails every draft or executing batch left by the previous
// attempt. Each restored aggregation buffer then gets a fresh draft batch:
// a retry of its old batch when the membership is unchanged, otherwise a
// new batch holding exactly the buffered tokens.
func (r *RecoveryManager) resolveBatches(ctx context.Context, runID string, state *BufferState) error {
	incomplete, err := r.audit.GetIncompleteBatches(ctx, runID)
	if err != nil {
		return fmt.Errorf("load incomplete batches: %w", err)
	}
	byID := make(map[string]audit.Batch, len(incomplete))
	for _, b := range incomplete {
		if b.Status == audit.BatchStatusDraft || b.Status == audit.BatchStatusExecuting {
			if err := r.audit.UpdateBatchStatus(ctx, b.BatchID, audit.BatchStatusFailed, "resume", ""); err != nil {
				return fmt.Errorf("fail incomplete batch %s: %w", b.BatchID, err)
			}
			b.Status = audit.BatchStatusFailed
			r.logger.Debug().Str("batch_id", b.BatchID).Msg("incomplete batch marked failed")
		}
		byID[b.BatchID] = b
	}

	for i := range state.Aggregations {
		agg := &state.Aggregations[i]
		old, known := byID[agg.BatchID]

		if known && old.Status == audit.BatchStatusFailed {
			members, err := r.audit.GetBatchMembers(ctx, old.BatchID)
			if err != nil {
				return fmt.Errorf("load members of batch %s: %w", old.BatchID, err)
			}
			if sameMembers(members, agg.Tokens) {
				retried, err := r.audit.RetryBatch(ctx, old.BatchID)
				if err != nil {
					return fmt.Errorf("retry batch %s: %w", old.BatchID, err)
				}
				agg.BatchID = retried.BatchID
				continue
			}
		}

		attempt := 1
		if known {
			attempt = old.Attempt + 1
		}
		batch, err := r.audit.CreateBatch(ctx, runID, agg.NodeID, attempt)
		if err != nil {
			return fmt.Errorf("create batch for restored buffer at %s: %w", agg.NodeID, err)
		}
		for ord, t := range agg.Tokens {
			if err := r.audit.AddBatchMember(ctx, batch.BatchID, t.TokenID, ord); err != nil {
				return fmt.Errorf("add restored member %s: %w", t.TokenID, err)
			}
		}
		agg.BatchID = batch.BatchID
	}
	return nil
}

func sameMembers(members []audit.BatchMember, held []TokenState) bool {
	if len(members) != len(held) {
		return false
	}
	for i := range members {
		if members[i].TokenID != held[i].TokenID {
			return false
		}
	}
	return true
}
