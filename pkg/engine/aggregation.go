package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/rowforge/pkg/audit"
	"github.com/openfroyo/rowforge/pkg/checkpoint"
	"github.com/openfroyo/rowforge/pkg/contracts"
	"github.com/openfroyo/rowforge/pkg/telemetry"
	"github.com/openfroyo/rowforge/pkg/tokens"
)

// Batch trigger reasons recorded on flushed batches.
const (
	TriggerCount       = "count"
	TriggerTimeout     = "timeout"
	TriggerEndOfSource = "end_of_source"
)

// aggregationBuffer is the runtime state of one aggregation node.
type aggregationBuffer struct {
	node         *Node
	batchID      string
	tokens       []*tokens.Token
	stateIDs     []string
	firstArrival time.Time
}

func (b *aggregationBuffer) reset() {
	b.batchID = ""
	b.tokens = nil
	b.stateIDs = nil
	b.firstArrival = time.Time{}
}

// FlushResult is what an aggregation flush produced.
type FlushResult struct {
	Node    *Node
	BatchID string
	Trigger string

	// Outputs continue traversal from the node's successor.
	Outputs []*tokens.Token

	// Consumed is the number of inputs that ended CONSUMED_IN_BATCH.
	Consumed int
}

// AggregationEngine owns the buffers of every aggregation node of a run.
// Buffers are only touched by the run's control loop.
type AggregationEngine struct {
	env     *runEnv
	buffers map[string]*aggregationBuffer
	order   []*aggregationBuffer
}

func newAggregationEngine(env *runEnv, graph *Graph) *AggregationEngine {
	a := &AggregationEngine{
		env:     env,
		buffers: make(map[string]*aggregationBuffer),
	}
	for _, n := range graph.order {
		if n.Kind != audit.NodeTypeAggregation {
			continue
		}
		buf := &aggregationBuffer{node: n}
		a.buffers[n.ID] = buf
		a.order = append(a.order, buf)
	}
	return a
}

// Accept buffers tok at node. The result is pending while the trigger has
// not fired; when it fires the buffer is flushed and the flush is returned
// with a completed result.
func (a *AggregationEngine) Accept(ctx context.Context, node *Node, tok *tokens.Token, res *RowResult) (StepResult, *FlushResult, error) {
	buf, ok := a.buffers[node.ID]
	if !ok {
		return Failed(nil), nil, NewPermanentError("node has no aggregation buffer", nil).
			WithCode(ErrCodeInternal).WithNode(node.ID)
	}

	if buf.batchID == "" {
		batch, err := a.env.recorder.CreateBatch(ctx, a.env.runID, node.ID, 1)
		if err != nil {
			return Failed(err), nil, auditWriteError("create batch", err).WithNode(node.ID)
		}
		buf.batchID = batch.BatchID
	}

	state, err := a.env.beginState(ctx, tok, node, 1)
	if err != nil {
		return Failed(err), nil, err
	}
	ordinal := len(buf.tokens)
	if err := a.env.recorder.AddBatchMember(ctx, buf.batchID, tok.TokenID, ordinal); err != nil {
		return Failed(err), nil, auditWriteError("add batch member", err).WithNode(node.ID).WithToken(tok.TokenID)
	}
	if err := a.env.pending(ctx, state.StateID, map[string]interface{}{
		"batch_id": buf.batchID,
		"ordinal":  ordinal,
	}); err != nil {
		return Failed(err), nil, err
	}

	now := a.env.now()
	if len(buf.tokens) == 0 {
		buf.firstArrival = now
	}
	buf.tokens = append(buf.tokens, tok)
	buf.stateIDs = append(buf.stateIDs, state.StateID)

	trigger := node.aggregation.Trigger
	var reason string
	switch {
	case trigger.Count > 0 && len(buf.tokens) >= trigger.Count:
		reason = TriggerCount
	case trigger.Timeout > 0 && now.Sub(buf.firstArrival) >= trigger.Timeout:
		reason = TriggerTimeout
	}
	if reason == "" {
		var retryAfter time.Duration
		if trigger.Timeout > 0 {
			retryAfter = trigger.Timeout - now.Sub(buf.firstArrival)
		}
		a.env.logger.WithNodeID(node.ID).WithTokenID(tok.TokenID).Zerolog().Debug().
			Int("buffered", len(buf.tokens)).
			Msg("token buffered for batch")
		return Pending(retryAfter), nil, nil
	}

	flush, err := a.flush(ctx, buf, reason, res)
	if err != nil {
		return Failed(err), nil, err
	}
	return Completed(), flush, nil
}

// CheckTimeouts flushes every buffer whose timeout elapsed, in graph order.
func (a *AggregationEngine) CheckTimeouts(ctx context.Context, res *RowResult) ([]*FlushResult, error) {
	var out []*FlushResult
	now := a.env.now()
	for _, buf := range a.order {
		timeout := buf.node.aggregation.Trigger.Timeout
		if len(buf.tokens) == 0 || timeout <= 0 || now.Sub(buf.firstArrival) < timeout {
			continue
		}
		flush, err := a.flush(ctx, buf, TriggerTimeout, res)
		if err != nil {
			return out, err
		}
		out = append(out, flush)
	}
	return out, nil
}

// Flush flushes the buffer of node regardless of its trigger. It returns
// nil when nothing is buffered.
func (a *AggregationEngine) Flush(ctx context.Context, node *Node, trigger string, res *RowResult) (*FlushResult, error) {
	buf, ok := a.buffers[node.ID]
	if !ok || len(buf.tokens) == 0 {
		return nil, nil
	}
	return a.flush(ctx, buf, trigger, res)
}

// Held returns the number of buffered tokens.
func (a *AggregationEngine) Held() int {
	n := 0
	for _, buf := range a.order {
		n += len(buf.tokens)
	}
	return n
}

// heldRows adds the rows with buffered tokens to rows.
func (a *AggregationEngine) heldRows(rows map[string]bool) {
	for _, buf := range a.order {
		for _, t := range buf.tokens {
			rows[t.RowID] = true
		}
	}
}

func (a *AggregationEngine) flush(ctx context.Context, buf *aggregationBuffer, trigger string, res *RowResult) (*FlushResult, error) {
	node := buf.node
	spec := node.aggregation
	inputs := buf.tokens
	stateIDs := buf.stateIDs
	batchID := buf.batchID
	buf.reset()

	started := a.env.now()
	last := inputs[len(inputs)-1]
	flushState := stateIDs[len(stateIDs)-1]
	logger := a.env.logger.WithNodeID(node.ID).WithField("batch_id", batchID)

	if err := a.env.recorder.UpdateBatchStatus(ctx, batchID, audit.BatchStatusExecuting, trigger, flushState); err != nil {
		return nil, auditWriteError("update batch status", err).WithNode(node.ID)
	}

	rows := make([]contracts.Row, 0, len(inputs))
	for _, in := range inputs {
		rows = append(rows, in.Row)
	}

	// Every plugin call runs against its own batch record. A retryable
	// failure closes the current batch as failed and opens attempt+1 with
	// the same members.
	maxAttempts := a.env.retry.attempts()
	onRetry := a.env.retryHook(node, last.TokenID)
	var (
		result   TransformResult
		err      error
		attempts int
	)
	for attempts = 1; ; attempts++ {
		result, err = a.processBatch(ctx, node, rows, last.TokenID, attempts)
		if err == nil || !IsRetryable(err) || attempts == maxAttempts {
			break
		}
		next, rerr := a.retryBatch(ctx, node, batchID, trigger, flushState)
		if rerr != nil {
			return nil, rerr
		}
		batchID = next
		logger = a.env.logger.WithNodeID(node.ID).WithField("batch_id", batchID)

		delay := a.env.retry.Backoff(attempts-1, err)
		onRetry(attempts, delay, err)
		if werr := sleepCtx(ctx, delay); werr != nil {
			err = werr
			break
		}
	}

	if err != nil {
		return nil, a.fail(ctx, batchID, stateIDs, trigger, started,
			map[string]interface{}{"error": err.Error(), "attempts": attempts},
			NewPermanentError("aggregation flush failed", err).WithCode(ErrCodeBatchFailed))
	}
	if result.Failed() {
		return nil, a.fail(ctx, batchID, stateIDs, trigger, started, result.ErrorReason,
			NewPermanentError("aggregation rejected batch", nil).WithCode(ErrCodeBatchFailed).
				WithDetail("reason", result.ErrorReason))
	}

	outRows := result.Rows
	if !result.Multi {
		outRows = []map[string]interface{}{result.Row}
	}

	var shapeErr string
	switch spec.OutputMode {
	case OutputSingle:
		if len(outRows) != 1 {
			shapeErr = fmt.Sprintf("single output mode requires exactly one row, got %d", len(outRows))
		}
	case OutputPassthrough:
		if len(outRows) != len(inputs) {
			shapeErr = fmt.Sprintf("passthrough output mode requires %d rows, got %d", len(inputs), len(outRows))
		}
	}
	if shapeErr != "" {
		return nil, a.fail(ctx, batchID, stateIDs, trigger, started,
			map[string]interface{}{"error": shapeErr},
			NewPermanentError(shapeErr, nil).WithCode(ErrCodePluginContract))
	}

	flush := &FlushResult{Node: node, BatchID: batchID, Trigger: trigger}
	details := map[string]interface{}{
		"batch_id":     batchID,
		"trigger":      trigger,
		"output_mode":  string(spec.OutputMode),
		"batch_size":   len(inputs),
		"output_count": len(outRows),
	}

	if spec.OutputMode == OutputPassthrough {
		for i, in := range inputs {
			row := contracts.NewRow(contracts.DeepCopyMap(outRows[i]), contracts.Derive(in.Row.Contract(), outRows[i]))
			if err := a.env.completed(ctx, stateIDs[i], outRows[i], started, details); err != nil {
				return nil, err
			}
			flush.Outputs = append(flush.Outputs, a.env.tokens.UpdateRowData(in, row))
		}
	} else {
		var contract *contracts.SchemaContract
		if len(outRows) > 0 {
			contract = contracts.Derive(inputs[0].Row.Contract(), outRows[0])
		}
		outputs, err := a.env.tokens.CreateBatchOutputTokens(ctx, inputs, outRows, contract, node.Sequence)
		if err != nil {
			return nil, auditWriteError("create batch output tokens", err).WithNode(node.ID)
		}
		for i, in := range inputs {
			if err := a.env.completed(ctx, stateIDs[i], outRows, started, details); err != nil {
				return nil, err
			}
			if err := a.env.recordOutcome(ctx, in, outcome{
				kind:    audit.OutcomeConsumedInBatch,
				batchID: batchID,
			}, res); err != nil {
				return nil, err
			}
		}
		flush.Outputs = outputs
		flush.Consumed = len(inputs)
	}

	if err := a.env.recorder.UpdateBatchStatus(ctx, batchID, audit.BatchStatusCompleted, trigger, flushState); err != nil {
		return nil, auditWriteError("update batch status", err).WithNode(node.ID)
	}

	res.BatchFlushed = true
	a.env.tel.Metrics.RecordBatchFlush(trigger, string(audit.BatchStatusCompleted))
	_ = a.env.tel.Events.PublishBatchFlushed(a.env.runID, node.ID, batchID, trigger, len(inputs))
	logger.Zerolog().Debug().
		Str("trigger", trigger).
		Int("inputs", len(inputs)).
		Int("outputs", len(flush.Outputs)).
		Msg("batch flushed")
	return flush, nil
}

func (a *AggregationEngine) processBatch(ctx context.Context, node *Node, rows []contracts.Row, tokenID string, attempt int) (TransformResult, error) {
	var r TransformResult
	err := telemetry.RecordNodeOperation(ctx, node.ID, string(node.Kind), node.PluginName, tokenID,
		func(ctx context.Context) error {
			var err error
			r, err = node.aggregation.Plugin.ProcessBatch(ctx, rows, a.env.pluginContext(node, attempt))
			return err
		})
	return r, err
}

// retryBatch marks batchID failed and opens the next attempt of it, which
// starts out executing. It returns the new batch id.
func (a *AggregationEngine) retryBatch(ctx context.Context, node *Node, batchID, trigger, stateID string) (string, error) {
	if err := a.env.recorder.UpdateBatchStatus(ctx, batchID, audit.BatchStatusFailed, trigger, stateID); err != nil {
		return "", auditWriteError("update batch status", err).WithNode(node.ID)
	}
	a.env.tel.Metrics.RecordBatchFlush(trigger, string(audit.BatchStatusFailed))

	next, err := a.env.recorder.RetryBatch(ctx, batchID)
	if err != nil {
		return "", auditWriteError("retry batch", err).WithNode(node.ID)
	}
	if err := a.env.recorder.UpdateBatchStatus(ctx, next.BatchID, audit.BatchStatusExecuting, trigger, stateID); err != nil {
		return "", auditWriteError("update batch status", err).WithNode(node.ID)
	}
	a.env.logger.WithNodeID(node.ID).Zerolog().Debug().
		Str("failed_batch_id", batchID).
		Str("batch_id", next.BatchID).
		Int("attempt", next.Attempt).
		Msg("batch retried")
	return next.BatchID, nil
}

// fail marks every member state and the batch failed and returns cause.
func (a *AggregationEngine) fail(ctx context.Context, batchID string, stateIDs []string, trigger string,
	started time.Time, reason map[string]interface{}, cause *EngineError) error {
	for _, id := range stateIDs {
		if err := a.env.failed(ctx, id, reason, started); err != nil {
			return err
		}
	}
	if err := a.env.recorder.UpdateBatchStatus(ctx, batchID, audit.BatchStatusFailed, trigger, stateIDs[len(stateIDs)-1]); err != nil {
		return auditWriteError("update batch status", err)
	}
	a.env.tel.Metrics.RecordBatchFlush(trigger, string(audit.BatchStatusFailed))
	return cause.WithDetail("batch_id", batchID)
}

// Snapshot returns the JSON-safe state of every non-empty buffer.
func (a *AggregationEngine) Snapshot() []checkpoint.AggregationBufferState {
	var out []checkpoint.AggregationBufferState
	for _, buf := range a.order {
		if len(buf.tokens) == 0 {
			continue
		}
		state := checkpoint.AggregationBufferState{
			NodeID:       buf.node.ID,
			BatchID:      buf.batchID,
			FirstArrival: buf.firstArrival,
		}
		for i, t := range buf.tokens {
			state.Tokens = append(state.Tokens, checkpoint.FromToken(t, buf.stateIDs[i]))
		}
		out = append(out, state)
	}
	return out
}

// Restore refills buffers from checkpointed state. The first arrival time
// is kept, so a timeout that elapsed while the run was stopped fires on the
// first timeout check.
func (a *AggregationEngine) Restore(states []checkpoint.AggregationBufferState) error {
	for _, s := range states {
		buf, ok := a.buffers[s.NodeID]
		if !ok {
			return NewPermanentError("checkpoint references unknown aggregation node", nil).
				WithCode(ErrCodeConfig).WithNode(s.NodeID)
		}
		buf.batchID = s.BatchID
		buf.firstArrival = s.FirstArrival
		for _, ts := range s.Tokens {
			tok, err := ts.Restore()
			if err != nil {
				return NewPermanentError("restore buffered token", err).WithCode(ErrCodeInternal).WithNode(s.NodeID)
			}
			buf.tokens = append(buf.tokens, tok)
			buf.stateIDs = append(buf.stateIDs, ts.StateID)
		}
	}
	return nil
}
