package engine

import (
	"context"
	"time"

	"github.com/openfroyo/rowforge/pkg/audit"
	"github.com/openfroyo/rowforge/pkg/telemetry"
	"github.com/openfroyo/rowforge/pkg/tokens"
)

// runEnv is the per-run context shared by the processor and the engines it
// delegates to. It holds no mutable state of its own.
type runEnv struct {
	runID    string
	recorder audit.Recorder
	tokens   *tokens.Manager
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	retry    *RetryPolicy
	now      func() time.Time
}

func newRunEnv(runID string, recorder audit.Recorder, tel *telemetry.Telemetry, retry *RetryPolicy) *runEnv {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &runEnv{
		runID:    runID,
		recorder: recorder,
		tokens:   tokens.NewManager(recorder, runID),
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("engine").WithRunID(runID),
		retry:    retry,
		now:      time.Now,
	}
}

// pluginContext returns the context passed to a plugin bound to node.
func (e *runEnv) pluginContext(node *Node, attempt int) *PluginContext {
	return &PluginContext{
		RunID:   e.runID,
		NodeID:  node.ID,
		Attempt: attempt,
		Logger:  e.logger.WithNodeID(node.ID).WithPlugin(node.PluginName, string(node.Kind)),
	}
}

// beginState opens the node state of tok at node.
func (e *runEnv) beginState(ctx context.Context, tok *tokens.Token, node *Node, attempt int) (*audit.NodeState, error) {
	state, err := e.recorder.BeginNodeState(ctx, audit.BeginNodeStateRequest{
		RunID:     e.runID,
		TokenID:   tok.TokenID,
		NodeID:    node.ID,
		StepIndex: node.Sequence,
		Attempt:   attempt,
		Input:     tok.Row.Data(),
	})
	if err != nil {
		return nil, auditWriteError("begin node state", err).WithNode(node.ID).WithToken(tok.TokenID)
	}
	return state, nil
}

func (e *runEnv) completeState(ctx context.Context, stateID string, req audit.CompleteNodeStateRequest) error {
	if _, err := e.recorder.CompleteNodeState(ctx, stateID, req); err != nil {
		return auditWriteError("complete node state", err).WithDetail("state_id", stateID)
	}
	return nil
}

// completed closes a state as completed with output.
func (e *runEnv) completed(ctx context.Context, stateID string, output interface{}, started time.Time, details map[string]interface{}) error {
	return e.completeState(ctx, stateID, audit.CompleteNodeStateRequest{
		Status:   audit.NodeStateCompleted,
		Output:   output,
		Context:  details,
		Duration: e.now().Sub(started),
	})
}

// failed closes a state as failed.
func (e *runEnv) failed(ctx context.Context, stateID string, reason map[string]interface{}, started time.Time) error {
	return e.completeState(ctx, stateID, audit.CompleteNodeStateRequest{
		Status:   audit.NodeStateFailed,
		Error:    reason,
		Duration: e.now().Sub(started),
	})
}

// pending closes a state as pending: the node holds the token.
func (e *runEnv) pending(ctx context.Context, stateID string, details map[string]interface{}) error {
	return e.completeState(ctx, stateID, audit.CompleteNodeStateRequest{
		Status:  audit.NodeStatePending,
		Context: details,
	})
}

// route records a single routing decision out of a node.
func (e *runEnv) route(ctx context.Context, stateID string, edge *Edge, reason map[string]interface{}) error {
	if _, err := e.recorder.RecordRoutingEvent(ctx, stateID, audit.Route{EdgeID: edge.ID, Mode: edge.Mode}, reason); err != nil {
		return auditWriteError("record routing event", err).WithNode(edge.From)
	}
	return nil
}

// outcome describes a terminal outcome to record for a token.
type outcome struct {
	kind    audit.RowOutcome
	sink    string
	batchID string
	details map[string]interface{}

	// Group ids override the token's own, such as the fork group of the
	// children of a forked parent.
	forkGroup   string
	expandGroup string
	joinGroup   string
}

// recordOutcome records the terminal outcome of tok and counts it in res.
func (e *runEnv) recordOutcome(ctx context.Context, tok *tokens.Token, o outcome, res *RowResult) error {
	rec := &audit.TokenOutcome{
		RunID:         e.runID,
		TokenID:       tok.TokenID,
		Outcome:       o.kind,
		SinkName:      o.sink,
		BatchID:       o.batchID,
		ForkGroupID:   tok.ForkGroupID,
		JoinGroupID:   tok.JoinGroupID,
		ExpandGroupID: tok.ExpandGroupID,
		Context:       o.details,
	}
	if o.forkGroup != "" {
		rec.ForkGroupID = o.forkGroup
	}
	if o.expandGroup != "" {
		rec.ExpandGroupID = o.expandGroup
	}
	if o.joinGroup != "" {
		rec.JoinGroupID = o.joinGroup
	}
	if err := e.recorder.RecordTokenOutcome(ctx, rec); err != nil {
		return auditWriteError("record token outcome", err).WithToken(tok.TokenID)
	}
	e.tel.Metrics.RecordTokenOutcome(string(o.kind))
	if res != nil {
		res.count(o.kind)
		if o.sink != "" && (o.kind == audit.OutcomeRouted || o.kind == audit.OutcomeQuarantined) {
			res.routed(o.sink)
		}
	}
	return nil
}

// retryHook returns the callback invoked before a plugin call at node is
// retried.
func (e *runEnv) retryHook(node *Node, tokenID string) func(int, time.Duration, error) {
	return func(attempt int, delay time.Duration, err error) {
		e.tel.Metrics.RecordRetry(node.PluginName)
		e.logger.WithNodeID(node.ID).WithTokenID(tokenID).WithError(err).Zerolog().Debug().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("retrying plugin call")
	}
}
