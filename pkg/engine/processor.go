package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/rowforge/pkg/audit"
	"github.com/openfroyo/rowforge/pkg/checkpoint"
	"github.com/openfroyo/rowforge/pkg/contracts"
	"github.com/openfroyo/rowforge/pkg/telemetry"
	"github.com/openfroyo/rowforge/pkg/tokens"
)

// DefaultMaxIterations bounds the work items processed for one row.
const DefaultMaxIterations = 10000

// workItem is a token waiting to be executed at a node.
type workItem struct {
	token *tokens.Token
	node  *Node
}

// Processor walks tokens through the graph. Forks and expansions add work
// items to a FIFO queue instead of recursing, so the depth of the graph
// never grows the stack.
type Processor struct {
	env           *runEnv
	graph         *Graph
	aggregations  *AggregationEngine
	coalesce      *CoalesceEngine
	maxIterations int
}

func newProcessor(env *runEnv, graph *Graph, maxIterations int) *Processor {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Processor{
		env:           env,
		graph:         graph,
		aggregations:  newAggregationEngine(env, graph),
		coalesce:      newCoalesceEngine(env, graph),
		maxIterations: maxIterations,
	}
}

// ProcessSourceRow records a source row and drives it through the graph.
// Valid rows carry contract; quarantined rows are recorded as they were
// loaded and sent to their quarantine destination.
func (p *Processor) ProcessSourceRow(ctx context.Context, rowIndex int, sr SourceRow, contract *contracts.SchemaContract) (RowResult, error) {
	var res RowResult
	src := p.graph.source

	if sr.Quarantined {
		p.env.tel.Metrics.RecordRowLoaded(src.Name, false)
		tok, err := p.env.tokens.CreateQuarantineToken(ctx, src.ID, rowIndex, sr.Data)
		if err != nil {
			return res, auditWriteError("create quarantine token", err).WithNode(src.ID)
		}
		return res, p.quarantine(ctx, tok, sr, &res)
	}

	p.env.tel.Metrics.RecordRowLoaded(src.Name, true)
	tok, err := p.env.tokens.CreateInitialToken(ctx, src.ID, rowIndex, contracts.NewRow(sr.Data, contract))
	if err != nil {
		return res, auditWriteError("create initial token", err).WithNode(src.ID)
	}
	return res, p.enter(ctx, tok, &res)
}

// ProcessRecoveredRow mints a new token for a row recorded by an earlier
// attempt of the run and drives it through the graph.
func (p *Processor) ProcessRecoveredRow(ctx context.Context, row checkpoint.RecoveredRow, contract *contracts.SchemaContract) (RowResult, error) {
	var res RowResult
	tok, err := p.env.tokens.CreateTokenForRow(ctx, row.RowID, contracts.NewRow(row.Data, contract))
	if err != nil {
		return res, auditWriteError("create token for recovered row", err).WithNode(p.graph.source.ID)
	}
	return res, p.enter(ctx, tok, &res)
}

// enter records the source step of tok and traverses from its successor.
func (p *Processor) enter(ctx context.Context, tok *tokens.Token, res *RowResult) error {
	src := p.graph.source
	state, err := p.env.beginState(ctx, tok, src, 1)
	if err != nil {
		return err
	}
	if err := p.env.completed(ctx, state.StateID, tok.Row.Data(), p.env.now(), nil); err != nil {
		return err
	}
	return p.run(ctx, []workItem{{token: tok, node: src.next}}, res)
}

func (p *Processor) quarantine(ctx context.Context, tok *tokens.Token, sr SourceRow, res *RowResult) error {
	src := p.graph.source
	dest := sr.QuarantineDestination
	if dest == "" {
		dest = src.quarantineTo
	}
	reason := map[string]interface{}{"reason": "validation_failed", "error": sr.Error}

	state, err := p.env.beginState(ctx, tok, src, 1)
	if err != nil {
		return err
	}
	if err := p.env.failed(ctx, state.StateID, reason, p.env.now()); err != nil {
		return err
	}
	_ = p.env.tel.Events.PublishRowQuarantined(p.env.runID, src.ID, tok.TokenID, sr.Error)

	if dest == OnErrorDiscard {
		return p.env.recordOutcome(ctx, tok, outcome{kind: audit.OutcomeQuarantined, details: reason}, res)
	}

	sink, ok := p.graph.Sink(dest)
	edge, hasEdge := src.edges[LabelQuarantine]
	if !ok || !hasEdge || edge.To != sink.ID {
		return NewPermanentError(fmt.Sprintf("no quarantine edge to sink %q", dest), nil).
			WithCode(ErrCodeRouteUnresolved).WithNode(src.ID).WithToken(tok.TokenID)
	}
	if err := p.env.route(ctx, state.StateID, edge, reason); err != nil {
		return err
	}
	res.Pending = append(res.Pending, SinkItem{
		Token:   tok,
		Sink:    dest,
		Outcome: audit.OutcomeQuarantined,
		Details: reason,
	})
	return nil
}

// run drains the work queue.
func (p *Processor) run(ctx context.Context, queue []workItem, res *RowResult) error {
	iterations := 0
	for len(queue) > 0 {
		iterations++
		if iterations > p.maxIterations {
			return NewPermanentError(fmt.Sprintf("work queue did not drain within %d steps", p.maxIterations), ErrIterationLimit).
				WithCode(ErrCodeIterationLimit).WithToken(queue[0].token.TokenID)
		}

		item := queue[0]
		queue = queue[1:]

		next, err := p.step(ctx, item, res)
		if err != nil {
			return err
		}
		queue = append(queue, next...)
		p.env.tel.Metrics.SetQueuedWorkItems(len(queue))
	}
	p.releaseJoins()
	return nil
}

// releaseJoins drops the merged-join markers of rows with no token left
// in an aggregation buffer or at a join. Once the queue has drained no
// late branch of such a row can still arrive.
func (p *Processor) releaseJoins() {
	if len(p.coalesce.merged) == 0 {
		return
	}
	held := make(map[string]bool)
	p.aggregations.heldRows(held)
	p.coalesce.heldRows(held)
	p.coalesce.release(held)
}

func (p *Processor) step(ctx context.Context, item workItem, res *RowResult) ([]workItem, error) {
	node := item.node
	if node == nil {
		return nil, NewPermanentError("token has no next node", nil).
			WithCode(ErrCodeRouteUnresolved).WithToken(item.token.TokenID)
	}

	switch node.Kind {
	case audit.NodeTypeTransform:
		return p.transform(ctx, item.token, node, res)

	case audit.NodeTypeGate:
		return p.gate(ctx, item.token, node, res)

	case audit.NodeTypeAggregation:
		step, flush, err := p.aggregations.Accept(ctx, node, item.token, res)
		if err != nil {
			return nil, err
		}
		if step.Status == StepPending || flush == nil {
			return nil, nil
		}
		return continueAt(flush.Node.next, flush.Outputs), nil

	case audit.NodeTypeCoalesce:
		step, merge, err := p.coalesce.Accept(ctx, node, item.token, res)
		if err != nil {
			return nil, err
		}
		if step.Status == StepPending || merge == nil {
			return nil, nil
		}
		return continueAt(merge.Node.next, []*tokens.Token{merge.Merged}), nil

	case audit.NodeTypeSink:
		res.Pending = append(res.Pending, SinkItem{
			Token:   item.token,
			Sink:    node.Name,
			Outcome: audit.OutcomeCompleted,
		})
		return nil, nil

	default:
		return nil, NewPermanentError(fmt.Sprintf("cannot execute %s node", node.Kind), nil).
			WithCode(ErrCodeInternal).WithNode(node.ID)
	}
}

// joinAudit adds the failure to record a node state to a fatal error.
func joinAudit(err error, auditErr error) error {
	if auditErr == nil {
		return err
	}
	return errors.Join(err, auditErr)
}

func continueAt(node *Node, toks []*tokens.Token) []workItem {
	out := make([]workItem, 0, len(toks))
	for _, t := range toks {
		out = append(out, workItem{token: t, node: node})
	}
	return out
}

func (p *Processor) transform(ctx context.Context, tok *tokens.Token, node *Node, res *RowResult) ([]workItem, error) {
	var state *audit.NodeState
	started := p.env.now()

	result, attempts, err := retryCall(ctx, p.env.retry, func(attempt int) (TransformResult, error) {
		s, err := p.env.beginState(ctx, tok, node, attempt)
		if err != nil {
			return TransformResult{}, err
		}
		state = s

		var r TransformResult
		callErr := telemetry.RecordNodeOperation(ctx, node.ID, string(node.Kind), node.PluginName, tok.TokenID,
			func(ctx context.Context) error {
				var err error
				r, err = node.transform.Process(ctx, tok.Row, p.env.pluginContext(node, attempt))
				return err
			})
		if callErr != nil {
			if err := p.env.failed(ctx, s.StateID, map[string]interface{}{
				"error":     callErr.Error(),
				"retryable": IsRetryable(callErr),
			}, started); err != nil {
				return TransformResult{}, err
			}
		}
		return r, callErr
	}, p.env.retryHook(node, tok.TokenID))

	if err != nil {
		if code := ErrorCode(err); code == ErrCodeAuditWrite {
			return nil, err
		}
		if IsRetryable(err) {
			p.env.logger.WithNodeID(node.ID).WithTokenID(tok.TokenID).WithError(err).Zerolog().Warn().
				Int("attempts", attempts).
				Msg("transform failed after retries")
			return nil, p.env.recordOutcome(ctx, tok, outcome{
				kind: audit.OutcomeFailed,
				details: map[string]interface{}{
					"reason":   "retries_exhausted",
					"error":    err.Error(),
					"attempts": attempts,
				},
			}, res)
		}
		return nil, NewPermanentError("transform failed", err).
			WithCode(ErrCodePluginFailed).WithNode(node.ID).WithToken(tok.TokenID)
	}

	if result.Failed() {
		return p.rejected(ctx, tok, node, state, result.ErrorReason, started, res)
	}

	if result.Multi {
		return p.expand(ctx, tok, node, state, result.Rows, started, res)
	}

	row := contracts.NewRow(result.Row, contracts.Derive(tok.Row.Contract(), result.Row))
	if err := p.env.completed(ctx, state.StateID, row.Data(), started, nil); err != nil {
		return nil, err
	}
	return []workItem{{token: p.env.tokens.UpdateRowData(tok, row), node: node.next}}, nil
}

// rejected applies the on_error policy of node to a row the transform
// rejected.
func (p *Processor) rejected(ctx context.Context, tok *tokens.Token, node *Node, state *audit.NodeState,
	reason map[string]interface{}, started time.Time, res *RowResult) ([]workItem, error) {
	if err := p.env.failed(ctx, state.StateID, reason, started); err != nil {
		return nil, err
	}

	switch node.onError {
	case "":
		return nil, NewPermanentError("transform rejected a row and has no on_error policy", nil).
			WithCode(ErrCodePluginFailed).WithNode(node.ID).WithToken(tok.TokenID).
			WithDetail("reason", reason)

	case OnErrorDiscard:
		return nil, p.env.recordOutcome(ctx, tok, outcome{kind: audit.OutcomeQuarantined, details: reason}, res)

	default:
		edge, ok := node.edges[LabelOnError]
		if !ok {
			return nil, NewPermanentError("transform has no on_error edge", nil).
				WithCode(ErrCodeRouteUnresolved).WithNode(node.ID).WithToken(tok.TokenID)
		}
		if err := p.env.route(ctx, state.StateID, edge, reason); err != nil {
			return nil, err
		}
		res.Pending = append(res.Pending, SinkItem{
			Token:   tok,
			Sink:    node.onError,
			Outcome: audit.OutcomeRouted,
			Details: reason,
		})
		return nil, nil
	}
}

// expand turns a multi-row transform result into child tokens.
func (p *Processor) expand(ctx context.Context, tok *tokens.Token, node *Node, state *audit.NodeState,
	rows []map[string]interface{}, started time.Time, res *RowResult) ([]workItem, error) {
	if tc, ok := node.transform.(TokenCreator); !ok || !tc.CreatesTokens() {
		ferr := p.env.failed(ctx, state.StateID, map[string]interface{}{"error": "multi-row result from a transform that does not create tokens"}, started)
		return nil, joinAudit(NewPermanentError("transform returned multiple rows but does not create tokens", nil).
			WithCode(ErrCodePluginContract).WithNode(node.ID).WithToken(tok.TokenID), ferr)
	}
	if len(rows) == 0 {
		ferr := p.env.failed(ctx, state.StateID, map[string]interface{}{"error": "empty multi-row result"}, started)
		return nil, joinAudit(NewPermanentError("transform returned an empty multi-row result", nil).
			WithCode(ErrCodePluginContract).WithNode(node.ID).WithToken(tok.TokenID), ferr)
	}

	contract := contracts.Derive(tok.Row.Contract(), rows[0])
	children, groupID, err := p.env.tokens.ExpandToken(ctx, tok, rows, contract, node.Sequence)
	if err != nil {
		if errors.Is(err, ErrUnlockedContract) {
			return nil, NewPermanentError("expansion contract is not locked", err).
				WithCode(ErrCodeContractUnlocked).WithNode(node.ID).WithToken(tok.TokenID)
		}
		return nil, auditWriteError("expand token", err).WithNode(node.ID).WithToken(tok.TokenID)
	}

	details := map[string]interface{}{"expand_group_id": groupID, "children": len(children)}
	if err := p.env.completed(ctx, state.StateID, rows, started, details); err != nil {
		return nil, err
	}
	if err := p.env.recordOutcome(ctx, tok, outcome{
		kind:        audit.OutcomeExpanded,
		expandGroup: groupID,
		details:     details,
	}, res); err != nil {
		return nil, err
	}
	return continueAt(node.next, children), nil
}

// routeLabel maps a condition result to a route label.
func routeLabel(v interface{}) string {
	switch b := v.(type) {
	case bool:
		if b {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(v)
	}
}

func (p *Processor) gate(ctx context.Context, tok *tokens.Token, node *Node, res *RowResult) ([]workItem, error) {
	started := p.env.now()
	state, err := p.env.beginState(ctx, tok, node, 1)
	if err != nil {
		return nil, err
	}

	var value interface{}
	evalErr := telemetry.RecordNodeOperation(ctx, node.ID, string(node.Kind), node.PluginName, tok.TokenID,
		func(ctx context.Context) error {
			var err error
			value, err = node.gate.Condition.Evaluate(ctx, tok.Row.Data())
			return err
		})
	if evalErr != nil {
		ferr := p.env.failed(ctx, state.StateID, map[string]interface{}{"error": evalErr.Error()}, started)
		return nil, joinAudit(NewPermanentError("gate condition failed", evalErr).
			WithCode(ErrCodePluginFailed).WithNode(node.ID).WithToken(tok.TokenID), ferr)
	}

	label := routeLabel(value)
	target, ok := node.gate.Routes[label]
	if !ok {
		ferr := p.env.failed(ctx, state.StateID, map[string]interface{}{"error": "no route", "label": label}, started)
		return nil, joinAudit(NewPermanentError(fmt.Sprintf("gate has no route for %q", label), nil).
			WithCode(ErrCodeRouteUnresolved).WithNode(node.ID).WithToken(tok.TokenID), ferr)
	}
	reason := map[string]interface{}{
		"condition": node.gate.Condition.Expression(),
		"result":    label,
	}
	details := map[string]interface{}{"route": label, "target": target}

	if target == RouteFork {
		return p.fork(ctx, tok, node, state, reason, details, started, res)
	}

	edge, ok := node.edges[label]
	if !ok {
		ferr := p.env.failed(ctx, state.StateID, map[string]interface{}{"error": "no edge", "label": label}, started)
		return nil, joinAudit(NewPermanentError(fmt.Sprintf("gate has no edge for %q", label), nil).
			WithCode(ErrCodeRouteUnresolved).WithNode(node.ID).WithToken(tok.TokenID), ferr)
	}
	if err := p.env.completed(ctx, state.StateID, tok.Row.Data(), started, details); err != nil {
		return nil, err
	}
	if err := p.env.route(ctx, state.StateID, edge, reason); err != nil {
		return nil, err
	}

	if target == RouteContinue {
		return []workItem{{token: tok, node: node.next}}, nil
	}
	res.Pending = append(res.Pending, SinkItem{
		Token:   tok,
		Sink:    target,
		Outcome: audit.OutcomeRouted,
		Details: reason,
	})
	return nil, nil
}

// fork sends one child of tok down every branch the gate forks to.
func (p *Processor) fork(ctx context.Context, tok *tokens.Token, node *Node, state *audit.NodeState,
	reason, details map[string]interface{}, started time.Time, res *RowResult) ([]workItem, error) {
	branches := node.gate.ForkTo
	routes := make([]audit.Route, 0, len(branches))
	targets := make([]*Node, 0, len(branches))
	for _, br := range branches {
		edge, ok := node.edges[br]
		if !ok {
			ferr := p.env.failed(ctx, state.StateID, map[string]interface{}{"error": "no fork edge", "branch": br}, started)
			return nil, joinAudit(NewPermanentError(fmt.Sprintf("gate has no edge for branch %q", br), nil).
				WithCode(ErrCodeRouteUnresolved).WithNode(node.ID).WithToken(tok.TokenID), ferr)
		}
		routes = append(routes, audit.Route{EdgeID: edge.ID, Mode: edge.Mode})
		n, _ := p.graph.Node(edge.To)
		targets = append(targets, n)
	}

	children, groupID, err := p.env.tokens.ForkToken(ctx, tok, branches, node.Sequence)
	if err != nil {
		if errors.Is(err, ErrUnlockedContract) {
			return nil, NewPermanentError("fork contract is not locked", err).
				WithCode(ErrCodeContractUnlocked).WithNode(node.ID).WithToken(tok.TokenID)
		}
		return nil, auditWriteError("fork token", err).WithNode(node.ID).WithToken(tok.TokenID)
	}

	details["fork_group_id"] = groupID
	details["branches"] = branches
	if err := p.env.completed(ctx, state.StateID, tok.Row.Data(), started, details); err != nil {
		return nil, err
	}
	if _, err := p.env.recorder.RecordRoutingEvents(ctx, state.StateID, routes, reason); err != nil {
		return nil, auditWriteError("record routing events", err).WithNode(node.ID)
	}
	if err := p.env.recordOutcome(ctx, tok, outcome{
		kind:      audit.OutcomeForked,
		forkGroup: groupID,
		details:   map[string]interface{}{"branches": branches},
	}, res); err != nil {
		return nil, err
	}

	items := make([]workItem, 0, len(children))
	for i, child := range children {
		items = append(items, workItem{token: child, node: targets[i]})
	}
	return items, nil
}

// CheckTimeouts releases aggregation buffers and best-effort joins whose
// timeout elapsed, and drives their outputs on through the graph.
func (p *Processor) CheckTimeouts(ctx context.Context) (RowResult, error) {
	var res RowResult
	flushes, err := p.aggregations.CheckTimeouts(ctx, &res)
	if err != nil {
		return res, err
	}
	var queue []workItem
	for _, f := range flushes {
		queue = append(queue, continueAt(f.Node.next, f.Outputs)...)
	}

	merges, err := p.coalesce.CheckTimeouts(ctx, &res)
	if err != nil {
		return res, err
	}
	for _, m := range merges {
		queue = append(queue, workItem{token: m.Merged, node: m.Node.next})
	}
	return res, p.run(ctx, queue, &res)
}

// Flush resolves everything still held at end of stream. Nodes are
// flushed in topological order, so the outputs of an upstream flush reach
// downstream buffers before those are flushed.
func (p *Processor) Flush(ctx context.Context) (RowResult, error) {
	var res RowResult
	for _, node := range p.graph.order {
		var queue []workItem

		switch node.Kind {
		case audit.NodeTypeAggregation:
			f, err := p.aggregations.Flush(ctx, node, TriggerEndOfSource, &res)
			if err != nil {
				return res, err
			}
			if f != nil {
				queue = continueAt(node.next, f.Outputs)
			}
		case audit.NodeTypeCoalesce:
			merges, err := p.coalesce.Flush(ctx, node, &res)
			if err != nil {
				return res, err
			}
			for _, m := range merges {
				queue = append(queue, workItem{token: m.Merged, node: node.next})
			}
		default:
			continue
		}

		if err := p.run(ctx, queue, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Held returns the number of tokens held by aggregation buffers and joins.
func (p *Processor) Held() int {
	return p.aggregations.Held() + p.coalesce.Held()
}

// Snapshot captures the held state for a checkpoint.
func (p *Processor) Snapshot() checkpoint.BufferState {
	return checkpoint.BufferState{
		Version:      checkpoint.FormatVersion,
		Aggregations: p.aggregations.Snapshot(),
		Coalesce:     p.coalesce.Snapshot(),
		Merged:       p.coalesce.SnapshotMerged(),
	}
}

// Restore loads held state from a resume plan.
func (p *Processor) Restore(state checkpoint.BufferState) error {
	if err := p.aggregations.Restore(state.Aggregations); err != nil {
		return err
	}
	if err := p.coalesce.Restore(state.Coalesce); err != nil {
		return err
	}
	return p.coalesce.RestoreMerged(state.Merged)
}
