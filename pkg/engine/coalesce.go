package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/openfroyo/rowforge/pkg/audit"
	"github.com/openfroyo/rowforge/pkg/checkpoint"
	"github.com/openfroyo/rowforge/pkg/contracts"
	"github.com/openfroyo/rowforge/pkg/tokens"
)

// Merge reasons recorded with every coalesce.
const (
	ReasonAllArrived   = "all_arrived"
	ReasonQuorumMet    = "quorum_met"
	ReasonTimeout      = "timeout"
	ReasonFirstArrival = "first_arrival"
	ReasonEndOfSource  = "end_of_source"

	ReasonIncompleteJoin      = "incomplete_join"
	ReasonSelectBranchMissing = "select_branch_missing"
)

type arrival struct {
	branch    string
	token     *tokens.Token
	stateID   string
	arrivedAt time.Time
}

// pendingJoin is a join waiting for more branches of one row.
type pendingJoin struct {
	node         *Node
	rowID        string
	firstArrival time.Time
	arrivals     []*arrival
}

func (p *pendingJoin) has(branch string) bool {
	for _, a := range p.arrivals {
		if a.branch == branch {
			return true
		}
	}
	return false
}

func (p *pendingJoin) branches() []string {
	out := make([]string, 0, len(p.arrivals))
	for _, a := range p.arrivals {
		out = append(out, a.branch)
	}
	return out
}

type joinKey struct {
	nodeID string
	rowID  string
}

// MergeResult is a completed join.
type MergeResult struct {
	Node *Node

	// Merged continues traversal from the node's successor.
	Merged *tokens.Token

	Reason   string
	Branches []string
}

// CoalesceEngine tracks the pending joins of a run, keyed by coalesce node
// and row. Joins are only touched by the run's control loop.
type CoalesceEngine struct {
	env     *runEnv
	graph   *Graph
	pending map[joinKey]*pendingJoin
	order   []joinKey

	// merged remembers joins that merged before every branch arrived, so
	// late branches are consumed instead of starting a new join. Entries
	// live only while some token of the row is still in flight.
	merged map[joinKey]bool
}

func newCoalesceEngine(env *runEnv, graph *Graph) *CoalesceEngine {
	return &CoalesceEngine{
		env:     env,
		graph:   graph,
		pending: make(map[joinKey]*pendingJoin),
		merged:  make(map[joinKey]bool),
	}
}

// Accept hands a branch token to a join. The result is pending while the
// join waits for more branches. A completed result carries the merge, or
// nil when the token was consumed without producing one.
func (c *CoalesceEngine) Accept(ctx context.Context, node *Node, tok *tokens.Token, res *RowResult) (StepResult, *MergeResult, error) {
	spec := node.coalesce
	if !contains(spec.Branches, tok.BranchName) {
		err := NewPermanentError(fmt.Sprintf("token on branch %q reached a join of %v", tok.BranchName, spec.Branches), nil).
			WithCode(ErrCodeRouteUnresolved).WithNode(node.ID).WithToken(tok.TokenID)
		return Failed(err), nil, err
	}

	state, err := c.env.beginState(ctx, tok, node, 1)
	if err != nil {
		return Failed(err), nil, err
	}

	key := joinKey{nodeID: node.ID, rowID: tok.RowID}
	now := c.env.now()

	if c.merged[key] {
		details := map[string]interface{}{
			"policy":       string(spec.Policy),
			"branch":       tok.BranchName,
			"late_arrival": true,
		}
		if err := c.env.completed(ctx, state.StateID, tok.Row.Data(), now, details); err != nil {
			return Failed(err), nil, err
		}
		if err := c.env.recordOutcome(ctx, tok, outcome{kind: audit.OutcomeCoalesced, details: details}, res); err != nil {
			return Failed(err), nil, err
		}
		return Completed(), nil, nil
	}

	join, ok := c.pending[key]
	if !ok {
		join = &pendingJoin{node: node, rowID: tok.RowID, firstArrival: now}
		c.pending[key] = join
		c.order = append(c.order, key)
	}
	if join.has(tok.BranchName) {
		err := NewPermanentError(fmt.Sprintf("branch %s delivered a second token for row %s", tok.BranchName, tok.RowID), nil).
			WithCode(ErrCodeConfig).WithNode(node.ID).WithToken(tok.TokenID)
		return Failed(err), nil, err
	}

	if err := c.env.pending(ctx, state.StateID, map[string]interface{}{
		"branch":  tok.BranchName,
		"arrived": len(join.arrivals) + 1,
	}); err != nil {
		return Failed(err), nil, err
	}
	join.arrivals = append(join.arrivals, &arrival{
		branch:    tok.BranchName,
		token:     tok,
		stateID:   state.StateID,
		arrivedAt: now,
	})

	reason := c.ready(join, now)
	if reason == "" {
		var retryAfter time.Duration
		if spec.Policy == PolicyBestEffort {
			retryAfter = spec.Timeout - now.Sub(join.firstArrival)
		}
		c.env.logger.WithNodeID(node.ID).WithTokenID(tok.TokenID).Zerolog().Debug().
			Str("branch", tok.BranchName).
			Int("arrived", len(join.arrivals)).
			Msg("branch held at join")
		return Pending(retryAfter), nil, nil
	}

	merge, err := c.complete(ctx, key, reason, res)
	if err != nil {
		return Failed(err), nil, err
	}
	return Completed(), merge, nil
}

// ready returns the merge reason if the join's policy is satisfied.
func (c *CoalesceEngine) ready(join *pendingJoin, now time.Time) string {
	spec := join.node.coalesce
	n := len(join.arrivals)
	switch spec.Policy {
	case PolicyRequireAll:
		if n == len(spec.Branches) {
			return ReasonAllArrived
		}
	case PolicyQuorum:
		if n >= spec.Quorum {
			return ReasonQuorumMet
		}
	case PolicyBestEffort:
		if n == len(spec.Branches) {
			return ReasonAllArrived
		}
		if now.Sub(join.firstArrival) >= spec.Timeout {
			return ReasonTimeout
		}
	case PolicyFirst:
		return ReasonFirstArrival
	}
	return ""
}

// CheckTimeouts merges every best-effort join whose timeout elapsed.
func (c *CoalesceEngine) CheckTimeouts(ctx context.Context, res *RowResult) ([]*MergeResult, error) {
	var out []*MergeResult
	now := c.env.now()
	for _, key := range append([]joinKey(nil), c.order...) {
		join := c.pending[key]
		spec := join.node.coalesce
		if spec.Policy != PolicyBestEffort || now.Sub(join.firstArrival) < spec.Timeout {
			continue
		}
		merge, err := c.complete(ctx, key, ReasonTimeout, res)
		if err != nil {
			return out, err
		}
		if merge != nil {
			out = append(out, merge)
		}
	}
	return out, nil
}

// Flush resolves every pending join of node at end of stream. Best-effort
// joins merge what arrived; require_all and quorum joins fail their held
// tokens.
func (c *CoalesceEngine) Flush(ctx context.Context, node *Node, res *RowResult) ([]*MergeResult, error) {
	var out []*MergeResult
	for _, key := range append([]joinKey(nil), c.order...) {
		if key.nodeID != node.ID {
			continue
		}
		join := c.pending[key]
		if node.coalesce.Policy == PolicyBestEffort {
			merge, err := c.complete(ctx, key, ReasonEndOfSource, res)
			if err != nil {
				return out, err
			}
			if merge != nil {
				out = append(out, merge)
			}
			continue
		}
		c.remove(key)
		if err := c.failJoin(ctx, join, ReasonIncompleteJoin, res); err != nil {
			return out, err
		}
		c.env.logger.WithNodeID(node.ID).Zerolog().Warn().
			Str("row_id", join.rowID).
			Strs("branches_arrived", join.branches()).
			Msg("join incomplete at end of source")
	}
	return out, nil
}

// Held returns the number of tokens waiting at joins.
func (c *CoalesceEngine) Held() int {
	n := 0
	for _, j := range c.pending {
		n += len(j.arrivals)
	}
	return n
}

// heldRows adds the rows with tokens waiting at a join to rows.
func (c *CoalesceEngine) heldRows(rows map[string]bool) {
	for key := range c.pending {
		rows[key.rowID] = true
	}
}

// release forgets the merged joins of rows not in held.
func (c *CoalesceEngine) release(held map[string]bool) {
	for key := range c.merged {
		if !held[key.rowID] {
			delete(c.merged, key)
		}
	}
}

func (c *CoalesceEngine) remove(key joinKey) {
	delete(c.pending, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// metadata describes why and how a join resolved.
func (c *CoalesceEngine) metadata(join *pendingJoin, reason string) map[string]interface{} {
	spec := join.node.coalesce
	arrived := join.branches()
	var missing []string
	for _, b := range spec.Branches {
		if !join.has(b) {
			missing = append(missing, b)
		}
	}
	order := make([]interface{}, 0, len(join.arrivals))
	for _, a := range join.arrivals {
		order = append(order, map[string]interface{}{
			"branch":     a.branch,
			"token_id":   a.token.TokenID,
			"arrived_at": a.arrivedAt.UTC(),
		})
	}
	return map[string]interface{}{
		"policy":           string(spec.Policy),
		"merge":            string(spec.Merge),
		"reason":           reason,
		"branches_arrived": arrived,
		"branches_missing": missing,
		"arrival_order":    order,
	}
}

// complete merges a pending join. It returns nil without error when the
// join failed instead, as when the select branch did not arrive.
func (c *CoalesceEngine) complete(ctx context.Context, key joinKey, reason string, res *RowResult) (*MergeResult, error) {
	join := c.pending[key]
	node := join.node
	spec := node.coalesce
	c.remove(key)

	if spec.Merge == MergeSelect && !join.has(spec.SelectBranch) {
		return nil, c.failJoin(ctx, join, ReasonSelectBranchMissing, res)
	}

	row, err := mergeRows(spec, join.arrivals)
	if err != nil {
		return nil, err.WithNode(node.ID)
	}

	parents := make([]*tokens.Token, 0, len(join.arrivals))
	for _, a := range join.arrivals {
		parents = append(parents, a.token)
	}
	merged, mergeErr := c.env.tokens.CoalesceTokens(ctx, parents, row, c.graph.mergeBranch[spec.Name], node.Sequence)
	if mergeErr != nil {
		if errors.Is(mergeErr, tokens.ErrUnlockedContract) {
			return nil, NewPermanentError("coalesce output contract is not locked", mergeErr).
				WithCode(ErrCodeContractUnlocked).WithNode(node.ID)
		}
		return nil, auditWriteError("coalesce tokens", mergeErr).WithNode(node.ID)
	}

	details := c.metadata(join, reason)
	for _, a := range join.arrivals {
		if err := c.env.completed(ctx, a.stateID, row.Data(), a.arrivedAt, details); err != nil {
			return nil, err
		}
		if err := c.env.recordOutcome(ctx, a.token, outcome{
			kind:      audit.OutcomeCoalesced,
			details:   details,
			joinGroup: merged.JoinGroupID,
		}, res); err != nil {
			return nil, err
		}
	}

	if len(join.arrivals) < len(spec.Branches) {
		c.merged[key] = true
	}

	branches := join.branches()
	c.env.tel.Metrics.RecordCoalesce(string(spec.Policy), reason)
	_ = c.env.tel.Events.PublishCoalesceMerged(c.env.runID, node.ID, merged.TokenID, reason, branches)
	c.env.logger.WithNodeID(node.ID).WithTokenID(merged.TokenID).Zerolog().Debug().
		Str("reason", reason).
		Strs("branches", branches).
		Msg("join merged")

	return &MergeResult{Node: node, Merged: merged, Reason: reason, Branches: branches}, nil
}

// failJoin records every held token of a removed join as failed.
func (c *CoalesceEngine) failJoin(ctx context.Context, join *pendingJoin, reason string, res *RowResult) error {
	details := c.metadata(join, reason)
	now := c.env.now()
	for _, a := range join.arrivals {
		if err := c.env.failed(ctx, a.stateID, details, now); err != nil {
			return err
		}
		if err := c.env.recordOutcome(ctx, a.token, outcome{kind: audit.OutcomeFailed, details: details}, res); err != nil {
			return err
		}
	}
	c.env.tel.Metrics.RecordCoalesce(string(join.node.coalesce.Policy), reason)
	return nil
}

// mergeRows combines the payloads of a join per the merge strategy.
func mergeRows(spec *CoalesceSpec, arrivals []*arrival) (contracts.Row, *EngineError) {
	switch spec.Merge {
	case MergeNested:
		data := make(map[string]interface{}, len(arrivals))
		branches := make([]string, 0, len(arrivals))
		for _, a := range arrivals {
			data[a.branch] = a.token.Row.ToMap()
			branches = append(branches, a.branch)
		}
		return contracts.NewRow(data, contracts.Nested(branches)), nil

	case MergeSelect:
		for _, a := range arrivals {
			if a.branch == spec.SelectBranch {
				return a.token.Row.Clone(), nil
			}
		}
		return contracts.Row{}, NewPermanentError("select branch did not arrive", nil).WithCode(ErrCodeInternal)

	default:
		data := make(map[string]interface{})
		var contract *contracts.SchemaContract
		for _, a := range arrivals {
			for k, v := range a.token.Row.ToMap() {
				data[k] = v
			}
			merged, err := contracts.Merge(contract, a.token.Row.Contract())
			if err != nil {
				return contracts.Row{}, NewPermanentError("branch contracts conflict", err).
					WithCode(ErrCodePluginContract).WithDetail("branch", a.branch)
			}
			contract = merged
		}
		return contracts.NewRow(data, contract), nil
	}
}

// SnapshotMerged returns the merged joins that still expect late branches,
// sorted by node and row.
func (c *CoalesceEngine) SnapshotMerged() []checkpoint.MergedJoinState {
	var out []checkpoint.MergedJoinState
	for key := range c.merged {
		out = append(out, checkpoint.MergedJoinState{NodeID: key.nodeID, RowID: key.rowID})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].RowID < out[j].RowID
	})
	return out
}

// RestoreMerged reloads merged joins from checkpointed state.
func (c *CoalesceEngine) RestoreMerged(states []checkpoint.MergedJoinState) error {
	for _, s := range states {
		node, ok := c.graph.Node(s.NodeID)
		if !ok || node.Kind != audit.NodeTypeCoalesce {
			return NewPermanentError("checkpoint references unknown coalesce node", nil).
				WithCode(ErrCodeConfig).WithNode(s.NodeID)
		}
		c.merged[joinKey{nodeID: s.NodeID, rowID: s.RowID}] = true
	}
	return nil
}

// Snapshot returns the JSON-safe state of every pending join.
func (c *CoalesceEngine) Snapshot() []checkpoint.CoalescePendingState {
	out := make([]checkpoint.CoalescePendingState, 0, len(c.order))
	for _, key := range c.order {
		join := c.pending[key]
		state := checkpoint.CoalescePendingState{
			NodeID:       key.nodeID,
			RowID:        key.rowID,
			FirstArrival: join.firstArrival,
		}
		for _, a := range join.arrivals {
			state.Arrivals = append(state.Arrivals, checkpoint.CoalesceArrivalState{
				Branch:    a.branch,
				ArrivedAt: a.arrivedAt,
				Token:     checkpoint.FromToken(a.token, a.stateID),
			})
		}
		out = append(out, state)
	}
	return out
}

// Restore refills pending joins from checkpointed state.
func (c *CoalesceEngine) Restore(states []checkpoint.CoalescePendingState) error {
	for _, s := range states {
		node, ok := c.graph.Node(s.NodeID)
		if !ok || node.Kind != audit.NodeTypeCoalesce {
			return NewPermanentError("checkpoint references unknown coalesce node", nil).
				WithCode(ErrCodeConfig).WithNode(s.NodeID)
		}
		key := joinKey{nodeID: s.NodeID, rowID: s.RowID}
		join := &pendingJoin{node: node, rowID: s.RowID, firstArrival: s.FirstArrival}
		for _, as := range s.Arrivals {
			tok, err := as.Token.Restore()
			if err != nil {
				return NewPermanentError("restore held token", err).WithCode(ErrCodeInternal).WithNode(s.NodeID)
			}
			join.arrivals = append(join.arrivals, &arrival{
				branch:    as.Branch,
				token:     tok,
				stateID:   as.Token.StateID,
				arrivedAt: as.ArrivedAt,
			})
		}
		c.pending[key] = join
		c.order = append(c.order, key)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
