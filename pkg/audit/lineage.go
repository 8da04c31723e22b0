package audit

import (
	"context"
	"errors"
	"fmt"
)

// Lineage is everything the trail records about one source row: its
// tokens in creation order, and for each token its parent links, node
// states, routing events and outcome.
type Lineage struct {
	Run    *Run
	Row    *Row
	Tokens []TokenLineage

	// Focus is the token id the lineage was requested for, or empty when
	// it was requested by row id.
	Focus string
}

// TokenLineage is the recorded history of one token.
type TokenLineage struct {
	Token   Token
	Parents []TokenParent
	States  []StateLineage

	// Outcome is nil when the token has no terminal outcome yet.
	Outcome *TokenOutcome
}

// StateLineage is one node state and the routing decisions taken from it.
type StateLineage struct {
	State  NodeState
	Routes []RoutingEvent
}

// Explain loads the lineage of the row identified by id, which may be a row
// id or a token id. The row must belong to runID.
func Explain(ctx context.Context, r Reader, runID, id string) (*Lineage, error) {
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	lin := &Lineage{Run: run}
	row, err := r.GetRow(ctx, id)
	if errors.Is(err, ErrNotFound) {
		tok, terr := r.GetToken(ctx, id)
		if terr != nil {
			return nil, fmt.Errorf("explain %s: no row or token with that id: %w", id, ErrNotFound)
		}
		lin.Focus = tok.TokenID
		row, err = r.GetRow(ctx, tok.RowID)
	}
	if err != nil {
		return nil, fmt.Errorf("explain %s: %w", id, err)
	}
	if row.RunID != runID {
		return nil, fmt.Errorf("explain %s: row belongs to run %s, not %s: %w", id, row.RunID, runID, ErrNotFound)
	}
	lin.Row = row

	toks, err := r.GetTokensForRow(ctx, row.RowID)
	if err != nil {
		return nil, fmt.Errorf("explain %s: tokens: %w", id, err)
	}
	for _, t := range toks {
		tl := TokenLineage{Token: t}
		if tl.Parents, err = r.GetTokenParents(ctx, t.TokenID); err != nil {
			return nil, fmt.Errorf("explain token %s: parents: %w", t.TokenID, err)
		}
		states, err := r.GetNodeStates(ctx, t.TokenID)
		if err != nil {
			return nil, fmt.Errorf("explain token %s: node states: %w", t.TokenID, err)
		}
		for _, st := range states {
			routes, err := r.GetRoutingEvents(ctx, st.StateID)
			if err != nil {
				return nil, fmt.Errorf("explain state %s: routing: %w", st.StateID, err)
			}
			tl.States = append(tl.States, StateLineage{State: st, Routes: routes})
		}
		outcome, err := r.GetTokenOutcome(ctx, t.TokenID)
		switch {
		case err == nil:
			tl.Outcome = outcome
		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("explain token %s: outcome: %w", t.TokenID, err)
		}
		lin.Tokens = append(lin.Tokens, tl)
	}
	return lin, nil
}

// Ancestors returns the ids of every token tokenID was derived from, nearest
// first. The lineage must contain tokenID.
func (l *Lineage) Ancestors(tokenID string) []string {
	byID := make(map[string]*TokenLineage, len(l.Tokens))
	for i := range l.Tokens {
		byID[l.Tokens[i].Token.TokenID] = &l.Tokens[i]
	}

	var out []string
	seen := map[string]bool{tokenID: true}
	queue := []string{tokenID}
	for len(queue) > 0 {
		t, ok := byID[queue[0]]
		queue = queue[1:]
		if !ok {
			continue
		}
		for _, p := range t.Parents {
			if seen[p.ParentTokenID] {
				continue
			}
			seen[p.ParentTokenID] = true
			out = append(out, p.ParentTokenID)
			queue = append(queue, p.ParentTokenID)
		}
	}
	return out
}

// Terminal reports whether every token of the row has an outcome.
func (l *Lineage) Terminal() bool {
	if len(l.Tokens) == 0 {
		return false
	}
	for _, t := range l.Tokens {
		if t.Outcome == nil {
			return false
		}
	}
	return true
}
