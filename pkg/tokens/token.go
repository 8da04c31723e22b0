// Package tokens implements the token and lineage model: the identities the
// engine moves through a pipeline graph and the parent links that tie every
// token back to its source row.
package tokens

import (
	"errors"
	"fmt"

	"github.com/openfroyo/rowforge/pkg/audit"
	"github.com/openfroyo/rowforge/pkg/contracts"
)

// ErrUnlockedContract is returned when an identity-producing operation is
// given an output contract that is not locked. Nothing is recorded when this
// error is returned.
var ErrUnlockedContract = errors.New("output contract is not locked")

// Token is one in-flight identity of a row.
//
// The lineage fields (TokenID, RowID, BranchName and the group ids) are set
// once by the Manager and never change. Row changes as transforms run; use
// WithRow to obtain an updated copy.
type Token struct {
	TokenID string
	RowID   string
	Row     contracts.Row

	// BranchName is set only inside a forked subgraph.
	BranchName string

	// At most one of the group ids is set. It names the operation that
	// created the token.
	ForkGroupID   string
	ExpandGroupID string
	JoinGroupID   string

	StepInPipeline int
}

// WithRow returns a copy of the token carrying row. Lineage is preserved.
func (t *Token) WithRow(row contracts.Row) *Token {
	out := *t
	out.Row = row
	return &out
}

// Audit returns the audit record view of the token.
func (t *Token) Audit(runID string) audit.Token {
	return audit.Token{
		TokenID:        t.TokenID,
		RowID:          t.RowID,
		RunID:          runID,
		BranchName:     t.BranchName,
		ForkGroupID:    t.ForkGroupID,
		ExpandGroupID:  t.ExpandGroupID,
		JoinGroupID:    t.JoinGroupID,
		StepInPipeline: t.StepInPipeline,
	}
}

func (t *Token) String() string {
	if t.BranchName != "" {
		return fmt.Sprintf("token %s (row %s, branch %s)", t.TokenID, t.RowID, t.BranchName)
	}
	return fmt.Sprintf("token %s (row %s)", t.TokenID, t.RowID)
}

func requireLocked(c *contracts.SchemaContract, op string) error {
	if c == nil || !c.Locked() {
		return fmt.Errorf("%s: %w", op, ErrUnlockedContract)
	}
	return nil
}

func fromAudit(a audit.Token, row contracts.Row) *Token {
	return &Token{
		TokenID:        a.TokenID,
		RowID:          a.RowID,
		Row:            row,
		BranchName:     a.BranchName,
		ForkGroupID:    a.ForkGroupID,
		ExpandGroupID:  a.ExpandGroupID,
		JoinGroupID:    a.JoinGroupID,
		StepInPipeline: a.StepInPipeline,
	}
}

// Restore rebuilds a token from checkpointed state.
func Restore(a audit.Token, row contracts.Row) *Token {
	return fromAudit(a, row)
}
