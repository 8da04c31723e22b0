package tokens

import (
	"context"
	"fmt"

	"github.com/openfroyo/rowforge/pkg/audit"
	"github.com/openfroyo/rowforge/pkg/contracts"
)

// Manager creates tokens for one run and records their lineage.
//
// Every method records tokens and parent links through the recorder before
// returning them, so a token is never visible to the processor without its
// lineage.
type Manager struct {
	recorder audit.Recorder
	runID    string
}

// NewManager creates a token manager for a run.
func NewManager(recorder audit.Recorder, runID string) *Manager {
	return &Manager{recorder: recorder, runID: runID}
}

// RunID returns the run the manager records into.
func (m *Manager) RunID() string { return m.runID }

// CreateInitialToken records a source row and its first token.
func (m *Manager) CreateInitialToken(ctx context.Context, sourceNodeID string, rowIndex int, row contracts.Row) (*Token, error) {
	rec, err := m.recorder.CreateRow(ctx, m.runID, sourceNodeID, rowIndex, row.Data())
	if err != nil {
		return nil, fmt.Errorf("create row %d: %w", rowIndex, err)
	}
	return m.tokenForRow(ctx, rec.RowID, row)
}

// CreateQuarantineToken records a source row that failed validation. The
// payload is kept as-is under an observed contract.
func (m *Manager) CreateQuarantineToken(ctx context.Context, sourceNodeID string, rowIndex int, data map[string]interface{}) (*Token, error) {
	if data == nil {
		data = map[string]interface{}{}
	}
	row := contracts.NewRow(data, contracts.Infer(contracts.ModeObserved, data).Lock())
	return m.CreateInitialToken(ctx, sourceNodeID, rowIndex, row)
}

// CreateTokenForRow records a new first token for an existing row. It is
// used on resume, where the row record already exists.
func (m *Manager) CreateTokenForRow(ctx context.Context, rowID string, row contracts.Row) (*Token, error) {
	return m.tokenForRow(ctx, rowID, row)
}

func (m *Manager) tokenForRow(ctx context.Context, rowID string, row contracts.Row) (*Token, error) {
	tok, err := m.recorder.CreateToken(ctx, audit.NewToken{RunID: m.runID, RowID: rowID})
	if err != nil {
		return nil, fmt.Errorf("create token for row %s: %w", rowID, err)
	}
	return fromAudit(*tok, row), nil
}

// ForkToken creates one child per branch. Each child gets its own deep copy
// of the parent's row, so no two children share mutable data.
func (m *Manager) ForkToken(ctx context.Context, parent *Token, branches []string, step int) ([]*Token, string, error) {
	if err := requireLocked(parent.Row.Contract(), "fork"); err != nil {
		return nil, "", err
	}
	if len(branches) == 0 {
		return nil, "", fmt.Errorf("fork %s: no branches", parent.TokenID)
	}

	p := parent.Audit(m.runID)
	recorded, groupID, err := m.recorder.ForkToken(ctx, &p, branches, step)
	if err != nil {
		return nil, "", fmt.Errorf("fork %s: %w", parent.TokenID, err)
	}

	children := make([]*Token, 0, len(recorded))
	for _, rec := range recorded {
		children = append(children, fromAudit(rec, parent.Row.Clone()))
	}
	return children, groupID, nil
}

// ExpandToken creates one child per row. The output contract must be locked;
// an unlocked contract is rejected before anything is recorded.
func (m *Manager) ExpandToken(ctx context.Context, parent *Token, rows []map[string]interface{}, contract *contracts.SchemaContract, step int) ([]*Token, string, error) {
	if err := requireLocked(contract, "expand"); err != nil {
		return nil, "", err
	}
	if len(rows) == 0 {
		return nil, "", fmt.Errorf("expand %s: no rows", parent.TokenID)
	}

	p := parent.Audit(m.runID)
	recorded, groupID, err := m.recorder.ExpandToken(ctx, &p, len(rows), step)
	if err != nil {
		return nil, "", fmt.Errorf("expand %s: %w", parent.TokenID, err)
	}

	children := make([]*Token, 0, len(recorded))
	for i, rec := range recorded {
		row := contracts.NewRow(contracts.DeepCopyMap(rows[i]), contract)
		children = append(children, fromAudit(rec, row))
	}
	return children, groupID, nil
}

// CoalesceTokens creates the merged token of a join. merged must carry a
// locked contract. branchName is the branch the merged token continues on.
func (m *Manager) CoalesceTokens(ctx context.Context, parents []*Token, merged contracts.Row, branchName string, step int) (*Token, error) {
	if err := requireLocked(merged.Contract(), "coalesce"); err != nil {
		return nil, err
	}
	if len(parents) == 0 {
		return nil, fmt.Errorf("coalesce: no parents")
	}

	recs := make([]audit.Token, 0, len(parents))
	for _, p := range parents {
		recs = append(recs, p.Audit(m.runID))
	}
	rec, err := m.recorder.CoalesceTokens(ctx, recs, branchName, step)
	if err != nil {
		return nil, fmt.Errorf("coalesce %d tokens: %w", len(parents), err)
	}
	return fromAudit(*rec, merged), nil
}

// CreateBatchOutputTokens mints fresh tokens for the output rows of a batch
// flush. Every output links to every consumed input, and none reuses an
// input identity. Outputs take the row id of the last input, the row whose
// arrival completed the batch.
func (m *Manager) CreateBatchOutputTokens(ctx context.Context, inputs []*Token, rows []map[string]interface{}, contract *contracts.SchemaContract, step int) ([]*Token, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("batch output: no inputs")
	}

	parents := make([]string, 0, len(inputs))
	for _, in := range inputs {
		parents = append(parents, in.TokenID)
	}
	last := inputs[len(inputs)-1]

	out := make([]*Token, 0, len(rows))
	for _, data := range rows {
		rec, err := m.recorder.CreateToken(ctx, audit.NewToken{
			RunID:          m.runID,
			RowID:          last.RowID,
			BranchName:     last.BranchName,
			StepInPipeline: step,
			Parents:        parents,
		})
		if err != nil {
			return nil, fmt.Errorf("batch output token: %w", err)
		}
		row := contracts.NewRow(contracts.DeepCopyMap(data), contract)
		out = append(out, fromAudit(*rec, row))
	}
	return out, nil
}

// UpdateRowData returns the token with new row data. Identity and lineage
// are unchanged and nothing is recorded.
func (m *Manager) UpdateRowData(t *Token, row contracts.Row) *Token {
	return t.WithRow(row)
}
