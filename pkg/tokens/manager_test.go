package tokens

import (
	"context"
	"errors"
	"testing"

	"github.com/openfroyo/rowforge/pkg/audit"
	"github.com/openfroyo/rowforge/pkg/contracts"
)

func newTestManager(t *testing.T) (*Manager, *audit.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	store := audit.NewMemoryStore()
	run, err := store.BeginRun(ctx, audit.BeginRunRequest{})
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	return NewManager(store, run.RunID), store
}

func lockedRow(data map[string]interface{}) contracts.Row {
	return contracts.NewRow(data, contracts.Infer(contracts.ModeObserved, data).Lock())
}

func TestForkTokenFanOut(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	parent, err := m.CreateInitialToken(ctx, "source", 0, lockedRow(map[string]interface{}{"v": 1}))
	if err != nil {
		t.Fatalf("CreateInitialToken failed: %v", err)
	}

	children, groupID, err := m.ForkToken(ctx, parent, []string{"a", "b"}, 1)
	if err != nil {
		t.Fatalf("ForkToken failed: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
	for i, c := range children {
		if c.ForkGroupID != groupID {
			t.Errorf("child %d fork group = %s, want %s", i, c.ForkGroupID, groupID)
		}
		if c.BranchName == "" {
			t.Errorf("child %d has no branch name", i)
		}
		if c.TokenID == parent.TokenID {
			t.Errorf("child %d reuses the parent token id", i)
		}
		links, _ := store.GetTokenParents(ctx, c.TokenID)
		if len(links) != 1 || links[0].ParentTokenID != parent.TokenID {
			t.Errorf("child %d parent links = %+v", i, links)
		}
	}
}

func TestForkIsolation(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	parent, _ := m.CreateInitialToken(ctx, "source", 0, lockedRow(map[string]interface{}{
		"list":   []interface{}{1, 2},
		"nested": map[string]interface{}{"k": "v"},
	}))
	children, _, err := m.ForkToken(ctx, parent, []string{"a", "b"}, 1)
	if err != nil {
		t.Fatal(err)
	}

	a := children[0].Row.Data()
	a["list"].([]interface{})[0] = 99
	a["nested"].(map[string]interface{})["k"] = "changed"
	a["top"] = "added"

	b := children[1].Row.Data()
	if b["list"].([]interface{})[0] != 1 {
		t.Error("list mutation visible in sibling")
	}
	if b["nested"].(map[string]interface{})["k"] != "v" {
		t.Error("nested map mutation visible in sibling")
	}
	if _, ok := b["top"]; ok {
		t.Error("top-level key visible in sibling")
	}
	if _, ok := parent.Row.Get("top"); ok {
		t.Error("child mutation visible in parent")
	}
}

func TestExpandRejectsUnlockedContract(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	parent, _ := m.CreateInitialToken(ctx, "source", 0, lockedRow(map[string]interface{}{"v": 1}))
	before, _ := store.GetTokensForRow(ctx, parent.RowID)

	unlocked := contracts.MustNew(contracts.ModeObserved, nil, false)
	children, _, err := m.ExpandToken(ctx, parent, []map[string]interface{}{{"v": 1}, {"v": 2}}, unlocked, 1)
	if !errors.Is(err, ErrUnlockedContract) {
		t.Fatalf("expected ErrUnlockedContract, got %v", err)
	}
	if children != nil {
		t.Error("expected no children")
	}

	after, _ := store.GetTokensForRow(ctx, parent.RowID)
	if len(after) != len(before) {
		t.Errorf("token count changed from %d to %d", len(before), len(after))
	}
	if _, err := store.GetTokenOutcome(ctx, parent.TokenID); !errors.Is(err, audit.ErrNotFound) {
		t.Error("parent must have no outcome after a rejected expand")
	}
}

func TestExpandToken(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	parent, _ := m.CreateInitialToken(ctx, "source", 0, lockedRow(map[string]interface{}{"items": []interface{}{1, 2, 3}}))
	contract := contracts.MustNew(contracts.ModeObserved, []contracts.FieldContract{{Name: "item", Type: contracts.TypeInt}}, true)

	children, groupID, err := m.ExpandToken(ctx, parent, []map[string]interface{}{{"item": 1}, {"item": 2}, {"item": 3}}, contract, 1)
	if err != nil {
		t.Fatalf("ExpandToken failed: %v", err)
	}
	if len(children) != 3 {
		t.Fatalf("expected 3 children, got %d", len(children))
	}
	for i, c := range children {
		if c.ExpandGroupID != groupID || c.RowID != parent.RowID {
			t.Errorf("child %d lineage wrong: %+v", i, c)
		}
		if v, _ := c.Row.Get("item"); v != i+1 {
			t.Errorf("child %d item = %v", i, v)
		}
	}
	links, _ := store.GetTokenParents(ctx, children[2].TokenID)
	if len(links) != 1 {
		t.Errorf("expected one parent link, got %d", len(links))
	}
}

func TestCoalesceRequiresLockedContract(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	parent, _ := m.CreateInitialToken(ctx, "source", 0, lockedRow(map[string]interface{}{"v": 1}))
	children, _, _ := m.ForkToken(ctx, parent, []string{"a", "b"}, 1)

	unlocked := contracts.NewRow(map[string]interface{}{"v": 1}, contracts.MustNew(contracts.ModeObserved, nil, false))
	if _, err := m.CoalesceTokens(ctx, children, unlocked, "", 2); !errors.Is(err, ErrUnlockedContract) {
		t.Errorf("expected ErrUnlockedContract, got %v", err)
	}

	merged, err := m.CoalesceTokens(ctx, children, lockedRow(map[string]interface{}{"v": 1}), "outer", 2)
	if err != nil {
		t.Fatalf("CoalesceTokens failed: %v", err)
	}
	if merged.JoinGroupID == "" || merged.BranchName != "outer" || merged.RowID != parent.RowID {
		t.Errorf("unexpected merged token: %+v", merged)
	}
}

func TestCreateBatchOutputTokens(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	var inputs []*Token
	for i := 0; i < 3; i++ {
		tok, _ := m.CreateInitialToken(ctx, "source", i, lockedRow(map[string]interface{}{"v": i}))
		inputs = append(inputs, tok)
	}

	outputs, err := m.CreateBatchOutputTokens(ctx, inputs, []map[string]interface{}{{"sum": 3}}, inputs[0].Row.Contract(), 2)
	if err != nil {
		t.Fatalf("CreateBatchOutputTokens failed: %v", err)
	}
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	for _, in := range inputs {
		if outputs[0].TokenID == in.TokenID {
			t.Fatal("output token reuses an input token id")
		}
	}
	if outputs[0].RowID != inputs[2].RowID {
		t.Errorf("output row id = %s, want the triggering row %s", outputs[0].RowID, inputs[2].RowID)
	}
	links, _ := store.GetTokenParents(ctx, outputs[0].TokenID)
	if len(links) != 3 {
		t.Errorf("expected 3 parent links, got %d", len(links))
	}
}

func TestUpdateRowDataPreservesLineage(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	parent, _ := m.CreateInitialToken(ctx, "source", 0, lockedRow(map[string]interface{}{"v": 1}))
	children, _, _ := m.ForkToken(ctx, parent, []string{"a"}, 1)
	child := children[0]

	updated := m.UpdateRowData(child, lockedRow(map[string]interface{}{"v": 2}))
	if updated.TokenID != child.TokenID || updated.RowID != child.RowID ||
		updated.BranchName != child.BranchName || updated.ForkGroupID != child.ForkGroupID {
		t.Errorf("lineage changed: %+v vs %+v", updated, child)
	}
	if v, _ := child.Row.Get("v"); v != 1 {
		t.Error("UpdateRowData modified the original token")
	}
}
