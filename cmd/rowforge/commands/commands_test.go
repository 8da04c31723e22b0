package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/rowforge/pkg/audit"
	"github.com/openfroyo/rowforge/pkg/stores"
)

const pipelineYAML = `
name: orders
source:
  name: orders
  plugin: jsonl
  options:
    path: DIR/orders.jsonl
    schema:
      fields: {id: int, amount: float}
steps:
  - name: route
    type: gate
    condition: 'row["amount"] >= 100'
    routes: {"true": continue, "false": small}
sinks:
  - {name: output, plugin: jsonl, options: {path: DIR/out.jsonl, mode: truncate}}
  - {name: small, plugin: jsonl, options: {path: DIR/small.jsonl, mode: truncate}}
default_sink: output
`

func writePipeline(t *testing.T, dir, settings string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orders.jsonl"),
		[]byte(`{"id": 1, "amount": 150}`+"\n"+`{"id": 2, "amount": 20}`+"\n"), 0o644))
	path := filepath.Join(dir, "orders.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.ReplaceAll(settings, "DIR", dir)), 0o644))
	return path
}

// execute runs the CLI with args and returns what it printed on stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidate_Valid(t *testing.T) {
	dir := t.TempDir()
	path := writePipeline(t, dir, pipelineYAML)

	out, err := execute(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "valid (")

	out, err = execute(t, "validate", "--dot", path)
	require.NoError(t, err)
	assert.Contains(t, out, "digraph")
}

func TestValidate_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := writePipeline(t, dir, strings.Replace(pipelineYAML, "default_sink: output", "default_sink: nowhere", 1))

	out, err := execute(t, "validate", "--json", path)
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, ExitFailed, exitErr.Code)

	var report validationReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Valid)
	require.NotEmpty(t, report.Errors)
	assert.Contains(t, report.Errors[0].Message, "nowhere")
}

func TestRun_ExplainAndList(t *testing.T) {
	dir := t.TempDir()
	path := writePipeline(t, dir, pipelineYAML)
	db := filepath.Join(dir, "audit", "rowforge.db")

	out, err := execute(t, "run", "--db", db, "--json", "--run-id", "run-1", path)
	require.NoError(t, err)

	var result struct {
		RunID   string          `json:"run_id"`
		Status  audit.RunStatus `json:"status"`
		Summary struct {
			RowsProcessed int `json:"rows_processed"`
			RowsRouted    int `json:"rows_routed"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "run-1", result.RunID)
	assert.Equal(t, audit.RunStatusCompleted, result.Status)
	assert.Equal(t, 2, result.Summary.RowsProcessed)
	assert.Equal(t, 1, result.Summary.RowsRouted)

	out, err = execute(t, "runs", "list", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "completed")

	out, err = execute(t, "runs", "show", "--db", db, "run-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Rows:     2")
	assert.Contains(t, out, filepath.Join(dir, "out.jsonl"))

	ctx := context.Background()
	store, err := stores.Open(ctx, db)
	require.NoError(t, err)
	rows, err := store.GetRows(ctx, "run-1")
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, rows, 2)

	out, err = execute(t, "explain", "--db", db, "run-1", rows[0].RowID)
	require.NoError(t, err)
	assert.Contains(t, out, "Row "+rows[0].RowID)
	assert.Contains(t, out, "outcome: completed")

	out, err = execute(t, "explain", "--db", db, "run-1", rows[1].RowID)
	require.NoError(t, err)
	assert.Contains(t, out, "outcome: routed")

	_, err = execute(t, "explain", "--db", db, "run-1", "missing")
	assert.ErrorIs(t, err, audit.ErrNotFound)
}

func TestRun_DuplicateRunIDFails(t *testing.T) {
	dir := t.TempDir()
	path := writePipeline(t, dir, pipelineYAML)
	db := filepath.Join(dir, "rowforge.db")

	_, err := execute(t, "run", "--db", db, "--run-id", "dup", path)
	require.NoError(t, err)

	_, err = execute(t, "run", "--db", db, "--run-id", "dup", path)
	assert.Error(t, err)
}

func TestRunsDelete(t *testing.T) {
	dir := t.TempDir()
	path := writePipeline(t, dir, pipelineYAML)
	db := filepath.Join(dir, "rowforge.db")

	_, err := execute(t, "run", "--db", db, "--run-id", "gone", path)
	require.NoError(t, err)

	_, err = execute(t, "runs", "delete", "--db", db, "gone")
	require.NoError(t, err)

	out, err := execute(t, "runs", "list", "--db", db, "--json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	_, err = execute(t, "runs", "delete", "--db", db, "gone")
	assert.ErrorIs(t, err, audit.ErrNotFound)
}

func TestExitError(t *testing.T) {
	wrapped := errors.New("boom")
	err := error(&ExitError{Code: ExitInterrupted, Err: wrapped})
	assert.ErrorIs(t, err, wrapped)
	assert.Equal(t, "boom", err.Error())
	assert.Equal(t, "exit status 1", (&ExitError{Code: 1}).Error())
}
