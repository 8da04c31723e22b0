package expr

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
)

// RegoRule is the rule a Rego condition module must define.
const RegoRule = "result"

// RegoCondition evaluates the "result" rule of a Rego module with the row
// as input.row:
//
//	package rowforge.route
//
//	default result = "small"
//	result = "big" { input.row.amount > 100 }
type RegoCondition struct {
	source string
	query  rego.PreparedEvalQuery
}

// NewRegoCondition parses and prepares module.
func NewRegoCondition(ctx context.Context, module string) (*RegoCondition, error) {
	parsed, err := ast.ParseModule("condition.rego", module)
	if err != nil {
		return nil, fmt.Errorf("parse rego condition: %w", err)
	}
	if parsed == nil || parsed.Package == nil {
		return nil, fmt.Errorf("parse rego condition: module has no package")
	}

	query := parsed.Package.Path.String() + "." + RegoRule
	prepared, err := rego.New(
		rego.Module("condition.rego", module),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare rego query %s: %w", query, err)
	}
	return &RegoCondition{source: module, query: prepared}, nil
}

// Expression returns the module source.
func (c *RegoCondition) Expression() string { return c.source }

// Evaluate returns the value of the result rule. An undefined result is an
// error.
func (c *RegoCondition) Evaluate(ctx context.Context, row map[string]interface{}) (interface{}, error) {
	rs, err := c.query.Eval(ctx, rego.EvalInput(map[string]interface{}{"row": row}))
	if err != nil {
		return nil, fmt.Errorf("evaluate rego condition: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, fmt.Errorf("rego condition result is undefined")
	}
	return normalize(rs[0].Expressions[0].Value), nil
}

// normalize converts json.Number results to int64 or float64.
func normalize(v interface{}) interface{} {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
