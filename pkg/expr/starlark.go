package expr

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// maxSteps bounds the work of one evaluation.
const maxSteps = 1_000_000

// StarlarkCondition evaluates a Starlark expression against a row bound to
// the name "row", for example `row["amount"] > 100`.
type StarlarkCondition struct {
	source  string
	timeout time.Duration
	fn      *starlark.Function
}

// NewStarlarkCondition compiles expression. A timeout of zero defaults to
// one second.
func NewStarlarkCondition(expression string, timeout time.Duration) (*StarlarkCondition, error) {
	if timeout == 0 {
		timeout = time.Second
	}
	src := "def _condition(row):\n    return (" + expression + "\n    )\n"

	thread := newThread("compile")
	globals, err := starlark.ExecFile(thread, "condition.star", src, predeclared())
	if err != nil {
		return nil, fmt.Errorf("compile starlark condition %q: %w", expression, err)
	}
	fn, ok := globals["_condition"].(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("compile starlark condition %q: no function produced", expression)
	}
	return &StarlarkCondition{source: expression, timeout: timeout, fn: fn}, nil
}

// Expression returns the source expression.
func (c *StarlarkCondition) Expression() string { return c.source }

// Evaluate runs the expression with row bound to "row". The evaluation is
// cancelled when ctx ends or the timeout elapses.
func (c *StarlarkCondition) Evaluate(ctx context.Context, row map[string]interface{}) (interface{}, error) {
	evalCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	thread := newThread("evaluate")
	thread.SetMaxExecutionSteps(maxSteps)
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(evalCtx.Err().Error())
	})
	defer stop()

	arg, err := toStarlarkValue(row)
	if err != nil {
		return nil, fmt.Errorf("convert row: %w", err)
	}
	out, err := starlark.Call(thread, c.fn, starlark.Tuple{arg}, nil)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", c.source, err)
	}
	return fromStarlarkValue(out)
}

func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name:  "rowforge/" + name,
		Print: func(*starlark.Thread, string) {},
	}
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{"struct": starlarkstruct.Default}
}

// toStarlarkValue maps row values onto Starlark: maps become dicts with
// sorted keys, slices become lists and timestamps become RFC 3339 strings.
func toStarlarkValue(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case string:
		return starlark.String(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int32:
		return starlark.MakeInt64(int64(x)), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case uint64:
		return starlark.MakeUint64(x), nil
	case float32:
		return starlark.Float(x), nil
	case float64:
		return starlark.Float(x), nil
	case time.Time:
		return starlark.String(x.UTC().Format(time.RFC3339Nano)), nil
	case []string:
		elems := make([]starlark.Value, 0, len(x))
		for _, e := range x {
			elems = append(elems, starlark.String(e))
		}
		return starlark.NewList(elems), nil
	case []any:
		elems := make([]starlark.Value, 0, len(x))
		for i, e := range x {
			sv, err := toStarlarkValue(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		d := starlark.NewDict(len(x))
		for _, k := range slices.Sorted(maps.Keys(x)) {
			sv, err := toStarlarkValue(x[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			_ = d.SetKey(starlark.String(k), sv)
		}
		return d, nil
	}
	return nil, fmt.Errorf("cannot pass %T to starlark", v)
}

// fromStarlarkValue maps a condition result back to Go. Integers come back
// as int64; dicts and structs as map[string]any.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.String:
		return x.GoString(), nil
	case starlark.Float:
		return float64(x), nil
	case starlark.Int:
		n, ok := x.Int64()
		if !ok {
			return nil, fmt.Errorf("result %s overflows int64", x)
		}
		return n, nil
	case starlark.Indexable:
		out := make([]any, x.Len())
		for i := range out {
			gv, err := fromStarlarkValue(x.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = gv
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, kv := range x.Items() {
			k, ok := starlark.AsString(kv[0])
			if !ok {
				return nil, fmt.Errorf("result dict has non-string key %s", kv[0])
			}
			gv, err := fromStarlarkValue(kv[1])
			if err != nil {
				return nil, err
			}
			out[k] = gv
		}
		return out, nil
	case *starlarkstruct.Struct:
		fields := make(starlark.StringDict)
		x.ToStringDict(fields)
		out := make(map[string]any, len(fields))
		for k, fv := range fields {
			gv, err := fromStarlarkValue(fv)
			if err != nil {
				return nil, err
			}
			out[k] = gv
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported condition result type %s", v.Type())
}
