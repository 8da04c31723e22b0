// Package expr compiles gate conditions. Starlark expressions are the
// default language; Rego modules are supported for teams that already keep
// routing rules as policy.
package expr

import (
	"context"
	"fmt"
	"time"
)

// Language selects the condition language.
type Language string

const (
	Starlark Language = "starlark"
	Rego     Language = "rego"
)

// Validate checks if the language is supported.
func (l Language) Validate() error {
	switch l {
	case "", Starlark, Rego:
		return nil
	default:
		return fmt.Errorf("invalid condition language: %q", l)
	}
}

// Condition is a compiled gate condition.
type Condition interface {
	Evaluate(ctx context.Context, row map[string]interface{}) (interface{}, error)
	Expression() string
}

// Compile compiles source in lang. An empty lang means Starlark. timeout
// bounds each Starlark evaluation.
func Compile(ctx context.Context, lang Language, source string, timeout time.Duration) (Condition, error) {
	if source == "" {
		return nil, fmt.Errorf("condition is empty")
	}
	switch lang {
	case "", Starlark:
		return NewStarlarkCondition(source, timeout)
	case Rego:
		return NewRegoCondition(ctx, source)
	default:
		return nil, lang.Validate()
	}
}
