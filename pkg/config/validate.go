package config

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/rowforge/pkg/engine"
	"github.com/openfroyo/rowforge/pkg/expr"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// Validator checks settings in three passes: struct tags, the #Pipeline
// CUE schema, then cross-references between sections.
type Validator struct {
	validate *validator.Validate
	schemas  *SchemaRegistry
}

// NewValidator creates a validator. A nil registry skips the schema pass.
func NewValidator(schemas *SchemaRegistry) *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierPattern.MatchString(fl.Field().String())
	})
	return &Validator{validate: v, schemas: schemas}
}

// Validate returns every problem found in s. Conditions are compiled to
// report syntax errors.
func (v *Validator) Validate(ctx context.Context, s *Settings) []ValidationError {
	if s == nil {
		return []ValidationError{{Message: "settings are empty", Severity: "error"}}
	}

	if err := v.validate.Struct(s); err != nil {
		return structErrors(err)
	}

	var errs []ValidationError
	if v.schemas != nil {
		if err := v.schemas.ValidateAgainstSchema(PipelineSchema, s); err != nil {
			errs = append(errs, ValidationError{Message: err.Error(), Severity: "error"})
		}
	}

	c := &crossChecker{settings: s, sinks: make(map[string]bool), coalesce: make(map[string]bool)}
	c.check(ctx)
	return append(errs, c.errs...)
}

func structErrors(err error) []ValidationError {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []ValidationError{{Message: err.Error(), Severity: "error"}}
	}
	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		// Drop the root struct name.
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		msg := fmt.Sprintf("failed on %q", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed on %q (%s)", fe.Tag(), fe.Param())
		}
		out = append(out, ValidationError{Path: path, Message: msg, Severity: "error"})
	}
	return out
}

// crossChecker validates references between sections.
type crossChecker struct {
	settings *Settings
	sinks    map[string]bool
	coalesce map[string]bool
	errs     []ValidationError
}

func (c *crossChecker) fail(path, format string, args ...interface{}) {
	c.errs = append(c.errs, ValidationError{
		Path:     path,
		Message:  fmt.Sprintf(format, args...),
		Severity: "error",
	})
}

func (c *crossChecker) check(ctx context.Context) {
	s := c.settings

	for i, sink := range s.Sinks {
		if c.sinks[sink.Name] {
			c.fail(fmt.Sprintf("sinks[%d].name", i), "duplicate sink %q", sink.Name)
		}
		c.sinks[sink.Name] = true
	}
	if !c.sinks[s.DefaultSink] {
		c.fail("default_sink", "unknown sink %q", s.DefaultSink)
	}
	if dest := s.Source.OnValidationFailure; dest != "" && dest != engine.OnErrorDiscard && !c.sinks[dest] {
		c.fail("source.on_validation_failure", "unknown sink %q", dest)
	}

	for i, co := range s.Coalesce {
		path := fmt.Sprintf("coalesce[%d]", i)
		if c.coalesce[co.Name] {
			c.fail(path+".name", "duplicate coalesce %q", co.Name)
		}
		c.coalesce[co.Name] = true
		for _, b := range co.Branches {
			if _, ok := s.Branches[b]; !ok {
				c.fail(path+".branches", "unknown branch %q", b)
			}
		}
		if co.Policy == string(engine.PolicyQuorum) && (co.Quorum < 1 || co.Quorum > len(co.Branches)) {
			c.fail(path+".quorum", "quorum must be between 1 and %d, got %d", len(co.Branches), co.Quorum)
		}
		if co.Merge == string(engine.MergeSelect) && !contains(co.Branches, co.SelectBranch) {
			c.fail(path+".select_branch", "select merge needs one of the join's branches, got %q", co.SelectBranch)
		}
	}

	c.checkSteps(ctx, "steps", s.Steps)
	names := make([]string, 0, len(s.Branches))
	for name := range s.Branches {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c.checkSteps(ctx, "branches."+name, s.Branches[name])
	}

	if err := s.Checkpoint.Validate(); err != nil {
		c.fail("checkpoint", "%v", err)
	}
	r := s.Retry
	if r.MaxDelay > 0 && r.InitialDelay > r.MaxDelay {
		c.fail("retry.max_delay", "max_delay %s is shorter than initial_delay %s", r.MaxDelay.Std(), r.InitialDelay.Std())
	}
}

func (c *crossChecker) checkSteps(ctx context.Context, prefix string, steps []StepSettings) {
	for i, step := range steps {
		path := fmt.Sprintf("%s[%d]", prefix, i)
		switch step.Type {
		case StepTypeTransform:
			if step.Plugin == "" {
				c.fail(path+".plugin", "transform %q needs a plugin", step.Name)
			}
			if step.OnError != "" && step.OnError != engine.OnErrorDiscard && !c.sinks[step.OnError] {
				c.fail(path+".on_error", "unknown sink %q", step.OnError)
			}
		case StepTypeAggregation:
			if step.Plugin == "" {
				c.fail(path+".plugin", "aggregation %q needs a plugin", step.Name)
			}
		case StepTypeCoalesce:
			if !c.coalesce[step.Name] {
				c.fail(path+".name", "unknown coalesce %q", step.Name)
			}
		case StepTypeGate:
			c.checkGate(ctx, path, step)
		}
	}
}

func (c *crossChecker) checkGate(ctx context.Context, path string, step StepSettings) {
	if len(step.Routes) == 0 {
		c.fail(path+".routes", "gate %q has no routes", step.Name)
	}
	forks := false
	for label, target := range step.Routes {
		switch target {
		case engine.RouteContinue:
		case engine.RouteFork:
			forks = true
		default:
			if !c.sinks[target] {
				c.fail(path+".routes."+label, "unknown sink %q", target)
			}
		}
	}
	if forks && len(step.ForkTo) == 0 {
		c.fail(path+".fork_to", "gate %q forks but names no branches", step.Name)
	}
	for _, b := range step.ForkTo {
		if _, ok := c.settings.Branches[b]; !ok {
			c.fail(path+".fork_to", "unknown branch %q", b)
		}
	}

	if _, err := expr.Compile(ctx, expr.Language(step.Lang), step.Condition, 0); err != nil {
		c.fail(path+".condition", "%v", err)
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
