package config

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/rowforge/pkg/engine"
	"github.com/openfroyo/rowforge/pkg/expr"
)

// ConditionTimeout bounds one evaluation of a Starlark gate condition.
const ConditionTimeout = time.Second

// Build resolves validated settings into a plugin-bound pipeline spec.
// Plugins are created through reg.
func Build(ctx context.Context, s *Settings, reg *Registry) (*engine.PipelineSpec, error) {
	source, err := reg.Source(s.Source.Plugin, s.Source.Options)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", s.Source.Name, err)
	}

	spec := &engine.PipelineSpec{
		Source: engine.SourceSpec{
			Name:                s.Source.Name,
			Plugin:              source,
			OnValidationFailure: s.Source.OnValidationFailure,
			Config:              pluginConfig(s.Source.Plugin, s.Source.Options),
		},
		DefaultSink: s.DefaultSink,
	}

	if spec.Steps, err = buildSteps(ctx, s.Steps, reg); err != nil {
		return nil, err
	}
	if len(s.Branches) > 0 {
		spec.Branches = make(map[string][]engine.StepSpec, len(s.Branches))
		for name, steps := range s.Branches {
			built, err := buildSteps(ctx, steps, reg)
			if err != nil {
				return nil, fmt.Errorf("branch %q: %w", name, err)
			}
			spec.Branches[name] = built
		}
	}

	for _, c := range s.Coalesce {
		spec.Coalesce = append(spec.Coalesce, engine.CoalesceSpec{
			Name:         c.Name,
			Branches:     append([]string(nil), c.Branches...),
			Policy:       engine.CoalescePolicy(c.Policy),
			Quorum:       c.Quorum,
			Timeout:      c.Timeout.Std(),
			Merge:        engine.MergeStrategy(c.Merge),
			SelectBranch: c.SelectBranch,
		})
	}

	for _, sk := range s.Sinks {
		sink, err := reg.Sink(sk.Plugin, sk.Options)
		if err != nil {
			return nil, fmt.Errorf("sink %q: %w", sk.Name, err)
		}
		spec.Sinks = append(spec.Sinks, engine.SinkSpec{
			Name:   sk.Name,
			Plugin: sink,
			Config: pluginConfig(sk.Plugin, sk.Options),
		})
	}
	return spec, nil
}

func buildSteps(ctx context.Context, steps []StepSettings, reg *Registry) ([]engine.StepSpec, error) {
	out := make([]engine.StepSpec, 0, len(steps))
	for _, st := range steps {
		var step engine.StepSpec
		switch st.Type {
		case StepTypeTransform:
			t, err := reg.Transform(st.Plugin, st.Options)
			if err != nil {
				return nil, fmt.Errorf("step %q: %w", st.Name, err)
			}
			step = engine.TransformStep(st.Name, t, st.OnError)
			step.Config = pluginConfig(st.Plugin, st.Options)
		case StepTypeGate:
			cond, err := expr.Compile(ctx, expr.Language(st.Lang), st.Condition, ConditionTimeout)
			if err != nil {
				return nil, fmt.Errorf("step %q: %w", st.Name, err)
			}
			step = engine.GateStep(st.Name, cond, st.Routes, st.ForkTo...)
			lang := st.Lang
			if lang == "" {
				lang = string(expr.Starlark)
			}
			step.Config = map[string]interface{}{"lang": lang}
		case StepTypeAggregation:
			b, err := reg.Aggregation(st.Plugin, st.Options)
			if err != nil {
				return nil, fmt.Errorf("step %q: %w", st.Name, err)
			}
			trigger := engine.Trigger{Count: st.Trigger.Count, Timeout: st.Trigger.Timeout.Std()}
			step = engine.AggregationStep(st.Name, b, trigger, engine.OutputMode(st.OutputMode))
			step.Config = pluginConfig(st.Plugin, st.Options)
		case StepTypeCoalesce:
			step = engine.CoalesceStep(st.Name)
		default:
			return nil, fmt.Errorf("step %q: unknown type %q", st.Name, st.Type)
		}
		out = append(out, step)
	}
	return out, nil
}

// pluginConfig is the node configuration hashed into a node id.
func pluginConfig(plugin string, opts Options) map[string]interface{} {
	cfg := make(map[string]interface{}, len(opts)+1)
	for k, v := range opts {
		cfg[k] = v
	}
	cfg["plugin"] = plugin
	return cfg
}

// EngineOptions maps the run settings onto orchestrator options. Telemetry,
// stores and callbacks are left for the caller.
func (s *Settings) EngineOptions() (engine.Options, error) {
	opts := engine.Options{
		Checkpoint:    s.Checkpoint,
		MaxWorkers:    s.Concurrency.MaxWorkers,
		SinkFlushSize: s.SinkFlushSize,
		Progress: engine.ProgressConfig{
			EveryRows: s.Progress.EveryRows,
			Interval:  time.Duration(s.Progress.EverySeconds) * time.Second,
		},
	}

	if r := s.Retry; r.MaxAttempts > 1 {
		policy := engine.Retry(r.MaxAttempts)
		if r.InitialDelay > 0 {
			policy = policy.WithExponentialBackoff(r.InitialDelay.Std(), r.Multiplier, r.MaxDelay.Std())
		} else {
			policy = policy.Immediate()
		}
		opts.Retry = policy.Policy()
	}

	hash, err := s.Hash()
	if err != nil {
		return engine.Options{}, fmt.Errorf("hash settings: %w", err)
	}
	raw, err := s.JSON()
	if err != nil {
		return engine.Options{}, fmt.Errorf("encode settings: %w", err)
	}
	opts.ConfigHash = hash
	opts.Settings = raw
	return opts, nil
}
