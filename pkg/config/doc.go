// Package config loads pipeline settings and turns them into an engine
// pipeline.
//
// # Overview
//
// Settings are read from YAML, JSON or CUE files and validated in three
// passes:
//
//   - struct tags, checked with go-playground/validator
//   - the #Pipeline CUE schema, unified with the encoded settings
//   - cross references: sinks, branches, coalesce joins and gate conditions
//
// Build then binds plugins from a Registry and compiles gate conditions
// with package expr, producing an engine.PipelineSpec. EngineOptions maps
// the run settings (checkpoint, retry, concurrency, progress) onto
// engine.Options.
//
// # Usage Example
//
//	loader := config.NewLoader()
//	settings, err := loader.Load(ctx, "pipeline.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	reg := config.NewRegistry()
//	plugins.Register(reg)
//
//	spec, err := config.Build(ctx, settings, reg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	opts, err := settings.EngineOptions()
//
// # Settings Structure
//
//	source:
//	  name: orders
//	  plugin: csv
//	  on_validation_failure: quarantine
//	  options: {path: orders.csv}
//	steps:
//	  - name: route
//	    type: gate
//	    condition: 'row["amount"] > 100'
//	    routes: {"true": continue, "false": small}
//	sinks:
//	  - {name: output, plugin: jsonl, options: {path: out.jsonl}}
//	  - {name: small, plugin: jsonl, options: {path: small.jsonl}}
//	  - {name: quarantine, plugin: jsonl, options: {path: bad.jsonl}}
//	default_sink: output
//
// A CUE file either holds the pipeline at the top level or under a
// "pipeline" field.
//
// # Error Handling
//
// Validation failures are returned as ValidationErrors with the settings
// path and, for CUE files, the source position:
//
//	ValidationError{
//	    File: "pipeline.cue",
//	    Line: 12,
//	    Column: 5,
//	    Path: "steps.0.routes",
//	    Message: "conflicting values",
//	    Severity: "error",
//	}
//
// # Thread Safety
//
// SchemaRegistry and Registry are safe for concurrent use. A Loader
// must not be shared between goroutines.
package config
