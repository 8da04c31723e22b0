package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// PipelineSchema is the name of the built-in pipeline schema.
const PipelineSchema = "Pipeline"

// SchemaRegistry manages CUE schemas for validation. Each schema is a CUE
// source defining #<name>.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
// A nil ctx creates a new CUE context.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	if ctx == nil {
		ctx = cuecontext.New()
	}
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema(PipelineSchema, builtinPipelineSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema registers a CUE schema with the given name. The source
// must define #<name>.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath("#" + name))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define #%s", name, name)
	}

	sr.schemas[name] = def
	return nil
}

// Definition returns the #<name> definition of a registered schema.
func (sr *SchemaRegistry) Definition(name string) (cue.Value, error) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	return val, nil
}

// ValidateAgainstSchema validates data against a named schema. data is
// encoded through its JSON form, so json tags decide field names.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	schema, err := sr.Definition(schemaName)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	// JSON is valid CUE; compiling it keeps integers distinct from floats.
	dataVal := sr.ctx.CompileBytes(raw, cue.Filename("settings.json"))
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinPipelineSchema = `
#Name: string & =~"^[a-zA-Z][a-zA-Z0-9_-]*$"

#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Options: {[string]: _}

#Source: {
	name:                   #Name
	plugin:                 string & !=""
	on_validation_failure?: string
	options?:               #Options
}

#Step: {
	name:         #Name
	type:         "transform" | "gate" | "aggregation" | "coalesce"
	plugin?:      string
	options?:     #Options
	on_error?:    string
	condition?:   string
	lang?:        "starlark" | "rego"
	routes?:      {[string]: string}
	fork_to?:     [...#Name]
	trigger?:     {
		count?:   int & >=0
		timeout?: #Duration
	}
	output_mode?: "single" | "passthrough" | "transform"

	if type == "transform" || type == "aggregation" {
		plugin: string & !=""
	}
	if type == "gate" {
		condition: string & !=""
		routes:    {[string]: string}
	}
}

#Coalesce: {
	name:           #Name
	branches:       [#Name, #Name, ...#Name]
	policy:         "require_all" | "quorum" | "best_effort" | "first"
	quorum?:        int & >=0
	timeout?:       #Duration
	merge?:         "union" | "nested" | "select"
	select_branch?: #Name

	if policy == "quorum" {
		quorum: int & >=1
	}
}

#Sink: {
	name:     #Name
	plugin:   string & !=""
	options?: #Options
}

#Pipeline: {
	name?:    string
	source:   #Source
	steps?:   [...#Step]
	branches?: {[#Name]: [...#Step]}
	coalesce?: [...#Coalesce]
	sinks:    [#Sink, ...#Sink]
	default_sink: #Name

	checkpoint?: {
		enabled?:   bool
		frequency?: "" | "every_row" | "every_n" | "aggregation_only"
		interval?:  int & >=0
	}
	retry?: {
		max_attempts?:  int & >=0
		initial_delay?: #Duration
		max_delay?:     #Duration
		multiplier?:    number & >=1
	}
	concurrency?: max_workers?: int & >=0
	progress?: {
		every_rows?:    int & >=0
		every_seconds?: int & >=0
	}
	sink_flush_size?: int & >=0
}
`
