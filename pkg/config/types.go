package config

import (
	"fmt"
	"time"

	"github.com/openfroyo/rowforge/pkg/checkpoint"
)

// Step types accepted in settings.
const (
	StepTypeTransform   = "transform"
	StepTypeGate        = "gate"
	StepTypeAggregation = "aggregation"
	StepTypeCoalesce    = "coalesce"
)

// Settings is the declarative description of a pipeline and its run
// options, as loaded from YAML, JSON or CUE.
type Settings struct {
	// Name identifies the pipeline in logs.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	Source SourceSettings `json:"source" yaml:"source" validate:"required"`

	// Steps is the main chain from the source to the default sink.
	Steps []StepSettings `json:"steps,omitempty" yaml:"steps,omitempty" validate:"dive"`

	// Branches holds the step chain of each fork branch.
	Branches map[string][]StepSettings `json:"branches,omitempty" yaml:"branches,omitempty" validate:"dive,dive"`

	Coalesce []CoalesceSettings `json:"coalesce,omitempty" yaml:"coalesce,omitempty" validate:"dive"`

	Sinks []SinkSettings `json:"sinks" yaml:"sinks" validate:"required,min=1,dive"`

	// DefaultSink receives rows that reach the end of the main chain.
	DefaultSink string `json:"default_sink" yaml:"default_sink" validate:"required"`

	Checkpoint checkpoint.Config `json:"checkpoint" yaml:"checkpoint"`

	Retry RetrySettings `json:"retry" yaml:"retry"`

	Concurrency ConcurrencySettings `json:"concurrency" yaml:"concurrency"`

	Progress ProgressSettings `json:"progress" yaml:"progress"`

	// SinkFlushSize is the number of buffered rows that triggers a sink
	// write.
	SinkFlushSize int `json:"sink_flush_size,omitempty" yaml:"sink_flush_size,omitempty" validate:"gte=0"`
}

// SourceSettings configures the source plugin.
type SourceSettings struct {
	Name   string `json:"name" yaml:"name" validate:"required,identifier"`
	Plugin string `json:"plugin" yaml:"plugin" validate:"required"`

	// OnValidationFailure is "discard" or the sink receiving invalid rows.
	OnValidationFailure string `json:"on_validation_failure,omitempty" yaml:"on_validation_failure,omitempty"`

	Options map[string]interface{} `json:"options,omitempty" yaml:"options,omitempty"`
}

// StepSettings configures one step. Which fields apply depends on Type.
type StepSettings struct {
	Name string `json:"name" yaml:"name" validate:"required,identifier"`
	Type string `json:"type" yaml:"type" validate:"required,oneof=transform gate aggregation coalesce"`

	// Plugin names the transform or aggregation plugin.
	Plugin  string                 `json:"plugin,omitempty" yaml:"plugin,omitempty"`
	Options map[string]interface{} `json:"options,omitempty" yaml:"options,omitempty"`

	// OnError is the rejection policy of a transform.
	OnError string `json:"on_error,omitempty" yaml:"on_error,omitempty"`

	// Condition is the gate expression, evaluated in Lang.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Lang      string `json:"lang,omitempty" yaml:"lang,omitempty" validate:"omitempty,oneof=starlark rego"`

	// Routes maps gate labels to "continue", "fork" or a sink name.
	Routes map[string]string `json:"routes,omitempty" yaml:"routes,omitempty"`
	ForkTo []string          `json:"fork_to,omitempty" yaml:"fork_to,omitempty"`

	Trigger    TriggerSettings `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	OutputMode string          `json:"output_mode,omitempty" yaml:"output_mode,omitempty" validate:"omitempty,oneof=single passthrough transform"`
}

// TriggerSettings configures when an aggregation flushes.
type TriggerSettings struct {
	Count   int      `json:"count,omitempty" yaml:"count,omitempty" validate:"gte=0"`
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// CoalesceSettings configures a coalesce join.
type CoalesceSettings struct {
	Name         string   `json:"name" yaml:"name" validate:"required,identifier"`
	Branches     []string `json:"branches" yaml:"branches" validate:"min=2,unique"`
	Policy       string   `json:"policy" yaml:"policy" validate:"required,oneof=require_all quorum best_effort first"`
	Quorum       int      `json:"quorum,omitempty" yaml:"quorum,omitempty" validate:"gte=0"`
	Timeout      Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Merge        string   `json:"merge,omitempty" yaml:"merge,omitempty" validate:"omitempty,oneof=union nested select"`
	SelectBranch string   `json:"select_branch,omitempty" yaml:"select_branch,omitempty"`
}

// SinkSettings configures a sink plugin.
type SinkSettings struct {
	Name    string                 `json:"name" yaml:"name" validate:"required,identifier"`
	Plugin  string                 `json:"plugin" yaml:"plugin" validate:"required"`
	Options map[string]interface{} `json:"options,omitempty" yaml:"options,omitempty"`
}

// RetrySettings configures retries of plugin calls. A zero MaxAttempts
// means a single attempt.
type RetrySettings struct {
	MaxAttempts  int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty" validate:"gte=0"`
	InitialDelay Duration `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	MaxDelay     Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Multiplier   float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty" validate:"omitempty,gte=1"`
}

// ConcurrencySettings bounds parallel work.
type ConcurrencySettings struct {
	MaxWorkers int `json:"max_workers,omitempty" yaml:"max_workers,omitempty" validate:"gte=0"`
}

// ProgressSettings configures progress reporting.
type ProgressSettings struct {
	EveryRows    int `json:"every_rows,omitempty" yaml:"every_rows,omitempty" validate:"gte=0"`
	EverySeconds int `json:"every_seconds,omitempty" yaml:"every_seconds,omitempty" validate:"gte=0"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the settings path of the error (e.g., "steps[2].routes").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning).
	Severity string `json:"severity"`
}

func (e ValidationError) String() string {
	loc := e.Path
	if e.File != "" {
		loc = e.File
		if e.Line > 0 {
			loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
		}
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}

// ValidationErrors is returned when settings fail validation.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 1 {
		return "invalid settings: " + v[0].String()
	}
	return fmt.Sprintf("invalid settings: %s (and %d more)", v[0].String(), len(v)-1)
}

// Duration is a time.Duration written as a Go duration string ("250ms",
// "5s") in settings files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}
