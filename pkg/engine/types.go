package engine

import (
	"fmt"
	"time"

	"github.com/openfroyo/rowforge/pkg/audit"
)

// Route targets a gate label can resolve to besides a sink name.
const (
	RouteContinue = "continue"
	RouteFork     = "fork"
)

// OnErrorDiscard quarantines rows a transform rejects. Any other non-empty
// on_error value names the sink that receives rejected rows.
const OnErrorDiscard = "discard"

// StepKind discriminates the steps of a pipeline.
type StepKind string

const (
	StepTransform   StepKind = "transform"
	StepGate        StepKind = "gate"
	StepAggregation StepKind = "aggregation"

	// StepCoalesce marks where a coalesce join sits in a chain. Its Name
	// refers to an entry of PipelineSpec.Coalesce.
	StepCoalesce StepKind = "coalesce"
)

// OutputMode selects how an aggregation flush maps inputs to outputs.
type OutputMode string

const (
	// OutputSingle consumes every input and mints one output token.
	OutputSingle OutputMode = "single"

	// OutputPassthrough keeps every input identity and enriches its row.
	OutputPassthrough OutputMode = "passthrough"

	// OutputTransform consumes every input and mints one token per output.
	OutputTransform OutputMode = "transform"
)

// Validate checks if the output mode is valid.
func (m OutputMode) Validate() error {
	switch m {
	case OutputSingle, OutputPassthrough, OutputTransform:
		return nil
	default:
		return fmt.Errorf("invalid aggregation output mode: %q", m)
	}
}

// CoalescePolicy decides when a join merges.
type CoalescePolicy string

const (
	PolicyRequireAll CoalescePolicy = "require_all"
	PolicyQuorum     CoalescePolicy = "quorum"
	PolicyBestEffort CoalescePolicy = "best_effort"
	PolicyFirst      CoalescePolicy = "first"
)

// Validate checks if the policy is valid.
func (p CoalescePolicy) Validate() error {
	switch p {
	case PolicyRequireAll, PolicyQuorum, PolicyBestEffort, PolicyFirst:
		return nil
	default:
		return fmt.Errorf("invalid coalesce policy: %q", p)
	}
}

// MergeStrategy decides how the payloads of a join are combined.
type MergeStrategy string

const (
	// MergeUnion merges all payloads into one flat row in arrival order;
	// on key collision the later arrival wins.
	MergeUnion MergeStrategy = "union"

	// MergeNested places each branch payload under its branch name.
	MergeNested MergeStrategy = "nested"

	// MergeSelect passes through the payload of one named branch.
	MergeSelect MergeStrategy = "select"
)

// Validate checks if the merge strategy is valid.
func (m MergeStrategy) Validate() error {
	switch m {
	case MergeUnion, MergeNested, MergeSelect:
		return nil
	default:
		return fmt.Errorf("invalid merge strategy: %q", m)
	}
}

// PipelineSpec is the resolved, plugin-bound description of a pipeline.
type PipelineSpec struct {
	Source SourceSpec

	// Steps is the main chain, from the source to the default sink.
	Steps []StepSpec

	// Branches holds the step chain of every fork branch by branch name.
	// A branch ends at the coalesce whose marker it reaches, else at the
	// sink named after the branch, else at the default sink.
	Branches map[string][]StepSpec

	Coalesce []CoalesceSpec
	Sinks    []SinkSpec

	// DefaultSink receives rows that reach the end of the main chain.
	DefaultSink string
}

// SourceSpec binds the source plugin.
type SourceSpec struct {
	Name   string
	Plugin Source

	// OnValidationFailure is "discard" (the default) or the name of the
	// sink that receives quarantined rows.
	OnValidationFailure string

	// Config is the source's settings, hashed into its node id.
	Config map[string]interface{}
}

// StepSpec is one step of a chain. Exactly one of Transform, Gate and
// Aggregation is set, matching Kind. Coalesce markers carry only a name.
type StepSpec struct {
	Kind StepKind
	Name string

	Transform   Transform
	Gate        *GateSpec
	Aggregation *AggregationSpec

	// OnError applies to transforms: empty makes an error result fatal,
	// "discard" quarantines the row, any other value names the sink that
	// receives it. Aggregation flush failures are always fatal.
	OnError string

	// Config is the step's settings, hashed into its node id.
	Config map[string]interface{}
}

// GateSpec configures a gate.
type GateSpec struct {
	Condition Condition

	// Routes maps each label to "continue", "fork" or a sink name.
	// Boolean conditions use exactly the labels "true" and "false".
	Routes map[string]string

	// ForkTo lists the branches a "fork" route creates, in order.
	ForkTo []string
}

// Trigger configures when an aggregation buffer flushes. A zero trigger
// flushes only at end of stream.
type Trigger struct {
	Count   int
	Timeout time.Duration
}

// AggregationSpec configures an aggregation step.
type AggregationSpec struct {
	Plugin     BatchTransform
	Trigger    Trigger
	OutputMode OutputMode
}

// CoalesceSpec configures a coalesce join.
type CoalesceSpec struct {
	Name     string
	Branches []string
	Policy   CoalescePolicy

	// Quorum is the number of branches required by the quorum policy.
	Quorum int

	// Timeout bounds how long best_effort waits after the first arrival.
	Timeout time.Duration

	Merge MergeStrategy

	// SelectBranch is the branch passed through by the select strategy.
	SelectBranch string
}

// SinkSpec binds a sink plugin.
type SinkSpec struct {
	Name   string
	Plugin Sink
	Config map[string]interface{}
}

// TransformStep returns a transform step.
func TransformStep(name string, t Transform, onError string) StepSpec {
	return StepSpec{Kind: StepTransform, Name: name, Transform: t, OnError: onError}
}

// GateStep returns a gate step.
func GateStep(name string, cond Condition, routes map[string]string, forkTo ...string) StepSpec {
	return StepSpec{Kind: StepGate, Name: name, Gate: &GateSpec{Condition: cond, Routes: routes, ForkTo: forkTo}}
}

// AggregationStep returns an aggregation step.
func AggregationStep(name string, plugin BatchTransform, trigger Trigger, mode OutputMode) StepSpec {
	return StepSpec{
		Kind:        StepAggregation,
		Name:        name,
		Aggregation: &AggregationSpec{Plugin: plugin, Trigger: trigger, OutputMode: mode},
	}
}

// CoalesceStep returns the marker placing the named coalesce in a chain.
func CoalesceStep(name string) StepSpec {
	return StepSpec{Kind: StepCoalesce, Name: name}
}

// RowResult is what processing one source row produced.
type RowResult struct {
	// Pending are the tokens waiting for a sink write. Their outcomes are
	// recorded once the write succeeded.
	Pending []SinkItem

	// Outcomes counts the terminal outcomes recorded while processing.
	Outcomes map[audit.RowOutcome]int

	// Routed counts routed and quarantined tokens per destination sink.
	Routed map[string]int

	// BatchFlushed is set when an aggregation batch flushed.
	BatchFlushed bool
}

func (r *RowResult) count(o audit.RowOutcome) {
	if r.Outcomes == nil {
		r.Outcomes = make(map[audit.RowOutcome]int)
	}
	r.Outcomes[o]++
}

func (r *RowResult) routed(sink string) {
	if r.Routed == nil {
		r.Routed = make(map[string]int)
	}
	r.Routed[sink]++
}

func (r *RowResult) merge(other RowResult) {
	r.Pending = append(r.Pending, other.Pending...)
	for o, n := range other.Outcomes {
		if r.Outcomes == nil {
			r.Outcomes = make(map[audit.RowOutcome]int)
		}
		r.Outcomes[o] += n
	}
	for s, n := range other.Routed {
		if r.Routed == nil {
			r.Routed = make(map[string]int)
		}
		r.Routed[s] += n
	}
	r.BatchFlushed = r.BatchFlushed || other.BatchFlushed
}

// RunSummary counts what a run did.
type RunSummary struct {
	RowsProcessed   int `json:"rows_processed"`
	RowsSucceeded   int `json:"rows_succeeded"`
	RowsFailed      int `json:"rows_failed"`
	RowsQuarantined int `json:"rows_quarantined"`
	RowsRouted      int `json:"rows_routed"`
	RowsForked      int `json:"rows_forked"`
	RowsCoalesced   int `json:"rows_coalesced"`
	RowsExpanded    int `json:"rows_expanded"`
	RowsConsumed    int `json:"rows_consumed_in_batch"`

	// RoutedBySink counts routed and quarantined rows per destination.
	RoutedBySink map[string]int `json:"routed_by_sink,omitempty"`
}

// RunResult is the structured result of a run.
type RunResult struct {
	RunID    string          `json:"run_id"`
	Status   audit.RunStatus `json:"status"`
	Summary  RunSummary      `json:"summary"`
	Duration time.Duration   `json:"duration"`

	// Checkpoints is the number of checkpoints persisted during the run.
	Checkpoints int `json:"checkpoints"`

	// Error is the fatal error of a failed run.
	Error error `json:"-"`
}

// ExitCode returns the process exit code for the run.
func (r *RunResult) ExitCode() int {
	return ExitCode(r.Status)
}

// Progress is a snapshot of a run's counters, emitted while it runs.
type Progress struct {
	RunID           string
	RowsProcessed   int
	RowsSucceeded   int
	RowsFailed      int
	RowsQuarantined int
	RowsRouted      int
	Elapsed         time.Duration
}
