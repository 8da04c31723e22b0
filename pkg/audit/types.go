package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/rowforge/pkg/contracts"
)

// RunStatus represents the lifecycle status of a pipeline run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusCompleted indicates every row reached a terminal outcome.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed indicates the run stopped on a fatal error.
	RunStatusFailed RunStatus = "failed"

	// RunStatusInterrupted indicates the run was stopped by a shutdown signal
	// after flushing its buffers. Interrupted runs can be resumed.
	RunStatusInterrupted RunStatus = "interrupted"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusInterrupted
}

// IsResumable returns true if a run in this status may be resumed.
func (s RunStatus) IsResumable() bool {
	return s == RunStatusFailed || s == RunStatusInterrupted || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusInterrupted:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// NodeType is the kind of a node in the pipeline graph.
type NodeType string

const (
	NodeTypeSource      NodeType = "source"
	NodeTypeTransform   NodeType = "transform"
	NodeTypeGate        NodeType = "gate"
	NodeTypeAggregation NodeType = "aggregation"
	NodeTypeCoalesce    NodeType = "coalesce"
	NodeTypeSink        NodeType = "sink"
)

// Validate checks if the node type is valid.
func (t NodeType) Validate() error {
	switch t {
	case NodeTypeSource, NodeTypeTransform, NodeTypeGate,
		NodeTypeAggregation, NodeTypeCoalesce, NodeTypeSink:
		return nil
	default:
		return fmt.Errorf("invalid node type: %s", t)
	}
}

// RoutingMode describes how a token travels along an edge.
type RoutingMode string

const (
	// RoutingModeMove hands the token itself to the next node.
	RoutingModeMove RoutingMode = "move"

	// RoutingModeCopy sends a forked child along the edge.
	RoutingModeCopy RoutingMode = "copy"

	// RoutingModeDivert sends a failed token to an error sink.
	RoutingModeDivert RoutingMode = "divert"
)

// NodeStateStatus is the status of one (token, node, attempt) execution.
type NodeStateStatus string

const (
	NodeStateOpen      NodeStateStatus = "open"
	NodeStateCompleted NodeStateStatus = "completed"
	NodeStateFailed    NodeStateStatus = "failed"

	// NodeStatePending means the node accepted the token but has not produced
	// output for it yet: the token is buffered for a batch or held at a join.
	NodeStatePending NodeStateStatus = "pending"
)

// IsTerminal returns true if the state must carry a completion timestamp.
func (s NodeStateStatus) IsTerminal() bool {
	return s == NodeStateCompleted || s == NodeStateFailed
}

// BatchStatus is the status of an aggregation batch.
type BatchStatus string

const (
	BatchStatusDraft     BatchStatus = "draft"
	BatchStatusExecuting BatchStatus = "executing"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
)

// IsTerminal returns true if the batch will not change status again.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// RowOutcome is the terminal outcome of a token.
type RowOutcome string

const (
	OutcomeCompleted       RowOutcome = "completed"
	OutcomeQuarantined     RowOutcome = "quarantined"
	OutcomeRouted          RowOutcome = "routed"
	OutcomeForked          RowOutcome = "forked"
	OutcomeExpanded        RowOutcome = "expanded"
	OutcomeConsumedInBatch RowOutcome = "consumed_in_batch"
	OutcomeCoalesced       RowOutcome = "coalesced"
	OutcomeFailed          RowOutcome = "failed"
)

// Validate checks if the outcome is valid.
func (o RowOutcome) Validate() error {
	switch o {
	case OutcomeCompleted, OutcomeQuarantined, OutcomeRouted, OutcomeForked,
		OutcomeExpanded, OutcomeConsumedInBatch, OutcomeCoalesced, OutcomeFailed:
		return nil
	default:
		return fmt.Errorf("invalid row outcome: %s", o)
	}
}

// Run is the audit record of one pipeline execution.
type Run struct {
	// RunID is the unique identifier for this run.
	RunID string `json:"run_id"`

	// Status is the current lifecycle status.
	Status RunStatus `json:"status"`

	// ConfigHash is the stable hash of the pipeline settings.
	ConfigHash string `json:"config_hash"`

	// Settings is the resolved pipeline settings as JSON.
	Settings json.RawMessage `json:"settings,omitempty"`

	// CanonicalVersion identifies the hashing scheme used for this run.
	CanonicalVersion string `json:"canonical_version"`

	// Contract is the schema contract of the source rows. It is nil until
	// the source contract is known.
	Contract *contracts.SchemaContract `json:"contract,omitempty"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run was finalized.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Node is a registered node of the run's graph.
type Node struct {
	NodeID     string                 `json:"node_id"`
	RunID      string                 `json:"run_id"`
	PluginName string                 `json:"plugin_name"`
	NodeType   NodeType               `json:"node_type"`
	Config     map[string]interface{} `json:"config,omitempty"`
	ConfigHash string                 `json:"config_hash"`
	Sequence   int                    `json:"sequence"`
}

// Edge is a registered edge of the run's graph.
type Edge struct {
	EdgeID     string      `json:"edge_id"`
	RunID      string      `json:"run_id"`
	FromNodeID string      `json:"from_node_id"`
	ToNodeID   string      `json:"to_node_id"`
	Label      string      `json:"label"`
	Mode       RoutingMode `json:"mode"`
}

// Row is the origin record of one source item.
type Row struct {
	// RowID is stable across every token derived from this row.
	RowID string `json:"row_id"`

	RunID        string `json:"run_id"`
	SourceNodeID string `json:"source_node_id"`

	// RowIndex is the ordinal of the row within the source.
	RowIndex int `json:"row_index"`

	// DataHash is the canonical hash of Data at creation time.
	DataHash string `json:"data_hash"`

	// Data is the original payload, kept so that unprocessed rows can be
	// replayed on resume.
	Data map[string]interface{} `json:"data"`

	CreatedAt time.Time `json:"created_at"`
}

// Token is the audit record of a token.
type Token struct {
	TokenID        string    `json:"token_id"`
	RowID          string    `json:"row_id"`
	RunID          string    `json:"run_id"`
	BranchName     string    `json:"branch_name,omitempty"`
	ForkGroupID    string    `json:"fork_group_id,omitempty"`
	ExpandGroupID  string    `json:"expand_group_id,omitempty"`
	JoinGroupID    string    `json:"join_group_id,omitempty"`
	StepInPipeline int       `json:"step_in_pipeline"`
	CreatedAt      time.Time `json:"created_at"`
}

// TokenParent links a token to one of the tokens it was derived from.
type TokenParent struct {
	TokenID       string `json:"token_id"`
	ParentTokenID string `json:"parent_token_id"`
	Ordinal       int    `json:"ordinal"`
}

// NodeState records one execution attempt of a node for a token.
type NodeState struct {
	StateID   string          `json:"state_id"`
	RunID     string          `json:"run_id"`
	TokenID   string          `json:"token_id"`
	NodeID    string          `json:"node_id"`
	StepIndex int             `json:"step_index"`
	Attempt   int             `json:"attempt"`
	Status    NodeStateStatus `json:"status"`
	InputHash string          `json:"input_hash"`

	// OutputHash is set for completed states.
	OutputHash string `json:"output_hash,omitempty"`

	// Error is set for failed states.
	Error map[string]interface{} `json:"error,omitempty"`

	// Context carries node-specific details, such as coalesce arrival order.
	Context map[string]interface{} `json:"context,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  float64    `json:"duration_ms,omitempty"`
}

// RoutingEvent records the edge a token took out of a node.
type RoutingEvent struct {
	EventID string `json:"event_id"`
	StateID string `json:"state_id"`
	EdgeID  string `json:"edge_id"`

	// RoutingGroupID is shared by every event of one routing decision.
	RoutingGroupID string `json:"routing_group_id"`

	Ordinal   int                    `json:"ordinal"`
	Mode      RoutingMode            `json:"mode"`
	Reason    map[string]interface{} `json:"reason,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Route is one entry of a routing decision.
type Route struct {
	EdgeID string
	Mode   RoutingMode
}

// Batch is an aggregation flush unit.
type Batch struct {
	BatchID           string      `json:"batch_id"`
	RunID             string      `json:"run_id"`
	AggregationNodeID string      `json:"aggregation_node_id"`
	Attempt           int         `json:"attempt"`
	Status            BatchStatus `json:"status"`
	TriggerReason     string      `json:"trigger_reason,omitempty"`

	// StateID is the node state of the flush that executed the batch.
	StateID string `json:"state_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// BatchMember is one token of a batch, in buffer order.
type BatchMember struct {
	BatchID string `json:"batch_id"`
	TokenID string `json:"token_id"`
	Ordinal int    `json:"ordinal"`
}

// Artifact describes the output of one sink write.
type Artifact struct {
	ArtifactID   string    `json:"artifact_id"`
	RunID        string    `json:"run_id"`
	SinkNodeID   string    `json:"sink_node_id"`
	StateID      string    `json:"state_id,omitempty"`
	ArtifactType string    `json:"artifact_type"`
	PathOrURI    string    `json:"path_or_uri"`
	ContentHash  string    `json:"content_hash"`
	SizeBytes    int64     `json:"size_bytes"`
	RowCount     int       `json:"row_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// TokenOutcome is the terminal outcome recorded for a token.
type TokenOutcome struct {
	OutcomeID string     `json:"outcome_id"`
	RunID     string     `json:"run_id"`
	TokenID   string     `json:"token_id"`
	Outcome   RowOutcome `json:"outcome"`

	// SinkName is set for outcomes that ended in a sink write.
	SinkName string `json:"sink_name,omitempty"`

	BatchID       string `json:"batch_id,omitempty"`
	ForkGroupID   string `json:"fork_group_id,omitempty"`
	JoinGroupID   string `json:"join_group_id,omitempty"`
	ExpandGroupID string `json:"expand_group_id,omitempty"`

	// Context carries outcome-specific details such as an error reason.
	Context map[string]interface{} `json:"context,omitempty"`

	RecordedAt time.Time `json:"recorded_at"`
}
