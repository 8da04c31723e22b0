package audit

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/rowforge/pkg/contracts"
)

// Errors returned by recorder implementations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("audit record not found")

	// ErrAuditIntegrity is returned when stored audit data violates an
	// invariant of the trail, such as a terminal node state without a
	// completion timestamp. Readers never repair such data.
	ErrAuditIntegrity = errors.New("audit integrity violation")
)

// BeginRunRequest holds the inputs of Recorder.BeginRun.
type BeginRunRequest struct {
	// RunID is optional; a new id is generated when empty.
	RunID      string
	ConfigHash string
	Settings   []byte
	Contract   *contracts.SchemaContract
}

// NewToken describes a token created outside fork/expand/coalesce, such as
// an initial source token or an aggregation output token.
type NewToken struct {
	RunID          string
	RowID          string
	BranchName     string
	StepInPipeline int

	// Parents are recorded as parent links in order. Empty for initial tokens.
	Parents []string
}

// BeginNodeStateRequest holds the inputs of Recorder.BeginNodeState.
type BeginNodeStateRequest struct {
	RunID     string
	TokenID   string
	NodeID    string
	StepIndex int
	Attempt   int
	Input     interface{}
}

// CompleteNodeStateRequest holds the inputs of Recorder.CompleteNodeState.
type CompleteNodeStateRequest struct {
	Status   NodeStateStatus
	Output   interface{}
	Error    map[string]interface{}
	Context  map[string]interface{}
	Duration time.Duration
}

// Recorder writes the audit trail of a run. Every method is atomic from the
// caller's perspective: it either records everything it was asked to or
// returns an error.
type Recorder interface {
	// BeginRun creates a run record in the running status.
	BeginRun(ctx context.Context, req BeginRunRequest) (*Run, error)

	// ResumeRun moves a finished or crashed run back to running.
	ResumeRun(ctx context.Context, runID string) (*Run, error)

	// RegisterNode records a graph node.
	RegisterNode(ctx context.Context, node *Node) error

	// RegisterEdge records a graph edge.
	RegisterEdge(ctx context.Context, edge *Edge) error

	// CreateRow records a source row and hashes its payload.
	CreateRow(ctx context.Context, runID, sourceNodeID string, rowIndex int, data map[string]interface{}) (*Row, error)

	// CreateToken records a token and its parent links.
	CreateToken(ctx context.Context, req NewToken) (*Token, error)

	// ForkToken records one child per branch sharing a new fork group.
	ForkToken(ctx context.Context, parent *Token, branches []string, stepInPipeline int) ([]Token, string, error)

	// ExpandToken records count children sharing a new expand group.
	ExpandToken(ctx context.Context, parent *Token, count, stepInPipeline int) ([]Token, string, error)

	// CoalesceTokens records a merged token with a new join group and a
	// parent link to every input. branchName is the branch the merged token
	// continues on, empty outside any fork.
	CoalesceTokens(ctx context.Context, parents []Token, branchName string, stepInPipeline int) (*Token, error)

	// BeginNodeState opens a node state for a token.
	BeginNodeState(ctx context.Context, req BeginNodeStateRequest) (*NodeState, error)

	// CompleteNodeState closes an open node state.
	CompleteNodeState(ctx context.Context, stateID string, req CompleteNodeStateRequest) (*NodeState, error)

	// RecordRoutingEvent records a single routing decision.
	RecordRoutingEvent(ctx context.Context, stateID string, route Route, reason map[string]interface{}) (*RoutingEvent, error)

	// RecordRoutingEvents records a multi-destination decision. All events
	// share one routing group and keep the order of routes.
	RecordRoutingEvents(ctx context.Context, stateID string, routes []Route, reason map[string]interface{}) ([]RoutingEvent, error)

	// CreateBatch creates a draft batch for an aggregation node.
	CreateBatch(ctx context.Context, runID, aggregationNodeID string, attempt int) (*Batch, error)

	// AddBatchMember appends a token to a batch.
	AddBatchMember(ctx context.Context, batchID, tokenID string, ordinal int) error

	// UpdateBatchStatus changes the status of a batch.
	UpdateBatchStatus(ctx context.Context, batchID string, status BatchStatus, triggerReason, stateID string) error

	// RetryBatch creates a new draft batch with attempt+1 and the same
	// membership as a failed batch.
	RetryBatch(ctx context.Context, batchID string) (*Batch, error)

	// RegisterArtifact records the output of a sink write.
	RegisterArtifact(ctx context.Context, artifact *Artifact) (*Artifact, error)

	// RecordTokenOutcome records the terminal outcome of a token. A token
	// has at most one outcome.
	RecordTokenOutcome(ctx context.Context, outcome *TokenOutcome) error

	// FinalizeRun sets the final status of a run.
	FinalizeRun(ctx context.Context, runID string, status RunStatus) (*Run, error)

	// GetRunContract returns the source contract recorded for a run.
	GetRunContract(ctx context.Context, runID string) (*contracts.SchemaContract, error)

	// UpdateRunContract replaces the source contract of a run.
	UpdateRunContract(ctx context.Context, runID string, contract *contracts.SchemaContract) error
}

// Reader queries the audit trail. It is used by recovery and by lineage
// inspection.
type Reader interface {
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	GetNodes(ctx context.Context, runID string) ([]Node, error)
	GetEdges(ctx context.Context, runID string) ([]Edge, error)
	GetRow(ctx context.Context, rowID string) (*Row, error)

	// GetRows returns the source rows of a run in row index order.
	GetRows(ctx context.Context, runID string) ([]Row, error)
	GetToken(ctx context.Context, tokenID string) (*Token, error)
	GetTokensForRow(ctx context.Context, rowID string) ([]Token, error)
	GetTokenParents(ctx context.Context, tokenID string) ([]TokenParent, error)

	// GetNodeStates returns the states of a token ordered by step. It
	// fails with ErrAuditIntegrity if a terminal state lacks a completion
	// timestamp.
	GetNodeStates(ctx context.Context, tokenID string) ([]NodeState, error)

	GetRoutingEvents(ctx context.Context, stateID string) ([]RoutingEvent, error)
	GetTokenOutcome(ctx context.Context, tokenID string) (*TokenOutcome, error)
	GetIncompleteBatches(ctx context.Context, runID string) ([]Batch, error)
	GetBatchMembers(ctx context.Context, batchID string) ([]BatchMember, error)
	GetArtifacts(ctx context.Context, runID string) ([]Artifact, error)

	// GetUnprocessedRows returns, in row index order, the rows of a run that
	// still need processing. A row is processed when it has at least one
	// token and every token either has an outcome or is listed in held.
	GetUnprocessedRows(ctx context.Context, runID string, held map[string]bool) ([]Row, error)

	// GetRowCount returns how many source rows a run has recorded.
	GetRowCount(ctx context.Context, runID string) (int, error)
}

// Store is a recorder that can also be queried.
type Store interface {
	Recorder
	Reader
}

// CheckIntegrity validates a node state read back from storage.
func CheckIntegrity(state *NodeState) error {
	if state.Status.IsTerminal() && state.CompletedAt == nil {
		return fmtIntegrity("node state %s is %s without completed_at", state.StateID, state.Status)
	}
	return nil
}
