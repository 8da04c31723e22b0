// Package engine executes row-level pipelines and records a complete audit
// trail of what happened to every row.
//
// # Overview
//
// A pipeline is a directed acyclic graph built from a PipelineSpec. A run
// moves through these phases:
//
//  1. Build - BuildGraph validates the spec and assigns deterministic node ids
//  2. Register - nodes and edges are recorded with the run
//  3. Stream - source rows become tokens and traverse the graph
//  4. Flush - aggregation buffers and pending joins are resolved
//  5. Finalize - the run ends COMPLETED, INTERRUPTED or FAILED
//
// # Node Kinds
//
//   - Source: loads rows; invalid rows are quarantined
//   - Transform: processes one row; may expand it into many
//   - Gate: evaluates a condition and continues, routes to a sink or forks
//   - Aggregation: buffers tokens and flushes them as a batch
//   - Coalesce: joins the forked branches of one row back into a token
//   - Sink: writes rows; outcomes are recorded once the write is durable
//
// # Processing Model
//
// Rows are processed one at a time by a single control loop. Within a row,
// tokens are driven through a FIFO work queue, so forks and expansions never
// recurse. Aggregations and joins may hold a token and release it later, on
// a count trigger, a timeout poll or the end-of-stream flush. Sink writes to
// different sinks run concurrently.
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires backoff
//   - Conflict: State conflicts in an external system
//   - Permanent: Non-recoverable errors
//
// Only retryable errors are retried by the run's RetryPolicy. Errors local to
// one row are recorded and the stream continues; errors in graph setup, audit
// writes and plugin contracts end the run.
//
// # Example Usage
//
//	orch := engine.NewOrchestrator(store, engine.Options{
//	    Retry:         engine.Retry(3).WithExponentialBackoff(time.Second, 2, time.Minute).Policy(),
//	    SinkFlushSize: 100,
//	})
//	result, err := orch.Run(ctx, spec)
//	os.Exit(result.ExitCode())
//
// # Thread Safety
//
// An Orchestrator may run several pipelines at once. The processor, the
// aggregation and coalesce engines belong to one run and are not safe for
// concurrent use.
package engine
