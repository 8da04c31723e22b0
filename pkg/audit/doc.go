// Package audit defines the audit trail of a pipeline run and the Recorder
// contract the engine writes it through.
//
// The trail is append-only. For every row it holds the origin record, every
// token derived from it with parent links, one node state per (token, node,
// attempt), the routing decisions taken at gates, the batches formed at
// aggregation nodes, the artifacts written by sinks, and exactly one terminal
// outcome per token. Payloads are hashed with a canonical JSON encoding so
// the trail can be checked for tampering.
//
// Writers must keep referential integrity: tokens are recorded before their
// parent links are used, node states before the routing events that
// reference them. Readers treat integrity violations as fatal and return
// ErrAuditIntegrity.
package audit
