// Package contracts provides the schema contract value object carried by every
// row that moves through a pipeline, together with the row payload type.
//
// A SchemaContract describes the fields of a row: their type, whether they
// were declared in configuration or inferred from observed data, and the
// contract mode (observed, flexible, strict). Contracts are immutable values.
// Every operation that would change a contract (adding a field, locking,
// merging) returns a new contract and leaves its inputs untouched.
//
// # Locking
//
// A contract starts unlocked while its field set is still being discovered
// from the first rows of a source. Once locked, the field set is final.
// Identity-producing operations (fork, expand, coalesce) only accept locked
// output contracts.
//
// # Merging
//
// Merge is a pure function used when several branches contribute fields to
// one row. The result holds the union of the fields. A field present in both
// inputs with different types is a hard error.
package contracts
