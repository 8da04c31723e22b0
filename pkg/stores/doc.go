// Package stores persists the audit trail and checkpoints of rowforge runs
// in SQLite.
//
// A SQLiteStore implements both audit.Store and checkpoint.Store, so one
// database file holds everything needed to explain and resume a run:
//
//	store, err := stores.Open(ctx, "rowforge.db")
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	orch := engine.NewOrchestrator(store, engine.Options{Checkpoints: store})
//
// The schema is applied with golang-migrate from migrations embedded in the
// binary. The database runs in WAL mode with foreign keys enforced.
package stores
