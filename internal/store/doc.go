// Package store persists the durable state of gateway instances.
//
// # Architecture
//
// Three pieces cooperate:
//
//   - MetadataStore: one record per instance (status, config, retry counters,
//     timestamps). SQLiteStore is the production implementation and
//     MemoryStore backs tests.
//   - Credentials: one directory per instance under <sessions.dir>/instances/
//     where the protocol engine keeps its login and crypto state.
//   - Writer: a throttled, coalescing front for MetadataStore. Non-critical
//     updates inside the throttle window are merged into a pending Patch and
//     written when the window ends; critical statuses and forced saves are
//     written immediately together with anything pending.
//
// # Patches
//
// Patch carries pointer fields so that "not set" and "set to the zero value"
// are distinct:
//
//	w.Save(ctx, id, store.Patch{
//	    Status:     store.Ptr("connected"),
//	    RetryCount: store.Ptr(0),
//	}, true)
//
// # Instance ids
//
// Ids double as directory names and are validated by ValidateID: 3 to 50
// characters from [a-zA-Z0-9@._-].
package store
