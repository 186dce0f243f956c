// Package registration holds the authoritative table of active device
// registrations.
//
// At most one registration exists per endpoint name. Registering an endpoint
// again tears the previous registration down (running the teardown hooks
// that remove its observations, presence and pending requests) and issues a
// fresh registration id. Lifecycle events are published per registration id
// in the order registered, updated*, deregistered.
//
// Entries are sharded by endpoint name; each shard has its own lock, so
// independent endpoints never contend on a global lock. Expiry is checked
// lazily on access and by an optional background sweep.
package registration
