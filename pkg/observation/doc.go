// Package observation tracks observe subscriptions per registration and
// matches incoming notifications back to them by token.
//
// Each registration holds at most one observation per resource path; a new
// observe on the same path replaces the previous one. Observations end by
// passive cancellation (CancelPassive, CancelByPath), replacement or
// registration teardown (RemoveAll). Active cancellation is a protocol
// operation sent by the server package and never touches this store.
//
// Notifications for unknown or cancelled tokens are dropped without an
// event. Payloads that fail to decode are reported as EventNotifyError and
// leave the observation in place.
package observation
