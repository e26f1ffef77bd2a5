// Package testutils provides helpers shared by the engine and store tests:
// seeded in-memory mailboxes, an in-memory archive, self-signed TLS
// material and an optional PostgreSQL connection for integration tests.
//
// Example usage:
//
//	store, alice := testutils.SeedMailbox(t, 3)
//	cache := testutils.NewCache(t)
package testutils
