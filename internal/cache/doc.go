// Package cache provides the TTL and capacity bounded caches used by the
// gateway: recipient verification results, rendered pairing artifacts and
// recently seen inbound message ids.
//
// Entries keep insertion order in a doubly-linked list so the oldest entries
// can be evicted in O(1) when a cache grows past its maximum size. Expired
// entries are removed lazily on access and by an opportunistic sweep that
// runs every N operations, so no background goroutine is needed.
package cache
