// Package store defines the shared key-value contract used by the rate limiter
// and the cache, and provides two drivers for it:
//
//   - RedisStore: backed by Redis through go-redis. State is shared by every
//     process pointing at the same Redis, which is what makes rate limiting
//     correct across instances.
//   - MemoryStore: a process-local map with per-key deadlines, intended for
//     development and tests.
//
// Every mutation is a single-key operation; no multi-key transactions are
// required by the callers.
package store
