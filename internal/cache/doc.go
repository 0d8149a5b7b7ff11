// Package cache implements a cache-aside service over the shared store.
//
// Readers call GetOrSet with a compute function. Writers that change the
// underlying data call Invalidate on the affected key; nothing else removes
// entries before their TTL.
package cache
