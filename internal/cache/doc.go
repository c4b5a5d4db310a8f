// Package cache defines the partitioned response store behind the offline
// cache controller. A Storage holds named partitions (static-v1,
// dynamic-v1, ...); each Partition maps a request identity (method + URL) to
// an immutable StoredResponse. Three backends share the contract: files under
// StoragePath/<partition>/ (temp file + rename), a SQLite database and an
// in-memory map for tests. Tiers layers the static/dynamic version tags on
// top and is the only component allowed to write or prune partitions.
package cache
