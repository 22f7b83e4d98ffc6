// Package kv provides the client's local persistence substrate: a small
// string-keyed byte store with get/set/delete semantics and a finite capacity.
//
// Two implementations exist: SQLiteRepository (the on-device store, backed by
// a goose-migrated SQLite file) and MemoryRepository (tests and ephemeral
// sessions). Both reject a Set that would push the total stored value size
// above the configured quota with common.ErrStorageQuota.
//
// Get returns (nil, nil) when the key is absent.
package kv
