// Package store provides SQLite-backed durable storage for SKFS contexts.
//
// The state file is the persistence arena: the context's entire live graph
// is laid out in one SQLite file, and the single transaction wrapping each
// Save plays the role of the root-pointer swap - either the whole new state
// becomes visible or none of it.
//
// # Layout
//
//   - meta: build magic, clock position, session token
//   - dirs: one row per directory variant (eager / lazy / deleted)
//   - entries + producers + readers + contrib: eager state and bookkeeping
//   - lazy_entries + lazy_deps: memoised lazy state
//   - globals: session-scoped key/values
//   - dirty: the pending invalidation set
//   - external_pointers: live handles plus null sentinels for collected ones
//
// # Critical Patterns
//
// Build Magic:
// The meta table's magic row distinguishes incompatible builds. Opening a
// state file with a foreign magic fails fast with MAGIC_MISMATCH; nothing
// is read past the check.
//
// Logical Identity and Time:
// All ordering uses the engine's logical clock, never timestamps. Values
// are stored in their canonical byte form, so a load reproduces interned
// identity exactly.
//
// Functions Persist By Name:
// Mappers, lazy computes, reducers, and finalisers are code. The file
// stores their registered names; Load resolves the names against the
// caller's Registry and fails fast on a missing registration.
//
// # Garbage Collection
//
// Compact is a copying collector: it walks the live context, writes it into
// a fresh arena, and atomically renames it over the old one. External
// pointers that fail to survive the copy have their finaliser invoked
// exactly once and are replaced by a null sentinel row. Aggregate values
// maintained by non-resettable reducers are copied whole, never rebuilt.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
//   - a single connection: the engine is single-writer by design
package store
