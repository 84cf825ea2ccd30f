// Package engine implements the SKFS incremental computation engine.
//
// The engine is a single-process store of named directories forming a
// dependency DAG, plus explicitly tolerated cycles among lazy directories.
// A mutable Context is the root of the world: it owns all directories, a
// logical clock, the pending-invalidation set (dirty readers), and the
// function registries.
//
// ARCHITECTURE:
//
// Single-Writer Mutation:
// All mutations happen through one Context on one goroutine. This ensures:
// - Predictable recomputation order
// - Reproducible state across runs
// - Simple reasoning about causality
//
// Data Flow:
//  1. Inputs enter via writes into eager directories
//  2. Derived eager directories are produced by mappers registered on a source
//  3. Lazy directories compute entries on demand and memoise them
//  4. Every dependency-recording read during a mapper run or lazy compute is
//     collected in a reader frame; writes to a dependency dirty the reader
//  5. Update() drains the dirty set in ascending path order until empty
//
// The engine is designed for correctness and determinism, not throughput.
// Mappers and lazy compute functions run synchronously on the caller's
// stack; they may re-enter the engine for reads and writes subject to the
// cycle-tolerance rules in lazy.go.
//
// CRITICAL PATTERNS:
//
// Logical Clock:
// All writes are stamped with a monotonic tick from Clock.Tick().
// NEVER use wall-clock timestamps for ordering.
//
// Deterministic Scheduling:
// Dirty readers are drained smallest path first. Recomputation discovered
// during a drain joins the same set. No randomness, no concurrency, no
// non-determinism.
//
// Interned Values:
// Every File stored in a directory has passed through the context's
// Interner, so staleness checks compare identity, never deep structure.
package engine
