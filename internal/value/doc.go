// Package value provides the foundational value model for SKFS.
//
// This package contains type definitions and pure functions only. All other
// internal packages import value; value imports nothing internal. This ensures
// the value model remains the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - BaseName is a closed variant: SID (string) or IID (int64), totally ordered
//   - Time is a logical tick, never a wall-clock timestamp
//   - File is a sealed interface; structural equality coincides with identity
//     once a File has passed through an Interner
//   - Canonical encoding is the ONLY byte form used for hashing and interning
package value
