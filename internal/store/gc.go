package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/skiplabs/skfs/internal/engine"
)

// extKey identifies one registered external pointer in the arena.
type extKey struct {
	handle    uint64
	finalizer string
}

// Compact is the copying collector: it evacuates the live context into a
// fresh arena and atomically renames it over the old one, then reopens the
// store on the compacted file.
//
// External pointers recorded in the old arena that are no longer reachable
// from the context have their finaliser invoked exactly once and are
// replaced with a null sentinel row (alive = 0). Finalisers must be
// idempotent anyway: the copy may drop equal pointers without running one.
//
// Aggregates maintained by non-resettable reducers are copied whole - the
// snapshot carries the computed values and the copy never re-runs Init.
func (s *Store) Compact(ctx *engine.Context) error {
	snap := ctx.Export()

	live := make(map[extKey]struct{})
	for _, ep := range snap.ExternalPointers() {
		live[extKey{handle: ep.Value, finalizer: ep.Finalizer}] = struct{}{}
	}

	recorded, err := s.readExternalPointers()
	if err != nil {
		return err
	}
	var dead []extKey
	for k, alive := range recorded {
		if !alive {
			continue // already a sentinel
		}
		if _, ok := live[k]; !ok {
			dead = append(dead, k)
		}
	}

	// Evacuate into a fresh arena next to the old one.
	fresh := s.path + ".compact"
	_ = os.Remove(fresh)
	next, err := Open(fresh)
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	if err := next.saveSnapshot(snap); err != nil {
		next.Close()
		return fmt.Errorf("compact: %w", err)
	}
	if err := next.copyMeta(s); err != nil {
		next.Close()
		return fmt.Errorf("compact: %w", err)
	}
	for _, k := range dead {
		if _, err := next.db.Exec(
			`INSERT INTO external_pointers (handle, finalizer, alive) VALUES (?, ?, 0)
			 ON CONFLICT(handle, finalizer) DO UPDATE SET alive = 0`,
			int64(k.handle), k.finalizer,
		); err != nil {
			next.Close()
			return fmt.Errorf("compact: sentinel %d: %w", k.handle, err)
		}
	}
	if err := next.Close(); err != nil {
		return fmt.Errorf("compact: close fresh arena: %w", err)
	}

	// Swap the arenas. Closing first releases the WAL sidecars.
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("compact: close old arena: %w", err)
	}
	for _, sidecar := range []string{s.path + "-wal", s.path + "-shm"} {
		_ = os.Remove(sidecar)
	}
	if err := os.Rename(fresh, s.path); err != nil {
		return fmt.Errorf("compact: swap arenas: %w", err)
	}

	reopened, err := Open(s.path)
	if err != nil {
		return fmt.Errorf("compact: reopen: %w", err)
	}
	s.db = reopened.db

	// Only run finalisers after the swap is durable: a failed compaction
	// must not release resources the old arena still references.
	for _, k := range dead {
		fin, err := ctx.Registry().Finalizer(k.finalizer)
		if err != nil {
			return err
		}
		fin(k.handle)
	}
	return nil
}

// readExternalPointers returns the recorded pointers and their liveness.
func (s *Store) readExternalPointers() (map[extKey]bool, error) {
	rows, err := s.db.Query(`SELECT handle, finalizer, alive FROM external_pointers`)
	if err != nil {
		return nil, fmt.Errorf("read external pointers: %w", err)
	}
	defer rows.Close()

	out := make(map[extKey]bool)
	for rows.Next() {
		var handle int64
		var finalizer string
		var alive int
		if err := rows.Scan(&handle, &finalizer, &alive); err != nil {
			return nil, fmt.Errorf("read external pointers: %w", err)
		}
		out[extKey{handle: uint64(handle), finalizer: finalizer}] = alive != 0
	}
	return out, rows.Err()
}

// copyMeta carries session metadata (everything but the fresh arena's own
// magic and time, which saveSnapshot already wrote) from an old arena.
func (s *Store) copyMeta(old *Store) error {
	rows, err := old.db.Query(`SELECT key, value FROM meta WHERE key NOT IN ('magic', 'time')`)
	if err != nil {
		return fmt.Errorf("copy meta: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("copy meta: %w", err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
			return fmt.Errorf("copy meta: %w", err)
		}
	}
	return rows.Err()
}

// SetMeta stores one session metadata row (e.g. the session token).
func (s *Store) SetMeta(key, val string) error {
	if key == "magic" {
		return fmt.Errorf("set meta: magic is immutable")
	}
	_, err := s.db.Exec(
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, val)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// GetMeta reads one session metadata row; ok=false when unset.
func (s *Store) GetMeta(key string) (string, bool, error) {
	var val string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get meta %s: %w", key, err)
	}
	return val, true, nil
}

// DeadPointerCount returns the number of null sentinels in the arena.
// Used for testing and introspection.
func (s *Store) DeadPointerCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM external_pointers WHERE alive = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("dead pointer count: %w", err)
	}
	return n, nil
}
