package store

import (
	"database/sql"
	"fmt"
	"strconv"

	"github.com/skiplabs/skfs/internal/engine"
	"github.com/skiplabs/skfs/internal/value"
)

// Save commits the context's entire live graph in one transaction. The
// transaction is the root-pointer swap: a reader of the file sees either
// the previous state or the new one, never a mix.
func (s *Store) Save(ctx *engine.Context) error {
	return s.saveSnapshot(ctx.Export())
}

func (s *Store) saveSnapshot(snap engine.Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save: begin: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	// Rewrite everything except meta.magic and external-pointer sentinels;
	// the graph tables are small compared to the values they reference and
	// a full rewrite keeps the swap semantics trivial.
	for _, table := range []string{
		"dirs", "entries", "producers", "readers", "contrib",
		"lazy_entries", "lazy_deps", "globals", "dirty",
	} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("save: clear %s: %w", table, err)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO meta (key, value) VALUES ('time', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		strconv.FormatInt(int64(snap.Time), 10),
	); err != nil {
		return fmt.Errorf("save: meta time: %w", err)
	}

	for _, ds := range snap.Dirs {
		if err := saveDir(tx, ds); err != nil {
			return err
		}
	}

	for _, gs := range snap.Globals {
		val, err := marshalValues([]value.File{gs.Value})
		if err != nil {
			return fmt.Errorf("save: global %s: %w", gs.Name, err)
		}
		if _, err := tx.Exec(`INSERT INTO globals (name, val) VALUES (?, ?)`, gs.Name, val); err != nil {
			return fmt.Errorf("save: global %s: %w", gs.Name, err)
		}
	}

	for _, p := range snap.Dirty {
		if _, err := tx.Exec(`INSERT INTO dirty (dir, key) VALUES (?, ?)`,
			string(p.Dir), p.Key.String()); err != nil {
			return fmt.Errorf("save: dirty %s: %w", p, err)
		}
	}

	// Record live external pointers; sentinels for collected ones are
	// written by Compact, not here.
	for _, ep := range snap.ExternalPointers() {
		if _, err := tx.Exec(
			`INSERT INTO external_pointers (handle, finalizer, alive) VALUES (?, ?, 1)
			 ON CONFLICT(handle, finalizer) DO UPDATE SET alive = 1`,
			int64(ep.Value), ep.Finalizer,
		); err != nil {
			return fmt.Errorf("save: external pointer %d: %w", ep.Value, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save: commit: %w", err)
	}
	return nil
}

func saveDir(tx *sql.Tx, ds engine.DirSnapshot) error {
	if _, err := tx.Exec(
		`INSERT INTO dirs (name, kind, is_input, mapper, source, reducer, lazy_fn, deleted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ds.Name), ds.Kind, boolInt(ds.IsInput), ds.Mapper, string(ds.Source),
		ds.Reducer, ds.LazyFn, int64(ds.DeletedAt),
	); err != nil {
		return fmt.Errorf("save: dir %s: %w", ds.Name, err)
	}

	for _, es := range ds.Entries {
		vals, err := marshalValues(es.Values)
		if err != nil {
			return fmt.Errorf("save: entry %s%s: %w", ds.Name, es.Key, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO entries (dir, key, vals, write_time, tombstone) VALUES (?, ?, ?, ?, ?)`,
			string(ds.Name), es.Key.String(), vals, int64(es.WriteTime), boolInt(es.Tombstone),
		); err != nil {
			return fmt.Errorf("save: entry %s%s: %w", ds.Name, es.Key, err)
		}
		for _, ps := range es.Producers {
			vals, err := marshalValues(ps.Values)
			if err != nil {
				return fmt.Errorf("save: producer %s: %w", ps.Producer, err)
			}
			if _, err := tx.Exec(
				`INSERT INTO producers (dir, key, producer_dir, producer_key, vals, time)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				string(ds.Name), es.Key.String(),
				string(ps.Producer.Dir), ps.Producer.Key.String(), vals, int64(ps.Time),
			); err != nil {
				return fmt.Errorf("save: producer %s: %w", ps.Producer, err)
			}
		}
		for _, r := range es.Readers {
			if _, err := tx.Exec(
				`INSERT INTO readers (dir, key, reader_dir, reader_key) VALUES (?, ?, ?, ?)`,
				string(ds.Name), es.Key.String(), string(r.Dir), r.Key.String(),
			); err != nil {
				return fmt.Errorf("save: reader %s: %w", r, err)
			}
		}
	}

	for _, cs := range ds.Contrib {
		for _, out := range cs.OutKeys {
			if _, err := tx.Exec(
				`INSERT INTO contrib (dir, src_key, out_key) VALUES (?, ?, ?)`,
				string(ds.Name), cs.SrcKey.String(), out.String(),
			); err != nil {
				return fmt.Errorf("save: contrib %s: %w", ds.Name, err)
			}
		}
	}

	for _, ls := range ds.LazyEntries {
		vals, err := marshalValues(ls.Values)
		if err != nil {
			return fmt.Errorf("save: lazy entry %s%s: %w", ds.Name, ls.Key, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO lazy_entries (dir, key, vals, computed_at, dirty) VALUES (?, ?, ?, ?, ?)`,
			string(ds.Name), ls.Key.String(), vals, int64(ls.ComputedAt), boolInt(ls.Dirty),
		); err != nil {
			return fmt.Errorf("save: lazy entry %s%s: %w", ds.Name, ls.Key, err)
		}
		for ord, dep := range ls.Deps {
			if _, err := tx.Exec(
				`INSERT INTO lazy_deps (dir, key, ord, dep_dir, dep_key, dep_time)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				string(ds.Name), ls.Key.String(), ord,
				string(dep.Path.Dir), dep.Path.Key.String(), int64(dep.Time),
			); err != nil {
				return fmt.Errorf("save: lazy dep %s: %w", dep.Path, err)
			}
		}
		for _, r := range ls.Readers {
			if _, err := tx.Exec(
				`INSERT INTO readers (dir, key, reader_dir, reader_key) VALUES (?, ?, ?, ?)`,
				string(ds.Name), ls.Key.String(), string(r.Dir), r.Key.String(),
			); err != nil {
				return fmt.Errorf("save: lazy reader %s: %w", r, err)
			}
		}
	}
	return nil
}

// Load rebuilds the persisted context against the caller's registry. Every
// persisted function name must resolve; a missing registration fails fast.
func (s *Store) Load(reg *engine.Registry, opts ...engine.ContextOption) (*engine.Context, error) {
	snap, err := s.loadSnapshot()
	if err != nil {
		return nil, err
	}
	return engine.Restore(snap, reg, opts...)
}

func (s *Store) loadSnapshot() (engine.Snapshot, error) {
	var snap engine.Snapshot

	var timeStr string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'time'`).Scan(&timeStr)
	switch {
	case err == sql.ErrNoRows:
		// Fresh file: an empty context at time zero.
		return snap, nil
	case err != nil:
		return snap, fmt.Errorf("load: meta time: %w", err)
	}
	t, err := strconv.ParseInt(timeStr, 10, 64)
	if err != nil {
		return snap, fmt.Errorf("load: meta time: %w", err)
	}
	snap.Time = value.Time(t)

	dirRows, err := s.db.Query(
		`SELECT name, kind, is_input, mapper, source, reducer, lazy_fn, deleted_at
		 FROM dirs ORDER BY name`)
	if err != nil {
		return snap, fmt.Errorf("load: dirs: %w", err)
	}
	defer dirRows.Close()
	for dirRows.Next() {
		var ds engine.DirSnapshot
		var name, source string
		var isInput int
		var deletedAt int64
		if err := dirRows.Scan(&name, &ds.Kind, &isInput, &ds.Mapper, &source,
			&ds.Reducer, &ds.LazyFn, &deletedAt); err != nil {
			return snap, fmt.Errorf("load: dirs: %w", err)
		}
		ds.Name = value.DirName(name)
		ds.Source = value.DirName(source)
		ds.IsInput = isInput != 0
		ds.DeletedAt = value.Time(deletedAt)
		snap.Dirs = append(snap.Dirs, ds)
	}
	if err := dirRows.Err(); err != nil {
		return snap, fmt.Errorf("load: dirs: %w", err)
	}

	byName := make(map[value.DirName]*engine.DirSnapshot, len(snap.Dirs))
	for i := range snap.Dirs {
		byName[snap.Dirs[i].Name] = &snap.Dirs[i]
	}

	entryIndex, err := s.loadEntries(byName)
	if err != nil {
		return snap, err
	}
	if err := s.loadLazyEntries(byName); err != nil {
		return snap, err
	}
	if err := s.loadReaders(byName, entryIndex); err != nil {
		return snap, err
	}

	globalRows, err := s.db.Query(`SELECT name, val FROM globals ORDER BY name`)
	if err != nil {
		return snap, fmt.Errorf("load: globals: %w", err)
	}
	defer globalRows.Close()
	for globalRows.Next() {
		var name, val string
		if err := globalRows.Scan(&name, &val); err != nil {
			return snap, fmt.Errorf("load: globals: %w", err)
		}
		files, err := unmarshalValues(val)
		if err != nil || len(files) != 1 {
			return snap, fmt.Errorf("load: global %s: bad value (%v)", name, err)
		}
		snap.Globals = append(snap.Globals, engine.GlobalSnapshot{Name: name, Value: files[0]})
	}
	if err := globalRows.Err(); err != nil {
		return snap, fmt.Errorf("load: globals: %w", err)
	}

	dirtyRows, err := s.db.Query(`SELECT dir, key FROM dirty ORDER BY dir, key`)
	if err != nil {
		return snap, fmt.Errorf("load: dirty: %w", err)
	}
	defer dirtyRows.Close()
	for dirtyRows.Next() {
		var dir, key string
		if err := dirtyRows.Scan(&dir, &key); err != nil {
			return snap, fmt.Errorf("load: dirty: %w", err)
		}
		p, err := parsePath(dir, key)
		if err != nil {
			return snap, fmt.Errorf("load: dirty: %w", err)
		}
		snap.Dirty = append(snap.Dirty, p)
	}
	if err := dirtyRows.Err(); err != nil {
		return snap, fmt.Errorf("load: dirty: %w", err)
	}

	return snap, nil
}

func (s *Store) loadEntries(byName map[value.DirName]*engine.DirSnapshot) (map[value.Path]*engine.EntrySnapshot, error) {
	rows, err := s.db.Query(
		`SELECT dir, key, vals, write_time, tombstone FROM entries ORDER BY dir, key`)
	if err != nil {
		return nil, fmt.Errorf("load: entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var dir, key, vals string
		var writeTime int64
		var tombstone int
		if err := rows.Scan(&dir, &key, &vals, &writeTime, &tombstone); err != nil {
			return nil, fmt.Errorf("load: entries: %w", err)
		}
		ds, ok := byName[value.DirName(dir)]
		if !ok {
			return nil, fmt.Errorf("load: entries: orphan row for dir %s", dir)
		}
		k, err := value.ParseBaseName(key)
		if err != nil {
			return nil, fmt.Errorf("load: entries: %w", err)
		}
		files, err := unmarshalValues(vals)
		if err != nil {
			return nil, fmt.Errorf("load: entry %s%s: %w", dir, key, err)
		}
		ds.Entries = append(ds.Entries, engine.EntrySnapshot{
			Key:       k,
			Values:    files,
			WriteTime: value.Time(writeTime),
			Tombstone: tombstone != 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load: entries: %w", err)
	}

	// Index entries only after every append: taking pointers into a slice
	// that is still growing would leave them dangling on reallocation.
	index := make(map[value.Path]*engine.EntrySnapshot)
	for _, ds := range byName {
		for i := range ds.Entries {
			index[value.NewPath(ds.Name, ds.Entries[i].Key)] = &ds.Entries[i]
		}
	}

	prodRows, err := s.db.Query(
		`SELECT dir, key, producer_dir, producer_key, vals, time
		 FROM producers ORDER BY dir, key, producer_dir, producer_key`)
	if err != nil {
		return nil, fmt.Errorf("load: producers: %w", err)
	}
	defer prodRows.Close()
	for prodRows.Next() {
		var dir, key, pdir, pkey, vals string
		var t int64
		if err := prodRows.Scan(&dir, &key, &pdir, &pkey, &vals, &t); err != nil {
			return nil, fmt.Errorf("load: producers: %w", err)
		}
		owner, err := parsePath(dir, key)
		if err != nil {
			return nil, fmt.Errorf("load: producers: %w", err)
		}
		es, ok := index[owner]
		if !ok {
			return nil, fmt.Errorf("load: producers: orphan row for %s", owner)
		}
		producer, err := parsePath(pdir, pkey)
		if err != nil {
			return nil, fmt.Errorf("load: producers: %w", err)
		}
		files, err := unmarshalValues(vals)
		if err != nil {
			return nil, fmt.Errorf("load: producer %s: %w", producer, err)
		}
		es.Producers = append(es.Producers, engine.ProducerSnapshot{
			Producer: producer,
			Values:   files,
			Time:     value.Time(t),
		})
	}
	if err := prodRows.Err(); err != nil {
		return nil, fmt.Errorf("load: producers: %w", err)
	}

	contribRows, err := s.db.Query(
		`SELECT dir, src_key, out_key FROM contrib ORDER BY dir, src_key, out_key`)
	if err != nil {
		return nil, fmt.Errorf("load: contrib: %w", err)
	}
	defer contribRows.Close()
	for contribRows.Next() {
		var dir, srcKey, outKey string
		if err := contribRows.Scan(&dir, &srcKey, &outKey); err != nil {
			return nil, fmt.Errorf("load: contrib: %w", err)
		}
		ds, ok := byName[value.DirName(dir)]
		if !ok {
			return nil, fmt.Errorf("load: contrib: orphan row for dir %s", dir)
		}
		sk, err := value.ParseBaseName(srcKey)
		if err != nil {
			return nil, fmt.Errorf("load: contrib: %w", err)
		}
		ok2, err := value.ParseBaseName(outKey)
		if err != nil {
			return nil, fmt.Errorf("load: contrib: %w", err)
		}
		n := len(ds.Contrib)
		if n > 0 && ds.Contrib[n-1].SrcKey.Compare(sk) == 0 {
			ds.Contrib[n-1].OutKeys = append(ds.Contrib[n-1].OutKeys, ok2)
		} else {
			ds.Contrib = append(ds.Contrib, engine.ContribSnapshot{
				SrcKey:  sk,
				OutKeys: []value.BaseName{ok2},
			})
		}
	}
	if err := contribRows.Err(); err != nil {
		return nil, fmt.Errorf("load: contrib: %w", err)
	}

	return index, nil
}

func (s *Store) loadReaders(byName map[value.DirName]*engine.DirSnapshot, index map[value.Path]*engine.EntrySnapshot) error {
	rows, err := s.db.Query(
		`SELECT dir, key, reader_dir, reader_key FROM readers ORDER BY dir, key, reader_dir, reader_key`)
	if err != nil {
		return fmt.Errorf("load: readers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dir, key, rdir, rkey string
		if err := rows.Scan(&dir, &key, &rdir, &rkey); err != nil {
			return fmt.Errorf("load: readers: %w", err)
		}
		owner, err := parsePath(dir, key)
		if err != nil {
			return fmt.Errorf("load: readers: %w", err)
		}
		reader, err := parsePath(rdir, rkey)
		if err != nil {
			return fmt.Errorf("load: readers: %w", err)
		}
		if es, ok := index[owner]; ok {
			es.Readers = append(es.Readers, reader)
			continue
		}
		// Lazy owner: attach to the matching lazy entry snapshot.
		ds, ok := byName[owner.Dir]
		if !ok {
			return fmt.Errorf("load: readers: orphan row for %s", owner)
		}
		for i := range ds.LazyEntries {
			if ds.LazyEntries[i].Key.Compare(owner.Key) == 0 {
				ds.LazyEntries[i].Readers = append(ds.LazyEntries[i].Readers, reader)
				break
			}
		}
	}
	return rows.Err()
}

func (s *Store) loadLazyEntries(byName map[value.DirName]*engine.DirSnapshot) error {
	rows, err := s.db.Query(
		`SELECT dir, key, vals, computed_at, dirty FROM lazy_entries ORDER BY dir, key`)
	if err != nil {
		return fmt.Errorf("load: lazy entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var dir, key, vals string
		var computedAt int64
		var dirty int
		if err := rows.Scan(&dir, &key, &vals, &computedAt, &dirty); err != nil {
			return fmt.Errorf("load: lazy entries: %w", err)
		}
		ds, ok := byName[value.DirName(dir)]
		if !ok {
			return fmt.Errorf("load: lazy entries: orphan row for dir %s", dir)
		}
		k, err := value.ParseBaseName(key)
		if err != nil {
			return fmt.Errorf("load: lazy entries: %w", err)
		}
		files, err := unmarshalValues(vals)
		if err != nil {
			return fmt.Errorf("load: lazy entry %s%s: %w", dir, key, err)
		}
		ds.LazyEntries = append(ds.LazyEntries, engine.LazyEntrySnapshot{
			Key:        k,
			Values:     files,
			ComputedAt: value.Time(computedAt),
			Dirty:      dirty != 0,
		})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load: lazy entries: %w", err)
	}

	index := make(map[value.Path]*engine.LazyEntrySnapshot)
	for _, ds := range byName {
		for i := range ds.LazyEntries {
			index[value.NewPath(ds.Name, ds.LazyEntries[i].Key)] = &ds.LazyEntries[i]
		}
	}

	depRows, err := s.db.Query(
		`SELECT dir, key, dep_dir, dep_key, dep_time FROM lazy_deps ORDER BY dir, key, ord`)
	if err != nil {
		return fmt.Errorf("load: lazy deps: %w", err)
	}
	defer depRows.Close()
	for depRows.Next() {
		var dir, key, ddir, dkey string
		var t int64
		if err := depRows.Scan(&dir, &key, &ddir, &dkey, &t); err != nil {
			return fmt.Errorf("load: lazy deps: %w", err)
		}
		owner, err := parsePath(dir, key)
		if err != nil {
			return fmt.Errorf("load: lazy deps: %w", err)
		}
		ls, ok := index[owner]
		if !ok {
			return fmt.Errorf("load: lazy deps: orphan row for %s", owner)
		}
		dep, err := parsePath(ddir, dkey)
		if err != nil {
			return fmt.Errorf("load: lazy deps: %w", err)
		}
		ls.Deps = append(ls.Deps, engine.Dep{Path: dep, Time: value.Time(t)})
	}
	return depRows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
