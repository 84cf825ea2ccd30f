package engine

import (
	"sort"

	"github.com/skiplabs/skfs/internal/value"
)

// lazyState tracks where a lazy entry is in its lifecycle.
type lazyState int

const (
	// lazyClean: the cache was computed against exactly the recorded deps.
	lazyClean lazyState = iota

	// lazyDirty: a dependency advanced; the next force recomputes.
	lazyDirty

	// lazyInFlight: a compute for this key is on the stack. Re-entry
	// returns the stale cache (or empty) instead of deadlocking.
	lazyInFlight
)

// LazyEntry is one memoised cell of a lazy directory.
type LazyEntry struct {
	values     []value.File
	hash       string
	deps       []Dep
	computedAt value.Time
	state      lazyState
	exists     bool
	readers    map[value.Path]struct{}
}

// LazyDir is a directory whose contents are computed on demand by a
// registered function and memoised per key.
type LazyDir struct {
	name   value.DirName
	fnName string
	cache  map[value.BaseName]*LazyEntry
}

func (*LazyDir) dir() {}

// Name returns the directory's name.
func (d *LazyDir) Name() value.DirName { return d.name }

// FnName returns the registered compute function name.
func (d *LazyDir) FnName() string { return d.fnName }

// cachedKeys returns the keys with a materialised cache entry, ascending.
func (d *LazyDir) cachedKeys() []value.BaseName {
	keys := make([]value.BaseName, 0, len(d.cache))
	for k := range d.cache {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys
}

// CreateLazyDir creates a lazy directory computing entries with the named
// registered function. Fails with DUPLICATE_DIR if the name exists and is
// not a tombstone.
func CreateLazyDir(ctx *Context, name value.DirName, fnName string) (LHandle, error) {
	if _, err := ctx.reg.Lazy(fnName); err != nil {
		return LHandle{}, err
	}
	if existing, ok := ctx.dirs[name]; ok {
		if _, deleted := existing.(*DeletedDir); !deleted {
			return LHandle{}, &RuntimeError{
				Code:    ErrCodeDuplicateDir,
				Message: "directory already exists",
				Dir:     name,
			}
		}
	}
	ctx.dirs[name] = &LazyDir{
		name:   name,
		fnName: fnName,
		cache:  make(map[value.BaseName]*LazyEntry),
	}
	return LHandle{dir: name}, nil
}

// UnsafeGetArray returns the entry for key, forcing evaluation if the cache
// is missing or stale.
//
// Cycle tolerance: if the entry is already being computed on this stack,
// the stored cache (or empty) is returned instead of recursing. The stale
// read is counted, and convergence is driven by the completion of the outer
// compute: a changed result dirties the entry's readers, and the next
// Update() re-drives them to a fixed point.
func (d *LazyDir) UnsafeGetArray(ctx *Context, key value.BaseName) ([]value.File, error) {
	e, ok := d.cache[key]
	if !ok {
		e = &LazyEntry{state: lazyDirty}
		d.cache[key] = e
	}

	if e.state == lazyInFlight {
		ctx.Stats.Cycles++
		ctx.logger.Debug("lazy cycle tolerated", "dir", string(d.name), "key", key.String())
		d.registerReader(ctx, key, e)
		return e.values, nil
	}

	if e.exists && e.state == lazyClean && d.depsFresh(ctx, e) {
		d.registerReader(ctx, key, e)
		return e.values, nil
	}

	return d.force(ctx, key, e)
}

// force recomputes one entry. On failure the previous cache stays in place,
// the entry stays dirty, and the captured failure is returned alongside the
// stale values.
func (d *LazyDir) force(ctx *Context, key value.BaseName, e *LazyEntry) ([]value.File, error) {
	fn, err := ctx.reg.Lazy(d.fnName)
	if err != nil {
		return nil, err
	}

	path := value.NewPath(d.name, key)
	e.state = lazyInFlight
	ctx.Stats.Recomputes++

	var result []value.File
	deps, err := ctx.runFrame(path, func() error {
		var fnErr error
		result, fnErr = fn(ctx, LHandle{dir: d.name}, key)
		return fnErr
	})
	if err != nil {
		e.state = lazyDirty
		d.registerReader(ctx, key, e)
		return e.values, err
	}

	interned, err := ctx.interner.InternAll(result)
	if err != nil {
		e.state = lazyDirty
		return e.values, err
	}
	hash, err := value.EntryHash(interned)
	if err != nil {
		e.state = lazyDirty
		return e.values, err
	}

	changed := !e.exists || e.hash != hash
	e.deps = deps
	e.state = lazyClean
	e.exists = true
	if changed {
		e.values = interned
		e.hash = hash
		// Storing a changed result is a write: stamp a fresh tick and
		// dirty everyone who read the old value.
		e.computedAt = ctx.Tick()
		for r := range e.readers {
			ctx.markDirty(r)
		}
		e.readers = nil
	}

	d.registerReader(ctx, key, e)
	return e.values, nil
}

// registerReader records the current frame (if any) as a reader of this
// entry, both as a dependency edge and in the entry's reader set.
func (d *LazyDir) registerReader(ctx *Context, key value.BaseName, e *LazyEntry) {
	reader, inFrame := ctx.currentReader()
	if !inFrame {
		return
	}
	ctx.recordRead(Dep{Path: value.NewPath(d.name, key), Time: e.computedAt})
	if e.readers == nil {
		e.readers = make(map[value.Path]struct{})
	}
	e.readers[reader] = struct{}{}
}

// depsFresh reports whether none of the entry's recorded dependencies have
// advanced beyond the times they were read at.
func (d *LazyDir) depsFresh(ctx *Context, e *LazyEntry) bool {
	for _, dep := range e.deps {
		if cellTime(ctx, dep.Path).After(dep.Time) {
			return false
		}
	}
	return true
}

// cellTime returns the current write time of a cell, across directory
// variants. A deleted directory answers with its deletion time; an unknown
// cell answers with the pre-history sentinel.
func cellTime(ctx *Context, p value.Path) value.Time {
	switch dd := ctx.dirs[p.Dir].(type) {
	case *EagerDir:
		if e, ok := dd.entries[p.Key]; ok {
			return e.writeTime
		}
	case *LazyDir:
		if e, ok := dd.cache[p.Key]; ok {
			return e.computedAt
		}
	case *DeletedDir:
		return dd.DeletedAt
	}
	return value.TimeZero
}

// MaybeGetArray returns the cached value without forcing: ok=false if no
// cache exists for the key.
func (d *LazyDir) MaybeGetArray(key value.BaseName) ([]value.File, bool) {
	e, ok := d.cache[key]
	if !ok || !e.exists {
		return nil, false
	}
	return e.values, true
}

// invalidate marks an entry stale after a dependency advanced. The cached
// value is kept (stale reads are tolerated until the next force); if the
// entry was previously forced, the caller recomputes it during the drain.
func (d *LazyDir) invalidate(key value.BaseName) *LazyEntry {
	e, ok := d.cache[key]
	if !ok {
		return nil
	}
	if e.state == lazyClean {
		e.state = lazyDirty
	}
	return e
}

func (d *LazyDir) clone() Dir {
	cp := &LazyDir{
		name:   d.name,
		fnName: d.fnName,
		cache:  make(map[value.BaseName]*LazyEntry, len(d.cache)),
	}
	for k, e := range d.cache {
		ne := &LazyEntry{
			values:     e.values,
			hash:       e.hash,
			deps:       append([]Dep(nil), e.deps...),
			computedAt: e.computedAt,
			state:      e.state,
			exists:     e.exists,
		}
		if e.readers != nil {
			ne.readers = make(map[value.Path]struct{}, len(e.readers))
			for r := range e.readers {
				ne.readers[r] = struct{}{}
			}
		}
		cp.cache[k] = ne
	}
	return cp
}
