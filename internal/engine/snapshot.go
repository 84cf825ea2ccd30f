package engine

import (
	"sort"

	"github.com/skiplabs/skfs/internal/value"
)

// Snapshot is the plain-data image of a context: everything persistence
// needs, nothing that is code. Mappers, lazy computes, reducers, and
// finalisers appear as registered names only; restoring resolves the names
// through a Registry.
//
// Export produces deterministic ordering throughout, so two snapshots of
// observably equal contexts are deeply equal.
type Snapshot struct {
	Time    value.Time
	Dirs    []DirSnapshot
	Globals []GlobalSnapshot
	Dirty   []value.Path
}

// DirSnapshot images one directory variant.
type DirSnapshot struct {
	Name      value.DirName
	Kind      string // "eager" | "lazy" | "deleted"
	IsInput   bool
	Mapper    string
	Source    value.DirName
	Reducer   string
	LazyFn    string
	DeletedAt value.Time

	Entries     []EntrySnapshot
	LazyEntries []LazyEntrySnapshot
	Contrib     []ContribSnapshot
}

// Directory kind tags used in snapshots and the state file.
const (
	KindEager   = "eager"
	KindLazy    = "lazy"
	KindDeleted = "deleted"
)

// EntrySnapshot images one eager entry with its bookkeeping.
type EntrySnapshot struct {
	Key       value.BaseName
	Values    []value.File
	WriteTime value.Time
	Tombstone bool
	Producers []ProducerSnapshot
	Readers   []value.Path
}

// ProducerSnapshot images one producer contribution.
type ProducerSnapshot struct {
	Producer value.Path
	Values   []value.File
	Time     value.Time
}

// LazyEntrySnapshot images one memoised lazy entry.
type LazyEntrySnapshot struct {
	Key        value.BaseName
	Values     []value.File
	ComputedAt value.Time
	Dirty      bool
	Deps       []Dep
	Readers    []value.Path
}

// ContribSnapshot images one source key's set of written output keys.
type ContribSnapshot struct {
	SrcKey  value.BaseName
	OutKeys []value.BaseName
}

// GlobalSnapshot images one session-scoped global.
type GlobalSnapshot struct {
	Name  string
	Value value.File
}

// Export images the context as plain data. In-flight lazy entries export as
// dirty: a snapshot taken mid-compute must recompute on restore.
func (c *Context) Export() Snapshot {
	snap := Snapshot{Time: c.clock.Current()}

	for _, name := range c.DirNames() {
		switch d := c.dirs[name].(type) {
		case *EagerDir:
			ds := DirSnapshot{
				Name:    d.name,
				Kind:    KindEager,
				IsInput: d.isInput,
				Mapper:  d.mapperName,
				Source:  d.source,
				Reducer: d.reducerName,
			}
			keys := make([]value.BaseName, 0, len(d.entries))
			for k := range d.entries {
				keys = append(keys, k)
			}
			sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
			for _, k := range keys {
				e := d.entries[k]
				es := EntrySnapshot{
					Key:       k,
					Values:    e.values,
					WriteTime: e.writeTime,
					Tombstone: e.tombstone,
					Readers:   sortedPaths(e.readers),
				}
				prods := make([]value.Path, 0, len(e.producers))
				for p := range e.producers {
					prods = append(prods, p)
				}
				sort.Slice(prods, func(i, j int) bool { return prods[i].Compare(prods[j]) < 0 })
				for _, p := range prods {
					ps := e.producers[p]
					es.Producers = append(es.Producers, ProducerSnapshot{
						Producer: p,
						Values:   ps.values,
						Time:     ps.time,
					})
				}
				ds.Entries = append(ds.Entries, es)
			}
			srcKeys := make([]value.BaseName, 0, len(d.contrib))
			for k := range d.contrib {
				srcKeys = append(srcKeys, k)
			}
			sort.Slice(srcKeys, func(i, j int) bool { return srcKeys[i].Compare(srcKeys[j]) < 0 })
			for _, sk := range srcKeys {
				outs := make([]value.BaseName, 0, len(d.contrib[sk]))
				for o := range d.contrib[sk] {
					outs = append(outs, o)
				}
				sort.Slice(outs, func(i, j int) bool { return outs[i].Compare(outs[j]) < 0 })
				ds.Contrib = append(ds.Contrib, ContribSnapshot{SrcKey: sk, OutKeys: outs})
			}
			snap.Dirs = append(snap.Dirs, ds)

		case *LazyDir:
			ds := DirSnapshot{Name: d.name, Kind: KindLazy, LazyFn: d.fnName}
			for _, k := range d.cachedKeys() {
				e := d.cache[k]
				if !e.exists {
					continue // never computed: nothing worth persisting
				}
				ds.LazyEntries = append(ds.LazyEntries, LazyEntrySnapshot{
					Key:        k,
					Values:     e.values,
					ComputedAt: e.computedAt,
					Dirty:      e.state != lazyClean,
					Deps:       append([]Dep(nil), e.deps...),
					Readers:    sortedPaths(e.readers),
				})
			}
			snap.Dirs = append(snap.Dirs, ds)

		case *DeletedDir:
			snap.Dirs = append(snap.Dirs, DirSnapshot{
				Name:      d.name,
				Kind:      KindDeleted,
				DeletedAt: d.DeletedAt,
			})
		}
	}

	for _, n := range c.GlobalNames() {
		snap.Globals = append(snap.Globals, GlobalSnapshot{Name: n, Value: c.globals[n]})
	}

	snap.Dirty = make([]value.Path, 0, len(c.dirty))
	for p := range c.dirty {
		snap.Dirty = append(snap.Dirty, p)
	}
	sort.Slice(snap.Dirty, func(i, j int) bool { return snap.Dirty[i].Compare(snap.Dirty[j]) < 0 })

	return snap
}

// Restore rebuilds a context from a snapshot against a registry. Every
// persisted function name must resolve; a missing registration fails fast
// with UNKNOWN_FUNCTION.
func Restore(snap Snapshot, reg *Registry, opts ...ContextOption) (*Context, error) {
	opts = append([]ContextOption{WithClock(NewClockAt(snap.Time))}, opts...)
	c := NewContext(reg, opts...)

	for _, ds := range snap.Dirs {
		switch ds.Kind {
		case KindEager:
			if ds.Mapper != "" {
				if _, err := reg.Mapper(ds.Mapper); err != nil {
					return nil, err
				}
			}
			if _, err := reg.Reducer(ds.Reducer); err != nil {
				return nil, err
			}
			d := newEagerDir(ds.Name, ds.IsInput)
			d.mapperName = ds.Mapper
			d.source = ds.Source
			d.reducerName = ds.Reducer
			for _, es := range ds.Entries {
				values, err := c.interner.InternAll(es.Values)
				if err != nil {
					return nil, err
				}
				hash := ""
				if !es.Tombstone {
					if hash, err = value.EntryHash(values); err != nil {
						return nil, err
					}
				}
				e := &Entry{
					values:    values,
					hash:      hash,
					writeTime: es.WriteTime,
					tombstone: es.Tombstone,
					readers:   pathSet(es.Readers),
				}
				for _, ps := range es.Producers {
					values, err := c.interner.InternAll(ps.Values)
					if err != nil {
						return nil, err
					}
					if e.producers == nil {
						e.producers = make(map[value.Path]*producerSlice)
					}
					e.producers[ps.Producer] = &producerSlice{values: values, time: ps.Time}
				}
				d.entries[es.Key] = e
			}
			for _, cs := range ds.Contrib {
				outs := make(map[value.BaseName]struct{}, len(cs.OutKeys))
				for _, o := range cs.OutKeys {
					outs[o] = struct{}{}
				}
				d.contrib[cs.SrcKey] = outs
			}
			c.dirs[ds.Name] = d

		case KindLazy:
			if _, err := reg.Lazy(ds.LazyFn); err != nil {
				return nil, err
			}
			d := &LazyDir{
				name:   ds.Name,
				fnName: ds.LazyFn,
				cache:  make(map[value.BaseName]*LazyEntry),
			}
			for _, ls := range ds.LazyEntries {
				values, err := c.interner.InternAll(ls.Values)
				if err != nil {
					return nil, err
				}
				hash, err := value.EntryHash(values)
				if err != nil {
					return nil, err
				}
				state := lazyClean
				if ls.Dirty {
					state = lazyDirty
				}
				d.cache[ls.Key] = &LazyEntry{
					values:     values,
					hash:       hash,
					deps:       append([]Dep(nil), ls.Deps...),
					computedAt: ls.ComputedAt,
					state:      state,
					exists:     true,
					readers:    pathSet(ls.Readers),
				}
			}
			c.dirs[ds.Name] = d

		case KindDeleted:
			c.dirs[ds.Name] = NewDeletedDir(ds.Name, ds.DeletedAt)
		}
	}

	// Rebuild the derived lists from the persisted source links, in
	// ascending output order for deterministic scheduling.
	for _, ds := range snap.Dirs {
		if ds.Kind == KindEager && ds.Source != "" {
			if src, ok := c.dirs[ds.Source].(*EagerDir); ok {
				src.derived = append(src.derived, ds.Name)
			}
		}
	}

	for _, gs := range snap.Globals {
		if err := c.SetGlobal(gs.Name, gs.Value); err != nil {
			return nil, err
		}
	}
	for _, p := range snap.Dirty {
		c.markDirty(p)
	}
	return c, nil
}

// ExternalPointers collects the distinct external pointers reachable from
// the snapshot, sorted by handle then finaliser. This is the live set the
// copying GC compares against the previous arena.
func (s Snapshot) ExternalPointers() []value.ExternalPointer {
	seen := make(map[value.ExternalPointer]struct{})
	collect := func(files []value.File) {
		for _, f := range files {
			if ep, ok := f.(value.ExternalPointer); ok {
				seen[ep] = struct{}{}
			}
		}
	}
	for _, ds := range s.Dirs {
		for _, es := range ds.Entries {
			collect(es.Values)
			for _, ps := range es.Producers {
				collect(ps.Values)
			}
		}
		for _, ls := range ds.LazyEntries {
			collect(ls.Values)
		}
	}
	for _, gs := range s.Globals {
		collect([]value.File{gs.Value})
	}

	out := make([]value.ExternalPointer, 0, len(seen))
	for ep := range seen {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value < out[j].Value
		}
		return out[i].Finalizer < out[j].Finalizer
	})
	return out
}

func sortedPaths(set map[value.Path]struct{}) []value.Path {
	if len(set) == 0 {
		return nil
	}
	out := make([]value.Path, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

func pathSet(paths []value.Path) map[value.Path]struct{} {
	if len(paths) == 0 {
		return nil
	}
	set := make(map[value.Path]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return set
}
