package engine

import (
	"sort"

	"github.com/skiplabs/skfs/internal/value"
)

// producerSlice is one producer's contribution to an entry.
type producerSlice struct {
	values []value.File
	time   value.Time
}

// Entry is one materialised cell of an eager directory.
//
// An entry written directly (input writes, WriteArray) has no producers; an
// entry written through the mapper infrastructure carries one contribution
// per producer path, merged in producer-path ascending order so downstream
// readers see a stable sequence.
type Entry struct {
	values    []value.File
	hash      string
	writeTime value.Time
	producers map[value.Path]*producerSlice
	readers   map[value.Path]struct{}
	tombstone bool
}

// Values returns the entry's merged value array. Callers must not mutate it.
func (e *Entry) Values() []value.File { return e.values }

// WriteTime returns the tick of the last effective write.
func (e *Entry) WriteTime() value.Time { return e.writeTime }

// EagerDir is a directory whose contents are materialised by writes, either
// direct input writes or writes from an associated mapper.
type EagerDir struct {
	name    value.DirName
	entries map[value.BaseName]*Entry
	isInput bool

	// Mapper registration, set when this dir is derived from a source.
	mapperName  string
	source      value.DirName
	reducerName string

	// contrib indexes, per source key, the output keys that key's mapper run
	// wrote. A re-run retracts contributions to keys it no longer writes.
	contrib map[value.BaseName]map[value.BaseName]struct{}

	// derived lists directories whose mappers consume this dir, so a write
	// to a fresh key can schedule their per-key runs.
	derived []value.DirName
}

func newEagerDir(name value.DirName, isInput bool) *EagerDir {
	return &EagerDir{
		name:    name,
		entries: make(map[value.BaseName]*Entry),
		isInput: isInput,
		contrib: make(map[value.BaseName]map[value.BaseName]struct{}),
	}
}

func (*EagerDir) dir() {}

// Name returns the directory's name.
func (d *EagerDir) Name() value.DirName { return d.name }

// IsInput reports whether the directory receives external input writes.
func (d *EagerDir) IsInput() bool { return d.isInput }

// SourceDir returns the mapper source, or "" for a plain directory.
func (d *EagerDir) SourceDir() value.DirName { return d.source }

// MapperName returns the registered mapper name, or "" for a plain directory.
func (d *EagerDir) MapperName() string { return d.mapperName }

// ReducerName returns the registered reducer name, or "".
func (d *EagerDir) ReducerName() string { return d.reducerName }

// Keys returns the live keys in ascending order.
func (d *EagerDir) Keys() []value.BaseName {
	keys := make([]value.BaseName, 0, len(d.entries))
	for k, e := range d.entries {
		if !e.tombstone {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys
}

// Entry returns the live entry for key, for introspection. ok=false for
// missing and tombstoned keys.
func (d *EagerDir) Entry(key value.BaseName) (*Entry, bool) {
	e, ok := d.entries[key]
	if !ok || e.tombstone {
		return nil, false
	}
	return e, true
}

// GetArrayRaw reads an entry without recording a dependency. Used by mappers
// that already depend on their input directory holistically; callers assume
// responsibility for correctness.
func (d *EagerDir) GetArrayRaw(key value.BaseName) []value.File {
	e, ok := d.entries[key]
	if !ok || e.tombstone {
		return nil
	}
	return e.values
}

// GetArray reads an entry and records it as a dependency of the current
// reader frame. Outside a frame it behaves like GetArrayRaw.
func (d *EagerDir) GetArray(ctx *Context, key value.BaseName) []value.File {
	e, ok := d.entries[key]
	var t value.Time
	var values []value.File
	if ok {
		// A tombstone still stamps the read: the reader depends on the
		// removed state at its removal time.
		t = e.writeTime
		if !e.tombstone {
			values = e.values
		}
	}
	if reader, inFrame := ctx.currentReader(); inFrame {
		ctx.recordRead(Dep{Path: value.NewPath(d.name, key), Time: t})
		if !ok {
			// Register the reader on a ghost entry so a later first write
			// still dirties it.
			e = d.ghostEntry(key)
		}
		if e.readers == nil {
			e.readers = make(map[value.Path]struct{})
		}
		e.readers[reader] = struct{}{}
	}
	return values
}

// ghostEntry materialises a tombstoned placeholder so reads of absent keys
// can still be tracked.
func (d *EagerDir) ghostEntry(key value.BaseName) *Entry {
	e := &Entry{tombstone: true}
	d.entries[key] = e
	return e
}

// WriteArray replaces the entry for key with values at a fresh tick,
// dirtying every recorded reader. Writing identical values (by interned
// identity) is a no-op: no tick, no dirtying.
func (d *EagerDir) WriteArray(ctx *Context, key value.BaseName, values []value.File) error {
	batch := newWriteBatch(ctx)
	if err := d.writeArrayIn(ctx, batch, key, values); err != nil {
		return err
	}
	return nil
}

// WriteArrayMany streams (key, values) pairs as one atomic batch: every
// effective write in the batch shares a single tick, so dirty propagation
// happens once per batch.
func (d *EagerDir) WriteArrayMany(ctx *Context, items []KeyValues) error {
	batch := newWriteBatch(ctx)
	for _, kv := range items {
		if err := d.writeArrayIn(ctx, batch, kv.Key, kv.Values); err != nil {
			return err
		}
	}
	return nil
}

// writeBatch assigns one shared tick to all effective writes in a batch.
// The tick is taken lazily: a batch of pure no-ops never advances the clock.
type writeBatch struct {
	ctx  *Context
	time value.Time
}

func newWriteBatch(ctx *Context) *writeBatch {
	return &writeBatch{ctx: ctx}
}

func (b *writeBatch) tick() value.Time {
	if b.time == value.TimeZero {
		b.time = b.ctx.Tick()
	}
	return b.time
}

// writeArrayIn performs one direct (producer-less) write within a batch.
func (d *EagerDir) writeArrayIn(ctx *Context, batch *writeBatch, key value.BaseName, values []value.File) error {
	interned, err := ctx.interner.InternAll(values)
	if err != nil {
		return err
	}
	hash, err := value.EntryHash(interned)
	if err != nil {
		return err
	}

	e, ok := d.entries[key]
	if ok && !e.tombstone && e.hash == hash {
		return nil // identical by identity: no tick, no dirtying
	}
	if !ok {
		e = &Entry{}
		d.entries[key] = e
	}

	e.values = interned
	e.hash = hash
	e.writeTime = batch.tick()
	e.tombstone = false
	e.producers = nil

	d.afterWrite(ctx, key, e)
	return nil
}

// WriteEntry is like WriteArray but records producer into the entry's
// producers map with the new time. Multiple producers contributing to the
// same key each own a disjoint sub-slice of the entry's value list, merged
// in producer-path ascending order (or folded by the directory's reducer).
func (d *EagerDir) WriteEntry(ctx *Context, producer value.Path, key value.BaseName, values []value.File) error {
	batch := newWriteBatch(ctx)
	return d.writeEntryIn(ctx, batch, producer, key, values)
}

// writeEntryIn performs one producer-tagged write within a batch. Each
// producer owns a disjoint sub-slice of the entry's value list; the merged
// view orders contributions by producer path ascending.
func (d *EagerDir) writeEntryIn(ctx *Context, batch *writeBatch, producer value.Path, key value.BaseName, values []value.File) error {
	interned, err := ctx.interner.InternAll(values)
	if err != nil {
		return err
	}

	e, ok := d.entries[key]
	if !ok {
		e = &Entry{}
		d.entries[key] = e
	}
	if e.producers == nil {
		e.producers = make(map[value.Path]*producerSlice)
	}

	old := e.producers[producer]
	if old != nil && !e.tombstone && value.Same(old.values, interned) {
		return nil
	}

	var oldValues []value.File
	if old != nil {
		oldValues = old.values
	}
	e.producers[producer] = &producerSlice{values: interned, time: batch.tick()}

	return d.remerge(ctx, batch, key, e, oldValues, interned)
}

// removeProducer retracts one producer's contribution to an entry.
func (d *EagerDir) removeProducer(ctx *Context, batch *writeBatch, producer value.Path, key value.BaseName) error {
	e, ok := d.entries[key]
	if !ok || e.producers == nil {
		return nil
	}
	old, ok := e.producers[producer]
	if !ok {
		return nil
	}
	delete(e.producers, producer)
	return d.remerge(ctx, batch, key, e, old.values, nil)
}

// remerge rebuilds the entry's merged view after a producer delta and
// propagates dirtiness if the merged view changed.
func (d *EagerDir) remerge(ctx *Context, batch *writeBatch, key value.BaseName, e *Entry, removed, added []value.File) error {
	red, err := ctx.reg.Reducer(d.reducerName)
	if err != nil {
		return err
	}

	var merged []value.File
	if red != nil && !e.tombstone && e.hash != "" {
		// One aggregated delta per batch; nil falls back to a full Init.
		merged = red.Update(e.values, removed, added)
		if merged == nil {
			merged = red.Init(d.concatProducers(e))
		}
		interned, err := ctx.interner.InternAll(merged)
		if err != nil {
			return err
		}
		merged = interned
	} else if red != nil {
		interned, err := ctx.interner.InternAll(red.Init(d.concatProducers(e)))
		if err != nil {
			return err
		}
		merged = interned
	} else {
		merged = d.concatProducers(e)
	}

	if len(e.producers) == 0 {
		// Last producer retracted: converge to the never-written state.
		e.values = nil
		e.hash = ""
		e.writeTime = batch.tick()
		e.tombstone = true
		d.afterWrite(ctx, key, e)
		return nil
	}

	hash, err := value.EntryHash(merged)
	if err != nil {
		return err
	}
	if !e.tombstone && e.hash == hash {
		return nil // merged view unchanged: producers moved, readers unaffected
	}

	e.values = merged
	e.hash = hash
	e.writeTime = batch.tick()
	e.tombstone = false

	d.afterWrite(ctx, key, e)
	return nil
}

// concatProducers concatenates contributions in producer-path ascending
// order.
func (d *EagerDir) concatProducers(e *Entry) []value.File {
	paths := make([]value.Path, 0, len(e.producers))
	for p := range e.producers {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i].Compare(paths[j]) < 0 })
	var merged []value.File
	for _, p := range paths {
		merged = append(merged, e.producers[p].values...)
	}
	return merged
}

// Remove replaces the entry with a tombstone at a fresh tick and dirties its
// readers. Removing a non-existent key is a no-op.
func (d *EagerDir) Remove(ctx *Context, key value.BaseName) error {
	e, ok := d.entries[key]
	if !ok || e.tombstone {
		return nil
	}
	batch := newWriteBatch(ctx)
	e.values = nil
	e.hash = ""
	e.writeTime = batch.tick()
	e.tombstone = true
	e.producers = nil

	d.afterWrite(ctx, key, e)
	return nil
}

// afterWrite propagates dirtiness after an effective write to key: every
// recorded reader goes into the context's dirty set (and is deregistered;
// recomputation re-registers the ones that still read this cell), and every
// derived directory gets its per-key mapper run scheduled.
func (d *EagerDir) afterWrite(ctx *Context, key value.BaseName, e *Entry) {
	for r := range e.readers {
		ctx.markDirty(r)
	}
	e.readers = nil
	for _, out := range d.derived {
		ctx.markDirty(value.NewPath(out, key))
	}
}

func (d *EagerDir) clone() Dir {
	cp := &EagerDir{
		name:        d.name,
		entries:     make(map[value.BaseName]*Entry, len(d.entries)),
		isInput:     d.isInput,
		mapperName:  d.mapperName,
		source:      d.source,
		reducerName: d.reducerName,
		contrib:     make(map[value.BaseName]map[value.BaseName]struct{}, len(d.contrib)),
		derived:     append([]value.DirName(nil), d.derived...),
	}
	for k, e := range d.entries {
		ne := &Entry{
			values:    e.values,
			hash:      e.hash,
			writeTime: e.writeTime,
			tombstone: e.tombstone,
		}
		if e.producers != nil {
			ne.producers = make(map[value.Path]*producerSlice, len(e.producers))
			for p, ps := range e.producers {
				ne.producers[p] = &producerSlice{values: ps.values, time: ps.time}
			}
		}
		if e.readers != nil {
			ne.readers = make(map[value.Path]struct{}, len(e.readers))
			for r := range e.readers {
				ne.readers[r] = struct{}{}
			}
		}
		cp.entries[k] = ne
	}
	for src, outs := range d.contrib {
		m := make(map[value.BaseName]struct{}, len(outs))
		for o := range outs {
			m[o] = struct{}{}
		}
		cp.contrib[src] = m
	}
	return cp
}
