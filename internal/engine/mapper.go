package engine

import (
	"sort"

	"github.com/skiplabs/skfs/internal/value"
)

// Writer is the write surface handed to a mapper run. Writes are buffered
// per output key and applied as one producer-tagged batch when the run
// flushes, so a run that writes the same key twice contributes one
// aggregated delta.
type Writer struct {
	out      *EagerDir
	producer value.Path
	buffered map[value.BaseName][]value.File
}

// Write appends values to the run's contribution for an output key.
func (w *Writer) Write(key value.BaseName, values []value.File) {
	if w.buffered == nil {
		w.buffered = make(map[value.BaseName][]value.File)
	}
	w.buffered[key] = append(w.buffered[key], values...)
}

// flush applies the buffered contributions as one batch under the run's
// producer path, and retracts contributions to keys the run no longer
// writes.
func (w *Writer) flush(ctx *Context, srcKey value.BaseName) error {
	batch := newWriteBatch(ctx)

	keys := make([]value.BaseName, 0, len(w.buffered))
	for k := range w.buffered {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })

	for _, k := range keys {
		if err := w.out.writeEntryIn(ctx, batch, w.producer, k, w.buffered[k]); err != nil {
			return err
		}
	}

	// Retract stale contributions: keys this producer wrote on a previous
	// run but not on this one.
	written := make(map[value.BaseName]struct{}, len(keys))
	for _, k := range keys {
		written[k] = struct{}{}
	}
	old := w.out.contrib[srcKey]
	stale := make([]value.BaseName, 0)
	for k := range old {
		if _, ok := written[k]; !ok {
			stale = append(stale, k)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].Compare(stale[j]) < 0 })
	for _, k := range stale {
		if err := w.out.removeProducer(ctx, batch, w.producer, k); err != nil {
			return err
		}
	}

	if len(written) > 0 {
		w.out.contrib[srcKey] = written
	} else {
		delete(w.out.contrib, srcKey)
	}
	return nil
}

// ContextWriterKeyValues registers outDir as derived from the source handle
// and runs the named mapper over every existing source key. From then on,
// every effective write to a source key schedules a per-key re-run of the
// mapper, and every write the mapper makes is tagged with its producer path
// (outDir + source key) to enable partial recomputation.
//
// The reducer name may be empty; when set, the named reducer merges producer
// contributions into the output entries.
func ContextWriterKeyValues(ctx *Context, src EHandle, outDir value.DirName, mapperName, reducerName string) (EHandle, error) {
	// Fail fast on unknown names: they would otherwise surface mid-drain.
	if _, err := ctx.reg.Mapper(mapperName); err != nil {
		return EHandle{}, err
	}
	if _, err := ctx.reg.Reducer(reducerName); err != nil {
		return EHandle{}, err
	}

	srcDir, err := ctx.UnsafeGetEagerDir(src.dir)
	if err != nil {
		return EHandle{}, err
	}

	out, err := ctx.Mkdir(outDir, false, nil)
	if err != nil {
		return EHandle{}, err
	}
	outEager, err := ctx.UnsafeGetEagerDir(out.dir)
	if err != nil {
		return EHandle{}, err
	}
	outEager.mapperName = mapperName
	outEager.source = src.dir
	outEager.reducerName = reducerName
	srcDir.derived = append(srcDir.derived, outDir)

	for _, key := range srcDir.Keys() {
		if err := runMapperKey(ctx, outEager, key); err != nil {
			return EHandle{}, err
		}
	}
	return out, nil
}

// runMapperKey re-runs a derived directory's mapper for one source key.
//
// A missing or tombstoned source entry retracts the producer's previous
// contributions; a failed run leaves the previous contributions in place and
// reports a captured compute failure.
func runMapperKey(ctx *Context, out *EagerDir, srcKey value.BaseName) error {
	producer := value.NewPath(out.name, srcKey)

	src := ctx.MaybeGetEagerDir(out.source)
	var values []value.File
	if src != nil {
		values = src.GetArrayRaw(srcKey)
	}
	if len(values) == 0 {
		// Source gone (removed entry or deleted dir): retract everything
		// this producer contributed.
		batch := newWriteBatch(ctx)
		old := out.contrib[srcKey]
		stale := make([]value.BaseName, 0, len(old))
		for k := range old {
			stale = append(stale, k)
		}
		sort.Slice(stale, func(i, j int) bool { return stale[i].Compare(stale[j]) < 0 })
		for _, k := range stale {
			if err := out.removeProducer(ctx, batch, producer, k); err != nil {
				return err
			}
		}
		delete(out.contrib, srcKey)
		return nil
	}

	fn, err := ctx.reg.Mapper(out.mapperName)
	if err != nil {
		return err
	}

	w := &Writer{out: out, producer: producer}
	ctx.Stats.Recomputes++
	if _, err := ctx.runFrame(producer, func() error {
		return fn(ctx, w, srcKey, values)
	}); err != nil {
		// Previous contributions stay in place; the caller keeps the path
		// dirty for retry.
		return err
	}
	return w.flush(ctx, srcKey)
}
