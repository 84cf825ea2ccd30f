package engine

import (
	"github.com/skiplabs/skfs/internal/value"
)

// EHandle is a lightweight value reference to an eager directory. Handles
// carry only the directory name; every operation resolves against the
// context, so a handle never outlives or outdates it.
type EHandle struct {
	dir value.DirName
}

// NewEHandle wraps an existing eager directory name.
func NewEHandle(dir value.DirName) EHandle {
	return EHandle{dir: dir}
}

// Name returns the directory name the handle refers to.
func (h EHandle) Name() value.DirName { return h.dir }

// GetArray reads an entry, recording a dependency when inside a frame.
func (h EHandle) GetArray(ctx *Context, key value.BaseName) ([]value.File, error) {
	d, err := ctx.UnsafeGetEagerDir(h.dir)
	if err != nil {
		if isDeleted(ctx, h.dir) {
			return nil, nil
		}
		return nil, err
	}
	return d.GetArray(ctx, key), nil
}

// Get reads the first File of an entry, or nil for an empty entry.
func (h EHandle) Get(ctx *Context, key value.BaseName) (value.File, error) {
	values, err := h.GetArray(ctx, key)
	if err != nil || len(values) == 0 {
		return nil, err
	}
	return values[0], nil
}

// GetDecoded reads the first File of an entry and applies the context's
// decoder table.
func (h EHandle) GetDecoded(ctx *Context, key value.BaseName) (any, error) {
	f, err := h.Get(ctx, key)
	if err != nil || f == nil {
		return nil, err
	}
	return ctx.decoders.Decode(f)
}

// Keys returns the directory's live keys in ascending order.
func (h EHandle) Keys(ctx *Context) ([]value.BaseName, error) {
	d, err := ctx.UnsafeGetEagerDir(h.dir)
	if err != nil {
		if isDeleted(ctx, h.dir) {
			return nil, nil
		}
		return nil, err
	}
	return d.Keys(), nil
}

// WriteArray replaces the entry for key at a fresh tick.
func (h EHandle) WriteArray(ctx *Context, key value.BaseName, values []value.File) error {
	d, err := ctx.UnsafeGetEagerDir(h.dir)
	if err != nil {
		return writeToDeleted(ctx, h.dir, err)
	}
	return d.WriteArray(ctx, key, values)
}

// WriteArrayMany streams (key, values) pairs as one atomic batch.
func (h EHandle) WriteArrayMany(ctx *Context, items []KeyValues) error {
	d, err := ctx.UnsafeGetEagerDir(h.dir)
	if err != nil {
		return writeToDeleted(ctx, h.dir, err)
	}
	return d.WriteArrayMany(ctx, items)
}

// Remove tombstones the entry for key.
func (h EHandle) Remove(ctx *Context, key value.BaseName) error {
	d, err := ctx.UnsafeGetEagerDir(h.dir)
	if err != nil {
		return writeToDeleted(ctx, h.dir, err)
	}
	return d.Remove(ctx, key)
}

// LHandle is a lightweight value reference to a lazy directory.
type LHandle struct {
	dir value.DirName
}

// NewLHandle wraps an existing lazy directory name.
func NewLHandle(dir value.DirName) LHandle {
	return LHandle{dir: dir}
}

// Name returns the directory name the handle refers to.
func (h LHandle) Name() value.DirName { return h.dir }

// GetArray forces the entry for key and returns its value array.
func (h LHandle) GetArray(ctx *Context, key value.BaseName) ([]value.File, error) {
	d, err := ctx.unsafeGetLazyDir(h.dir)
	if err != nil {
		if isDeleted(ctx, h.dir) {
			return nil, nil
		}
		return nil, err
	}
	return d.UnsafeGetArray(ctx, key)
}

// Get forces the entry for key and returns its first File, or nil for an
// empty entry.
func (h LHandle) Get(ctx *Context, key value.BaseName) (value.File, error) {
	values, err := h.GetArray(ctx, key)
	if err != nil || len(values) == 0 {
		return nil, err
	}
	return values[0], nil
}

// GetDecoded forces the entry and applies the context's decoder table to its
// first File.
func (h LHandle) GetDecoded(ctx *Context, key value.BaseName) (any, error) {
	f, err := h.Get(ctx, key)
	if err != nil || f == nil {
		return nil, err
	}
	return ctx.decoders.Decode(f)
}

// MaybeGet returns the cached value without forcing; ok=false when the key
// has never been computed.
func (h LHandle) MaybeGet(ctx *Context, key value.BaseName) ([]value.File, bool, error) {
	d, err := ctx.unsafeGetLazyDir(h.dir)
	if err != nil {
		if isDeleted(ctx, h.dir) {
			return nil, false, nil
		}
		return nil, false, err
	}
	values, ok := d.MaybeGetArray(key)
	return values, ok, nil
}

// isDeleted reports whether the name is a tombstoned directory. Reads of a
// deleted directory answer empty instead of failing, so no exception escapes
// to derived readers.
func isDeleted(ctx *Context, name value.DirName) bool {
	_, ok := ctx.dirs[name].(*DeletedDir)
	return ok
}

// writeToDeleted upgrades an accessor error into WRITE_TO_DELETED_DIR when
// the target is a tombstone. Writes to deleted directories are fatal.
func writeToDeleted(ctx *Context, name value.DirName, err error) error {
	if isDeleted(ctx, name) {
		return &RuntimeError{
			Code:    ErrCodeWriteToDeletedDir,
			Message: "write to a deleted directory",
			Dir:     name,
		}
	}
	return err
}
