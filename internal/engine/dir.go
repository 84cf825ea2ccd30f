package engine

import (
	"github.com/skiplabs/skfs/internal/value"
)

// Dir is a sealed interface over the directory variants. Only *EagerDir,
// *LazyDir, and *DeletedDir implement it.
//
// Within a context, every DirName resolves to exactly one variant. The graph
// between directories lives in the context and is indexed by names; no
// directory holds a pointer to another.
type Dir interface {
	dir() // Sealed - only these types implement it

	// Name returns the directory's unique name.
	Name() value.DirName

	// clone produces a deep copy for MClone scopes. Value arrays are shared
	// (Files are immutable and arrays are replaced, never mutated); all
	// bookkeeping maps are copied.
	clone() Dir
}

// DeletedDir is the tombstone left behind by a removed directory. It answers
// all queries as empty and rejects writes. Save and Compact carry it like any
// other directory; nothing removes it from the context.
type DeletedDir struct {
	name value.DirName

	// DeletedAt is the tick at which the directory was removed.
	DeletedAt value.Time
}

// NewDeletedDir creates a tombstone for a removed directory.
func NewDeletedDir(name value.DirName, at value.Time) *DeletedDir {
	return &DeletedDir{name: name, DeletedAt: at}
}

func (*DeletedDir) dir() {}

// Name returns the directory's name.
func (d *DeletedDir) Name() value.DirName { return d.name }

func (d *DeletedDir) clone() Dir {
	cp := *d
	return &cp
}
