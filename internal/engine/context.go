package engine

import (
	"log/slog"
	"sort"

	"github.com/skiplabs/skfs/internal/value"
)

// DefaultMaxSteps is the default quota for one Update() drain. It bounds
// runaway recomputation; a legitimate drain touches each distinct
// (path, time) pair at most once, so the quota only trips on broken
// reducers or pathological graphs.
const DefaultMaxSteps = 1_000_000

// KeyValues pairs a key with its value array, for batch writes and Mkdir
// initial contents.
type KeyValues struct {
	Key    value.BaseName
	Values []value.File
}

// Stats counts engine events for introspection and tests.
type Stats struct {
	// Recomputes is the number of mapper re-runs and lazy recomputations.
	Recomputes int

	// Cycles is the number of in-flight re-entries tolerated.
	Cycles int

	// Failures is the number of captured compute failures.
	Failures int
}

// Context is the single mutable root through which all operations occur.
//
// The context exclusively owns all directories. Handles are lightweight
// value references into the context, carrying a directory name; they never
// outlive it.
//
// Thread-safety model: the context is single-writer. All mutation must
// happen on one goroutine; there is no internal locking.
type Context struct {
	clock    *Clock
	dirs     map[value.DirName]Dir
	dirty    map[value.Path]struct{}
	globals  map[string]value.File
	interner *value.Interner
	decoders *value.DecoderTable
	reg      *Registry
	frames   []*readerFrame
	maxSteps int
	logger   *slog.Logger
	parent   *Context

	// Stats is reset by callers as needed; the engine only increments.
	Stats Stats
}

// ContextOption configures a Context at construction.
type ContextOption func(*Context)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ContextOption {
	return func(c *Context) { c.logger = l }
}

// WithMaxSteps sets the per-drain step quota.
//
// Default: DefaultMaxSteps. Use a small value to test quota enforcement.
func WithMaxSteps(n int) ContextOption {
	return func(c *Context) { c.maxSteps = n }
}

// WithClock sets a pre-positioned clock. Used when restoring a snapshot.
func WithClock(clock *Clock) ContextOption {
	return func(c *Context) { c.clock = clock }
}

// NewContext creates an empty context against a function registry.
func NewContext(reg *Registry, opts ...ContextOption) *Context {
	c := &Context{
		clock:    NewClock(),
		dirs:     make(map[value.DirName]Dir),
		dirty:    make(map[value.Path]struct{}),
		globals:  make(map[string]value.File),
		interner: value.NewInterner(),
		decoders: value.NewDecoderTable(),
		reg:      reg,
		maxSteps: DefaultMaxSteps,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the function registry the context resolves names against.
func (c *Context) Registry() *Registry { return c.reg }

// Decoders returns the client decoder table.
func (c *Context) Decoders() *value.DecoderTable { return c.decoders }

// Interner returns the canonical interning table.
func (c *Context) Interner() *value.Interner { return c.interner }

// Time returns the current clock position without advancing it.
func (c *Context) Time() value.Time { return c.clock.Current() }

// Tick advances the clock and returns the new tick.
func (c *Context) Tick() value.Time { return c.clock.Tick() }

// Mkdir creates an empty eager directory, optionally seeded with initial
// contents written at one tick. It fails with DUPLICATE_DIR if the name
// exists and is not a DeletedDir tombstone (a tombstone is compatible and is
// replaced).
func (c *Context) Mkdir(name value.DirName, isInput bool, initial []KeyValues) (EHandle, error) {
	if existing, ok := c.dirs[name]; ok {
		if _, deleted := existing.(*DeletedDir); !deleted {
			return EHandle{}, &RuntimeError{
				Code:    ErrCodeDuplicateDir,
				Message: "directory already exists",
				Dir:     name,
			}
		}
	}
	d := newEagerDir(name, isInput)
	c.dirs[name] = d
	if len(initial) > 0 {
		if err := d.WriteArrayMany(c, initial); err != nil {
			return EHandle{}, err
		}
	}
	return EHandle{dir: name}, nil
}

// UnsafeGetDir looks a directory up structurally.
// Fails with UNKNOWN_DIR if the name resolves to nothing.
func (c *Context) UnsafeGetDir(name value.DirName) (Dir, error) {
	d, ok := c.dirs[name]
	if !ok {
		return nil, NewUnknownDirError(name)
	}
	return d, nil
}

// UnsafeGetEagerDir is the variant-narrowing accessor for eager directories.
func (c *Context) UnsafeGetEagerDir(name value.DirName) (*EagerDir, error) {
	d, err := c.UnsafeGetDir(name)
	if err != nil {
		return nil, err
	}
	e, ok := d.(*EagerDir)
	if !ok {
		return nil, NewTypeMismatchError(name, "an eager directory")
	}
	return e, nil
}

// MaybeGetEagerDir returns the eager directory, or nil when the name is
// unknown or resolves to another variant.
func (c *Context) MaybeGetEagerDir(name value.DirName) *EagerDir {
	if e, ok := c.dirs[name].(*EagerDir); ok {
		return e
	}
	return nil
}

// unsafeGetLazyDir is the variant-narrowing accessor for lazy directories.
func (c *Context) unsafeGetLazyDir(name value.DirName) (*LazyDir, error) {
	d, err := c.UnsafeGetDir(name)
	if err != nil {
		return nil, err
	}
	l, ok := d.(*LazyDir)
	if !ok {
		return nil, NewTypeMismatchError(name, "a lazy directory")
	}
	return l, nil
}

// SetDir atomically replaces a directory. Used by the mapper infrastructure
// and by RemoveDir; client code normally has no business calling it.
func (c *Context) SetDir(name value.DirName, d Dir) {
	c.dirs[name] = d
}

// RemoveDir replaces a directory with a tombstone at the current tick and
// dirties every recorded reader of its entries.
func (c *Context) RemoveDir(name value.DirName) error {
	d, err := c.UnsafeGetDir(name)
	if err != nil {
		return err
	}
	t := c.Tick()
	switch dd := d.(type) {
	case *EagerDir:
		for _, key := range dd.Keys() {
			for r := range dd.entries[key].readers {
				c.markDirty(r)
			}
		}
	case *LazyDir:
		for _, key := range dd.cachedKeys() {
			for r := range dd.cache[key].readers {
				c.markDirty(r)
			}
		}
	}
	c.dirs[name] = NewDeletedDir(name, t)
	return nil
}

// DirNames returns all directory names in ascending order.
func (c *Context) DirNames() []value.DirName {
	names := make([]value.DirName, 0, len(c.dirs))
	for n := range c.dirs {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// SetGlobal stores a small session-scoped value (e.g. a counter).
func (c *Context) SetGlobal(name string, f value.File) error {
	canon, err := c.interner.Intern(f)
	if err != nil {
		return err
	}
	c.globals[name] = canon
	return nil
}

// GetGlobal returns a session-scoped value, or ok=false if unset.
func (c *Context) GetGlobal(name string) (value.File, bool) {
	f, ok := c.globals[name]
	return f, ok
}

// GlobalNames returns all global names in ascending order.
func (c *Context) GlobalNames() []string {
	names := make([]string, 0, len(c.globals))
	for n := range c.globals {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MClone produces a mutable view for nested scopes. The clone shares the
// interner, registry, and decoder table; directories and bookkeeping are
// deep-copied so writes stay invisible to the parent until Commit.
func (c *Context) MClone() *Context {
	clone := &Context{
		clock:    NewClockAt(c.clock.Current()),
		dirs:     make(map[value.DirName]Dir, len(c.dirs)),
		dirty:    make(map[value.Path]struct{}, len(c.dirty)),
		globals:  make(map[string]value.File, len(c.globals)),
		interner: c.interner,
		decoders: c.decoders,
		reg:      c.reg,
		maxSteps: c.maxSteps,
		logger:   c.logger,
		parent:   c,
	}
	for n, d := range c.dirs {
		clone.dirs[n] = d.clone()
	}
	for p := range c.dirty {
		clone.dirty[p] = struct{}{}
	}
	for n, f := range c.globals {
		clone.globals[n] = f
	}
	return clone
}

// Commit flows a clone's writes back into its parent and returns the parent.
// Committing a context that is not a clone is a no-op.
func (c *Context) Commit() *Context {
	p := c.parent
	if p == nil {
		return c
	}
	p.dirs = c.dirs
	p.dirty = c.dirty
	p.globals = c.globals
	p.clock = NewClockAt(c.clock.Current())
	p.Stats = c.Stats
	return p
}

// markDirty schedules a reader path for recomputation.
func (c *Context) markDirty(p value.Path) {
	c.dirty[p] = struct{}{}
}

// DirtyCount returns the number of pending dirty readers.
// Used for testing and introspection.
func (c *Context) DirtyCount() int { return len(c.dirty) }

// popSmallestDirty removes and returns the smallest-ordered dirty path.
func (c *Context) popSmallestDirty() (value.Path, bool) {
	if len(c.dirty) == 0 {
		return value.Path{}, false
	}
	var min value.Path
	first := true
	for p := range c.dirty {
		if first || p.Compare(min) < 0 {
			min = p
			first = false
		}
	}
	delete(c.dirty, min)
	return min, true
}
