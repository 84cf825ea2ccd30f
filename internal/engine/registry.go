package engine

import (
	"fmt"

	"github.com/skiplabs/skfs/internal/value"
)

// MapFunc is a per-key mapper: it receives one source entry and writes the
// derived output through the supplied Writer. Every write is tagged with the
// mapper's producer path (its own dir + source key) so a later change to the
// source key can be recomputed in isolation.
type MapFunc func(ctx *Context, w *Writer, key value.BaseName, values []value.File) error

// LazyFunc computes one entry of a lazy directory on demand. Reads performed
// through dependency-recording accessors become the entry's dependencies.
type LazyFunc func(ctx *Context, self LHandle, key value.BaseName) ([]value.File, error)

// Finalizer releases the external resource behind an ExternalPointer that
// failed to survive a GC copy. Finalisers must be idempotent: copying GC may
// drop equal pointers without running the finaliser.
type Finalizer func(handle uint64)

// EReducer is an incremental fold attached to an eager directory. It
// maintains an aggregate entry from the per-producer contributions to a key.
//
// For any sequence of writes, Init over the final contributions and repeated
// Update applications must produce the same aggregate; the engine is
// permitted to coalesce deltas and to fall back to Init at any time.
type EReducer interface {
	// Init computes the aggregate from a full scan of the contributions.
	Init(values []value.File) []value.File

	// Update applies an incremental delta to the current aggregate.
	// Returning nil signals the reducer cannot incrementally maintain the
	// aggregate and the engine must fall back to Init.
	Update(state, toRemove, toAdd []value.File) []value.File

	// CanReset reports whether Init is safe to call with partial data during
	// GC replay. Reducers that cannot reset are evacuated whole.
	CanReset() bool
}

// Registry resolves function names to code. Mappers, lazy computes, reducers,
// and finalisers are code, not data: the persisted state file stores only
// their registered names, and a load resolves the names through a Registry.
//
// Registration normally happens once, before the driver loop starts; the
// registry is not synchronized.
type Registry struct {
	mappers    map[string]MapFunc
	lazies     map[string]LazyFunc
	reducers   map[string]EReducer
	finalizers map[string]Finalizer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		mappers:    make(map[string]MapFunc),
		lazies:     make(map[string]LazyFunc),
		reducers:   make(map[string]EReducer),
		finalizers: make(map[string]Finalizer),
	}
}

// RegisterMapper adds a named mapper. Re-registering a name replaces it.
func (r *Registry) RegisterMapper(name string, fn MapFunc) {
	r.mappers[name] = fn
}

// RegisterLazy adds a named lazy compute function.
func (r *Registry) RegisterLazy(name string, fn LazyFunc) {
	r.lazies[name] = fn
}

// RegisterReducer adds a named reducer.
func (r *Registry) RegisterReducer(name string, red EReducer) {
	r.reducers[name] = red
}

// RegisterFinalizer adds a named external-pointer finaliser.
func (r *Registry) RegisterFinalizer(name string, fin Finalizer) {
	r.finalizers[name] = fin
}

// Mapper resolves a mapper name.
func (r *Registry) Mapper(name string) (MapFunc, error) {
	fn, ok := r.mappers[name]
	if !ok {
		return nil, &RuntimeError{Code: ErrCodeUnknownFunction, Message: fmt.Sprintf("no mapper registered as %q", name)}
	}
	return fn, nil
}

// Lazy resolves a lazy compute name.
func (r *Registry) Lazy(name string) (LazyFunc, error) {
	fn, ok := r.lazies[name]
	if !ok {
		return nil, &RuntimeError{Code: ErrCodeUnknownFunction, Message: fmt.Sprintf("no lazy function registered as %q", name)}
	}
	return fn, nil
}

// Reducer resolves a reducer name. The empty name resolves to no reducer.
func (r *Registry) Reducer(name string) (EReducer, error) {
	if name == "" {
		return nil, nil
	}
	red, ok := r.reducers[name]
	if !ok {
		return nil, &RuntimeError{Code: ErrCodeUnknownFunction, Message: fmt.Sprintf("no reducer registered as %q", name)}
	}
	return red, nil
}

// Finalizer resolves a finaliser name.
func (r *Registry) Finalizer(name string) (Finalizer, error) {
	fin, ok := r.finalizers[name]
	if !ok {
		return nil, &RuntimeError{Code: ErrCodeUnknownFunction, Message: fmt.Sprintf("no finalizer registered as %q", name)}
	}
	return fin, nil
}
