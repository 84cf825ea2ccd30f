// Package testutil provides deterministic fixtures shared by the engine,
// store, driver, and harness tests: value constructors and a registry of
// small well-known mappers, reducers, lazy computes, and finalisers.
package testutil

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/skiplabs/skfs/internal/engine"
	"github.com/skiplabs/skfs/internal/value"
)

// Registered function names.
const (
	// MapperSumToTotal sums the integer values of each source entry and
	// writes the per-key total to IID(0) of the output directory.
	MapperSumToTotal = "sum-to-total"

	// MapperIdentity copies each source entry to the same key.
	MapperIdentity = "identity"

	// ReducerSum folds integer contributions into their sum.
	ReducerSum = "sum"

	// LazyFib computes fib(n) recursively over the lazy dir itself.
	LazyFib = "fib"

	// FinalizerCounting counts invocations per handle; see NewFinalizerLog.
	FinalizerCounting = "counting-free"
)

// Strings builds a value array of StringFiles.
func Strings(ss ...string) []value.File {
	out := make([]value.File, len(ss))
	for i, s := range ss {
		out[i] = value.StringFile(s)
	}
	return out
}

// Ints builds a value array of IntFiles.
func Ints(ns ...int64) []value.File {
	out := make([]value.File, len(ns))
	for i, n := range ns {
		out[i] = value.IntFile(n)
	}
	return out
}

// FileInt extracts an integer from an IntFile or a numeric StringFile.
func FileInt(f value.File) (int64, error) {
	switch v := f.(type) {
	case value.IntFile:
		return int64(v), nil
	case value.StringFile:
		return strconv.ParseInt(string(v), 10, 64)
	}
	return 0, fmt.Errorf("not an integer value: %s", f.Kind())
}

// SumReducer folds integer contributions into [sum]. Resettable: Init over
// partial data is safe because addition is commutative.
type SumReducer struct{}

// Init computes the aggregate from a full scan.
func (SumReducer) Init(values []value.File) []value.File {
	var total int64
	for _, f := range values {
		n, err := FileInt(f)
		if err != nil {
			continue
		}
		total += n
	}
	return []value.File{value.IntFile(total)}
}

// Update applies a delta against the running sum.
func (SumReducer) Update(state, toRemove, toAdd []value.File) []value.File {
	if len(state) != 1 {
		return nil // fall back to Init
	}
	total, err := FileInt(state[0])
	if err != nil {
		return nil
	}
	for _, f := range toRemove {
		n, err := FileInt(f)
		if err != nil {
			return nil
		}
		total -= n
	}
	for _, f := range toAdd {
		n, err := FileInt(f)
		if err != nil {
			return nil
		}
		total += n
	}
	return []value.File{value.IntFile(total)}
}

// CanReset reports that partial replays are safe.
func (SumReducer) CanReset() bool { return true }

// FinalizerLog records finaliser invocations for assertions.
type FinalizerLog struct {
	mu    sync.Mutex
	Freed map[uint64]int
}

// NewFinalizerLog creates an empty log.
func NewFinalizerLog() *FinalizerLog {
	return &FinalizerLog{Freed: make(map[uint64]int)}
}

// Free records one invocation.
func (l *FinalizerLog) Free(handle uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Freed[handle]++
}

// Count returns the number of invocations for a handle.
func (l *FinalizerLog) Count(handle uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Freed[handle]
}

// Registry builds the shared test registry. The finaliser log is returned
// so tests can assert exactly-once semantics.
func Registry() (*engine.Registry, *FinalizerLog) {
	reg := engine.NewRegistry()
	log := NewFinalizerLog()

	reg.RegisterMapper(MapperSumToTotal, func(ctx *engine.Context, w *engine.Writer, key value.BaseName, values []value.File) error {
		var total int64
		for _, f := range values {
			n, err := FileInt(f)
			if err != nil {
				return err
			}
			total += n
		}
		w.Write(value.IID(0), []value.File{value.IntFile(total)})
		return nil
	})

	reg.RegisterMapper(MapperIdentity, func(ctx *engine.Context, w *engine.Writer, key value.BaseName, values []value.File) error {
		w.Write(key, values)
		return nil
	})

	reg.RegisterReducer(ReducerSum, SumReducer{})

	reg.RegisterLazy(LazyFib, func(ctx *engine.Context, self engine.LHandle, key value.BaseName) ([]value.File, error) {
		n, ok := key.IntKey()
		if !ok {
			return nil, fmt.Errorf("fib wants an integer key, got %s", key)
		}
		if n < 2 {
			return []value.File{value.IntFile(n)}, nil
		}
		a, err := self.Get(ctx, value.IID(n-1))
		if err != nil {
			return nil, err
		}
		b, err := self.Get(ctx, value.IID(n-2))
		if err != nil {
			return nil, err
		}
		x, err := FileInt(a)
		if err != nil {
			return nil, err
		}
		y, err := FileInt(b)
		if err != nil {
			return nil, err
		}
		return []value.File{value.IntFile(x + y)}, nil
	})

	reg.RegisterFinalizer(FinalizerCounting, log.Free)

	return reg, log
}
