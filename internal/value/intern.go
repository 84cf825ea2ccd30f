package value

import (
	"fmt"
	"sync"
)

// Interner is the canonical interning table for Files. Every File produced by
// a mapper or a lazy compute passes through Intern before it is stored, so
// cache comparisons can use identity instead of deep equality.
//
// Thread-safety: safe for concurrent use. The engine is single-writer, but
// embedders may intern values from outside the driver loop.
type Interner struct {
	mu    sync.Mutex
	table map[string]File
}

// NewInterner creates an empty interning table.
func NewInterner() *Interner {
	return &Interner{table: make(map[string]File)}
}

// Intern returns the canonical representative for f. The first File with a
// given canonical encoding becomes the representative; later structurally
// equal Files return it.
func (in *Interner) Intern(f File) (File, error) {
	id, err := FileHash(f)
	if err != nil {
		return nil, fmt.Errorf("intern: %w", err)
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if existing, ok := in.table[id]; ok {
		return existing, nil
	}
	in.table[id] = f
	return f, nil
}

// InternAll interns a value array in place order, returning a fresh slice of
// canonical representatives. An empty array yields nil, so a stored empty
// array and one restored from a snapshot compare equal.
func (in *Interner) InternAll(files []File) ([]File, error) {
	if len(files) == 0 {
		return nil, nil
	}
	out := make([]File, len(files))
	for i, f := range files {
		canon, err := in.Intern(f)
		if err != nil {
			return nil, err
		}
		out[i] = canon
	}
	return out, nil
}

// Size returns the number of distinct interned values.
// Used for testing and introspection.
func (in *Interner) Size() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.table)
}

// Same reports whether two interned value arrays are identical element-wise.
// Both arrays must have passed through the same Interner; the comparison is
// pure identity, no deep inspection.
func Same(a, b []File) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
