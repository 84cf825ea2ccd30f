package value

import (
	"fmt"
	"sort"
	"sync"
)

// File is a sealed interface representing an opaque directory value.
// Only StringFile, IntFile, BlobFile, ExternalPointer, and CustomFile
// implement it.
//
// Files are deeply immutable. Any "update" produces a new File. After
// interning, structural equality coincides with identity: two Files with the
// same canonical encoding are the same Go value.
type File interface {
	file() // Sealed - only these types implement it

	// Kind returns the variant tag used for canonical encoding and decoding.
	Kind() string
}

// StringFile is a string payload.
type StringFile string

func (StringFile) file()        {}
func (StringFile) Kind() string { return "string" }

// IntFile is an integer payload. Always int64, never a float: floats break
// canonical encoding determinism.
type IntFile int64

func (IntFile) file()        {}
func (IntFile) Kind() string { return "int" }

// BlobFile is an opaque byte payload. The slice must not be mutated after
// construction; NewBlob copies.
type BlobFile struct {
	data string
}

// NewBlob creates a BlobFile, copying the input bytes.
func NewBlob(data []byte) BlobFile {
	return BlobFile{data: string(data)}
}

func (BlobFile) file()        {}
func (BlobFile) Kind() string { return "blob" }

// Bytes returns a copy of the payload.
func (b BlobFile) Bytes() []byte { return []byte(b.data) }

// ExternalPointer is an opaque handle to a non-managed resource. The
// finaliser is registered by name (see engine.Registry) and is invoked when
// the pointer fails to survive a GC copy.
type ExternalPointer struct {
	// Value is the external handle, opaque to the engine.
	Value uint64

	// Finalizer names the registered finaliser to run when the pointer dies.
	Finalizer string
}

func (ExternalPointer) file()        {}
func (ExternalPointer) Kind() string { return "extptr" }

// CustomFile is a client-defined variant: a registered kind plus its
// canonical payload bytes. Clients decode payloads through a DecoderTable.
type CustomFile struct {
	kind    string
	payload string
}

// NewCustom creates a CustomFile from a registered kind and payload bytes.
func NewCustom(kind string, payload []byte) CustomFile {
	return CustomFile{kind: kind, payload: string(payload)}
}

func (CustomFile) file()          {}
func (c CustomFile) Kind() string { return c.kind }

// Payload returns a copy of the canonical payload bytes.
func (c CustomFile) Payload() []byte { return []byte(c.payload) }

// Decoder turns canonical payload bytes back into a client value.
type Decoder func(payload []byte) (any, error)

// DecoderTable maps client-defined File kinds to their decoders. Each
// CustomFile carries its kind name; the table is consulted at read time.
//
// Thread-safety: safe for concurrent use; registration normally happens once
// at startup.
type DecoderTable struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

// NewDecoderTable creates an empty decoder table.
func NewDecoderTable() *DecoderTable {
	return &DecoderTable{decoders: make(map[string]Decoder)}
}

// Register adds a decoder for a kind. Re-registering a kind replaces the
// previous decoder.
func (t *DecoderTable) Register(kind string, d Decoder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.decoders[kind] = d
}

// Decode applies the registered decoder for f's kind.
func (t *DecoderTable) Decode(f File) (any, error) {
	c, ok := f.(CustomFile)
	if !ok {
		return nil, fmt.Errorf("decode: %s is not a client-defined file", f.Kind())
	}
	t.mu.RLock()
	d, ok := t.decoders[c.kind]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("decode: no decoder registered for kind %q", c.kind)
	}
	return d([]byte(c.payload))
}

// Kinds returns the registered kinds in sorted order. Used for diagnostics.
func (t *DecoderTable) Kinds() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	kinds := make([]string, 0, len(t.decoders))
	for k := range t.decoders {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
