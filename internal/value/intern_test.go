package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalRoundTrip(t *testing.T) {
	files := []File{
		StringFile("hello"),
		StringFile(""),
		StringFile("tabs\tand\nnewlines\"quotes\""),
		IntFile(0),
		IntFile(-99),
		NewBlob([]byte{0x00, 0xff, 0x10}),
		ExternalPointer{Value: 42, Finalizer: "freeConn"},
		NewCustom("ast", []byte(`{"node":"lit"}`)),
	}
	for _, f := range files {
		data, err := MarshalCanonical(f)
		require.NoError(t, err)
		back, err := UnmarshalCanonical(data)
		require.NoError(t, err)
		assert.Equal(t, f, back)
	}
}

func TestCanonicalNoHTMLEscaping(t *testing.T) {
	data, err := MarshalCanonical(StringFile("<a>&</a>"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "<a>&</a>")
}

func TestFileHashDistinguishesKinds(t *testing.T) {
	// A string "42" and the integer 42 are different files.
	h1 := MustFileHash(StringFile("42"))
	h2 := MustFileHash(IntFile(42))
	assert.NotEqual(t, h1, h2)
}

func TestEntryHashLengthPrefixed(t *testing.T) {
	// ["ab"] and ["a","b"] must not collide.
	h1, err := EntryHash([]File{StringFile("ab")})
	require.NoError(t, err)
	h2, err := EntryHash([]File{StringFile("a"), StringFile("b")})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestInternCollapsesEqualFiles(t *testing.T) {
	in := NewInterner()

	a, err := in.Intern(NewBlob([]byte("payload")))
	require.NoError(t, err)
	b, err := in.Intern(NewBlob([]byte("payload")))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, 1, in.Size())
}

func TestSameIsIdentityWise(t *testing.T) {
	in := NewInterner()
	a, err := in.InternAll([]File{StringFile("x"), IntFile(1)})
	require.NoError(t, err)
	b, err := in.InternAll([]File{StringFile("x"), IntFile(1)})
	require.NoError(t, err)

	assert.True(t, Same(a, b))
	assert.False(t, Same(a, a[:1]))

	c, err := in.InternAll([]File{StringFile("x"), IntFile(2)})
	require.NoError(t, err)
	assert.False(t, Same(a, c))
}

func TestDecoderTable(t *testing.T) {
	table := NewDecoderTable()
	table.Register("ast", func(payload []byte) (any, error) {
		return string(payload), nil
	})

	got, err := table.Decode(NewCustom("ast", []byte("node")))
	require.NoError(t, err)
	assert.Equal(t, "node", got)

	_, err = table.Decode(NewCustom("unknown", nil))
	assert.Error(t, err)
	_, err = table.Decode(IntFile(1))
	assert.Error(t, err)

	assert.Equal(t, []string{"ast"}, table.Kinds())
}
