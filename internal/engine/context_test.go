package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiplabs/skfs/internal/value"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	return NewContext(NewRegistry())
}

func TestMkdirAndLookup(t *testing.T) {
	ctx := newTestContext(t)

	in, err := ctx.Mkdir(value.MustDirName("/in/"), true, nil)
	require.NoError(t, err)
	assert.Equal(t, value.DirName("/in/"), in.Name())

	d, err := ctx.UnsafeGetDir(value.DirName("/in/"))
	require.NoError(t, err)
	assert.Equal(t, value.DirName("/in/"), d.Name())

	e, err := ctx.UnsafeGetEagerDir(value.DirName("/in/"))
	require.NoError(t, err)
	assert.True(t, e.IsInput())

	_, err = ctx.UnsafeGetDir(value.DirName("/nope/"))
	assert.True(t, IsUnknownDirError(err))
	assert.Nil(t, ctx.MaybeGetEagerDir(value.DirName("/nope/")))
}

func TestMkdirDuplicate(t *testing.T) {
	ctx := newTestContext(t)

	_, err := ctx.Mkdir(value.MustDirName("/in/"), true, nil)
	require.NoError(t, err)

	_, err = ctx.Mkdir(value.MustDirName("/in/"), true, nil)
	require.Error(t, err)
	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeDuplicateDir, re.Code)
}

func TestMkdirOverTombstoneIsCompatible(t *testing.T) {
	ctx := newTestContext(t)

	_, err := ctx.Mkdir(value.MustDirName("/in/"), true, nil)
	require.NoError(t, err)
	require.NoError(t, ctx.RemoveDir(value.DirName("/in/")))

	_, err = ctx.Mkdir(value.MustDirName("/in/"), true, nil)
	assert.NoError(t, err)
}

func TestMkdirInitialContentsShareOneTick(t *testing.T) {
	ctx := newTestContext(t)

	h, err := ctx.Mkdir(value.MustDirName("/in/"), true, []KeyValues{
		{Key: value.SID("a"), Values: []value.File{value.StringFile("1")}},
		{Key: value.SID("b"), Values: []value.File{value.StringFile("2")}},
	})
	require.NoError(t, err)

	d, err := ctx.UnsafeGetEagerDir(h.Name())
	require.NoError(t, err)
	ta := d.entries[value.SID("a")].writeTime
	tb := d.entries[value.SID("b")].writeTime
	assert.Equal(t, ta, tb, "batch writes to disjoint paths share one tick")
	assert.Equal(t, value.Time(1), ta)
}

func TestGlobals(t *testing.T) {
	ctx := newTestContext(t)

	_, ok := ctx.GetGlobal("counter")
	assert.False(t, ok)

	require.NoError(t, ctx.SetGlobal("counter", value.IntFile(7)))
	f, ok := ctx.GetGlobal("counter")
	require.True(t, ok)
	assert.Equal(t, value.IntFile(7), f)

	require.NoError(t, ctx.SetGlobal("name", value.StringFile("skfs")))
	assert.Equal(t, []string{"counter", "name"}, ctx.GlobalNames())
}

func TestMCloneIsolatesWritesUntilCommit(t *testing.T) {
	ctx := newTestContext(t)
	h, err := ctx.Mkdir(value.MustDirName("/in/"), true, nil)
	require.NoError(t, err)
	require.NoError(t, h.WriteArray(ctx, value.SID("k"), []value.File{value.StringFile("base")}))

	clone := ctx.MClone()
	require.NoError(t, h.WriteArray(clone, value.SID("k"), []value.File{value.StringFile("scoped")}))

	// Parent is untouched before commit.
	parentValues, err := h.GetArray(ctx, value.SID("k"))
	require.NoError(t, err)
	assert.Equal(t, []value.File{value.StringFile("base")}, parentValues)

	cloneValues, err := h.GetArray(clone, value.SID("k"))
	require.NoError(t, err)
	assert.Equal(t, []value.File{value.StringFile("scoped")}, cloneValues)

	// Writes flow back on commit.
	committed := clone.Commit()
	assert.Same(t, ctx, committed)
	parentValues, err = h.GetArray(ctx, value.SID("k"))
	require.NoError(t, err)
	assert.Equal(t, []value.File{value.StringFile("scoped")}, parentValues)
}

func TestCommitWithoutCloneIsNoOp(t *testing.T) {
	ctx := newTestContext(t)
	assert.Same(t, ctx, ctx.Commit())
}

func TestRemoveDirAnswersEmptyAndRejectsWrites(t *testing.T) {
	ctx := newTestContext(t)
	h, err := ctx.Mkdir(value.MustDirName("/in/"), true, nil)
	require.NoError(t, err)
	require.NoError(t, h.WriteArray(ctx, value.SID("k"), []value.File{value.StringFile("v")}))

	require.NoError(t, ctx.RemoveDir(value.DirName("/in/")))

	// Reads answer empty, no error escapes.
	values, err := h.GetArray(ctx, value.SID("k"))
	require.NoError(t, err)
	assert.Empty(t, values)
	keys, err := h.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	// Writes are fatal.
	err = h.WriteArray(ctx, value.SID("k"), []value.File{value.StringFile("v")})
	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeWriteToDeletedDir, re.Code)
}
