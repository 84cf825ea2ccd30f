package store_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiplabs/skfs/internal/engine"
	"github.com/skiplabs/skfs/internal/store"
	"github.com/skiplabs/skfs/internal/testutil"
	"github.com/skiplabs/skfs/internal/value"
)

func tempStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.skfs"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.skfs")

	st, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = store.Open(path)
	require.NoError(t, err)
	assert.NoError(t, st.Close())
}

func TestMagicMismatchIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.skfs")

	st, err := store.Open(path)
	require.NoError(t, err)
	_, err = st.DB().Exec(`UPDATE meta SET value = 'other/arena/v9' WHERE key = 'magic'`)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = store.Open(path)
	require.Error(t, err)
	assert.True(t, engine.IsMagicMismatchError(err))
}

func TestMetaRoundTrip(t *testing.T) {
	st := tempStore(t)

	_, ok, err := st.GetMeta("session")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.SetMeta("session", "tok-1"))
	got, ok, err := st.GetMeta("session")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tok-1", got)

	assert.Error(t, st.SetMeta("magic", "nope"), "magic is immutable")
}

// buildContext wires the counter graph plus a lazy dir, an external
// pointer, and a global, then drains.
func buildContext(t *testing.T) *engine.Context {
	t.Helper()
	reg, _ := testutil.Registry()
	ctx := engine.NewContext(reg)

	in, err := ctx.Mkdir(value.MustDirName("/in/"), true, []engine.KeyValues{
		{Key: value.SID("x"), Values: testutil.Strings("2")},
		{Key: value.SID("y"), Values: testutil.Strings("3")},
	})
	require.NoError(t, err)
	_, err = engine.ContextWriterKeyValues(ctx, in, value.MustDirName("/sum/"),
		testutil.MapperSumToTotal, testutil.ReducerSum)
	require.NoError(t, err)

	res, err := ctx.Mkdir(value.MustDirName("/res/"), true, nil)
	require.NoError(t, err)
	require.NoError(t, res.WriteArray(ctx, value.SID("conn"), []value.File{
		value.ExternalPointer{Value: 42, Finalizer: testutil.FinalizerCounting},
	}))

	fib, err := engine.CreateLazyDir(ctx, value.MustDirName("/fib/"), testutil.LazyFib)
	require.NoError(t, err)
	_, err = fib.Get(ctx, value.IID(10))
	require.NoError(t, err)

	require.NoError(t, ctx.SetGlobal("generation", value.IntFile(3)))
	require.NoError(t, ctx.Update())
	return ctx
}

func TestSaveLoadRoundTrip(t *testing.T) {
	st := tempStore(t)
	ctx := buildContext(t)

	require.NoError(t, st.Save(ctx))

	reg, _ := testutil.Registry()
	loaded, err := st.Load(reg)
	require.NoError(t, err)

	assert.Equal(t, ctx.Export(), loaded.Export(),
		"a loaded context must export the identical snapshot")

	// Loaded graph still reacts incrementally.
	in := engine.NewEHandle(value.DirName("/in/"))
	sum := engine.NewEHandle(value.DirName("/sum/"))
	require.NoError(t, in.WriteArray(loaded, value.SID("x"), testutil.Strings("7")))
	require.NoError(t, loaded.Update())
	f, err := sum.Get(loaded, value.IID(0))
	require.NoError(t, err)
	n, err := testutil.FileInt(f)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
}

func TestSaveIsAtomicPerCommit(t *testing.T) {
	st := tempStore(t)
	ctx := buildContext(t)
	require.NoError(t, st.Save(ctx))

	// A second save replaces the previous state wholesale.
	in := engine.NewEHandle(value.DirName("/in/"))
	require.NoError(t, in.Remove(ctx, value.SID("y")))
	require.NoError(t, ctx.Update())
	require.NoError(t, st.Save(ctx))

	reg, _ := testutil.Registry()
	loaded, err := st.Load(reg)
	require.NoError(t, err)
	assert.Equal(t, ctx.Export(), loaded.Export())
}

func TestLoadAgainstMissingRegistrationFails(t *testing.T) {
	st := tempStore(t)
	require.NoError(t, st.Save(buildContext(t)))

	_, err := st.Load(engine.NewRegistry())
	var re *engine.RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, engine.ErrCodeUnknownFunction, re.Code)
}

func TestLoadFreshFileYieldsEmptyContext(t *testing.T) {
	st := tempStore(t)
	reg, _ := testutil.Registry()
	ctx, err := st.Load(reg)
	require.NoError(t, err)
	assert.Empty(t, ctx.DirNames())
	assert.Equal(t, value.TimeZero, ctx.Time())
}
