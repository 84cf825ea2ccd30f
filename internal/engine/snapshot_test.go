package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiplabs/skfs/internal/engine"
	"github.com/skiplabs/skfs/internal/testutil"
	"github.com/skiplabs/skfs/internal/value"
)

// richContext builds a context exercising every persisted shape: input and
// derived eager dirs with producers, a forced lazy dir, globals, a deleted
// dir, and an external pointer.
func richContext(t *testing.T) *engine.Context {
	t.Helper()
	reg, _ := testutil.Registry()
	ctx := engine.NewContext(reg)

	in, err := ctx.Mkdir(value.MustDirName("/in/"), true, []engine.KeyValues{
		{Key: value.SID("x"), Values: testutil.Strings("1")},
		{Key: value.SID("y"), Values: testutil.Strings("2")},
	})
	require.NoError(t, err)
	_, err = engine.ContextWriterKeyValues(ctx, in, value.MustDirName("/sum/"),
		testutil.MapperSumToTotal, testutil.ReducerSum)
	require.NoError(t, err)

	fib, err := engine.CreateLazyDir(ctx, value.MustDirName("/fib/"), testutil.LazyFib)
	require.NoError(t, err)
	_, err = fib.Get(ctx, value.IID(6))
	require.NoError(t, err)

	res, err := ctx.Mkdir(value.MustDirName("/res/"), true, nil)
	require.NoError(t, err)
	require.NoError(t, res.WriteArray(ctx, value.SID("ptr"), []value.File{
		value.ExternalPointer{Value: 42, Finalizer: testutil.FinalizerCounting},
	}))
	require.NoError(t, ctx.SetGlobal("counter", value.IntFile(9)))

	_, err = ctx.Mkdir(value.MustDirName("/doomed/"), false, nil)
	require.NoError(t, err)
	require.NoError(t, ctx.RemoveDir(value.DirName("/doomed/")))

	require.NoError(t, ctx.Update())
	return ctx
}

func TestExportRestoreRoundTrip(t *testing.T) {
	ctx := richContext(t)
	snap := ctx.Export()

	reg, _ := testutil.Registry()
	restored, err := engine.Restore(snap, reg)
	require.NoError(t, err)

	assert.Equal(t, snap, restored.Export(),
		"a restored context must export the identical snapshot")
	assert.Equal(t, ctx.Time(), restored.Time())
}

func TestRestoredContextKeepsComputing(t *testing.T) {
	ctx := richContext(t)

	reg, _ := testutil.Registry()
	restored, err := engine.Restore(ctx.Export(), reg)
	require.NoError(t, err)

	// The restored derived dir still reacts to writes.
	in := engine.NewEHandle(value.DirName("/in/"))
	sum := engine.NewEHandle(value.DirName("/sum/"))
	require.NoError(t, in.WriteArray(restored, value.SID("x"), testutil.Strings("10")))
	require.NoError(t, restored.Update())
	f, err := sum.Get(restored, value.IID(0))
	require.NoError(t, err)
	n, err := testutil.FileInt(f)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	// The restored lazy cache answers without recomputing.
	restored.Stats = engine.Stats{}
	fib := engine.NewLHandle(value.DirName("/fib/"))
	v, err := fib.Get(restored, value.IID(6))
	require.NoError(t, err)
	assert.Equal(t, value.IntFile(8), v)
	assert.Equal(t, 0, restored.Stats.Recomputes)
}

func TestRestoreFailsOnUnknownFunctionName(t *testing.T) {
	ctx := richContext(t)
	snap := ctx.Export()

	// A registry missing the mapper cannot restore the graph.
	empty := engine.NewRegistry()
	_, err := engine.Restore(snap, empty)
	var re *engine.RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, engine.ErrCodeUnknownFunction, re.Code)
}

func TestSnapshotCollectsExternalPointers(t *testing.T) {
	ctx := richContext(t)
	eps := ctx.Export().ExternalPointers()
	require.Len(t, eps, 1)
	assert.Equal(t, uint64(42), eps[0].Value)
	assert.Equal(t, testutil.FinalizerCounting, eps[0].Finalizer)
}
