package engine_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiplabs/skfs/internal/engine"
	"github.com/skiplabs/skfs/internal/testutil"
	"github.com/skiplabs/skfs/internal/value"
)

func TestLazyFibMemoises(t *testing.T) {
	reg, _ := testutil.Registry()
	ctx := engine.NewContext(reg)

	fib, err := engine.CreateLazyDir(ctx, value.MustDirName("/fib/"), testutil.LazyFib)
	require.NoError(t, err)

	f, err := fib.Get(ctx, value.IID(20))
	require.NoError(t, err)
	assert.Equal(t, value.IntFile(6765), f)

	// Linear, not exponential: one compute per distinct key.
	assert.Equal(t, 21, ctx.Stats.Recomputes)

	// Re-forcing with no intervening write hits the cache.
	ctx.Stats = engine.Stats{}
	f, err = fib.Get(ctx, value.IID(20))
	require.NoError(t, err)
	assert.Equal(t, value.IntFile(6765), f)
	assert.Equal(t, 0, ctx.Stats.Recomputes)
}

func TestLazyMaybeGetNeverForces(t *testing.T) {
	reg, _ := testutil.Registry()
	ctx := engine.NewContext(reg)

	fib, err := engine.CreateLazyDir(ctx, value.MustDirName("/fib/"), testutil.LazyFib)
	require.NoError(t, err)

	_, ok, err := fib.MaybeGet(ctx, value.IID(5))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, ctx.Stats.Recomputes)

	_, err = fib.Get(ctx, value.IID(5))
	require.NoError(t, err)
	values, ok, err := fib.MaybeGet(ctx, value.IID(5))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, testutil.Ints(5), values)
}

func TestLazyRecomputesAfterDependencyWrite(t *testing.T) {
	reg, _ := testutil.Registry()
	reg.RegisterLazy("double", func(ctx *engine.Context, self engine.LHandle, key value.BaseName) ([]value.File, error) {
		in := engine.NewEHandle(value.DirName("/in/"))
		values, err := in.GetArray(ctx, key)
		if err != nil {
			return nil, err
		}
		var total int64
		for _, f := range values {
			n, err := testutil.FileInt(f)
			if err != nil {
				return nil, err
			}
			total += n
		}
		return testutil.Ints(2 * total), nil
	})
	ctx := engine.NewContext(reg)

	in, err := ctx.Mkdir(value.MustDirName("/in/"), true, []engine.KeyValues{
		{Key: value.SID("k"), Values: testutil.Ints(10)},
	})
	require.NoError(t, err)
	lz, err := engine.CreateLazyDir(ctx, value.MustDirName("/double/"), "double")
	require.NoError(t, err)

	f, err := lz.Get(ctx, value.SID("k"))
	require.NoError(t, err)
	assert.Equal(t, value.IntFile(20), f)

	// A dependency write invalidates; the drain recomputes the forced entry.
	require.NoError(t, in.WriteArray(ctx, value.SID("k"), testutil.Ints(15)))
	require.NoError(t, ctx.Update())
	assert.Equal(t, 0, ctx.DirtyCount())

	f, err = lz.Get(ctx, value.SID("k"))
	require.NoError(t, err)
	assert.Equal(t, value.IntFile(30), f)
}

func TestLazyCycleToleratedAndConverges(t *testing.T) {
	reg, _ := testutil.Registry()
	// /a/ reads /b/ and vice versa. Both settle on the other's stale value
	// plus one, starting from empty.
	crossRead := func(other value.DirName) engine.LazyFunc {
		return func(ctx *engine.Context, self engine.LHandle, key value.BaseName) ([]value.File, error) {
			peer := engine.NewLHandle(other)
			values, err := peer.GetArray(ctx, key)
			if err != nil {
				return nil, err
			}
			var base int64
			if len(values) > 0 {
				n, err := testutil.FileInt(values[0])
				if err != nil {
					return nil, err
				}
				base = n
			}
			if base >= 2 {
				return testutil.Ints(base), nil // fixed point
			}
			return testutil.Ints(base + 1), nil
		}
	}
	reg.RegisterLazy("cycle-a", crossRead(value.DirName("/b/")))
	reg.RegisterLazy("cycle-b", crossRead(value.DirName("/a/")))
	ctx := engine.NewContext(reg)

	a, err := engine.CreateLazyDir(ctx, value.MustDirName("/a/"), "cycle-a")
	require.NoError(t, err)
	_, err = engine.CreateLazyDir(ctx, value.MustDirName("/b/"), "cycle-b")
	require.NoError(t, err)

	// Forcing either returns a finite result in bounded steps.
	f, err := a.Get(ctx, value.IID(0))
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Greater(t, ctx.Stats.Cycles, 0, "the in-flight re-entry must be tolerated")

	// Driving updates reaches the fixed point and the dirty set drains.
	for i := 0; i < 10 && ctx.DirtyCount() > 0; i++ {
		require.NoError(t, ctx.Update())
	}
	assert.Equal(t, 0, ctx.DirtyCount())
}

func TestLazyComputeFailureKeepsStaleAndRetries(t *testing.T) {
	reg, _ := testutil.Registry()
	failNext := false
	reg.RegisterLazy("flaky", func(ctx *engine.Context, self engine.LHandle, key value.BaseName) ([]value.File, error) {
		if failNext {
			return nil, errors.New("transient failure")
		}
		in := engine.NewEHandle(value.DirName("/in/"))
		values, err := in.GetArray(ctx, key)
		if err != nil {
			return nil, err
		}
		return values, nil
	})
	ctx := engine.NewContext(reg)

	in, err := ctx.Mkdir(value.MustDirName("/in/"), true, []engine.KeyValues{
		{Key: value.SID("k"), Values: testutil.Strings("v1")},
	})
	require.NoError(t, err)
	lz, err := engine.CreateLazyDir(ctx, value.MustDirName("/lz/"), "flaky")
	require.NoError(t, err)

	values, err := lz.GetArray(ctx, value.SID("k"))
	require.NoError(t, err)
	assert.Equal(t, testutil.Strings("v1"), values)

	// The dependency advances but recomputation fails: the stale value is
	// kept and the entry stays dirty.
	failNext = true
	require.NoError(t, in.WriteArray(ctx, value.SID("k"), testutil.Strings("v2")))
	require.NoError(t, ctx.Update())
	assert.Equal(t, 1, ctx.DirtyCount(), "failed entry must stay scheduled")

	stale, ok, err := lz.MaybeGet(ctx, value.SID("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testutil.Strings("v1"), stale)

	// The next update retries and succeeds.
	failNext = false
	require.NoError(t, ctx.Update())
	assert.Equal(t, 0, ctx.DirtyCount())
	values, err = lz.GetArray(ctx, value.SID("k"))
	require.NoError(t, err)
	assert.Equal(t, testutil.Strings("v2"), values)
}

func TestLazyComputePanicIsCaptured(t *testing.T) {
	reg, _ := testutil.Registry()
	reg.RegisterLazy("panics", func(ctx *engine.Context, self engine.LHandle, key value.BaseName) ([]value.File, error) {
		panic("boom")
	})
	ctx := engine.NewContext(reg)

	lz, err := engine.CreateLazyDir(ctx, value.MustDirName("/lz/"), "panics")
	require.NoError(t, err)

	_, err = lz.GetArray(ctx, value.SID("k"))
	require.Error(t, err)
	assert.True(t, engine.IsComputeError(err))
	assert.Equal(t, 1, ctx.Stats.Failures)
}

func TestLazyReadOfRemovedSourceAnswersEmpty(t *testing.T) {
	reg, _ := testutil.Registry()
	reg.RegisterLazy("echo", func(ctx *engine.Context, self engine.LHandle, key value.BaseName) ([]value.File, error) {
		in := engine.NewEHandle(value.DirName("/in/"))
		return in.GetArray(ctx, key)
	})
	ctx := engine.NewContext(reg)

	in, err := ctx.Mkdir(value.MustDirName("/in/"), true, []engine.KeyValues{
		{Key: value.SID("k"), Values: testutil.Strings("v")},
	})
	require.NoError(t, err)
	lz, err := engine.CreateLazyDir(ctx, value.MustDirName("/lz/"), "echo")
	require.NoError(t, err)

	values, err := lz.GetArray(ctx, value.SID("k"))
	require.NoError(t, err)
	assert.Equal(t, testutil.Strings("v"), values)

	require.NoError(t, in.Remove(ctx, value.SID("k")))
	require.NoError(t, ctx.Update())

	values, err = lz.GetArray(ctx, value.SID("k"))
	require.NoError(t, err)
	assert.Empty(t, values, "reads of the removed key answer empty, no exception escapes")
}
