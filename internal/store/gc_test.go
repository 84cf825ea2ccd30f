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

func TestCompactIsNoOpOnQuiescentState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.skfs")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	ctx := buildContext(t)
	require.NoError(t, st.Save(ctx))
	before := ctx.Export()

	require.NoError(t, st.Compact(ctx))

	reg, _ := testutil.Registry()
	loaded, err := st.Load(reg)
	require.NoError(t, err)
	assert.Equal(t, before, loaded.Export(),
		"compaction with no pending updates must not change observable state")

	dead, err := st.DeadPointerCount()
	require.NoError(t, err)
	assert.Equal(t, 0, dead)
}

func TestCompactRunsFinalizerExactlyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.skfs")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	reg, log := testutil.Registry()
	ctx := engine.NewContext(reg)
	res, err := ctx.Mkdir(value.MustDirName("/res/"), true, nil)
	require.NoError(t, err)
	require.NoError(t, res.WriteArray(ctx, value.SID("conn"), []value.File{
		value.ExternalPointer{Value: 42, Finalizer: testutil.FinalizerCounting},
	}))
	require.NoError(t, st.Save(ctx))

	// Replace the pointer; the old handle no longer survives the copy.
	require.NoError(t, res.WriteArray(ctx, value.SID("conn"), []value.File{
		value.ExternalPointer{Value: 99, Finalizer: testutil.FinalizerCounting},
	}))
	require.NoError(t, st.Compact(ctx))

	assert.Equal(t, 1, log.Count(42), "dropped pointer freed exactly once")
	assert.Equal(t, 0, log.Count(99), "live pointer must not be freed")

	dead, err := st.DeadPointerCount()
	require.NoError(t, err)
	assert.Equal(t, 1, dead, "collected pointer leaves a null sentinel")

	// A second compaction must not free it again: the sentinel is not a
	// live recording.
	require.NoError(t, st.Compact(ctx))
	assert.Equal(t, 1, log.Count(42))
}

func TestCompactKeepsSessionMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.skfs")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	ctx := buildContext(t)
	require.NoError(t, st.Save(ctx))
	require.NoError(t, st.SetMeta("session", "tok-7"))

	require.NoError(t, st.Compact(ctx))

	got, ok, err := st.GetMeta("session")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tok-7", got)
}
