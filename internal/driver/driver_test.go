package driver_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiplabs/skfs/internal/driver"
	"github.com/skiplabs/skfs/internal/engine"
	"github.com/skiplabs/skfs/internal/store"
	"github.com/skiplabs/skfs/internal/testutil"
	"github.com/skiplabs/skfs/internal/value"
)

// counterInit registers the counter graph: /in/ summed into /sum/IID(0).
func counterInit(ctx *engine.Context) error {
	in, err := ctx.Mkdir(value.MustDirName("/in/"), true, nil)
	if err != nil {
		return err
	}
	_, err = engine.ContextWriterKeyValues(ctx, in, value.MustDirName("/sum/"),
		testutil.MapperSumToTotal, testutil.ReducerSum)
	return err
}

func TestRunRequiresExactlyOneSessionFlag(t *testing.T) {
	err := driver.Run(driver.Options{}, nil, nil)
	assert.Error(t, err)

	err = driver.Run(driver.Options{InitPath: "a", DataPath: "b"}, nil, nil)
	assert.Error(t, err)
}

func TestInitSessionSnapshotsTheGraph(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.skfs")
	reg, _ := testutil.Registry()

	require.NoError(t, driver.Run(driver.Options{InitPath: path, Registry: reg}, counterInit, nil))

	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()
	ctx, err := st.Load(reg)
	require.NoError(t, err)
	assert.NotNil(t, ctx.MaybeGetEagerDir(value.DirName("/in/")))
	assert.NotNil(t, ctx.MaybeGetEagerDir(value.DirName("/sum/")))
}

func TestDataSessionAppliesStdinAndCommits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.skfs")
	reg, _ := testutil.Registry()
	require.NoError(t, driver.Run(driver.Options{InitPath: path, Registry: reg}, counterInit, nil))

	stdin := strings.NewReader("x\t\"2\"\n\ny\t\"3\"\n")
	require.NoError(t, driver.Run(driver.Options{
		DataPath: path,
		Registry: reg,
		Stdin:    stdin,
	}, nil, nil))

	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()
	ctx, err := st.Load(reg)
	require.NoError(t, err)

	sum := engine.NewEHandle(value.DirName("/sum/"))
	f, err := sum.Get(ctx, value.IID(0))
	require.NoError(t, err)
	n, err := testutil.FileInt(f)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	// The session stamped its token.
	_, ok, err := st.GetMeta("session")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBodyDrivesIterationsUntilStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.skfs")
	reg, _ := testutil.Registry()
	require.NoError(t, driver.Run(driver.Options{InitPath: path, Registry: reg}, counterInit, nil))

	iterations := 0
	body := func(ctx *engine.Context) (driver.Control, error) {
		iterations++
		if iterations == 3 {
			return driver.Stop, nil
		}
		return driver.Continue, nil
	}
	require.NoError(t, driver.Run(driver.Options{
		DataPath: path,
		Registry: reg,
	}, nil, body))
	assert.Equal(t, 3, iterations)
}

func TestRunWithGCIsNoOpWithoutPendingUpdates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.skfs")
	reg, _ := testutil.Registry()
	require.NoError(t, driver.Run(driver.Options{InitPath: path, Registry: reg}, counterInit, nil))

	st, err := store.Open(path)
	require.NoError(t, err)
	ctx, err := st.Load(reg)
	require.NoError(t, err)
	before := ctx.Export()
	require.NoError(t, st.Close())

	// A data session with no input and an immediately-stopping body.
	stop := func(ctx *engine.Context) (driver.Control, error) { return driver.Stop, nil }
	require.NoError(t, driver.Run(driver.Options{DataPath: path, Registry: reg}, nil, stop))

	st, err = store.Open(path)
	require.NoError(t, err)
	defer st.Close()
	after, err := st.Load(reg)
	require.NoError(t, err)
	assert.Equal(t, before, after.Export())
}

func TestDataSessionWithoutInputDirFailsWhenStdinPresent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.skfs")
	reg, _ := testutil.Registry()
	// Init with no input directory at all.
	require.NoError(t, driver.Run(driver.Options{InitPath: path, Registry: reg}, nil, nil))

	err := driver.Run(driver.Options{
		DataPath: path,
		Registry: reg,
		Stdin:    strings.NewReader("k\t\"v\"\n"),
	}, nil, nil)
	assert.Error(t, err)
}
