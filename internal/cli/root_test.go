package cli_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiplabs/skfs/internal/cli"
	"github.com/skiplabs/skfs/internal/engine"
	"github.com/skiplabs/skfs/internal/store"
	"github.com/skiplabs/skfs/internal/testutil"
	"github.com/skiplabs/skfs/internal/value"
)

func testApp(t *testing.T, stdin string) cli.App {
	t.Helper()
	reg, _ := testutil.Registry()
	app := cli.App{
		Registry: reg,
		Init: func(ctx *engine.Context) error {
			in, err := ctx.Mkdir(value.MustDirName("/in/"), true, nil)
			if err != nil {
				return err
			}
			_, err = engine.ContextWriterKeyValues(ctx, in, value.MustDirName("/sum/"),
				testutil.MapperSumToTotal, testutil.ReducerSum)
			return err
		},
	}
	if stdin != "" {
		app.Stdin = strings.NewReader(stdin)
	}
	return app
}

func TestExecuteInitThenData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.skfs")

	code := cli.Execute(testApp(t, ""), []string{"--init", path})
	require.Equal(t, cli.ExitSuccess, code)

	code = cli.Execute(testApp(t, "x\t\"4\"\ny\t\"5\"\n"), []string{"--data", path})
	require.Equal(t, cli.ExitSuccess, code)

	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()
	reg, _ := testutil.Registry()
	ctx, err := st.Load(reg)
	require.NoError(t, err)
	f, err := engine.NewEHandle(value.DirName("/sum/")).Get(ctx, value.IID(0))
	require.NoError(t, err)
	n, err := testutil.FileInt(f)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)
}

func TestExecuteRejectsUnknownOption(t *testing.T) {
	code := cli.Execute(testApp(t, ""), []string{"--frobnicate"})
	assert.Equal(t, cli.ExitCommandError, code)
}

func TestExecuteRejectsPositionalArgs(t *testing.T) {
	code := cli.Execute(testApp(t, ""), []string{"extra-arg", "--init", "x"})
	assert.Equal(t, cli.ExitCommandError, code)
}

func TestExecuteRejectsInitPlusData(t *testing.T) {
	code := cli.Execute(testApp(t, ""), []string{"--init", "a", "--data", "b"})
	assert.Equal(t, cli.ExitCommandError, code)
}

func TestExecuteRequiresASessionFlag(t *testing.T) {
	code := cli.Execute(testApp(t, ""), []string{})
	assert.Equal(t, cli.ExitCommandError, code)
}

func TestExecuteEngineFailureExitsOne(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.skfs")

	// Init a graph with no input directory, then feed stdin at it.
	reg, _ := testutil.Registry()
	app := cli.App{Registry: reg, Stdin: strings.NewReader("k\t\"v\"\n")}
	code := cli.Execute(app, []string{"--init", path})
	require.Equal(t, cli.ExitSuccess, code)

	code = cli.Execute(app, []string{"--data", path})
	assert.Equal(t, cli.ExitEngineError, code)
}
