// Package cli provides the skfs command line surface: session flag parsing
// over the driver loop, with the exit-code convention clients rely on
// (0 clean stop, 1 fatal engine error, 2 CLI error).
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/skiplabs/skfs/internal/driver"
	"github.com/skiplabs/skfs/internal/engine"
	"github.com/skiplabs/skfs/internal/value"
)

// RootOptions holds the session flags.
type RootOptions struct {
	InitPath string
	DataPath string
	InputDir string
	Verbose  bool
}

// App bundles what an embedder supplies: the function registry the state
// file resolves names against, the graph setup for init sessions, and the
// per-iteration body for data sessions.
type App struct {
	Registry *engine.Registry
	Init     driver.InitFn
	Body     driver.BodyFn

	// Stdin carries the write protocol stream; defaults to os.Stdin.
	Stdin io.Reader
}

// NewRootCommand creates the root command for the skfs CLI.
func NewRootCommand(app App) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "skfs",
		Short: "SKFS - reactive incremental computation engine",
		Long: `SKFS runs a persisted graph of eager and lazy directories.

An init session (--init) builds a fresh context, registers the input
directories and mappers, and snapshots it to the state file. A data
session (--data) maps an existing state file, applies input updates from
stdin, drains invalidation, and yields to the client body each iteration.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(opts, app)
		},
	}

	cmd.Flags().StringVar(&opts.InitPath, "init", "", "create a fresh state file at this path")
	cmd.Flags().StringVar(&opts.DataPath, "data", "", "map an existing state file at this path")
	cmd.Flags().StringVar(&opts.InputDir, "input-dir", "", "directory stdin updates target")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.MarkFlagsMutuallyExclusive("init", "data")

	return cmd
}

func runSession(opts *RootOptions, app App) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if (opts.InitPath == "") == (opts.DataPath == "") {
		return NewExitError(ExitCommandError, "exactly one of --init and --data is required")
	}

	var inputDir value.DirName
	if opts.InputDir != "" {
		d, err := value.NewDirName(opts.InputDir)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --input-dir", err)
		}
		inputDir = d
	}

	stdin := app.Stdin
	if stdin == nil && opts.DataPath != "" {
		stdin = os.Stdin
	}

	err := driver.Run(driver.Options{
		InitPath: opts.InitPath,
		DataPath: opts.DataPath,
		Registry: app.Registry,
		Stdin:    stdin,
		InputDir: inputDir,
		Logger:   logger,
	}, app.Init, app.Body)
	if err != nil {
		return WrapExitError(ExitEngineError, "session failed", err)
	}
	return nil
}

// Execute runs the CLI and returns the process exit code. Flag parse
// failures and positional arguments print the help summary and exit 2;
// engine failures exit 1.
func Execute(app App, args []string) int {
	cmd := NewRootCommand(app)
	cmd.SetArgs(args)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "skfs: %v\n", err)
		code := GetExitCode(err)
		if code == ExitEngineError && !isExitError(err) {
			// Anything cobra itself rejects (unknown flags, stray
			// arguments) is a command error: print usage, exit 2.
			_ = cmd.Usage()
			code = ExitCommandError
		}
		return code
	}
	return ExitSuccess
}

func isExitError(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr)
}
