// Package driver implements the SKFS session loop: the orchestration of
// init sessions (build a fresh context, snapshot it) and data sessions
// (map the state file, apply input updates, drain invalidation, yield to
// the client body).
package driver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/skiplabs/skfs/internal/engine"
	"github.com/skiplabs/skfs/internal/feed"
	"github.com/skiplabs/skfs/internal/store"
	"github.com/skiplabs/skfs/internal/value"
)

// Control is the client body's verdict after one iteration.
type Control int

const (
	// Continue requests another iteration.
	Continue Control = iota

	// Stop commits and ends the session.
	Stop
)

// InitFn builds the directory graph of a fresh context: input directories,
// mappers, lazy directories.
type InitFn func(ctx *engine.Context) error

// BodyFn is the client body invoked once per data-session iteration, after
// pending input updates have been applied and the dirty set drained.
type BodyFn func(ctx *engine.Context) (Control, error)

// Options configures one session.
type Options struct {
	// InitPath, when set, selects an init session writing a fresh state
	// file. Mutually exclusive with DataPath.
	InitPath string

	// DataPath, when set, selects a data session over an existing state
	// file.
	DataPath string

	// Registry resolves the persisted mapper/lazy/reducer/finaliser names.
	Registry *engine.Registry

	// Stdin carries the write protocol stream for data sessions. Nil means
	// no input updates.
	Stdin io.Reader

	// InputDir is the directory stdin updates target. Empty selects the
	// context's sole input directory; ambiguity is an error.
	InputDir value.DirName

	// CompactEvery compacts the arena after every N iterations. Zero
	// disables periodic compaction; the arena is still compacted on Stop.
	CompactEvery int

	Logger *slog.Logger
}

// Run executes one session: init or data, per the options.
func Run(opts Options, init InitFn, body BodyFn) error {
	if (opts.InitPath == "") == (opts.DataPath == "") {
		return fmt.Errorf("driver: exactly one of --init and --data is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = engine.NewRegistry()
	}

	if opts.InitPath != "" {
		return runInit(opts, init)
	}
	return runData(opts, body)
}

// runInit builds a fresh context, registers the client graph, and snapshots
// it to the state file.
func runInit(opts Options, init InitFn) error {
	st, err := store.Open(opts.InitPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := engine.NewContext(opts.Registry, engine.WithLogger(opts.Logger))
	if init != nil {
		if err := init(ctx); err != nil {
			return fmt.Errorf("driver: init: %w", err)
		}
	}
	if err := ctx.Update(); err != nil {
		return err
	}
	if err := st.Save(ctx); err != nil {
		return err
	}
	opts.Logger.Info("state file initialised", "path", opts.InitPath, "time", int64(ctx.Time()))
	return nil
}

// runData maps the state file and runs the update loop with periodic GC.
func runData(opts Options, body BodyFn) error {
	st, err := store.Open(opts.DataPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, err := st.Load(opts.Registry, engine.WithLogger(opts.Logger))
	if err != nil {
		return err
	}

	session := uuid.Must(uuid.NewV7()).String()
	if err := st.SetMeta("session", session); err != nil {
		return err
	}
	opts.Logger.Info("data session started", "path", opts.DataPath, "session", session)

	return RunWithGC(ctx, st, opts, body)
}

// RunWithGC is the data-session loop: apply pending stdin batches, drain
// invalidation, invoke the body, commit; loop until the body returns Stop, or,
// when there is no body, until the input is exhausted. With no pending
// updates and an immediately-stopping
// body, the observable state is untouched.
func RunWithGC(ctx *engine.Context, st *store.Store, opts Options, body BodyFn) error {
	input, err := resolveInputDir(ctx, opts.InputDir)
	if err != nil && opts.Stdin != nil {
		return err
	}

	parser := feed.NewParser()
	buf := make([]byte, 64*1024)
	stdinDone := opts.Stdin == nil

	for iteration := 1; ; iteration++ {
		if !stdinDone {
			n, err := opts.Stdin.Read(buf)
			if n > 0 {
				parser.Feed(buf[:n])
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					return fmt.Errorf("driver: read input: %w", err)
				}
				if err := parser.Finish(); err != nil {
					return err
				}
				stdinDone = true
			}
			if err := feed.Apply(ctx, input, parser.Drain()); err != nil {
				return err
			}
		}

		if err := ctx.Update(); err != nil {
			return err
		}

		ctrl := Continue
		if body != nil {
			var err error
			ctrl, err = body(ctx)
			if err != nil {
				return fmt.Errorf("driver: body: %w", err)
			}
		}

		if err := st.Save(ctx); err != nil {
			return err
		}

		if opts.CompactEvery > 0 && iteration%opts.CompactEvery == 0 {
			if err := st.Compact(ctx); err != nil {
				return err
			}
		}

		if (body != nil && ctrl == Stop) || (body == nil && stdinDone) {
			if err := st.Compact(ctx); err != nil {
				return err
			}
			opts.Logger.Info("data session committed", "iterations", iteration, "time", int64(ctx.Time()))
			return nil
		}
	}
}

// resolveInputDir picks the stdin target: the named directory, or the
// context's sole input directory.
func resolveInputDir(ctx *engine.Context, name value.DirName) (engine.EHandle, error) {
	if name != "" {
		if _, err := ctx.UnsafeGetEagerDir(name); err != nil {
			return engine.EHandle{}, err
		}
		return engine.NewEHandle(name), nil
	}

	var inputs []value.DirName
	for _, n := range ctx.DirNames() {
		if d := ctx.MaybeGetEagerDir(n); d != nil && d.IsInput() {
			inputs = append(inputs, n)
		}
	}
	switch len(inputs) {
	case 1:
		return engine.NewEHandle(inputs[0]), nil
	case 0:
		return engine.EHandle{}, fmt.Errorf("driver: no input directory registered")
	default:
		return engine.EHandle{}, fmt.Errorf("driver: %d input directories, specify one", len(inputs))
	}
}
