// Command skfs runs the SKFS engine as a standalone process.
//
// Embedders normally link the engine and supply their own graph setup; this
// binary wires the default app: an init session creates a single input
// directory /in/, and a data session pumps the stdin write protocol into it.
package main

import (
	"os"

	"github.com/skiplabs/skfs/internal/cli"
	"github.com/skiplabs/skfs/internal/engine"
	"github.com/skiplabs/skfs/internal/value"
)

func main() {
	app := cli.App{
		Registry: engine.NewRegistry(),
		Init: func(ctx *engine.Context) error {
			_, err := ctx.Mkdir(value.MustDirName("/in/"), true, nil)
			return err
		},
		Body: nil, // input-driven: the session ends when stdin does
	}
	os.Exit(cli.Execute(app, os.Args[1:]))
}
