// Command jargon is the data grid client.
//
// Usage:
//
//	jargon [global flags] <command> [flags] [args]
//
// Exit codes follow cmd.ExitCode.
package main

import (
	"os"

	"github.com/mataphp/jargon/internal/cli/cmd"
)

// version is set via ldflags at build time.
var version = "v0.1.0"

func main() {
	app := cmd.NewApp(version)
	app.ExitErrHandler = cmd.ExitErrHandler
	if err := app.Run(os.Args); err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}
