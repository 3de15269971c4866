package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/mataphp/jargon/internal/errors"
)

// ExitCode maps an error to the process exit status.
//   - 0: success
//   - 1: other failure
//   - 2: invalid arguments or configuration
//   - 3: path not found
//   - 4: negotiation, authentication or permission failure
//   - 5: transport failure
//   - 6: integrity failure
//   - 7: protocol violation
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch errors.KindOf(err) {
	case errors.Invalid:
		return 2
	case errors.NotFound:
		return 3
	case errors.Negotiation:
		return 4
	case errors.Transport:
		return 5
	case errors.Integrity:
		return 6
	case errors.Protocol:
		return 7
	}
	return 1
}

// ExitErrHandler prints err and exits with its ExitCode.
func ExitErrHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(c.App.ErrWriter, "Error: %v\n", err)
	os.Exit(ExitCode(err))
}
