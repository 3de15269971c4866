package cmd

import "github.com/urfave/cli/v2"

// NewApp returns the jargon command line application.
func NewApp(version string) *cli.App {
	return &cli.App{
		Name:    "jargon",
		Usage:   "Browse and move data on a data grid",
		Version: version,
		Flags:   GlobalFlags(),
		Commands: []*cli.Command{
			LsCommand(),
			CountCommand(),
			SearchCommand(),
			StatCommand(),
			MkdirCommand(),
			PutCommand(),
			GetCommand(),
		},
	}
}
