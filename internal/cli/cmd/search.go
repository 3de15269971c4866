package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/mataphp/jargon/internal/grid"
	"github.com/mataphp/jargon/internal/listing"
)

// SearchCommand finds collections and data objects by name.
func SearchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Find collections and data objects whose name contains TERM",
		ArgsUsage: "TERM",
		Action:    clientAction(searchAction),
	}
}

func searchAction(ctx context.Context, c *cli.Context, gc *grid.Client) error {
	if c.NArg() != 1 {
		return usageError(c, "search TERM")
	}
	entries, err := gc.Lister.SearchCollectionsAndDataObjectsBasedOnName(ctx, c.Args().First())
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Type == listing.Collection {
			fmt.Fprintf(c.App.Writer, "C- %s\n", e.Path())
		} else {
			fmt.Fprintf(c.App.Writer, "   %s\n", e.Path())
		}
	}
	return nil
}
