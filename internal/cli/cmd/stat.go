package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mataphp/jargon/internal/grid"
	"github.com/mataphp/jargon/internal/listing"
)

// StatCommand describes one path.
func StatCommand() *cli.Command {
	return &cli.Command{
		Name:      "stat",
		Usage:     "Describe a collection or data object",
		ArgsUsage: "PATH",
		Action: clientAction(func(ctx context.Context, c *cli.Context, gc *grid.Client) error {
			if c.NArg() != 1 {
				return usageError(c, "stat PATH")
			}
			st, err := gc.Lister.RetrieveObjectStatForPath(ctx, c.Args().First())
			if err != nil {
				return err
			}
			w := c.App.Writer
			fmt.Fprintf(w, "path:     %s\n", st.Path)
			fmt.Fprintf(w, "type:     %s\n", st.Type)
			fmt.Fprintf(w, "owner:    %s#%s\n", st.Owner, st.Zone)
			if st.Type == listing.DataObject {
				fmt.Fprintf(w, "size:     %d\n", st.Size)
				fmt.Fprintf(w, "checksum: %s\n", st.Checksum)
			}
			fmt.Fprintf(w, "created:  %s\n", st.CreatedAt.UTC().Format(time.RFC3339))
			fmt.Fprintf(w, "modified: %s\n", st.ModifiedAt.UTC().Format(time.RFC3339))
			return nil
		}),
	}
}

// MkdirCommand creates a collection.
func MkdirCommand() *cli.Command {
	return &cli.Command{
		Name:      "mkdir",
		Usage:     "Create a collection",
		ArgsUsage: "PATH",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "parents",
				Aliases: []string{"p"},
				Usage:   "create missing parents, no error if it exists",
			},
		},
		Action: clientAction(func(ctx context.Context, c *cli.Context, gc *grid.Client) error {
			if c.NArg() != 1 {
				return usageError(c, "mkdir [-p] PATH")
			}
			return gc.Session.MakeCollection(ctx, c.Args().First(), c.Bool("parents"))
		}),
	}
}
