package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mataphp/jargon/internal/grid"
	"github.com/mataphp/jargon/internal/listing"
)

// LsCommand lists the collections and data objects under a path.
func LsCommand() *cli.Command {
	return &cli.Command{
		Name:      "ls",
		Usage:     "List a collection, one page per type",
		ArgsUsage: "PATH",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "start",
				Usage: "position to start each listing after",
			},
			&cli.BoolFlag{
				Name:  "perms",
				Usage: "show access control lists",
			},
			&cli.BoolFlag{
				Name:    "long",
				Aliases: []string{"l"},
				Usage:   "show owner, size and modify time",
			},
		},
		Action: clientAction(lsAction),
	}
}

func lsAction(ctx context.Context, c *cli.Context, gc *grid.Client) error {
	if c.NArg() != 1 {
		return usageError(c, "ls [--start N] [--perms] [--long] PATH")
	}
	parent := c.Args().First()
	start := c.Int("start")
	perms := c.Bool("perms")

	var entries []listing.Entry
	var err error
	switch {
	case start == 0 && perms:
		entries, err = gc.Lister.ListDataObjectsAndCollectionsUnderPathWithPermissions(ctx, parent)
	case start == 0:
		entries, err = gc.Lister.ListDataObjectsAndCollectionsUnderPath(ctx, parent)
	default:
		entries, err = listFrom(ctx, gc.Lister, parent, start, perms)
	}
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "%s:\n", parent)
	for _, e := range entries {
		printEntry(w, e, c.Bool("long"))
		if perms {
			fmt.Fprintf(w, "        ACL - %s\n", formatPermissions(e.Permissions))
		}
	}
	if next, more := nextStart(entries, start); more {
		fmt.Fprintf(c.App.ErrWriter, "more entries follow, continue with --start %d\n", next)
	}
	return nil
}

func listFrom(ctx context.Context, l *listing.Lister, parent string, start int, perms bool) ([]listing.Entry, error) {
	listColls, listObjs := l.ListCollectionsUnderPath, l.ListDataObjectsUnderPath
	if perms {
		listColls, listObjs = l.ListCollectionsUnderPathWithPermissions, l.ListDataObjectsUnderPathWithPermissions
	}
	colls, err := listColls(ctx, parent, start)
	if err != nil {
		return nil, err
	}
	objs, err := listObjs(ctx, parent, start)
	if err != nil {
		return nil, err
	}
	return append(colls, objs...), nil
}

// nextStart reports where the next page begins when either type has
// entries beyond this page.
func nextStart(entries []listing.Entry, start int) (int, bool) {
	last := map[listing.ObjectType]listing.Entry{}
	for _, e := range entries {
		last[e.Type] = e
	}
	next, more := start, false
	for _, e := range last {
		if !e.IsLastEntryForType {
			more = true
		}
		next = max(next, e.PositionInType)
	}
	return next, more
}

func printEntry(w io.Writer, e listing.Entry, long bool) {
	if e.Type == listing.Collection {
		fmt.Fprintf(w, "  C- %s\n", e.Path())
		return
	}
	if !long {
		fmt.Fprintf(w, "  %s\n", e.Name)
		return
	}
	fmt.Fprintf(w, "  %-12s %12d %s & %s\n", e.Owner, e.Size, formatTime(e.ModifiedAt), e.Name)
}

func formatPermissions(perms []listing.Permission) string {
	parts := make([]string, len(perms))
	for i, p := range perms {
		parts[i] = p.User + ":" + p.Level
	}
	return strings.Join(parts, " ")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02.15:04")
}

// CountCommand counts the entries directly under a path.
func CountCommand() *cli.Command {
	return &cli.Command{
		Name:      "count",
		Usage:     "Count the collections and data objects under a path",
		ArgsUsage: "PATH",
		Action: clientAction(func(ctx context.Context, c *cli.Context, gc *grid.Client) error {
			if c.NArg() != 1 {
				return usageError(c, "count PATH")
			}
			n, err := gc.Lister.CountDataObjectsAndCollectionsUnderPath(ctx, c.Args().First())
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, n)
			return nil
		}),
	}
}
