package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/internal/grid"
	"github.com/mataphp/jargon/internal/listing"
	"github.com/mataphp/jargon/internal/progress"
	"github.com/mataphp/jargon/internal/transfer"
)

// PutCommand uploads a local file.
func PutCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "Upload a local file to a data object",
		ArgsUsage: "LOCAL REMOTE",
		Flags:     TransferFlags(),
		Action:    clientAction(putAction),
	}
}

// GetCommand downloads a data object.
func GetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Download a data object to a local file",
		ArgsUsage: "REMOTE LOCAL",
		Flags:     TransferFlags(),
		Action:    clientAction(getAction),
	}
}

func putAction(ctx context.Context, c *cli.Context, gc *grid.Client) error {
	if c.NArg() != 2 {
		return usageError(c, "put [flags] LOCAL REMOTE")
	}
	local, remote := c.Args().Get(0), c.Args().Get(1)

	f, err := os.Open(local)
	if err != nil {
		return errors.E("put", errors.Invalid, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return errors.E("put", errors.Invalid, err)
	}
	if info.IsDir() {
		return errors.E("put", errors.Invalid, errors.Errorf("%s is a directory", local))
	}

	// Uploading into a collection keeps the local name.
	if st, err := gc.Lister.RetrieveObjectStatForPath(ctx, remote); err == nil && st.Type == listing.Collection {
		remote = path.Join(remote, filepath.Base(local))
	} else if err != nil && !errors.Is(errors.NotFound, err) {
		return err
	}

	meter := progress.NewMeter(info.Size())
	stop := report(c, "put "+remote, meter)
	out, err := gc.Engine.Put(ctx, progress.ReaderAt(f, meter), info.Size(), remote)
	stop()
	if err != nil {
		return err
	}
	printOutcome(c.App.Writer, local, remote, out)
	return nil
}

func getAction(ctx context.Context, c *cli.Context, gc *grid.Client) error {
	if c.NArg() != 2 {
		return usageError(c, "get [flags] REMOTE LOCAL")
	}
	remote, local := c.Args().Get(0), c.Args().Get(1)

	st, err := gc.Lister.RetrieveObjectStatForPath(ctx, remote)
	if err != nil {
		return err
	}
	if info, err := os.Stat(local); err == nil && info.IsDir() {
		local = filepath.Join(local, path.Base(remote))
	}
	f, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.E("get", errors.Invalid, err)
	}

	meter := progress.NewMeter(st.Size)
	stop := report(c, "get "+remote, meter)
	out, err := gc.Engine.Get(ctx, remote, progress.WriterAt(f, meter))
	stop()
	if err == nil {
		err = f.Truncate(out.BytesTransferred)
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	printOutcome(c.App.Writer, remote, local, out)
	return nil
}

// report starts progress output unless --quiet is set and returns the
// function that stops it.
func report(c *cli.Context, label string, m *progress.Meter) func() {
	if c.Bool("quiet") {
		return func() {}
	}
	r := progress.Start(c.App.ErrWriter, label, m, progress.DefaultInterval)
	return r.Stop
}

func printOutcome(w io.Writer, from, to string, out transfer.Outcome) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s -> %s %d bytes threads=%d", from, to, out.BytesTransferred, len(out.Threads))
	if out.Checksum != "" {
		fmt.Fprintf(&b, " checksum=%s", out.Checksum)
	}
	if out.Attempts > 1 {
		fmt.Fprintf(&b, " attempts=%d", out.Attempts)
	}
	fmt.Fprintln(w, b.String())
}
