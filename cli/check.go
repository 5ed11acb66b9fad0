package main

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/guestkit/codesign"
	"github.com/sliverarmory/guestkit/macho"
)

// ErrNotLoadable is returned by check when an image still needs patching.
var ErrNotLoadable = errors.New("image needs patching")

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check <MACHO>",
	Short: "Report whether an image can be loaded without patching",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := machoOptions()
		if err != nil {
			return err
		}
		path := filepath.Clean(args[0])
		r, err := codesign.Inspect(path, opts...)
		if err != nil {
			return errors.Wrapf(err, "failed to inspect %s", path)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "path:        %s\n", r.Path)
		fmt.Fprintf(out, "slice:       %#x\n", r.SliceOffset)
		fmt.Fprintf(out, "file type:   %s\n", macho.FileTypeName(r.FileType))
		fmt.Fprintf(out, "patched:     %v\n", r.Patched())
		fmt.Fprintf(out, "signed:      %v\n", r.Signed)
		if r.Signed {
			fmt.Fprintf(out, "directories: %d\n", len(r.Directories))
			fmt.Fprintf(out, "page 0 hash: %v\n", r.PageZeroMatch)
		}
		if r.SignatureErr != nil {
			fmt.Fprintf(out, "signature:   %v\n", r.SignatureErr)
		}
		if !r.OK() {
			return errors.Wrap(ErrNotLoadable, path)
		}
		fmt.Fprintln(out, "ok")
		return nil
	},
}
