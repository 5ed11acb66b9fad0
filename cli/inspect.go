package main

import (
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/guestkit/macho"
)

func init() {
	rootCmd.AddCommand(inspectCmd)
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <MACHO>",
	Short: "Describe the header and load commands of an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := machoOptions()
		if err != nil {
			return err
		}
		path := filepath.Clean(args[0])
		info, err := macho.Analyze(path, opts...)
		if err != nil {
			return errors.Wrapf(err, "failed to analyze %s", path)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s\n", path)
		fmt.Fprintf(out, "  file type:     %s\n", macho.FileTypeName(info.FileType))
		fmt.Fprintf(out, "  architecture:  %s (%s)\n", info.Arch, info.SubArch)
		if info.UUID != "" {
			fmt.Fprintf(out, "  uuid:          %s\n", info.UUID)
		}
		fmt.Fprintf(out, "  flags:         %#x\n", info.Flags)
		fmt.Fprintf(out, "  load commands: %d (%s)\n", info.NCmds, humanize.Bytes(uint64(info.SizeOfCmds)))
		fmt.Fprintf(out, "  free space:    %s\n", humanize.Bytes(uint64(info.FreeSpace)))
		fmt.Fprintf(out, "  signed:        %v\n", info.Signed)

		fmt.Fprintln(out, "Load Commands:")
		for i, c := range info.Commands {
			fmt.Fprintf(out, "  %03d: %-8s %s\n", i, humanize.Bytes(uint64(c.Size)), c.Description)
		}
		if len(info.Libraries) > 0 {
			fmt.Fprintln(out, "Libraries:")
			for _, lib := range info.Libraries {
				fmt.Fprintf(out, "  %s\n", lib)
			}
		}
		return nil
	},
}
