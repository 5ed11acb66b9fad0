package main

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/guestkit/macho"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status <MACHO>",
	Short: "Show whether an image loads a tweak loader and can be injected",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := machoOptions()
		if err != nil {
			return err
		}
		path := filepath.Clean(args[0])
		st, err := macho.Status(path, opts...)
		if err != nil {
			return errors.Wrapf(err, "failed to read %s", path)
		}
		ok, reason := macho.CanInject(path, opts...)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "injected:   %v (%d active, %d disabled)\n", st.Injected, st.Count, st.Disabled)
		for _, lib := range st.Libraries {
			fmt.Fprintf(out, "  %s\n", lib)
		}
		if ok {
			fmt.Fprintln(out, "injectable: yes")
		} else {
			fmt.Fprintf(out, "injectable: no (%s)\n", reason)
		}
		return nil
	},
}
