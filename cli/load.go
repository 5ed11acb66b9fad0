package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/guestkit/dyld"
)

var (
	lookupSymbol string
	prepare      bool
)

func init() {
	rootCmd.AddCommand(loadCmd)
	loadCmd.Flags().StringVar(&lookupSymbol, "symbol", "_StartW", "symbol to resolve in the loaded library")
	loadCmd.Flags().BoolVar(&prepare, "prepare", false, "patch the image before loading it")
}

var loadCmd = &cobra.Command{
	Use:   "load <MACHO>",
	Short: "Load an image through dyld's internal loader, bypassing the loader lock",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		e, closer, err := c.Engine()
		if err != nil {
			return err
		}
		defer closer.Close()

		if prepare {
			if err := e.PrepareImage(args[0]); err != nil {
				return err
			}
		}
		h, err := e.DlopenBypassingLock(args[0], dyld.RTLDNow)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "loader: %#x\nheader: %#x\n", h.Loader, h.Header)
		if lookupSymbol != "" && h.Header != 0 {
			addr, err := e.Symbol(h, lookupSymbol)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: %#x\n", lookupSymbol, addr)
		}
		fmt.Fprintln(out, "ok")
		return nil
	},
}
