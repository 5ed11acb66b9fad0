package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(imagesCmd)
}

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List the images dyld has loaded into this process",
	Args:  cobra.NoArgs,
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

		base, err := e.DyldBase()
		if err != nil {
			return err
		}
		infos, err := e.AllImageInfos()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "dyld:    %#x\n", base)
		fmt.Fprintf(out, "version: %d\n", infos.Version)
		if infos.SharedCacheBaseAddress != 0 {
			fmt.Fprintf(out, "cache:   %#x (slide %#x)\n", infos.SharedCacheBaseAddress, infos.SharedCacheSlide)
		}
		for _, img := range infos.Images {
			fmt.Fprintf(out, "%#016x %s\n", img.LoadAddress, img.Path)
		}
		return nil
	},
}
