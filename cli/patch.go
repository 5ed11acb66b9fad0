package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/guestkit/patch"
)

var (
	noInject    bool
	tweakLoader string
)

func init() {
	rootCmd.AddCommand(patchCmd)
	patchCmd.Flags().BoolVar(&noInject, "no-inject", false, "disable the tweak loader dependency instead of adding it")
	patchCmd.Flags().StringVar(&tweakLoader, "tweak-loader", "", "tweak loader install name (default from config)")
}

const patchLong = `Rewrite the selected slice of each executable so it loads as a dylib.

Patching is idempotent: images that are already patched are left as they are,
apart from adding or disabling the tweak loader dependency.`

var patchCmd = &cobra.Command{
	Use:   "patch <MACHO>...",
	Short: "Rewrite executables in place so they load as dylibs",
	Long:  patchLong,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		cpu, err := targetCPU()
		if err != nil {
			return err
		}

		inject := c.Patch.Inject && !noInject
		loader := c.Patch.TweakLoader
		if tweakLoader != "" {
			loader = tweakLoader
		}
		opts := []patch.Option{patch.WithTweakLoader(loader)}
		if cpu != 0 {
			opts = append(opts, patch.WithCPU(cpu))
		}

		for _, arg := range args {
			path := filepath.Clean(arg)
			if err := patch.File(path, inject, opts...); err != nil {
				return errors.Wrapf(err, "failed to patch %s", path)
			}
			fi, err := os.Stat(path)
			if err != nil {
				return errors.Wrapf(err, "failed to stat %s", path)
			}
			log.WithFields(log.Fields{
				"path":   path,
				"inject": inject,
				"size":   humanize.Bytes(uint64(fi.Size())),
			}).Info("patched")
			fmt.Fprintln(cmd.OutOrStdout(), path)
		}
		return nil
	},
}
