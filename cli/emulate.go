package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/guestkit/arm64"
)

func init() {
	rootCmd.AddCommand(emulateCmd)
}

const emulateExample = `  # adrp x8, #0x1000; add x8, x8, #0x10
  guestkit emulate 0x100004000 0xb0000008 0x91004108`

var emulateCmd = &cobra.Command{
	Use:     "emulate <PC> <WORD>...",
	Short:   "Decode AArch64 words and resolve the addresses they form",
	Example: emulateExample,
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pc, err := parseHex(args[0], 64)
		if err != nil {
			return errors.Wrap(err, "invalid pc")
		}
		words := make([]arm64.Word, 0, len(args)-1)
		for i, arg := range args[1:] {
			w, err := parseHex(arg, 32)
			if err != nil {
				return errors.Wrapf(err, "invalid word %q", arg)
			}
			words = append(words, arm64.Word{PC: pc + uint64(4*i), Raw: uint32(w)})
		}

		out := cmd.OutOrStdout()
		for _, w := range words {
			fmt.Fprintln(out, w)
		}
		if addr, ok := arm64.FindADRPAdd(words); ok {
			fmt.Fprintf(out, "adrp+add:  %#x\n", addr)
		}
		if addr, ok := arm64.FindADRPLdr(words); ok {
			fmt.Fprintf(out, "adrp+ldr:  %#x\n", addr)
		}
		for _, w := range words {
			if page, ok := arm64.ADRP(w.Raw, w.PC); ok {
				fmt.Fprintf(out, "adrp page: %#x\n", page)
				break
			}
		}
		return nil
	},
}

func parseHex(s string, bits int) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, bits)
}
