package main

import (
	"os"
	"strings"

	"github.com/apex/log"
	clihandler "github.com/apex/log/handlers/cli"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sliverarmory/guestkit/internal/config"
	"github.com/sliverarmory/guestkit/macho"
)

var (
	cfgFile string
	// Verbose enables debug logging.
	Verbose bool
	arch    string
)

var rootCmd = &cobra.Command{
	Use:          "guestkit",
	Short:        "Patch Mach-O executables so a host process can load them as libraries",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if Verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	log.SetHandler(clihandler.Default)

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/guestkit/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&Verbose, "verbose", "V", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&arch, "arch", "", "slice to operate on (arm64, x86_64; default is the running architecture)")
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
}

func initConfig() {
	config.Setup(viper.GetViper(), cfgFile)
}

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

// targetCPU returns the CPU selected by --arch, or 0 for the running one.
func targetCPU() (uint32, error) {
	switch strings.ToLower(arch) {
	case "":
		return 0, nil
	case "arm64", "aarch64":
		return macho.CPUArm64, nil
	case "x86_64", "amd64":
		return macho.CPUAmd64, nil
	}
	return 0, errors.Errorf("unsupported --arch %q", arch)
}

func machoOptions() ([]macho.Option, error) {
	cpu, err := targetCPU()
	if err != nil || cpu == 0 {
		return nil, err
	}
	return []macho.Option{macho.WithCPU(cpu)}, nil
}
