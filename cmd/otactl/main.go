// Command otactl serves firmware images to devices, drives the update
// engine against an emulated flash, checksums images the way the device
// does and talks to the device console.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"openenterprise/otaflash/version"
)

var (
	cfg        = defaultConfig()
	configFile string
	verbose    bool
	logger     = slog.New(slog.DiscardHandler)
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "otactl",
		Short:         "Serve, simulate and inspect OTA firmware updates",
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			if configFile != "" {
				file, err := loadConfigFile(configFile)
				if err != nil {
					return err
				}
				cfg.merge(file, cmd.Flags().Changed)
			}
			return cfg.Validate()
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newServeCmd(), newSimulateCmd(), newCRCCmd(), newConsoleCmd())
	return root
}

func versionString() string {
	v := version.Version
	if v == "" {
		v = "dev"
	}
	if version.GitSHA != "" {
		v += " (" + version.GitSHA + ")"
	}
	return v
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		printError(os.Stderr, "%v", err)
		os.Exit(1)
	}
}

func flashFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Uint32Var(&cfg.FlashAddr, "flash-addr", cfg.FlashAddr, "flash address the image is written to")
	f.StringVar(&cfg.FlashFile, "flash-file", cfg.FlashFile, "emulated flash image file")
	f.Uint32Var(&cfg.FlashSize, "flash-size", cfg.FlashSize, "size of a newly created flash image")
}

func hexAddr(v uint32) string { return fmt.Sprintf("0x%x", v) }
