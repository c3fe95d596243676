package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const flagHome = "home"

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "settlerd",
		Short:         "Escrow settlement reconciliation daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String(flagHome, defaultHome(), "daemon home directory")

	InitRootCmd(rootCmd) // add subcommands like `start` and `version`

	return rootCmd
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".settler"
	}
	return filepath.Join(home, ".settler")
}
