package main

import (
	"fmt"
	"os"

	"laminar/internal/config"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "laminard",
		Short: "Two-tranche collateral ledger service",
		Long: `laminard runs the laminar ledger: a stable tranche and a leveraged
equity tranche backed by one collateral pool, with every mutation
hash-chained and journaled.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to a YAML config file (LAMINAR_* env vars override it)")

	load := func() (*config.Config, error) { return config.Load(cfgPath) }

	root.AddCommand(
		newServeCmd(load),
		newInitCmd(load),
		newSnapshotCmd(load),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "laminard", version)
		},
	}
}
