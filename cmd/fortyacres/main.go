package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "fortyacres",
		Short:        "veNFT lending ledger service",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "fortyacres.toml", "path to the TOML config file")
	root.AddCommand(serveCmd(), rebuildCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
