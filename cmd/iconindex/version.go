package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/iconindex/internal/storage"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	// Skip config and logger setup
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, _ []string) {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "iconindex\n")
		fmt.Fprintf(w, "Version: %s\n", version)
		fmt.Fprintf(w, "Build Time: %s\n", buildTime)
		fmt.Fprintf(w, "Build Mode: %s\n", storage.BuildMode)
		fmt.Fprintf(w, "SQLite Driver: %s\n", storage.DriverName)
		fmt.Fprintf(w, "Vector Extension: %v\n", storage.VectorExtensionAvailable)
		fmt.Fprintf(w, "Schema Version: %s\n", storage.CurrentSchemaVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
