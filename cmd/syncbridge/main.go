// Command syncbridge runs the sync server and a small set of operator
// subcommands (key rotation, one-off adapter connection tests), with a
// cobra root command and a shared --config persistent flag.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "syncbridge:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "syncbridge",
		Short: "Syncs discussion threads into tracked tasks",
		Long: `syncbridge ingests webhook events from chat and design-review sources,
builds a thread out of each discussion, optionally analyzes it with an LLM,
and creates a task in the configured task database.`,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (optional; env vars and defaults otherwise)")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newRotateKeyCommand(&configPath))
	root.AddCommand(newTestAdapterCommand(&configPath))
	return root
}
