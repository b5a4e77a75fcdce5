// Command toralectl runs and administers the Torale scheduled task
// execution engine: the serve daemon, database migrations, and ad-hoc
// task management.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "toralectl",
		Short: "Torale scheduled task execution engine",
	}
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (default: $TORALE_CONFIG or ./torale.yaml)")
	cmd.AddCommand(serveCmd())
	cmd.AddCommand(migrateCmd())
	cmd.AddCommand(taskCmd())
	return cmd
}

func resolveConfigPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	if v := os.Getenv("TORALE_CONFIG"); v != "" {
		return v
	}
	return "torale.yaml"
}
