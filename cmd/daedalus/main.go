// Command daedalus runs a declared deployment: a DAG of service and task
// units gated on each other's completion conditions, with artifact handoff
// through an environment file extractor.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "daedalus",
		Short:         "Deployment unit orchestrator with dependency gating and artifact handoff",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "daedalus.yaml", "deployment file")

	rootCmd.AddCommand(upCmd(&configPath))
	rootCmd.AddCommand(validateCmd(&configPath))
	rootCmd.AddCommand(extractCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
