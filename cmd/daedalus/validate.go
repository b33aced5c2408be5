package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wehubfusion/Daedalus/internal/config"
	"github.com/wehubfusion/Daedalus/pkg/graph"
)

// validateCmd loads the deployment file and reports configuration errors,
// including dependency cycles, without running anything.
func validateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the deployment file without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			units, err := cfg.UnitSpecs()
			if err != nil {
				return err
			}
			g, err := graph.New(units)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d unit(s), start order:\n", *configPath, g.Len())
			for i, name := range g.TopoOrder() {
				fmt.Fprintf(cmd.OutOrStdout(), "  %d. %s\n", i+1, name)
			}
			return nil
		},
	}
}
