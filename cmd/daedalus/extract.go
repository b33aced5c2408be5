package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wehubfusion/Daedalus/internal/config"
)

// extractCmd runs a single extractor unit once, outside the orchestrator.
// Exit status 0 means the environment file was written; any read parse fault
// or write fault exits non-zero.
func extractCmd(configPath *string) *cobra.Command {
	var unitName string

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Run one extractor unit and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			uc, err := findExtractorUnit(a.cfg, unitName)
			if err != nil {
				return err
			}

			ex, err := a.buildExtractor(uc)
			if err != nil {
				return err
			}
			if err := ex.Run(ctx); err != nil {
				a.captureFatal(err)
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", ex.Output())
			return nil
		},
	}
	cmd.Flags().StringVarP(&unitName, "unit", "u", "", "extractor unit name (defaults to the only extractor)")
	return cmd
}

func findExtractorUnit(cfg *config.Config, name string) (*config.UnitConfig, error) {
	var found *config.UnitConfig
	for i := range cfg.Units {
		uc := &cfg.Units[i]
		if uc.Extractor == nil {
			continue
		}
		if name != "" {
			if uc.Name == name {
				return uc, nil
			}
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("multiple extractor units declared, pick one with --unit")
		}
		found = uc
	}

	if name != "" {
		return nil, fmt.Errorf("no extractor unit named %q", name)
	}
	if found == nil {
		return nil, fmt.Errorf("no extractor unit declared")
	}
	return found, nil
}
