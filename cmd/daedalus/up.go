package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/orchestrator"
)

// upCmd runs the deployment until every unit is terminal or a signal arrives.
func upCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Run the deployment until completion or signal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			units, err := a.cfg.UnitSpecs()
			if err != nil {
				return err
			}
			runners, err := a.buildRunners()
			if err != nil {
				return err
			}

			orc, err := orchestrator.New(orchestrator.Config{
				Units:               units,
				Runners:             runners,
				Logger:              a.logger,
				Publisher:           a.publisher,
				GateTimeout:         a.cfg.Orchestrator.GateTimeout.Std(),
				BackoffBase:         a.cfg.Orchestrator.BackoffBase.Std(),
				BackoffMax:          a.cfg.Orchestrator.BackoffMax.Std(),
				MaxConcurrentStarts: a.cfg.Orchestrator.MaxConcurrentStarts,
			})
			if err != nil {
				return err
			}

			if err := orc.Run(ctx); err != nil {
				// A signal-driven shutdown is a clean exit.
				if errors.Is(err, context.Canceled) {
					a.logger.Info("Deployment stopped by signal",
						zap.String("run_id", orc.RunID()))
					return nil
				}
				a.captureFatal(err)
				return err
			}
			return nil
		},
	}
}
