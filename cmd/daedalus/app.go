package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	natsgo "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/internal/config"
	"github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/extract"
	"github.com/wehubfusion/Daedalus/pkg/runner"
	"github.com/wehubfusion/Daedalus/pkg/store"
)

// app holds the wired dependencies shared by the subcommands: config, logger,
// artifact store, event publisher and trace exporter.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	store     store.Store
	publisher events.Publisher

	natsConn        *natsgo.Conn
	tracingShutdown func(context.Context) error
	sentryEnabled   bool
}

// newApp loads the deployment file and wires every configured dependency.
// Optional transports (NATS, OTLP, Sentry) are skipped when not configured.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, publisher: events.Noop{}}

	if err := a.wireStore(); err != nil {
		a.close(ctx)
		return nil, err
	}

	if cfg.Events.NATSURL != "" {
		conn, err := nats.Connect(ctx, nats.DefaultConnectionConfig(cfg.Events.NATSURL), logger)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		a.natsConn = conn

		pub, err := events.NewNATSPublisher(conn, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		a.publisher = pub
	}

	if cfg.Tracing.Enabled {
		tcfg := tracing.DefaultConfig("daedalus")
		if cfg.Tracing.OTLPEndpoint != "" {
			tcfg.OTLPEndpoint = cfg.Tracing.OTLPEndpoint
		}
		tcfg.SampleRatio = cfg.Tracing.SampleRatio

		shutdown, err := tracing.Setup(ctx, tcfg, logger)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		a.tracingShutdown = shutdown
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
			logger.Warn("Failed to initialize Sentry, continuing without it",
				zap.Error(err))
		} else {
			a.sentryEnabled = true
		}
	}

	return a, nil
}

func (a *app) wireStore() error {
	if a.cfg.Store.AzureConnectionString != "" {
		st, err := store.NewBlobStore(a.cfg.Store.AzureConnectionString, a.cfg.Store.AzureContainer, a.logger)
		if err != nil {
			return err
		}
		a.store = st
		return nil
	}

	root := a.cfg.Store.Root
	if root == "" {
		root = "."
	}
	st, err := store.NewFileStore(root, a.logger)
	if err != nil {
		return err
	}
	a.store = st
	return nil
}

// buildRunners maps every declared unit to its runner: an in-process
// extractor for units with an extractor block, a process runner otherwise.
func (a *app) buildRunners() (map[string]runner.Runner, error) {
	specs, err := a.cfg.UnitSpecs()
	if err != nil {
		return nil, err
	}

	runners := make(map[string]runner.Runner, len(a.cfg.Units))
	for i := range a.cfg.Units {
		uc := &a.cfg.Units[i]

		if uc.Extractor != nil {
			ex, err := a.buildExtractor(uc)
			if err != nil {
				return nil, err
			}
			runners[uc.Name] = runner.Func(ex.Run)
			continue
		}

		proc, err := runner.NewProcess(specs[i], a.store, a.logger)
		if err != nil {
			return nil, err
		}
		runners[uc.Name] = proc
	}
	return runners, nil
}

func (a *app) buildExtractor(uc *config.UnitConfig) (*extract.Extractor, error) {
	mappings := make([]extract.Mapping, len(uc.Extractor.Mappings))
	for i, m := range uc.Extractor.Mappings {
		mappings[i] = extract.Mapping{
			Key:       m.Key,
			Document:  m.Document,
			FieldPath: m.Field,
			Transform: m.Transform,
		}
	}
	return extract.NewExtractor(a.store, uc.Extractor.Output, mappings, a.logger)
}

// captureFatal reports a fatal deployment error to Sentry when configured.
func (a *app) captureFatal(err error) {
	if !a.sentryEnabled {
		return
	}
	sentry.CaptureException(err)
	sentry.Flush(2 * time.Second)
}

// close releases transports in reverse wiring order.
func (a *app) close(ctx context.Context) {
	if a.tracingShutdown != nil {
		_ = tracing.Shutdown(a.tracingShutdown, a.logger)
	}
	if a.natsConn != nil {
		if err := nats.Close(a.natsConn); err != nil {
			a.logger.Warn("Failed to drain NATS connection", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
