// Package orchestrator sequences a directed acyclic graph of deployment
// units. Each unit declares the upstream gates it waits on; the orchestrator
// starts units whose gates are satisfied, records completions on the gate
// board, re-evaluates dependents, and applies per-unit restart policies with
// bounded exponential backoff.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/gate"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/runner"
	"github.com/wehubfusion/Daedalus/pkg/unit"
)

// UnitState is the orchestrator-side lifecycle state of a unit.
type UnitState string

const (
	StatePending   UnitState = "pending"
	StateWaiting   UnitState = "waiting"
	StateRunning   UnitState = "running"
	StateSucceeded UnitState = "succeeded"
	StateFailed    UnitState = "failed"
)

const (
	defaultGateTimeout = 5 * time.Minute
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second
)

// Config configures a deployment run.
type Config struct {
	// Units are the declared units of the deployment graph.
	Units []unit.Unit

	// Runners maps each unit name to its runner.
	Runners map[string]runner.Runner

	// Logger is the zap logger. Defaults to a no-op logger.
	Logger *zap.Logger

	// Publisher receives unit lifecycle events. Defaults to a no-op.
	Publisher events.Publisher

	// GateTimeout bounds each individual gate wait. Zero means the default
	// of five minutes; a negative value disables the bound.
	GateTimeout time.Duration

	// BackoffBase and BackoffMax shape the restart backoff: the delay
	// starts at base, doubles per consecutive failure and is capped at max.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// MaxConcurrentStarts bounds how many units run at once. Zero means
	// unlimited.
	MaxConcurrentStarts int
}

// transition is a unit lifecycle notification consumed by the decision loop.
type transition struct {
	name     string
	to       UnitState
	err      error
	exitCode int
}

// Orchestrator owns all unit and gate state for the lifetime of one
// deployment run. The decision loop is single-threaded; unit goroutines
// communicate with it only through the transitions channel, so graph
// re-evaluation is naturally reentrant and idempotent.
type Orchestrator struct {
	units     map[string]unit.Unit
	order     []string
	graph     *graph.Graph
	board     *gate.Board
	runners   map[string]runner.Runner
	logger    *zap.Logger
	publisher events.Publisher
	tracer    trace.Tracer
	limiter   *concurrency.Limiter
	runID     string

	gateTimeout time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration

	mu              sync.Mutex
	states          map[string]UnitState
	attempts        map[string]int
	backoff         map[string]time.Duration
	permanent       map[string]bool
	pendingRestarts int

	transitions chan transition
	stop        chan struct{}
	wg          sync.WaitGroup
}

// New validates the configuration, builds the dependency graph (a cycle is a
// fatal configuration error detected here, before any unit starts) and
// returns an orchestrator ready for a single Run.
func New(cfg Config) (*Orchestrator, error) {
	if len(cfg.Units) == 0 {
		return nil, fmt.Errorf("at least one unit is required")
	}

	g, err := graph.New(cfg.Units)
	if err != nil {
		return nil, err
	}

	units := make(map[string]unit.Unit, len(cfg.Units))
	names := make([]string, len(cfg.Units))
	for i, u := range cfg.Units {
		units[u.Name] = u
		names[i] = u.Name
	}

	for name := range units {
		if _, ok := cfg.Runners[name]; !ok {
			return nil, fmt.Errorf("no runner configured for unit %q", name)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.Noop{}
	}

	gateTimeout := cfg.GateTimeout
	if gateTimeout == 0 {
		gateTimeout = defaultGateTimeout
	} else if gateTimeout < 0 {
		gateTimeout = 0
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}
	backoffMax := cfg.BackoffMax
	if backoffMax <= 0 {
		backoffMax = defaultBackoffMax
	}

	var limiter *concurrency.Limiter
	if cfg.MaxConcurrentStarts > 0 {
		limiter = concurrency.NewLimiter(cfg.MaxConcurrentStarts)
	}

	states := make(map[string]UnitState, len(units))
	for name := range units {
		states[name] = StatePending
	}

	return &Orchestrator{
		units:       units,
		order:       g.TopoOrder(),
		graph:       g,
		board:       gate.NewBoard(names),
		runners:     cfg.Runners,
		logger:      logger,
		publisher:   publisher,
		tracer:      otel.Tracer("daedalus/orchestrator"),
		limiter:     limiter,
		runID:       uuid.NewString(),
		gateTimeout: gateTimeout,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
		states:      states,
		attempts:    make(map[string]int, len(units)),
		backoff:     make(map[string]time.Duration, len(units)),
		permanent:   make(map[string]bool, len(units)),
		transitions: make(chan transition),
		stop:        make(chan struct{}),
	}, nil
}

// RunID returns the identifier stamped on every event of this run.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// State returns the current lifecycle state of the named unit.
func (o *Orchestrator) State(name string) (UnitState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.states[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", errors.ErrUnknownUnit, name)
	}
	return st, nil
}

// Run executes the deployment until every unit is terminal with no restarts
// scheduled, or the context is cancelled. Cancellation propagates to all
// running units, each given its grace period to exit. Run may be called at
// most once.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("Starting deployment",
		zap.String("run_id", o.runID),
		zap.Int("units", len(o.units)),
		zap.Strings("order", o.order))

	o.mu.Lock()
	for _, name := range o.order {
		o.launchLocked(ctx, name)
	}
	o.mu.Unlock()

	for {
		select {
		case tr := <-o.transitions:
			o.apply(ctx, tr)
			if o.finished() {
				return o.finish()
			}

		case <-ctx.Done():
			o.logger.Info("Shutting down deployment",
				zap.String("run_id", o.runID))
			o.shutdown()
			return ctx.Err()
		}
	}
}

// finish closes out a run in which every unit reached a terminal state.
func (o *Orchestrator) finish() error {
	close(o.stop)
	o.wg.Wait()

	failed := o.failedUnits()
	if len(failed) > 0 {
		o.logger.Error("Deployment finished with failures",
			zap.String("run_id", o.runID),
			zap.Strings("failed", failed))
		return errors.NewError("DEPLOYMENT_FAILED",
			fmt.Sprintf("%d unit(s) failed: %s", len(failed), strings.Join(failed, ", ")),
			errors.ErrUnitFailed)
	}

	o.logger.Info("Deployment finished",
		zap.String("run_id", o.runID))
	return nil
}

// shutdown waits for unit goroutines to observe cancellation, draining any
// in-flight transitions so none of them block.
func (o *Orchestrator) shutdown() {
	close(o.stop)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-o.transitions:
		case <-done:
			return
		}
	}
}

// launchLocked moves a pending unit to waiting and starts its goroutine.
// Callers hold o.mu.
func (o *Orchestrator) launchLocked(ctx context.Context, name string) {
	if o.states[name] != StatePending {
		return
	}
	o.states[name] = StateWaiting
	o.attempts[name]++
	attempt := o.attempts[name]

	o.wg.Add(1)
	go o.runUnit(ctx, name, attempt)
}

// runUnit executes one attempt of a unit: wait on every declared gate, run
// the runner, record the outcome on the board, notify the decision loop.
func (o *Orchestrator) runUnit(ctx context.Context, name string, attempt int) {
	defer o.wg.Done()

	u := o.units[name]

	ctx, span := o.tracer.Start(ctx, "orchestrator.runUnit",
		trace.WithAttributes(
			attribute.String("run.id", o.runID),
			attribute.String("unit.name", name),
			attribute.String("unit.kind", string(u.Kind)),
			attribute.Int("unit.attempt", attempt),
		))
	defer span.End()

	for _, dep := range u.DependsOn {
		if err := o.board.Wait(ctx, dep.Unit, dep.Condition, o.gateTimeout); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.logger.Warn("Gate wait failed",
				zap.String("unit", name),
				zap.String("gate", dep.Unit),
				zap.String("condition", string(dep.Condition)),
				zap.Error(err))
			o.recordFailure(ctx, name, attempt, err)
			return
		}
	}

	if o.limiter != nil {
		if err := o.limiter.Acquire(ctx); err != nil {
			span.SetStatus(codes.Error, "cancelled before start")
			o.recordFailure(ctx, name, attempt, err)
			return
		}
		defer o.limiter.Release()
	}

	o.send(transition{name: name, to: StateRunning})

	started := func() {
		if err := o.board.Set(name, gate.StatusRunning, 0); err != nil {
			o.logger.Error("Failed to record started state",
				zap.String("unit", name),
				zap.Error(err))
			return
		}
		o.publisher.UnitTransition(ctx, events.UnitEvent{
			RunID:   o.runID,
			Unit:    name,
			Status:  string(gate.StatusRunning),
			Attempt: attempt,
			At:      time.Now().UTC(),
		})
		o.logger.Info("Unit started",
			zap.String("unit", name),
			zap.Int("attempt", attempt))
	}

	start := time.Now()
	err := o.runners[name].Run(ctx, started)
	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int64("unit.duration_ms", elapsed.Milliseconds()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("Unit failed",
			zap.String("unit", name),
			zap.Int("attempt", attempt),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		o.recordFailure(ctx, name, attempt, err)
		return
	}

	span.SetStatus(codes.Ok, "unit completed")
	o.logger.Info("Unit completed",
		zap.String("unit", name),
		zap.Int("attempt", attempt),
		zap.Duration("elapsed", elapsed))

	// A unit can exit zero before its readiness probe ever fires; pass the
	// gate through running so the completed transition is valid.
	if obs, getErr := o.board.Get(name); getErr == nil && obs.Status == gate.StatusPending {
		if setErr := o.board.Set(name, gate.StatusRunning, 0); setErr != nil {
			o.logger.Error("Failed to record started state",
				zap.String("unit", name),
				zap.Error(setErr))
		}
	}
	if setErr := o.board.Set(name, gate.StatusCompleted, 0); setErr != nil {
		o.logger.Error("Failed to record completed state",
			zap.String("unit", name),
			zap.Error(setErr))
	}
	o.publisher.UnitTransition(ctx, events.UnitEvent{
		RunID:   o.runID,
		Unit:    name,
		Status:  string(gate.StatusCompleted),
		Attempt: attempt,
		At:      time.Now().UTC(),
	})
	o.send(transition{name: name, to: StateSucceeded})
}

// recordFailure marks the unit failed on the board and notifies the loop.
func (o *Orchestrator) recordFailure(ctx context.Context, name string, attempt int, err error) {
	code := runner.ExitCode(err)
	if setErr := o.board.Set(name, gate.StatusFailed, code); setErr != nil {
		o.logger.Error("Failed to record failed state",
			zap.String("unit", name),
			zap.Error(setErr))
	}
	o.publisher.UnitTransition(ctx, events.UnitEvent{
		RunID:    o.runID,
		Unit:     name,
		Status:   string(gate.StatusFailed),
		ExitCode: code,
		Attempt:  attempt,
		Error:    err.Error(),
		At:       time.Now().UTC(),
	})
	o.send(transition{name: name, to: StateFailed, err: err, exitCode: code})
}

// send delivers a transition to the decision loop unless the run is over.
func (o *Orchestrator) send(tr transition) {
	select {
	case o.transitions <- tr:
	case <-o.stop:
	}
}
