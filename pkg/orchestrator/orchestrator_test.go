package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/runner"
	"github.com/wehubfusion/Daedalus/pkg/unit"
)

// completionLog records the order in which units finish.
type completionLog struct {
	mu    sync.Mutex
	order []string
}

func (l *completionLog) done(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = append(l.order, name)
}

func (l *completionLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

func taskUnit(name string, restart unit.RestartPolicy, deps ...unit.Dependency) unit.Unit {
	return unit.Unit{Name: name, Kind: unit.KindTask, Restart: restart, DependsOn: deps}
}

func exitedZero(name string) unit.Dependency {
	return unit.Dependency{Unit: name, Condition: unit.ConditionExitedZero}
}

func started(name string) unit.Dependency {
	return unit.Dependency{Unit: name, Condition: unit.ConditionStarted}
}

func TestNewValidation(t *testing.T) {
	ok := taskUnit("a", unit.RestartNever)

	t.Run("no units", func(t *testing.T) {
		_, err := New(Config{})
		assert.ErrorContains(t, err, "at least one unit")
	})

	t.Run("missing runner", func(t *testing.T) {
		_, err := New(Config{Units: []unit.Unit{ok}, Runners: map[string]runner.Runner{}})
		assert.ErrorContains(t, err, "no runner configured")
	})

	t.Run("cycle rejected before anything runs", func(t *testing.T) {
		invoked := int32(0)
		noop := runner.Func(func(ctx context.Context) error {
			atomic.AddInt32(&invoked, 1)
			return nil
		})
		_, err := New(Config{
			Units: []unit.Unit{
				taskUnit("a", unit.RestartNever, exitedZero("b")),
				taskUnit("b", unit.RestartNever, exitedZero("a")),
			},
			Runners: map[string]runner.Runner{"a": noop, "b": noop},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrCycleDetected)
		assert.Zero(t, atomic.LoadInt32(&invoked))
	})
}

func TestRunSequencesGatedChain(t *testing.T) {
	log := &completionLog{}
	mk := func(name string) runner.Runner {
		return runner.Func(func(ctx context.Context) error {
			log.done(name)
			return nil
		})
	}

	orc, err := New(Config{
		Units: []unit.Unit{
			taskUnit("rpc", unit.RestartNever, exitedZero("parse")),
			taskUnit("parse", unit.RestartNever, exitedZero("deployer")),
			taskUnit("deployer", unit.RestartNever, exitedZero("chain")),
			taskUnit("chain", unit.RestartNever),
		},
		Runners: map[string]runner.Runner{
			"chain": mk("chain"), "deployer": mk("deployer"),
			"parse": mk("parse"), "rpc": mk("rpc"),
		},
	})
	require.NoError(t, err)
	require.NoError(t, orc.Run(context.Background()))

	assert.Equal(t, []string{"chain", "deployer", "parse", "rpc"}, log.snapshot())
	for _, name := range []string{"chain", "deployer", "parse", "rpc"} {
		st, err := orc.State(name)
		require.NoError(t, err)
		assert.Equal(t, StateSucceeded, st, name)
	}
}

func TestStartedGateAdmitsDependentWhileServiceRuns(t *testing.T) {
	release := make(chan struct{})
	dependentRan := make(chan struct{})

	service := runner.Func(func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	dependent := runner.Func(func(ctx context.Context) error {
		close(dependentRan)
		close(release)
		return nil
	})

	orc, err := New(Config{
		Units: []unit.Unit{
			{Name: "chain", Kind: unit.KindService, Restart: unit.RestartNever},
			taskUnit("deployer", unit.RestartNever, started("chain")),
		},
		Runners: map[string]runner.Runner{"chain": service, "deployer": dependent},
	})
	require.NoError(t, err)
	require.NoError(t, orc.Run(context.Background()))

	select {
	case <-dependentRan:
	default:
		t.Fatal("dependent never ran")
	}

	// The service has exited by now, so the started gate of its dependent is
	// no longer satisfied.
	err = orc.Healthy()
	assert.ErrorContains(t, err, "chain")
}

func TestFailurePropagatesToDescendantsOnly(t *testing.T) {
	fail := runner.Func(func(ctx context.Context) error {
		return fmt.Errorf("%w: boom", errors.ErrUnitFailed)
	})
	succeed := runner.Func(func(ctx context.Context) error { return nil })

	orc, err := New(Config{
		Units: []unit.Unit{
			taskUnit("deployer", unit.RestartNever),
			taskUnit("parse", unit.RestartNever, exitedZero("deployer")),
			taskUnit("rpc", unit.RestartNever, exitedZero("parse")),
			taskUnit("indexer", unit.RestartNever),
		},
		Runners: map[string]runner.Runner{
			"deployer": fail, "parse": succeed, "rpc": succeed, "indexer": succeed,
		},
	})
	require.NoError(t, err)

	err = orc.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnitFailed)

	var coded *errors.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, "DEPLOYMENT_FAILED", coded.Code)
	assert.Contains(t, coded.Message, "deployer")

	want := map[string]UnitState{
		"deployer": StateFailed,
		"parse":    StateFailed,
		"rpc":      StateFailed,
		"indexer":  StateSucceeded,
	}
	for name, expected := range want {
		st, stateErr := orc.State(name)
		require.NoError(t, stateErr)
		assert.Equal(t, expected, st, name)
	}
}

func TestOnFailureRestartsUntilSuccess(t *testing.T) {
	var attempts int32
	flaky := runner.Func(func(ctx context.Context) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return fmt.Errorf("%w: transient", errors.ErrUnitFailed)
		}
		return nil
	})

	orc, err := New(Config{
		Units: []unit.Unit{
			{Name: "deployer", Kind: unit.KindTask, Restart: unit.RestartOnFailure},
		},
		Runners:     map[string]runner.Runner{"deployer": flaky},
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, orc.Run(context.Background()))

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	st, err := orc.State("deployer")
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, st)
}

func TestOnFailureStopsAtMaxAttempts(t *testing.T) {
	var attempts int32
	alwaysFail := runner.Func(func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return fmt.Errorf("%w: permanent", errors.ErrUnitFailed)
	})

	orc, err := New(Config{
		Units: []unit.Unit{
			{Name: "deployer", Kind: unit.KindTask, Restart: unit.RestartOnFailure, MaxAttempts: 2},
		},
		Runners:     map[string]runner.Runner{"deployer": alwaysFail},
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	})
	require.NoError(t, err)

	err = orc.Run(context.Background())
	assert.ErrorIs(t, err, errors.ErrUnitFailed)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestAlwaysRestartsAfterSuccessUpToMaxAttempts(t *testing.T) {
	var attempts int32
	counting := runner.Func(func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return nil
	})

	orc, err := New(Config{
		Units: []unit.Unit{
			{Name: "indexer", Kind: unit.KindService, Restart: unit.RestartAlways, MaxAttempts: 3},
		},
		Runners:     map[string]runner.Runner{"indexer": counting},
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, orc.Run(context.Background()))

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestGateTimeoutFailsDependent(t *testing.T) {
	slow := runner.Func(func(ctx context.Context) error {
		select {
		case <-time.After(300 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	succeed := runner.Func(func(ctx context.Context) error { return nil })

	orc, err := New(Config{
		Units: []unit.Unit{
			taskUnit("deployer", unit.RestartNever),
			taskUnit("parse", unit.RestartNever, exitedZero("deployer")),
		},
		Runners:     map[string]runner.Runner{"deployer": slow, "parse": succeed},
		GateTimeout: 30 * time.Millisecond,
	})
	require.NoError(t, err)

	err = orc.Run(context.Background())
	assert.ErrorIs(t, err, errors.ErrUnitFailed)

	parseState, stateErr := orc.State("parse")
	require.NoError(t, stateErr)
	assert.Equal(t, StateFailed, parseState)

	deployerState, stateErr := orc.State("deployer")
	require.NoError(t, stateErr)
	assert.Equal(t, StateSucceeded, deployerState)
}

func TestFailedDependentsDoNotRetryAgainstClosedGate(t *testing.T) {
	var downstreamAttempts int32
	fail := runner.Func(func(ctx context.Context) error {
		return fmt.Errorf("%w: boom", errors.ErrUnitFailed)
	})
	downstream := runner.Func(func(ctx context.Context) error {
		atomic.AddInt32(&downstreamAttempts, 1)
		return nil
	})

	orc, err := New(Config{
		Units: []unit.Unit{
			taskUnit("deployer", unit.RestartNever),
			// Even with an aggressive restart policy the dependent must not
			// loop once its upstream has permanently failed.
			{Name: "parse", Kind: unit.KindTask, Restart: unit.RestartOnFailure,
				DependsOn: []unit.Dependency{exitedZero("deployer")}},
		},
		Runners:     map[string]runner.Runner{"deployer": fail, "parse": downstream},
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	})
	require.NoError(t, err)

	err = orc.Run(context.Background())
	assert.ErrorIs(t, err, errors.ErrUnitFailed)
	assert.Zero(t, atomic.LoadInt32(&downstreamAttempts))
}

func TestRunStopsOnCancellation(t *testing.T) {
	running := make(chan struct{})
	service := runner.Func(func(ctx context.Context) error {
		close(running)
		<-ctx.Done()
		return ctx.Err()
	})

	orc, err := New(Config{
		Units:   []unit.Unit{{Name: "chain", Kind: unit.KindService, Restart: unit.RestartAlways}},
		Runners: map[string]runner.Runner{"chain": service},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orc.Run(ctx) }()

	select {
	case <-running:
	case <-time.After(time.Second):
		t.Fatal("service never started")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}

func TestMaxConcurrentStartsBoundsParallelism(t *testing.T) {
	var active, peak int32
	mk := func() runner.Runner {
		return runner.Func(func(ctx context.Context) error {
			cur := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return nil
		})
	}

	units := make([]unit.Unit, 0, 6)
	runners := make(map[string]runner.Runner, 6)
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("task-%d", i)
		units = append(units, taskUnit(name, unit.RestartNever))
		runners[name] = mk()
	}

	orc, err := New(Config{
		Units:               units,
		Runners:             runners,
		MaxConcurrentStarts: 2,
	})
	require.NoError(t, err)
	require.NoError(t, orc.Run(context.Background()))

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestUnitWithoutRestartPolicyRunsOnce(t *testing.T) {
	var attempts int32
	failing := runner.Func(func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return fmt.Errorf("%w: boom", errors.ErrUnitFailed)
	})

	// A unit declared without a restart policy behaves like restart: never.
	orc, err := New(Config{
		Units:       []unit.Unit{{Name: "parse-deployments", Kind: unit.KindTask}},
		Runners:     map[string]runner.Runner{"parse-deployments": failing},
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	})
	require.NoError(t, err)

	err = orc.Run(context.Background())
	assert.ErrorIs(t, err, errors.ErrUnitFailed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestStateUnknownUnit(t *testing.T) {
	orc, err := New(Config{
		Units:   []unit.Unit{taskUnit("a", unit.RestartNever)},
		Runners: map[string]runner.Runner{"a": runner.Func(func(ctx context.Context) error { return nil })},
	})
	require.NoError(t, err)

	_, err = orc.State("ghost")
	assert.ErrorIs(t, err, errors.ErrUnknownUnit)
}

func TestRunIDIsStable(t *testing.T) {
	orc, err := New(Config{
		Units:   []unit.Unit{taskUnit("a", unit.RestartNever)},
		Runners: map[string]runner.Runner{"a": runner.Func(func(ctx context.Context) error { return nil })},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, orc.RunID())
	assert.Equal(t, orc.RunID(), orc.RunID())
}
