package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/unit"
)

func newTestBoard(t *testing.T) *Board {
	t.Helper()
	return NewBoard([]string{"chain", "deployer", "parse"})
}

func TestBoardStartsAllPending(t *testing.T) {
	b := newTestBoard(t)

	obs, err := b.Get("chain")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, obs.Status)
}

func TestGetUnknownUnit(t *testing.T) {
	b := newTestBoard(t)

	_, err := b.Get("ghost")
	assert.ErrorIs(t, err, errors.ErrUnknownUnit)
}

func TestSetEnforcesTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []Status
		wantErr bool
	}{
		{name: "full lifecycle", path: []Status{StatusRunning, StatusCompleted}},
		{name: "start then fail", path: []Status{StatusRunning, StatusFailed}},
		{name: "fail before start", path: []Status{StatusFailed}},
		{name: "restart after failure", path: []Status{StatusRunning, StatusFailed, StatusPending, StatusRunning}},
		{name: "restart after success", path: []Status{StatusRunning, StatusCompleted, StatusPending}},
		{name: "skip running", path: []Status{StatusCompleted}, wantErr: true},
		{name: "complete twice", path: []Status{StatusRunning, StatusCompleted, StatusCompleted}, wantErr: true},
		{name: "back to running from completed", path: []Status{StatusRunning, StatusCompleted, StatusRunning}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBoard(t)

			var err error
			for _, st := range tt.path {
				err = b.Set("chain", st, 0)
				if err != nil {
					break
				}
			}

			if tt.wantErr {
				assert.ErrorContains(t, err, "disallowed gate transition")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWaitStartedSatisfiedByRunning(t *testing.T) {
	b := newTestBoard(t)

	done := make(chan error, 1)
	go func() {
		done <- b.Wait(context.Background(), "chain", unit.ConditionStarted, time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Set("chain", StatusRunning, 0))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after the unit started")
	}
}

func TestWaitStartedSatisfiedByAlreadyCompleted(t *testing.T) {
	b := newTestBoard(t)
	require.NoError(t, b.Set("deployer", StatusRunning, 0))
	require.NoError(t, b.Set("deployer", StatusCompleted, 0))

	err := b.Wait(context.Background(), "deployer", unit.ConditionStarted, time.Second)
	assert.NoError(t, err)
}

func TestWaitExitedZeroNotSatisfiedByRunning(t *testing.T) {
	b := newTestBoard(t)
	require.NoError(t, b.Set("deployer", StatusRunning, 0))

	err := b.Wait(context.Background(), "deployer", unit.ConditionExitedZero, 50*time.Millisecond)
	assert.ErrorIs(t, err, errors.ErrTimedOut)
}

func TestWaitExitedZeroSatisfiedByCompletion(t *testing.T) {
	b := newTestBoard(t)

	done := make(chan error, 1)
	go func() {
		done <- b.Wait(context.Background(), "deployer", unit.ConditionExitedZero, time.Second)
	}()

	require.NoError(t, b.Set("deployer", StatusRunning, 0))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Set("deployer", StatusCompleted, 0))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after the unit completed")
	}
}

func TestWaitFailsWhenUnitFails(t *testing.T) {
	b := newTestBoard(t)

	done := make(chan error, 1)
	go func() {
		done <- b.Wait(context.Background(), "deployer", unit.ConditionExitedZero, time.Second)
	}()

	require.NoError(t, b.Set("deployer", StatusRunning, 0))
	require.NoError(t, b.Set("deployer", StatusFailed, 3))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errors.ErrUnitFailed)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after the unit failed")
	}
}

func TestWaitTimesOut(t *testing.T) {
	b := newTestBoard(t)

	start := time.Now()
	err := b.Wait(context.Background(), "chain", unit.ConditionStarted, 50*time.Millisecond)
	assert.ErrorIs(t, err, errors.ErrTimedOut)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	b := newTestBoard(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- b.Wait(ctx, "chain", unit.ConditionStarted, 0)
	}()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after cancellation")
	}
}

func TestWaitUnknownUnit(t *testing.T) {
	b := newTestBoard(t)

	err := b.Wait(context.Background(), "ghost", unit.ConditionStarted, time.Second)
	assert.ErrorIs(t, err, errors.ErrUnknownUnit)
}

func TestWaitObservesRestartedUnit(t *testing.T) {
	b := newTestBoard(t)

	// First attempt fails, restart resets to pending, second attempt completes.
	require.NoError(t, b.Set("deployer", StatusRunning, 0))
	require.NoError(t, b.Set("deployer", StatusFailed, 1))
	require.NoError(t, b.Set("deployer", StatusPending, 0))

	done := make(chan error, 1)
	go func() {
		done <- b.Wait(context.Background(), "deployer", unit.ConditionExitedZero, time.Second)
	}()

	require.NoError(t, b.Set("deployer", StatusRunning, 0))
	require.NoError(t, b.Set("deployer", StatusCompleted, 0))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not observe the restarted unit")
	}
}
