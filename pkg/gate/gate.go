// Package gate tracks the observed completion state of every unit and lets
// dependents block until an upstream unit reaches a required condition.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/unit"
)

// Status is the observed gate state of a unit.
type Status string

const (
	// StatusPending means the unit has not started yet.
	StatusPending Status = "pending"

	// StatusRunning means the unit has started (and, for services with a
	// readiness probe, is accepting connections).
	StatusRunning Status = "running"

	// StatusCompleted means the unit exited with a zero status.
	StatusCompleted Status = "completed"

	// StatusFailed means the unit exited non-zero or failed to start.
	StatusFailed Status = "failed"
)

// Observation is one recorded gate state with the exit status, when known.
type Observation struct {
	Status   Status
	ExitCode int
}

// Board holds the gate state of every unit in a deployment and broadcasts
// transitions to waiting dependents. The orchestrator is the only writer;
// unit goroutines only read and wait.
type Board struct {
	mu      sync.Mutex
	states  map[string]Observation
	changed chan struct{}
}

// NewBoard creates a board with every named unit in the pending state.
func NewBoard(names []string) *Board {
	states := make(map[string]Observation, len(names))
	for _, name := range names {
		states[name] = Observation{Status: StatusPending}
	}
	return &Board{
		states:  states,
		changed: make(chan struct{}),
	}
}

// Get returns the current observation for the named unit.
func (b *Board) Get(name string) (Observation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	obs, ok := b.states[name]
	if !ok {
		return Observation{}, fmt.Errorf("%w: %s", errors.ErrUnknownUnit, name)
	}
	return obs, nil
}

// Set records a transition for the named unit and wakes every waiter.
// Re-entry into pending is allowed from the terminal states so restart
// policies can re-attempt a unit.
func (b *Board) Set(name string, status Status, exitCode int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.states[name]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrUnknownUnit, name)
	}
	if !allowedTransition(cur.Status, status) {
		return fmt.Errorf("disallowed gate transition for %q: %s -> %s", name, cur.Status, status)
	}

	b.states[name] = Observation{Status: status, ExitCode: exitCode}

	// Broadcast by closing the generation channel; waiters re-check state
	// and pick up the next generation.
	close(b.changed)
	b.changed = make(chan struct{})

	return nil
}

func allowedTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	case StatusCompleted, StatusFailed:
		return to == StatusPending
	default:
		return false
	}
}

// Wait blocks until the named unit satisfies the required condition.
//
// ConditionStarted is satisfied as soon as the unit leaves pending for
// running (or has already completed). ConditionExitedZero is satisfied only
// on a completed observation. A transition to failed immediately and
// permanently fails the wait for this attempt; only the upstream unit's own
// restart policy can produce a later successful attempt, at which point the
// dependent's retry observes the fresh state.
//
// A timeout of zero means no bound. On expiry Wait returns an error wrapping
// errors.ErrTimedOut; the caller decides whether to abort or keep waiting.
func (b *Board) Wait(ctx context.Context, name string, cond unit.Condition, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		b.mu.Lock()
		obs, ok := b.states[name]
		changed := b.changed
		b.mu.Unlock()

		if !ok {
			return fmt.Errorf("%w: %s", errors.ErrUnknownUnit, name)
		}

		switch {
		case obs.Status == StatusFailed:
			return fmt.Errorf("%w: waiting on %q (%s)", errors.ErrUnitFailed, name, cond)
		case cond == unit.ConditionStarted && (obs.Status == StatusRunning || obs.Status == StatusCompleted):
			return nil
		case cond == unit.ConditionExitedZero && obs.Status == StatusCompleted:
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-expired:
			return fmt.Errorf("%w: waiting on %q (%s) after %s", errors.ErrTimedOut, name, cond, timeout)
		case <-changed:
			// Re-evaluate against the new state.
		}
	}
}
