package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/gate"
	"github.com/wehubfusion/Daedalus/pkg/unit"
)

// apply folds one unit transition into the run state. It is called only from
// the decision loop, so all graph re-evaluation is single-threaded.
func (o *Orchestrator) apply(ctx context.Context, tr transition) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch tr.to {
	case StateRunning:
		o.states[tr.name] = StateRunning

	case StateSucceeded:
		o.states[tr.name] = StateSucceeded
		o.backoff[tr.name] = 0

		if o.units[tr.name].Restart == unit.RestartAlways && o.retryableLocked(tr.name) {
			o.scheduleRestartLocked(tr.name)
		}

	case StateFailed:
		o.states[tr.name] = StateFailed

		u := o.units[tr.name]
		canRetry := (u.Restart == unit.RestartOnFailure || u.Restart == unit.RestartAlways) &&
			!o.permanent[tr.name] &&
			o.retryableLocked(tr.name)

		if canRetry {
			o.scheduleRestartLocked(tr.name)
			return
		}

		o.logger.Error("Unit permanently failed",
			zap.String("unit", tr.name),
			zap.Int("exit_code", tr.exitCode),
			zap.Int("attempts", o.attempts[tr.name]),
			zap.Error(tr.err))
		o.permanent[tr.name] = true
		o.propagateFailureLocked(tr.name)

	case StatePending:
		// A scheduled restart fired.
		o.pendingRestarts--

		if o.permanent[tr.name] {
			o.states[tr.name] = StateFailed
			return
		}

		if err := o.board.Set(tr.name, gate.StatusPending, 0); err != nil {
			o.logger.Error("Failed to reset gate state for restart",
				zap.String("unit", tr.name),
				zap.Error(err))
			o.states[tr.name] = StateFailed
			o.permanent[tr.name] = true
			o.propagateFailureLocked(tr.name)
			return
		}

		o.states[tr.name] = StatePending
		o.launchLocked(ctx, tr.name)
	}
}

// retryableLocked reports whether the unit has attempts left. Callers hold
// o.mu.
func (o *Orchestrator) retryableLocked(name string) bool {
	limit := o.units[name].MaxAttempts
	return limit == 0 || o.attempts[name] < limit
}

// scheduleRestartLocked arranges a delayed re-launch with bounded exponential
// backoff: the delay starts at the base, doubles per consecutive restart and
// is capped at the max. A success resets the delay. Callers hold o.mu.
func (o *Orchestrator) scheduleRestartLocked(name string) {
	delay := o.backoff[name]
	if delay <= 0 {
		delay = o.backoffBase
	} else {
		delay *= 2
		if delay > o.backoffMax {
			delay = o.backoffMax
		}
	}
	o.backoff[name] = delay
	o.pendingRestarts++

	o.logger.Info("Scheduling restart",
		zap.String("unit", name),
		zap.Duration("delay", delay),
		zap.Int("attempt", o.attempts[name]))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		select {
		case <-time.After(delay):
			o.send(transition{name: name, to: StatePending})
		case <-o.stop:
		}
	}()
}

// propagateFailureLocked marks every transitive dependent of a permanently
// failed unit as non-retryable. Dependents blocked on a gate fail on their
// own once the failed observation reaches them; this only prevents their
// restart policies from looping against a gate that can never open again.
// Callers hold o.mu.
func (o *Orchestrator) propagateFailureLocked(name string) {
	descendants := o.graph.Descendants(name)
	if len(descendants) == 0 {
		return
	}

	o.logger.Warn("Propagating failure to dependents",
		zap.String("unit", name),
		zap.Strings("dependents", descendants))

	for _, desc := range descendants {
		o.permanent[desc] = true
		if o.states[desc] == StatePending {
			o.states[desc] = StateFailed
		}
	}
}

// finished reports whether every unit is terminal with no restart scheduled.
func (o *Orchestrator) finished() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.pendingRestarts > 0 {
		return false
	}
	for _, st := range o.states {
		if st == StateWaiting || st == StateRunning {
			return false
		}
	}
	return true
}

// failedUnits returns the sorted names of units in the failed state.
func (o *Orchestrator) failedUnits() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var failed []string
	for name, st := range o.states {
		if st == StateFailed {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	return failed
}

// Healthy checks that every running or succeeded unit still has all of its
// declared gates satisfied. A started gate on a service requires the upstream
// service to be running right now; on a task it accepts a completed run. An
// exited-zero gate requires the upstream unit to have succeeded. The first
// violated edge is returned as an error.
func (o *Orchestrator) Healthy() error {
	o.mu.Lock()
	states := make(map[string]UnitState, len(o.states))
	for name, st := range o.states {
		states[name] = st
	}
	o.mu.Unlock()

	for _, name := range o.order {
		if states[name] != StateRunning && states[name] != StateSucceeded {
			continue
		}

		for _, dep := range o.units[name].DependsOn {
			obs, err := o.board.Get(dep.Unit)
			if err != nil {
				return err
			}
			if edgeSatisfied(dep, o.units[dep.Unit].Kind, obs) {
				continue
			}
			return fmt.Errorf("unit %q requires %q to be %s, observed %s",
				name, dep.Unit, dep.Condition, obs.Status)
		}
	}
	return nil
}

func edgeSatisfied(dep unit.Dependency, kind unit.Kind, obs gate.Observation) bool {
	switch dep.Condition {
	case unit.ConditionStarted:
		if kind == unit.KindService {
			return obs.Status == gate.StatusRunning
		}
		return obs.Status == gate.StatusRunning || obs.Status == gate.StatusCompleted
	case unit.ConditionExitedZero:
		return obs.Status == gate.StatusCompleted
	default:
		return false
	}
}
