// Package unit defines the deployment unit data model: one schedulable piece
// of work in the deployment graph, either a long-running service or a
// run-to-completion task. Units are created at configuration load time and
// are immutable afterwards.
package unit

import (
	"fmt"
	"time"
)

// Kind distinguishes long-running services from run-to-completion tasks.
type Kind string

const (
	// KindService is a long-running process. Dependents typically gate on
	// the started condition.
	KindService Kind = "service"

	// KindTask is a run-to-completion process. Dependents typically gate on
	// the exited-zero condition.
	KindTask Kind = "task"
)

// Condition is the completion state of an upstream unit a dependent waits for.
// These are the only two synchronization primitives offered to dependents.
type Condition string

const (
	// ConditionStarted is satisfied as soon as the upstream unit leaves the
	// pending state (process spawned and, if configured, accepting
	// connections).
	ConditionStarted Condition = "started"

	// ConditionExitedZero is satisfied only when the upstream unit completes
	// with a zero exit status.
	ConditionExitedZero Condition = "exited-zero"
)

// RestartPolicy controls whether a unit re-enters pending after reaching a
// terminal state.
type RestartPolicy string

const (
	// RestartNever leaves the unit in its terminal state.
	RestartNever RestartPolicy = "never"

	// RestartOnFailure re-enters pending after a failure, with backoff,
	// until success or the configured attempt limit.
	RestartOnFailure RestartPolicy = "on-failure"

	// RestartAlways re-enters pending after both success and failure. Used
	// for long-running services.
	RestartAlways RestartPolicy = "always"
)

// Dependency names an upstream unit and the completion condition required
// before the dependent may start.
type Dependency struct {
	Unit      string
	Condition Condition
}

// Unit describes one schedulable unit of the deployment graph.
type Unit struct {
	// Name uniquely identifies the unit within a deployment.
	Name string

	// Kind is service or task.
	Kind Kind

	// Restart is the restart policy applied after a terminal state. The
	// empty value is equivalent to RestartNever.
	Restart RestartPolicy

	// MaxAttempts bounds on-failure restarts. Zero means unlimited.
	MaxAttempts int

	// DependsOn lists the upstream gates that must be satisfied before the
	// unit starts. Order is preserved from configuration.
	DependsOn []Dependency

	// Command is the process argv for process-backed units. Empty for units
	// backed by an in-process runner (e.g. the extractor).
	Command []string

	// Env holds additional environment variables for process-backed units.
	Env map[string]string

	// EnvFile is an optional artifact path whose KEY=VALUE lines are loaded
	// into the process environment before start.
	EnvFile string

	// ReadyPort is an optional TCP port probed before the unit is
	// considered started. Zero disables the probe.
	ReadyPort int

	// GracePeriod is how long a running process is given to exit after a
	// termination signal before it is killed.
	GracePeriod time.Duration
}

// Validate checks the unit declaration for internal consistency.
func (u Unit) Validate() error {
	if u.Name == "" {
		return fmt.Errorf("unit name cannot be empty")
	}
	switch u.Kind {
	case KindService, KindTask:
	default:
		return fmt.Errorf("unit %q: invalid kind %q", u.Name, u.Kind)
	}
	switch u.Restart {
	case "", RestartNever, RestartOnFailure, RestartAlways:
	default:
		return fmt.Errorf("unit %q: invalid restart policy %q", u.Name, u.Restart)
	}
	if u.MaxAttempts < 0 {
		return fmt.Errorf("unit %q: max attempts cannot be negative", u.Name)
	}
	for _, dep := range u.DependsOn {
		if dep.Unit == "" {
			return fmt.Errorf("unit %q: dependency with empty unit name", u.Name)
		}
		if dep.Unit == u.Name {
			return fmt.Errorf("unit %q: depends on itself", u.Name)
		}
		switch dep.Condition {
		case ConditionStarted, ConditionExitedZero:
		default:
			return fmt.Errorf("unit %q: invalid condition %q for dependency %q", u.Name, dep.Condition, dep.Unit)
		}
	}
	if u.ReadyPort < 0 || u.ReadyPort > 65535 {
		return fmt.Errorf("unit %q: invalid ready port %d", u.Name, u.ReadyPort)
	}
	return nil
}
