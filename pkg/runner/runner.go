// Package runner executes deployment units: long-running service processes,
// run-to-completion task processes, and in-process units such as the
// artifact extractor.
package runner

import "context"

// Runner runs one unit attempt. Implementations invoke started exactly once
// when the unit is considered started (for services with a readiness probe,
// once the probe passes). Run returns nil only when the unit exited zero;
// any other outcome is an error.
type Runner interface {
	Run(ctx context.Context, started func()) error
}

// Func adapts an in-process function into a Runner. The function is
// considered started as soon as it is invoked.
type Func func(ctx context.Context) error

// Run implements Runner.
func (f Func) Run(ctx context.Context, started func()) error {
	started()
	return f(ctx)
}
