package runner

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/extract"
	"github.com/wehubfusion/Daedalus/pkg/store"
	"github.com/wehubfusion/Daedalus/pkg/unit"
)

const (
	defaultGracePeriod = 10 * time.Second
	probeInterval      = 250 * time.Millisecond
	probeDialTimeout   = time.Second
)

// Process runs a unit as an operating-system process. On cancellation the
// process receives SIGTERM and is killed after the grace period.
type Process struct {
	name   string
	spec   unit.Unit
	store  store.Store
	logger *zap.Logger
}

// NewProcess creates a process runner for the given unit declaration. The
// store is required only when the unit loads an environment file artifact.
func NewProcess(u unit.Unit, st store.Store, logger *zap.Logger) (*Process, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	if len(u.Command) == 0 {
		return nil, fmt.Errorf("unit %q: command cannot be empty", u.Name)
	}
	if u.EnvFile != "" && st == nil {
		return nil, fmt.Errorf("unit %q: env file %q requires a store", u.Name, u.EnvFile)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Process{name: u.Name, spec: u, store: st, logger: logger}, nil
}

// Run starts the process and blocks until it exits or the context is
// cancelled. started fires after the process is spawned and, when a ready
// port is configured, after the port accepts a connection.
func (p *Process) Run(ctx context.Context, started func()) error {
	env, err := p.buildEnv(ctx)
	if err != nil {
		return err
	}

	cmd := exec.Command(p.spec.Command[0], p.spec.Command[1:]...)
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: starting %q: %v", errors.ErrUnitFailed, p.name, err)
	}

	p.logger.Info("Process started",
		zap.String("unit", p.name),
		zap.Int("pid", cmd.Process.Pid),
		zap.Strings("command", p.spec.Command))

	var once sync.Once
	signalStarted := func() { once.Do(started) }

	probeCtx, stopProbe := context.WithCancel(ctx)
	defer stopProbe()

	if p.spec.ReadyPort > 0 {
		go p.probe(probeCtx, signalStarted)
	} else {
		signalStarted()
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		return p.exitResult(err)
	case <-ctx.Done():
		return p.terminate(cmd, done)
	}
}

// buildEnv composes the child environment: inherited process env, then the
// optional environment file artifact, then per-unit overrides.
func (p *Process) buildEnv(ctx context.Context) ([]string, error) {
	env := os.Environ()

	if p.spec.EnvFile != "" {
		data, err := p.store.ReadFile(ctx, p.spec.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("unit %q: loading env file: %w", p.name, err)
		}
		vars, err := extract.ParseEnvFile(data)
		if err != nil {
			return nil, fmt.Errorf("unit %q: parsing env file: %w", p.name, err)
		}
		for k, v := range vars {
			env = append(env, k+"="+v)
		}
	}

	for k, v := range p.spec.Env {
		env = append(env, k+"="+v)
	}

	return env, nil
}

// probe dials the ready port until it accepts, then signals started.
func (p *Process) probe(ctx context.Context, signalStarted func()) {
	addr := fmt.Sprintf("127.0.0.1:%d", p.spec.ReadyPort)
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", addr, probeDialTimeout)
		if err == nil {
			conn.Close()
			p.logger.Info("Readiness probe passed",
				zap.String("unit", p.name),
				zap.String("addr", addr))
			signalStarted()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// terminate signals the process and waits out the grace period before
// killing it.
func (p *Process) terminate(cmd *exec.Cmd, done <-chan error) error {
	grace := p.spec.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}

	p.logger.Info("Stopping process",
		zap.String("unit", p.name),
		zap.Duration("grace_period", grace))

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.logger.Warn("Failed to signal process, killing",
			zap.String("unit", p.name),
			zap.Error(err))
		_ = cmd.Process.Kill()
		<-done
		return context.Canceled
	}

	select {
	case <-done:
	case <-time.After(grace):
		p.logger.Warn("Grace period expired, killing process",
			zap.String("unit", p.name))
		_ = cmd.Process.Kill()
		<-done
	}

	return context.Canceled
}

func (p *Process) exitResult(err error) error {
	if err == nil {
		p.logger.Info("Process exited zero", zap.String("unit", p.name))
		return nil
	}

	code := -1
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}

	p.logger.Error("Process failed",
		zap.String("unit", p.name),
		zap.Int("exit_code", code),
		zap.Error(err))

	return &ExitError{Unit: p.name, Code: code}
}

// ExitError reports a unit attempt that terminated with a non-zero status.
type ExitError struct {
	Unit string
	Code int
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	return fmt.Sprintf("unit %q exited with code %d", e.Unit, e.Code)
}

// Unwrap ties the error into the shared taxonomy.
func (e *ExitError) Unwrap() error {
	return errors.ErrUnitFailed
}

// ExitCode extracts the exit code from a unit attempt error. Returns 0 for
// nil and -1 when the error carries no exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var unitErr *ExitError
	if stderrors.As(err, &unitErr) {
		return unitErr.Code
	}
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
