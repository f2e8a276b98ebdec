// Package lifecycle starts and stops virtual machines through the external
// controller and tracks each machine's state. Its correctness-critical
// boundary is readiness: a machine the hypervisor reports as running is not
// necessarily accepting remote sessions yet.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cochaviz/anvil/config"
	"github.com/cochaviz/anvil/internal/lock"
	"github.com/cochaviz/anvil/internal/logging"
	"github.com/cochaviz/anvil/internal/machines"
	"github.com/cochaviz/anvil/internal/remote"
	"github.com/cochaviz/anvil/internal/vbox"
)

// State is a machine's position in the lifecycle state machine.
type State string

const (
	StateUnknown      State = "unknown"
	StateNotInstalled State = "not_installed"
	StateStopped      State = "stopped"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateShuttingDown State = "shutting_down"
)

// Probe attempts to establish an authenticated remote session against the
// connection parameters. A nil return means the machine accepts sessions.
type Probe func(ctx context.Context, spec remote.ConnectionSpec) error

// DialProbe is the production readiness probe: dial, authenticate, close.
func DialProbe(ctx context.Context, spec remote.ConnectionSpec) error {
	session, err := remote.Dial(ctx, spec, nil)
	if err != nil {
		return err
	}
	return session.Close()
}

// Controller drives machine start/stop and remembers the last observed state
// per machine identifier.
type Controller struct {
	vm     vbox.Controller
	cfg    config.LifecycleConfig
	probe  Probe
	logger *slog.Logger

	// LockDir enables cross-process serialization of lifecycle operations
	// per machine when non-empty.
	LockDir string

	states stateMap
}

// NewController constructs a lifecycle controller. probe may be nil, in
// which case DialProbe is used.
func NewController(vm vbox.Controller, cfg config.LifecycleConfig, probe Probe, logger *slog.Logger) *Controller {
	if probe == nil {
		probe = DialProbe
	}
	return &Controller{
		vm:     vm,
		cfg:    cfg,
		probe:  probe,
		logger: logging.Ensure(logger).With("component", "lifecycle"),
	}
}

// State returns the last observed state for the machine identifier.
func (c *Controller) State(id string) State {
	return c.states.get(id)
}

// Refresh queries the controller listings and updates the machine's state.
func (c *Controller) Refresh(ctx context.Context, machine machines.ResolvedMachine) (State, error) {
	installed, err := c.vm.ListInstalled(ctx)
	if err != nil {
		return StateUnknown, err
	}
	if !containsID(installed, machine.ID) {
		c.states.set(machine.ID, StateNotInstalled)
		return StateNotInstalled, nil
	}

	running, err := c.vm.ListRunning(ctx)
	if err != nil {
		return StateUnknown, err
	}
	if containsID(running, machine.ID) {
		c.states.set(machine.ID, StateRunning)
		return StateRunning, nil
	}
	c.states.set(machine.ID, StateStopped)
	return StateStopped, nil
}

// Start powers the machine on and waits until it accepts remote sessions.
// Starting an already-running machine is a no-op. The readiness probe is
// retried a bounded number of times; its final error is propagated, not
// swallowed.
func (c *Controller) Start(ctx context.Context, machine machines.ResolvedMachine, headless bool) error {
	unlock, err := c.acquireLock(ctx, machine.ID)
	if err != nil {
		return err
	}
	defer unlock()

	logger := c.logger.With("machine", machine.Template.Name, "id", machine.ID)

	state, err := c.Refresh(ctx, machine)
	if err != nil {
		return fmt.Errorf("query machine state: %w", err)
	}
	switch state {
	case StateNotInstalled:
		return &MachineNotFoundError{Name: machine.Template.Name}
	case StateRunning:
		logger.Debug("machine already running")
		return nil
	}

	c.states.set(machine.ID, StateStarting)
	logger.Info("starting machine", "headless", headless)

	if err := c.vm.Start(ctx, machine.ID, headless); err != nil {
		c.states.set(machine.ID, StateUnknown)
		return &MachineStartError{Name: machine.Template.Name, Err: err}
	}

	if err := c.WaitReachable(ctx, machine.Conn); err != nil {
		c.states.set(machine.ID, StateUnknown)
		return fmt.Errorf("machine %q started but is not reachable: %w", machine.Template.Name, err)
	}

	c.states.set(machine.ID, StateRunning)
	logger.Info("machine running")
	return nil
}

// WaitReachable retries the readiness probe until it succeeds, the attempt
// budget is exhausted, or the context is cancelled. The last probe error is
// returned verbatim-wrapped.
func (c *Controller) WaitReachable(ctx context.Context, spec remote.ConnectionSpec) error {
	attempts := c.cfg.ReadyAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = c.probe(ctx, spec)
		if lastErr == nil {
			return nil
		}
		c.logger.Debug("readiness probe failed",
			"target", spec.Addr(), "attempt", attempt, "error", lastErr)

		if attempt == attempts {
			break
		}
		if err := sleep(ctx, c.cfg.ReadyInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("not reachable after %d attempts: %w", attempts, lastErr)
}

// Shutdown sends the graceful power-button signal and polls the running
// listing until the machine disappears from it. Shutting down an
// already-stopped machine is a no-op, mirroring idempotent start. The poll
// count is bounded by the configuration; a bound of zero polls forever,
// matching the legacy behavior.
func (c *Controller) Shutdown(ctx context.Context, machine machines.ResolvedMachine) error {
	unlock, err := c.acquireLock(ctx, machine.ID)
	if err != nil {
		return err
	}
	defer unlock()

	logger := c.logger.With("machine", machine.Template.Name, "id", machine.ID)

	state, err := c.Refresh(ctx, machine)
	if err != nil {
		return fmt.Errorf("query machine state: %w", err)
	}
	switch state {
	case StateNotInstalled:
		return &MachineNotFoundError{Name: machine.Template.Name}
	case StateStopped:
		logger.Debug("machine already stopped")
		return nil
	}

	c.states.set(machine.ID, StateShuttingDown)
	logger.Info("shutting machine down")

	if err := c.vm.PowerButton(ctx, machine.ID); err != nil {
		c.states.set(machine.ID, StateUnknown)
		return fmt.Errorf("signal shutdown: %w", err)
	}

	for poll := 1; ; poll++ {
		running, err := c.vm.ListRunning(ctx)
		if err != nil {
			c.states.set(machine.ID, StateUnknown)
			return fmt.Errorf("poll running machines: %w", err)
		}
		if !containsID(running, machine.ID) {
			c.states.set(machine.ID, StateStopped)
			logger.Info("machine stopped", "polls", poll)
			return nil
		}
		if c.cfg.MaxShutdownPolls > 0 && poll >= c.cfg.MaxShutdownPolls {
			c.states.set(machine.ID, StateUnknown)
			return fmt.Errorf("machine %q still running after %d polls", machine.Template.Name, poll)
		}
		if err := sleep(ctx, c.cfg.ShutdownPollInterval); err != nil {
			c.states.set(machine.ID, StateUnknown)
			return err
		}
	}
}

func (c *Controller) acquireLock(ctx context.Context, machineID string) (func(), error) {
	if c.LockDir == "" {
		return func() {}, nil
	}
	machineLock, err := lock.ForMachine(c.LockDir, machineID)
	if err != nil {
		return nil, err
	}
	if err := machineLock.Lock(ctx); err != nil {
		return nil, err
	}
	return func() {
		if err := machineLock.Unlock(context.Background()); err != nil {
			c.logger.Warn("release machine lock", "error", err)
		}
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func containsID(machines []vbox.MachineInfo, id string) bool {
	for _, machine := range machines {
		if machine.ID == id {
			return true
		}
	}
	return false
}
