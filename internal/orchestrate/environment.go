// Package orchestrate acquires a lifecycle-managed pair of machines for the
// duration of one task and hands their connection parameters to the caller.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cochaviz/anvil/internal/logging"
	"github.com/cochaviz/anvil/internal/machines"
)

// Resolver yields the machine pair for a provider. *machines.Registry
// satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, provider machines.Provider) (machines.ResolvedPair, error)
}

// MachineManager starts and stops machines. *lifecycle.Controller satisfies
// it.
type MachineManager interface {
	Start(ctx context.Context, machine machines.ResolvedMachine, headless bool) error
	Shutdown(ctx context.Context, machine machines.ResolvedMachine) error
}

// Options configure one orchestrated task.
type Options struct {
	Provider machines.Provider

	// StartEmulator also brings the emulator up alongside the build engine.
	StartEmulator bool

	// KeepRunning leaves the machines up after the task (interactive mode).
	// It also routes the emulator to a display instead of headless, so an
	// operator can interact with it.
	KeepRunning bool
}

// Environment is what the task body receives: the resolved machines and a
// task identifier for log correlation.
type Environment struct {
	TaskID   string
	Engine   machines.ResolvedMachine
	Emulator *machines.ResolvedMachine // nil unless the emulator was started
}

// Orchestrator wires the registry and lifecycle controller together.
type Orchestrator struct {
	resolver Resolver
	manager  MachineManager
	logger   *slog.Logger
}

// New constructs an orchestrator.
func New(resolver Resolver, manager MachineManager, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		resolver: resolver,
		manager:  manager,
		logger:   logging.Ensure(logger).With("component", "orchestrate"),
	}
}

// WithEnvironment resolves and starts the machines, invokes body, and in
// batch mode shuts the machines down again on every exit path of the body,
// emulator before engine. In interactive mode (KeepRunning) shutdown is
// never attempted and the body's result is returned as-is.
func (o *Orchestrator) WithEnvironment(ctx context.Context, opts Options, body func(context.Context, *Environment) error) (err error) {
	pair, err := o.resolver.Resolve(ctx, opts.Provider)
	if err != nil {
		return err
	}

	env := &Environment{
		TaskID: uuid.New().String(),
		Engine: pair.Engine,
	}
	logger := o.logger.With("task", env.TaskID, "provider", opts.Provider)

	if err := o.manager.Start(ctx, pair.Engine, true); err != nil {
		return fmt.Errorf("start build engine: %w", err)
	}

	if opts.StartEmulator {
		if err := o.manager.Start(ctx, pair.Emulator, !opts.KeepRunning); err != nil {
			return fmt.Errorf("start emulator: %w", err)
		}
		env.Emulator = &pair.Emulator
	}

	if !opts.KeepRunning {
		defer func() {
			if env.Emulator != nil {
				if stopErr := o.manager.Shutdown(ctx, *env.Emulator); stopErr != nil {
					err = errors.Join(err, fmt.Errorf("shut down emulator: %w", stopErr))
				}
			}
			if stopErr := o.manager.Shutdown(ctx, env.Engine); stopErr != nil {
				err = errors.Join(err, fmt.Errorf("shut down build engine: %w", stopErr))
			}
		}()
	}

	logger.Info("environment ready", "emulator", opts.StartEmulator)
	return body(ctx, env)
}
