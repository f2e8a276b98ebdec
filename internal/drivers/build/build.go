// Package build runs the build, sign, deploy and test phases of a task on
// already-connected machines. The phase commands themselves are opaque
// strings supplied by the caller; this package only routes them to the right
// machine, pins the working directory and correlates their logs.
package build

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cochaviz/anvil/arch"
	"github.com/cochaviz/anvil/internal/logging"
)

// Executor runs one checked command. *remote.Session satisfies it.
type Executor interface {
	ExecChecked(workingDir, command, inputData string) (string, error)
}

// Task binds a project directory and target architecture to the sessions the
// phases run on. Device may be nil for engine-only tasks.
type Task struct {
	ID         string
	Target     arch.Target
	ProjectDir string

	// DeviceDir is the working directory for device phases. Defaults to the
	// login directory.
	DeviceDir string

	engine Executor
	device Executor
	logger *slog.Logger
}

// NewTask assigns a fresh task ID.
func NewTask(target arch.Target, projectDir string, engine, device Executor, logger *slog.Logger) *Task {
	id := uuid.New().String()
	return &Task{
		ID:         id,
		Target:     target,
		ProjectDir: projectDir,
		engine:     engine,
		device:     device,
		logger:     logging.Ensure(logger).With("component", "build", "task", id, "target", target),
	}
}

// Build runs the build command on the engine inside the project directory.
func (t *Task) Build(command string) (string, error) {
	return t.onEngine("build", command, "")
}

// Sign runs the package-signing command on the engine. Input carries any
// passphrase the signer reads from stdin.
func (t *Task) Sign(command, input string) (string, error) {
	return t.onEngine("sign", command, input)
}

// Deploy installs the built packages on the device.
func (t *Task) Deploy(command string) (string, error) {
	return t.onDevice("deploy", command)
}

// Test runs the test command on the device.
func (t *Task) Test(command string) (string, error) {
	return t.onDevice("test", command)
}

func (t *Task) onEngine(phase, command, input string) (string, error) {
	t.logger.Info("running phase", "phase", phase, "dir", t.ProjectDir)
	out, err := t.engine.ExecChecked(t.ProjectDir, command, input)
	if err != nil {
		return "", fmt.Errorf("%s phase: %w", phase, err)
	}
	return out, nil
}

func (t *Task) onDevice(phase, command string) (string, error) {
	if t.device == nil {
		return "", fmt.Errorf("%s phase: no device session", phase)
	}
	dir := t.DeviceDir
	if dir == "" {
		dir = "."
	}
	t.logger.Info("running phase", "phase", phase, "dir", dir)
	out, err := t.device.ExecChecked(dir, command, "")
	if err != nil {
		return "", fmt.Errorf("%s phase: %w", phase, err)
	}
	return out, nil
}
