package vbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/cochaviz/anvil/internal/logging"
)

var _ Controller = (*CLIController)(nil)

// CLIController drives the hypervisor through its command-line binary
// (VBoxManage or compatible).
type CLIController struct {
	// Binary is the controller executable, resolved through PATH when not
	// absolute.
	Binary string

	// Timeout bounds a single controller invocation. Zero means no bound.
	Timeout time.Duration

	Logger *slog.Logger
}

// NewCLIController returns a controller using the given binary.
func NewCLIController(binary string, timeout time.Duration, logger *slog.Logger) *CLIController {
	return &CLIController{
		Binary:  binary,
		Timeout: timeout,
		Logger:  logging.Ensure(logger).With("component", "vbox"),
	}
}

func (c *CLIController) ListInstalled(ctx context.Context) ([]MachineInfo, error) {
	output, err := c.run(ctx, "list", "vms")
	if err != nil {
		return nil, fmt.Errorf("list installed machines: %w", err)
	}
	return ParseMachineList(output), nil
}

func (c *CLIController) ListRunning(ctx context.Context) ([]MachineInfo, error) {
	output, err := c.run(ctx, "list", "runningvms")
	if err != nil {
		return nil, fmt.Errorf("list running machines: %w", err)
	}
	return ParseMachineList(output), nil
}

func (c *CLIController) Start(ctx context.Context, id string, headless bool) error {
	kind := "gui"
	if headless {
		kind = "headless"
	}
	if _, err := c.run(ctx, "startvm", id, "--type", kind); err != nil {
		return fmt.Errorf("start machine %s: %w", id, err)
	}
	return nil
}

func (c *CLIController) PowerButton(ctx context.Context, id string) error {
	if _, err := c.run(ctx, "controlvm", id, "acpipowerbutton"); err != nil {
		return fmt.Errorf("power button %s: %w", id, err)
	}
	return nil
}

func (c *CLIController) ShowInfo(ctx context.Context, id string) (map[string]string, error) {
	output, err := c.run(ctx, "showvminfo", id, "--machinereadable")
	if err != nil {
		return nil, fmt.Errorf("introspect machine %s: %w", id, err)
	}
	return ParseInfo(output), nil
}

func (c *CLIController) run(ctx context.Context, args ...string) (string, error) {
	if c.Binary == "" {
		return "", fmt.Errorf("controller binary is not configured")
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	c.logger().Debug("invoking controller", "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, c.Binary, args...)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%s %s: %w (stderr: %s)",
				c.Binary, strings.Join(args, " "), err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("%s %s: %w", c.Binary, strings.Join(args, " "), err)
	}
	return string(output), nil
}

func (c *CLIController) logger() *slog.Logger {
	if c != nil && c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
