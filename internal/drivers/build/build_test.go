package build

import (
	"errors"
	"strings"
	"testing"

	"github.com/cochaviz/anvil/arch"
	"github.com/cochaviz/anvil/internal/remote"
)

type recordedCall struct {
	dir, command, input string
}

type fakeExecutor struct {
	calls []recordedCall
	out   string
	err   error
}

func (f *fakeExecutor) ExecChecked(workingDir, command, inputData string) (string, error) {
	f.calls = append(f.calls, recordedCall{workingDir, command, inputData})
	return f.out, f.err
}

func TestBuildRunsOnEngineInProjectDir(t *testing.T) {
	t.Parallel()

	engine := &fakeExecutor{out: "Wrote: RPMS/app-1.0.armv7hl.rpm\n"}
	task := NewTask(arch.ARMV7HL, "/home/mersdk/app", engine, nil, nil)

	out, err := task.Build("mb2 -t target-armv7hl build")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !strings.Contains(out, "RPMS/app-1.0.armv7hl.rpm") {
		t.Errorf("Build() output = %q", out)
	}
	if len(engine.calls) != 1 {
		t.Fatalf("engine calls = %d, want 1", len(engine.calls))
	}
	call := engine.calls[0]
	if call.dir != "/home/mersdk/app" || call.command != "mb2 -t target-armv7hl build" || call.input != "" {
		t.Errorf("unexpected call %+v", call)
	}
}

func TestSignPassesInput(t *testing.T) {
	t.Parallel()

	engine := &fakeExecutor{}
	task := NewTask(arch.AArch64, "/src", engine, nil, nil)

	if _, err := task.Sign("rpmsign-external sign RPMS/*.rpm", "passphrase"); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if engine.calls[0].input != "passphrase" {
		t.Errorf("input = %q, want passphrase", engine.calls[0].input)
	}
}

func TestDeployAndTestRunOnDevice(t *testing.T) {
	t.Parallel()

	engine := &fakeExecutor{}
	device := &fakeExecutor{}
	task := NewTask(arch.I486, "/src", engine, device, nil)
	task.DeviceDir = "/home/nemo"

	if _, err := task.Deploy("pkcon install-local app.rpm"); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if _, err := task.Test("/usr/bin/app --selftest"); err != nil {
		t.Fatalf("Test() error = %v", err)
	}
	if len(engine.calls) != 0 {
		t.Errorf("engine calls = %v, want none", engine.calls)
	}
	if len(device.calls) != 2 {
		t.Fatalf("device calls = %d, want 2", len(device.calls))
	}
	for _, call := range device.calls {
		if call.dir != "/home/nemo" {
			t.Errorf("device dir = %q, want /home/nemo", call.dir)
		}
	}
}

func TestDevicePhaseWithoutDevice(t *testing.T) {
	t.Parallel()

	task := NewTask(arch.I486, "/src", &fakeExecutor{}, nil, nil)
	if _, err := task.Test("true"); err == nil {
		t.Fatal("Test() succeeded without a device session")
	}
}

func TestPhaseWrapsCommandError(t *testing.T) {
	t.Parallel()

	cmdErr := &remote.CommandError{Command: "mb2 build", WorkingDir: "/src"}
	engine := &fakeExecutor{err: cmdErr}
	task := NewTask(arch.ARMV7HL, "/src", engine, nil, nil)

	_, err := task.Build("mb2 build")
	var got *remote.CommandError
	if !errors.As(err, &got) {
		t.Fatalf("Build() error = %v, want CommandError", err)
	}
	if !strings.Contains(err.Error(), "build phase") {
		t.Errorf("error %q does not name the phase", err)
	}
}

func TestTaskIDsAreUnique(t *testing.T) {
	t.Parallel()

	a := NewTask(arch.I486, "/src", &fakeExecutor{}, nil, nil)
	b := NewTask(arch.I486, "/src", &fakeExecutor{}, nil, nil)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("task IDs not unique: %q vs %q", a.ID, b.ID)
	}
}
