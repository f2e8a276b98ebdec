package remote

import (
	"fmt"
	"strings"
)

// ChannelSetupError reports that a command channel could not be opened on an
// established session. A half-open channel is unsafe to continue from, so the
// caller at the process boundary is expected to abort rather than retry.
type ChannelSetupError struct {
	Command string
	Err     error
}

func (e *ChannelSetupError) Error() string {
	return fmt.Sprintf("channel setup for %q failed: %v", e.Command, e.Err)
}

func (e *ChannelSetupError) Unwrap() error { return e.Err }

// CommandError reports a checked command that terminated with a nonzero,
// signaled or unknown exit status. It carries the full diagnostic payload so
// failures never require re-running the command.
type CommandError struct {
	Command    string
	WorkingDir string
	Result     CommandResult
}

func (e *CommandError) Error() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "command %q in %q failed with %s", e.Command, e.WorkingDir, e.Result.Terminal())
	if out := strings.TrimSpace(string(e.Result.Stdout)); out != "" {
		fmt.Fprintf(&builder, "\nstdout:\n%s", out)
	}
	if errOut := strings.TrimSpace(string(e.Result.Stderr)); errOut != "" {
		fmt.Fprintf(&builder, "\nstderr:\n%s", errOut)
	}
	return builder.String()
}
