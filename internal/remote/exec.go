package remote

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/ssh"
)

// CommandResult accumulates the output and terminal state of one remote
// command. Exactly one of ExitCode and ExitSignal is set when the command
// terminated cleanly or by signal; both are nil when the channel closed
// without delivering either, which callers must treat as unknown/aborted.
type CommandResult struct {
	Stdout []byte
	Stderr []byte

	ExitCode   *int
	ExitSignal *string
}

// Succeeded reports whether the command terminated with exit code zero.
func (r CommandResult) Succeeded() bool {
	return r.ExitCode != nil && *r.ExitCode == 0
}

// Terminal describes the terminal state for diagnostics: an exit code, a
// signal name, or "unknown".
func (r CommandResult) Terminal() string {
	switch {
	case r.ExitCode != nil:
		return fmt.Sprintf("exit code %d", *r.ExitCode)
	case r.ExitSignal != nil:
		return fmt.Sprintf("signal %s", *r.ExitSignal)
	default:
		return "unknown exit status"
	}
}

// ExecInteractive runs command in workingDir through a PTY-backed shell
// channel. The shell is told to exit with the command's status so the
// channel's reported exit status is the command's own. inputData, when
// non-empty, is fed to the command via a here-string. The call blocks until
// the channel closes.
func (s *Session) ExecInteractive(workingDir, command, inputData string) (CommandResult, error) {
	channel, err := s.client.NewSession()
	if err != nil {
		return CommandResult{}, fmt.Errorf("open shell channel: %w", err)
	}
	defer channel.Close()

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := channel.RequestPty("vt100", 24, 80, modes); err != nil {
		return CommandResult{}, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := channel.StdinPipe()
	if err != nil {
		return CommandResult{}, fmt.Errorf("open shell stdin: %w", err)
	}

	var result CommandResult
	channel.Stdout = writerFunc(func(p []byte) (int, error) {
		result.Stdout = append(result.Stdout, p...)
		return len(p), nil
	})
	channel.Stderr = writerFunc(func(p []byte) (int, error) {
		result.Stderr = append(result.Stderr, p...)
		return len(p), nil
	})

	if err := channel.Shell(); err != nil {
		return CommandResult{}, fmt.Errorf("start shell: %w", err)
	}

	line := fmt.Sprintf("cd %s && %s", shellQuote(workingDir), command)
	if inputData != "" {
		line += " <<< " + shellQuote(inputData)
	}
	// "exit $?" makes the inner command's status the channel's exit status;
	// a plain shell channel does not otherwise propagate it.
	if _, err := io.WriteString(stdin, line+"\nexit $?\n"); err != nil {
		return CommandResult{}, fmt.Errorf("send command: %w", err)
	}

	s.logger.Debug("interactive command sent", "dir", workingDir, "command", command)

	if err := finish(&result, channel.Wait()); err != nil {
		return result, fmt.Errorf("interactive command %q: %w", command, err)
	}
	return result, nil
}

// ExecOneShot runs command through a direct command-execution channel without
// shell wrapping. inputData, when non-empty, is written to the command's
// stdin followed by a newline once the channel is confirmed open. Channel
// setup failure is reported as a ChannelSetupError, a distinct unrecoverable
// class from command-level failure.
func (s *Session) ExecOneShot(command, inputData string) (CommandResult, error) {
	channel, err := s.client.NewSession()
	if err != nil {
		return CommandResult{}, &ChannelSetupError{Command: command, Err: err}
	}
	defer channel.Close()

	stdin, err := channel.StdinPipe()
	if err != nil {
		return CommandResult{}, &ChannelSetupError{Command: command, Err: err}
	}

	var result CommandResult
	channel.Stdout = writerFunc(func(p []byte) (int, error) {
		result.Stdout = append(result.Stdout, p...)
		return len(p), nil
	})
	channel.Stderr = writerFunc(func(p []byte) (int, error) {
		result.Stderr = append(result.Stderr, p...)
		return len(p), nil
	})

	if err := channel.Start(command); err != nil {
		return CommandResult{}, &ChannelSetupError{Command: command, Err: err}
	}

	// A command may terminate before consuming its input, tearing the
	// channel down under us; the write and close then report io.EOF. That is
	// a command outcome, not a transport failure, so fall through to Wait
	// and let the out-of-band status (or its absence) decide.
	if inputData != "" {
		if _, err := io.WriteString(stdin, inputData+"\n"); err != nil && !errors.Is(err, io.EOF) {
			return CommandResult{}, fmt.Errorf("send input to %q: %w", command, err)
		}
	}
	if err := stdin.Close(); err != nil && !errors.Is(err, io.EOF) {
		return CommandResult{}, fmt.Errorf("close input of %q: %w", command, err)
	}

	s.logger.Debug("one-shot command sent", "command", command)

	if err := finish(&result, channel.Wait()); err != nil {
		return result, fmt.Errorf("one-shot command %q: %w", command, err)
	}
	return result, nil
}

// finish folds the channel's wait error into the result's terminal state.
// A nil return with neither field set means the channel closed without
// delivering an exit status or signal.
func finish(result *CommandResult, waitErr error) error {
	if waitErr == nil {
		code := 0
		result.ExitCode = &code
		return nil
	}

	var exitErr *ssh.ExitError
	if errors.As(waitErr, &exitErr) {
		if signal := exitErr.Signal(); signal != "" {
			result.ExitSignal = &signal
			return nil
		}
		code := exitErr.ExitStatus()
		result.ExitCode = &code
		return nil
	}

	var missing *ssh.ExitMissingError
	if errors.As(waitErr, &missing) {
		return nil
	}

	// Anything else is a transport failure, not a command outcome.
	return waitErr
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// shellQuote wraps value in single quotes, escaping embedded single quotes,
// so it survives the remote shell untouched.
func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
