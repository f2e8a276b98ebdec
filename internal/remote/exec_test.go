package remote

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func dialTest(t *testing.T, spec ConnectionSpec) *Session {
	t.Helper()

	session, err := Dial(context.Background(), spec, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func TestExecOneShotCapturesStreams(t *testing.T) {
	t.Parallel()

	session := dialTest(t, startTestServer(t, false))

	result, err := session.ExecOneShot("echo out; echo err >&2", "")
	if err != nil {
		t.Fatalf("ExecOneShot() error = %v", err)
	}
	if got := string(result.Stdout); got != "out\n" {
		t.Errorf("Stdout = %q, want \"out\\n\"", got)
	}
	if got := string(result.Stderr); got != "err\n" {
		t.Errorf("Stderr = %q, want \"err\\n\"", got)
	}
	if !result.Succeeded() {
		t.Errorf("Succeeded() = false, terminal = %s", result.Terminal())
	}
}

func TestExecOneShotInputData(t *testing.T) {
	t.Parallel()

	session := dialTest(t, startTestServer(t, false))

	result, err := session.ExecOneShot("cat", "payload")
	if err != nil {
		t.Fatalf("ExecOneShot() error = %v", err)
	}
	if got := string(result.Stdout); got != "payload\n" {
		t.Errorf("Stdout = %q, want \"payload\\n\"", got)
	}
}

func TestExecOneShotNonZeroExit(t *testing.T) {
	t.Parallel()

	session := dialTest(t, startTestServer(t, false))

	result, err := session.ExecOneShot("exit 3", "")
	if err != nil {
		t.Fatalf("ExecOneShot() error = %v", err)
	}
	if result.ExitCode == nil || *result.ExitCode != 3 {
		t.Fatalf("ExitCode = %v, want 3", result.ExitCode)
	}
	if result.ExitSignal != nil {
		t.Errorf("ExitSignal = %q, want nil", *result.ExitSignal)
	}
}

func TestExecOneShotExitSignal(t *testing.T) {
	t.Parallel()

	session := dialTest(t, startTestServer(t, false))

	result, err := session.ExecOneShot("@signal TERM", "")
	if err != nil {
		t.Fatalf("ExecOneShot() error = %v", err)
	}
	if result.ExitSignal == nil || *result.ExitSignal != "TERM" {
		t.Fatalf("ExitSignal = %v, want TERM", result.ExitSignal)
	}
	if result.ExitCode != nil {
		t.Errorf("ExitCode = %d, want nil", *result.ExitCode)
	}
}

func TestExecOneShotStatusVanishes(t *testing.T) {
	t.Parallel()

	session := dialTest(t, startTestServer(t, false))

	result, err := session.ExecOneShot("@vanish", "")
	if err != nil {
		t.Fatalf("ExecOneShot() error = %v", err)
	}
	if result.ExitCode != nil || result.ExitSignal != nil {
		t.Fatalf("terminal state = %s, want unknown", result.Terminal())
	}
	if result.Succeeded() {
		t.Error("Succeeded() = true for unknown terminal state")
	}
}

// A command that terminates before consuming its input tears the channel
// down while the executor still holds the stdin pipe; the terminal state
// must still be delivered as a result, not as a transport error.
func TestExecOneShotInputUnreadByEarlyExit(t *testing.T) {
	t.Parallel()

	session := dialTest(t, startTestServer(t, false))

	result, err := session.ExecOneShot("@signal TERM", "never consumed")
	if err != nil {
		t.Fatalf("ExecOneShot() error = %v", err)
	}
	if result.ExitSignal == nil || *result.ExitSignal != "TERM" {
		t.Fatalf("ExitSignal = %v, want TERM", result.ExitSignal)
	}

	result, err = session.ExecOneShot("@vanish", "never consumed")
	if err != nil {
		t.Fatalf("ExecOneShot() error = %v", err)
	}
	if result.ExitCode != nil || result.ExitSignal != nil {
		t.Fatalf("terminal state = %s, want unknown", result.Terminal())
	}
}

// Exit code and exit signal are mutually exclusive for every command outcome.
func TestTerminalStateExclusive(t *testing.T) {
	t.Parallel()

	session := dialTest(t, startTestServer(t, false))

	for _, command := range []string{"true", "false", "exit 42", "@signal KILL", "@vanish"} {
		result, err := session.ExecOneShot(command, "")
		if err != nil {
			t.Fatalf("ExecOneShot(%q) error = %v", command, err)
		}
		if result.ExitCode != nil && result.ExitSignal != nil {
			t.Errorf("command %q: both exit code and signal set", command)
		}
	}
}

func TestExecOneShotChannelSetupFailure(t *testing.T) {
	t.Parallel()

	session := dialTest(t, startTestServer(t, true))

	_, err := session.ExecOneShot("true", "")
	var setupErr *ChannelSetupError
	if !errors.As(err, &setupErr) {
		t.Fatalf("error = %v, want ChannelSetupError", err)
	}
}

func TestExecInteractiveRunsInWorkingDir(t *testing.T) {
	t.Parallel()

	session := dialTest(t, startTestServer(t, false))
	dir := t.TempDir()

	result, err := session.ExecInteractive(dir, "pwd", "")
	if err != nil {
		t.Fatalf("ExecInteractive() error = %v", err)
	}
	if got := strings.TrimSpace(string(result.Stdout)); got != dir {
		t.Errorf("pwd output = %q, want %q", got, dir)
	}
	if !result.Succeeded() {
		t.Errorf("Succeeded() = false, terminal = %s", result.Terminal())
	}
}

func TestExecInteractiveHereStringInput(t *testing.T) {
	t.Parallel()

	session := dialTest(t, startTestServer(t, false))

	result, err := session.ExecInteractive(t.TempDir(), "cat", "from input")
	if err != nil {
		t.Fatalf("ExecInteractive() error = %v", err)
	}
	if got := string(result.Stdout); got != "from input\n" {
		t.Errorf("Stdout = %q, want \"from input\\n\"", got)
	}
}

func TestExecInteractiveQuotesWorkingDir(t *testing.T) {
	t.Parallel()

	session := dialTest(t, startTestServer(t, false))
	dir := t.TempDir() + "/with space"
	result, err := session.ExecInteractive(dir, "true", "")
	if err != nil {
		t.Fatalf("ExecInteractive() error = %v", err)
	}
	// cd into a missing quoted directory must fail, not silently succeed.
	if result.Succeeded() {
		t.Error("cd into missing directory succeeded")
	}
}

func TestShellQuote(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"plain", "'plain'"},
		{"with space", "'with space'"},
		{"it's", `'it'\''s'`},
	}
	for _, tc := range cases {
		if got := shellQuote(tc.in); got != tc.want {
			t.Errorf("shellQuote(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	t.Parallel()

	session := dialTest(t, startTestServer(t, false))
	path := t.TempDir() + "/artifact.rpm"
	payload := []byte("rpm bytes\x00binary")

	if err := session.Upload(bytes.NewReader(payload), path); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	var fetched bytes.Buffer
	if err := session.Download(path, &fetched); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if !bytes.Equal(fetched.Bytes(), payload) {
		t.Errorf("Download() = %q, want %q", fetched.Bytes(), payload)
	}
}

// A receiver that exits before consuming the stream must surface its own
// failure and diagnostics, not the EOF the early teardown causes on our side.
func TestUploadUnwritablePathReportsReceiverFailure(t *testing.T) {
	t.Parallel()

	session := dialTest(t, startTestServer(t, false))

	err := session.Upload(strings.NewReader("payload"), "/")
	if err == nil {
		t.Fatal("Upload() error = nil, want receiver failure")
	}
	var setupErr *ChannelSetupError
	if errors.As(err, &setupErr) {
		t.Fatalf("error = %v, want command failure, not channel setup", err)
	}
	if !strings.Contains(err.Error(), "Is a directory") {
		t.Errorf("error %q does not carry the receiver's diagnostics", err)
	}
}

func TestWithTearsDownOnError(t *testing.T) {
	t.Parallel()

	spec := startTestServer(t, false)

	var captured *Session
	wantErr := errors.New("body failed")
	err := With(context.Background(), spec, nil, func(s *Session) error {
		captured = s
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("With() error = %v, want body error", err)
	}

	// The transport must be closed even though the body failed.
	if _, err := captured.ExecOneShot("true", ""); err == nil {
		t.Error("session still usable after With returned")
	}
}

func TestDialConnectionRefused(t *testing.T) {
	t.Parallel()

	spec := startTestServer(t, false)
	spec.Port = 1 // nothing listens here

	if _, err := Dial(context.Background(), spec, nil); err == nil {
		t.Fatal("Dial() error = nil, want connection failure")
	}
}

func TestDialRequiresKeys(t *testing.T) {
	t.Parallel()

	spec := startTestServer(t, false)
	spec.KeyPaths = nil

	if _, err := Dial(context.Background(), spec, nil); err == nil {
		t.Fatal("Dial() error = nil, want missing keys failure")
	}
}
