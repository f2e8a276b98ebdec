package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/cochaviz/anvil/internal/logging"
)

// Session is a live authenticated connection to one machine. It owns the
// underlying transport; channels opened for individual commands are closed
// when the command finishes, and the transport is closed by Close.
type Session struct {
	client *ssh.Client
	spec   ConnectionSpec
	logger *slog.Logger
}

// Dial establishes an authenticated session against the given connection
// spec. The context bounds TCP connection establishment.
func Dial(ctx context.Context, spec ConnectionSpec, logger *slog.Logger) (*Session, error) {
	cfg, err := spec.clientConfig()
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: spec.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", spec.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", spec.Addr(), err)
	}

	sshConn, channels, requests, err := ssh.NewClientConn(conn, spec.Addr(), cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("establish session %s@%s: %w", spec.User, spec.Addr(), err)
	}

	return &Session{
		client: ssh.NewClient(sshConn, channels, requests),
		spec:   spec,
		logger: logging.Ensure(logger).With("component", "remote", "target", spec.Addr()),
	}, nil
}

// Close tears down the transport and every channel still open on it.
func (s *Session) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	err := s.client.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close session %s: %w", s.spec.Addr(), err)
	}
	return nil
}

// Spec returns the connection spec the session was established from.
func (s *Session) Spec() ConnectionSpec {
	return s.spec
}

// With establishes a session, invokes body, and guarantees teardown on every
// exit path.
func With(ctx context.Context, spec ConnectionSpec, logger *slog.Logger, body func(*Session) error) error {
	session, err := Dial(ctx, spec, logger)
	if err != nil {
		return err
	}
	defer session.Close()
	return body(session)
}

// Upload streams data into a file on the machine over a one-shot channel on
// the same authenticated transport.
func (s *Session) Upload(src io.Reader, remotePath string) error {
	channel, err := s.client.NewSession()
	if err != nil {
		return &ChannelSetupError{Command: "upload " + remotePath, Err: err}
	}
	defer channel.Close()

	stdin, err := channel.StdinPipe()
	if err != nil {
		return &ChannelSetupError{Command: "upload " + remotePath, Err: err}
	}

	var stderr bytes.Buffer
	channel.Stderr = &stderr

	if err := channel.Start("cat > " + shellQuote(remotePath)); err != nil {
		return &ChannelSetupError{Command: "upload " + remotePath, Err: err}
	}

	// The receiver can fail and exit before consuming the stream (e.g. the
	// path is not writable); the write and close then report io.EOF. Defer
	// to Wait so the command's own failure is what gets reported.
	if _, err := io.Copy(stdin, src); err != nil && !errors.Is(err, io.EOF) {
		stdin.Close()
		return fmt.Errorf("upload %q: %w", remotePath, err)
	}
	if err := stdin.Close(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("upload %q: close input: %w", remotePath, err)
	}
	if err := channel.Wait(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("upload %q: %w (stderr: %s)", remotePath, err, msg)
		}
		return fmt.Errorf("upload %q: %w", remotePath, err)
	}
	return nil
}

// Download streams a file from the machine into dst.
func (s *Session) Download(remotePath string, dst io.Writer) error {
	channel, err := s.client.NewSession()
	if err != nil {
		return &ChannelSetupError{Command: "download " + remotePath, Err: err}
	}
	defer channel.Close()

	channel.Stdout = dst
	if err := channel.Run("cat " + shellQuote(remotePath)); err != nil {
		return fmt.Errorf("download %q: %w", remotePath, err)
	}
	return nil
}
