package remote

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

// testServer is an in-process SSH server that accepts key authentication and
// emulates the channel behavior of a machine's sshd: exec channels run the
// command through bash, shell channels run the first line they receive, and
// both deliver exit-status/exit-signal out of band. Two magic commands steer
// the terminal state for tests: "@signal <name>" delivers an exit signal,
// "@vanish" closes the channel without any status.
type testServer struct {
	listener net.Listener

	// rejectChannels makes every session channel open attempt fail, to
	// exercise the channel-setup failure class.
	rejectChannels bool
}

func startTestServer(t *testing.T, rejectChannels bool) (spec ConnectionSpec) {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	_, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(clientPriv, "")
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "mersdk")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write client key: %v", err)
	}

	serverConfig := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, _ ssh.PublicKey) (*ssh.Permissions, error) {
			return &ssh.Permissions{}, nil
		},
	}
	serverConfig.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	server := &testServer{listener: listener, rejectChannels: rejectChannels}
	go server.serve(serverConfig)

	port := listener.Addr().(*net.TCPAddr).Port
	return ConnectionSpec{
		Host:          "127.0.0.1",
		User:          "mersdk",
		Port:          port,
		KeyPaths:      []string{keyPath},
		HostKeyPolicy: HostKeyNever,
	}
}

func (s *testServer) serve(config *ssh.ServerConfig) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn, config)
	}
}

func (s *testServer) handleConn(conn net.Conn, config *ssh.ServerConfig) {
	serverConn, channels, requests, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer serverConn.Close()
	go ssh.DiscardRequests(requests)

	for newChannel := range channels {
		if newChannel.ChannelType() != "session" || s.rejectChannels {
			newChannel.Reject(ssh.Prohibited, "rejected")
			continue
		}
		channel, chanRequests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go handleSession(channel, chanRequests)
	}
}

func handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "pty-req":
			req.Reply(true, nil)
		case "shell":
			req.Reply(true, nil)
			runShell(channel)
			return
		case "exec":
			var msg struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				req.Reply(false, nil)
				return
			}
			req.Reply(true, nil)
			runCommand(channel, msg.Command, channel)
			return
		default:
			req.Reply(false, nil)
		}
	}
}

// runShell emulates the interactive path: the first line received is the
// compound command, the trailing "exit $?" is implied by closing the channel
// with that command's status.
func runShell(channel ssh.Channel) {
	scanner := bufio.NewScanner(channel)
	if !scanner.Scan() {
		return
	}
	runCommand(channel, scanner.Text(), nil)
}

func runCommand(channel ssh.Channel, command string, stdin io.Reader) {
	// Magic markers may arrive wrapped in the interactive "cd ... &&" prefix.
	if idx := strings.Index(command, "@signal "); idx >= 0 {
		sendExitSignal(channel, strings.Fields(command[idx+len("@signal "):])[0])
		return
	}
	if strings.Contains(command, "@vanish") {
		return
	}

	cmd := exec.Command("bash", "-c", command)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	cmd.Stdout = channel
	cmd.Stderr = channel.Stderr()

	status := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status = exitErr.ExitCode()
		} else {
			status = 127
		}
	}
	sendExitStatus(channel, status)
}

func sendExitStatus(channel ssh.Channel, status int) {
	msg := struct{ Status uint32 }{Status: uint32(status)}
	channel.SendRequest("exit-status", false, ssh.Marshal(&msg))
}

func sendExitSignal(channel ssh.Channel, signal string) {
	msg := struct {
		Signal     string
		CoreDumped bool
		Errmsg     string
		Lang       string
	}{Signal: signal}
	channel.SendRequest("exit-signal", false, ssh.Marshal(&msg))
}
