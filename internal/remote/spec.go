// Package remote implements command execution and file transfer against a
// virtual machine over SSH. It distinguishes command-level failure (the
// command ran and exited nonzero or was killed by a signal) from
// channel/transport failure, and captures stdout and stderr independently.
package remote

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyPolicy selects how the remote host key is verified.
type HostKeyPolicy string

const (
	// HostKeyNever skips host-key verification. Used for local ephemeral
	// machines that are rebuilt from images and never operator-facing.
	HostKeyNever HostKeyPolicy = "never"
	// HostKeyKnown verifies against the user's known_hosts file.
	HostKeyKnown HostKeyPolicy = "known_hosts"
)

// ConnectionSpec describes how to reach and authenticate against a machine.
type ConnectionSpec struct {
	Host          string
	User          string
	Port          int
	KeyPaths      []string
	HostKeyPolicy HostKeyPolicy

	// DialTimeout bounds TCP connection establishment. Zero means the
	// dialer default.
	DialTimeout time.Duration
}

// Addr returns the host:port dial address.
func (s ConnectionSpec) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s ConnectionSpec) clientConfig() (*ssh.ClientConfig, error) {
	if s.User == "" {
		return nil, fmt.Errorf("connection spec: user is required")
	}
	if len(s.KeyPaths) == 0 {
		return nil, fmt.Errorf("connection spec for %s@%s: no private keys", s.User, s.Addr())
	}

	var signers []ssh.Signer
	for _, path := range s.KeyPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read private key %q: %w", path, err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse private key %q: %w", path, err)
		}
		signers = append(signers, signer)
	}

	callback, err := s.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            s.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signers...)},
		HostKeyCallback: callback,
		Timeout:         s.DialTimeout,
	}, nil
}

func (s ConnectionSpec) hostKeyCallback() (ssh.HostKeyCallback, error) {
	switch s.HostKeyPolicy {
	case HostKeyNever, "":
		return ssh.InsecureIgnoreHostKey(), nil
	case HostKeyKnown:
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		callback, err := knownhosts.New(home + "/.ssh/known_hosts")
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		return callback, nil
	default:
		return nil, fmt.Errorf("unknown host key policy %q", s.HostKeyPolicy)
	}
}
