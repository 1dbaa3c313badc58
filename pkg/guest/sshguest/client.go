// Package sshguest implements guest.Session over a plain SSH connection,
// for Linux guests that are reachable directly instead of through a
// virtualization platform.
package sshguest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/nevskii/guestops/pkg/log"
)

const (
	connectAttempts = 5
	connectDelay    = 3 * time.Second
)

// Config carries the SSH connection parameters.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	// PrivateKey is a PEM-encoded key. Either it or Password must be set.
	PrivateKey string
}

// Connect dials the guest over SSH, retrying while it boots.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	var auth []ssh.AuthMethod
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if cfg.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse SSH private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no SSH credentials: password or private key required")
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}

	port := cfg.Port
	if port == "" {
		port = "22"
	}
	addr := net.JoinHostPort(cfg.Host, port)

	var err error
	for range connectAttempts {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var client *ssh.Client
		client, err = ssh.Dial("tcp", addr, sshCfg)
		if err != nil {
			log.Warnf("SSH connection to %s failed: %v, retrying...", addr, err)
			time.Sleep(connectDelay)
			continue
		}
		log.Debugf("SSH connection to %s established", addr)
		return newSession(client), nil
	}
	return nil, fmt.Errorf("failed to connect to %s over SSH: %w", addr, err)
}

// Close closes the SSH connection.
func (s *Session) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// run executes a command on the guest and returns its combined output.
// A non-zero exit turns into an error.
func (s *Session) run(ctx context.Context, command string) (string, error) {
	out, status, err := s.runStatus(ctx, command)
	if err != nil {
		return "", err
	}
	if status != 0 {
		return "", fmt.Errorf("command failed with status %d: %s", status, strings.TrimSpace(out))
	}
	return out, nil
}

// runStatus executes a command on the guest and returns its combined
// output and exit status.
func (s *Session) runStatus(ctx context.Context, command string) (string, int, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	return s.runner(ctx, command)
}

// sshRunStatus runs one command over the SSH connection. Tests swap the
// runner for a scripted fake.
func (s *Session) sshRunStatus(ctx context.Context, command string) (string, int, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", 0, fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer sess.Close()

	out, err := sess.CombinedOutput(command)
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return string(out), exitErr.ExitStatus(), nil
		}
		return string(out), 0, fmt.Errorf("failed to run command over SSH: %w", err)
	}
	return string(out), 0, nil
}

// shellQuote wraps s in single quotes for the guest shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
