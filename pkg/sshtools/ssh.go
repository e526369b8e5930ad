// Package sshtools implements the SSH transport used to reach provisioned
// machines: connect with a private key, run commands, and move files over
// SFTP.
package sshtools

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	xssh "golang.org/x/crypto/ssh"
)

// Dialer establishes SSH sessions. The zero value uses sane defaults and
// skips host key verification, which is the only workable policy for
// machines whose host keys were generated seconds ago.
type Dialer struct {
	// Timeout bounds a single connection attempt.
	Timeout time.Duration
	// Backoff is the pause between failed attempts. Connect retries until
	// the context deadline expires.
	Backoff time.Duration
	// KnownHostsPath enables strict host key checking against the given
	// file when set.
	KnownHostsPath string
}

// Session is a live SSH connection to one machine.
type Session struct {
	client *xssh.Client
	log    zerolog.Logger
}

func (d Dialer) config(user string, signer xssh.Signer) (*xssh.ClientConfig, error) {
	hostKeys := xssh.InsecureIgnoreHostKey()
	if d.KnownHostsPath != "" {
		cb, err := LoadKnownHostsCallback(d.KnownHostsPath)
		if err != nil {
			return nil, err
		}
		hostKeys = cb
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &xssh.ClientConfig{
		User:            user,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}, nil
}

// Connect dials addr (host:port) as user with the private key at keyPath,
// retrying with a fixed backoff until it succeeds or ctx expires. Fresh
// instances commonly refuse connections for a short while after reporting
// ready, so a few failed attempts are normal.
func (d Dialer) Connect(ctx context.Context, log zerolog.Logger, user, addr, keyPath string) (*Session, error) {
	signer, err := LoadPrivateKeySigner(keyPath)
	if err != nil {
		return nil, err
	}
	cfg, err := d.config(user, signer)
	if err != nil {
		return nil, err
	}
	backoff := d.Backoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		cli, err := dialContext(ctx, addr, cfg)
		if err == nil {
			log.Debug().Str("addr", addr).Int("attempts", attempt).Msg("ssh established")
			return &Session{client: cli, log: log}, nil
		}
		lastErr = err
		log.Trace().Err(err).Str("addr", addr).Int("attempt", attempt).Msg("ssh attempt failed")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("ssh to %s: %w (last error: %v)", addr, ctx.Err(), lastErr)
		case <-time.After(backoff):
		}
	}
}

// dialContext runs ssh.Dial in a goroutine so the context deadline applies
// to the whole handshake, not only the TCP connect.
func dialContext(ctx context.Context, addr string, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := xssh.Dial("tcp", addr, cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}

// Run executes a remote command and returns its stdout and stderr.
func (s *Session) Run(ctx context.Context, command string) (string, string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()
	select {
	case <-ctx.Done():
		_ = sess.Signal(xssh.SIGKILL)
		return stdout.String(), stderr.String(), ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.String(), stderr.String(), fmt.Errorf("run %q: %w", command, err)
		}
		return stdout.String(), stderr.String(), nil
	}
}

// Addr returns the remote address of the session.
func (s *Session) Addr() net.Addr { return s.client.RemoteAddr() }

func (s *Session) Close() error { return s.client.Close() }
