// Package baremetal adapts machines that already exist, reachable over
// SSH, to the launcher contract. Nothing is provisioned and nothing is torn
// down; launch is just connect plus setup.
package baremetal

import (
	"context"
	"net"
	"os"
	osuser "os/user"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/squall-dev/squall/pkg/cloud"
	"github.com/squall-dev/squall/pkg/sshtools"
)

// Setup describes one existing machine. Each descriptor names exactly one
// machine; its first address doubles as the region key, so distinct
// machines always land in distinct launchers.
type Setup struct {
	// Addrs are host:port candidates for the same machine, tried in order
	// until one accepts an SSH connection. A hostname resolving to several
	// addresses produces several candidates.
	Addrs []string

	// User to log in as. Empty means the current OS user.
	User string

	// KeyPath is the private key to authenticate with. Empty means the
	// first of ~/.ssh/id_ed25519 and ~/.ssh/id_rsa that exists.
	KeyPath string

	SetupFn cloud.SetupFn
}

// NewSetup builds a descriptor for addr, resolving hostnames to their full
// candidate address list. A missing port defaults to 22. An empty user
// means the current OS user.
func NewSetup(addr, user string) (Setup, error) {
	if user == "" {
		u, err := osuser.Current()
		if err != nil {
			return Setup{}, cloud.Configf("no user given and current user unknown: %v", err)
		}
		user = u.Username
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, "22"
	}
	addrs := []string{net.JoinHostPort(host, port)}
	if net.ParseIP(host) == nil {
		ips, err := net.LookupHost(host)
		if err != nil {
			return Setup{}, cloud.Configf("cannot resolve %q: %v", host, err)
		}
		addrs = addrs[:0]
		for _, ip := range ips {
			addrs = append(addrs, net.JoinHostPort(ip, port))
		}
	}
	return Setup{Addrs: addrs, User: user}, nil
}

// RegionKey implements cloud.Setup.
func (s Setup) RegionKey() string {
	if len(s.Addrs) == 0 {
		return "bare:"
	}
	return "bare:" + s.Addrs[0]
}

func (s Setup) keyPath() string {
	if s.KeyPath != "" {
		return s.KeyPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range []string{"id_ed25519", "id_rsa"} {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Machine connects to one existing machine. Only the batch's first
// descriptor is used; connecting to the same machine twice makes no sense,
// so extras are warned about and discarded.
type Machine struct {
	// Dial establishes the SSH session. Nil means the standard dialer.
	Dial cloud.DialFunc

	mu       sync.Mutex
	log      zerolog.Logger
	nickname string
	addr     string
	user     string
	keyPath  string
}

func sshDial(ctx context.Context, log zerolog.Logger, user, addr, keyPath string) (cloud.Session, error) {
	return sshtools.Dialer{}.Connect(ctx, log, user, addr, keyPath)
}

// Launch connects to the machine, trying each candidate address in turn,
// and runs the setup procedure over the first address that answers.
func (m *Machine) Launch(ctx context.Context, batch cloud.LaunchBatch) error {
	if len(batch.Machines) == 0 {
		return cloud.Configf("no machines to connect to")
	}
	first := batch.Machines[0]
	setup, ok := first.Setup.(Setup)
	if !ok {
		return cloud.Configf("machine %q is not a baremetal descriptor", first.Nickname)
	}
	if len(setup.Addrs) == 0 {
		return cloud.Configf("machine %q has no addresses", first.Nickname)
	}
	for _, extra := range batch.Machines[1:] {
		batch.Log.Warn().
			Str("machine", extra.Nickname).
			Msg("discarding duplicate connection to the same machine")
	}
	ctx, cancel := batch.Deadline(ctx)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = batch.Log
	dial := m.Dial
	if dial == nil {
		dial = sshDial
	}
	keyPath := setup.keyPath()

	var sess cloud.Session
	var addr string
	var lastErr error
	for _, candidate := range setup.Addrs {
		s, err := dial(ctx, m.log, setup.User, candidate, keyPath)
		if err != nil {
			m.log.Trace().Err(err).Str("addr", candidate).Msg("address did not answer")
			lastErr = err
			continue
		}
		sess, addr = s, candidate
		break
	}
	if sess == nil {
		return &cloud.ConnectError{Nickname: first.Nickname, Addr: setup.Addrs[0], Err: lastErr}
	}
	defer sess.Close()

	if setup.SetupFn != nil {
		m.log.Debug().Str("machine", first.Nickname).Str("addr", addr).Msg("setting up machine")
		if err := setup.SetupFn(sess, m.log); err != nil {
			return &cloud.SetupError{Nickname: first.Nickname, Err: err}
		}
	}
	m.log.Info().Str("machine", first.Nickname).Str("addr", addr).Msg("finished setting up machine")

	m.nickname = first.Nickname
	m.addr = addr
	m.user = setup.User
	m.keyPath = keyPath
	return nil
}

// ConnectAll opens a fresh session to the connected machine.
func (m *Machine) ConnectAll(ctx context.Context) (map[string]cloud.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addr == "" {
		return nil, cloud.Configf("machine was never launched")
	}
	dial := m.Dial
	if dial == nil {
		dial = sshDial
	}
	sess, err := dial(ctx, m.log, m.user, m.addr, m.keyPath)
	if err != nil {
		return nil, &cloud.ConnectError{Nickname: m.nickname, Addr: m.addr, Err: err}
	}
	host, _, _ := net.SplitHostPort(m.addr)
	return map[string]cloud.Machine{
		m.nickname: {
			Nickname:  m.nickname,
			PublicIP:  host,
			PublicDNS: m.addr,
			Session:   sess,
		},
	}, nil
}

// Cleanup is a no-op; existing machines are not ours to terminate.
func (m *Machine) Cleanup(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addr != "" {
		m.log.Debug().Str("addr", m.addr).Msg("releasing connection to machine")
	}
	return nil
}
