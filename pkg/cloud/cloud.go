// Package cloud defines the descriptor model and launcher contract for
// spinning up short-lived fleets of cloud machines, plus the grouping
// dispatcher that fans a mixed set of machine descriptors out to
// per-region provisioning engines.
package cloud

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// Session is an established SSH session to a live machine. Implementations
// live in pkg/sshtools; engines and setup procedures only see this surface.
type Session interface {
	// Run executes a remote command and returns its stdout and stderr.
	Run(ctx context.Context, command string) (stdout, stderr string, err error)
	Close() error
}

// SetupFn is a user-supplied setup procedure, invoked once per machine with
// a live session as soon as the machine becomes reachable. A non-nil error
// fails the whole batch.
type SetupFn func(sess Session, log zerolog.Logger) error

// DialFunc establishes an SSH session to addr (host:port) as user,
// authenticating with the private key at keyPath. Implementations must
// respect the context deadline. Engines use this to bring machines up;
// tests substitute a stub.
type DialFunc func(ctx context.Context, log zerolog.Logger, user, addr, keyPath string) (Session, error)

// Setup describes a single desired machine. Concrete descriptor types are
// provider specific; the dispatcher only needs the grouping key.
type Setup interface {
	// RegionKey partitions descriptors into per-region launch batches.
	RegionKey() string
}

// NamedSetup pairs a caller-chosen nickname with a machine descriptor.
// Nicknames key the connection map returned by ConnectAll and must be
// unique across the whole input set.
type NamedSetup struct {
	Nickname string
	Setup    Setup
}

// LaunchBatch is one region's worth of machines to launch, with a shared
// wall-clock budget and a region-tagged logger.
type LaunchBatch struct {
	Region string
	Log    zerolog.Logger

	// MaxWait bounds how long launching may take, covering both capacity
	// fulfillment and SSH availability. Zero means no limit.
	MaxWait time.Duration

	// Machines in input order. All descriptors share the batch's region.
	Machines []NamedSetup
}

// Deadline derives a context bounded by the batch's wait budget. The
// returned cancel func must always be called.
func (b LaunchBatch) Deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.MaxWait > 0 {
		return context.WithTimeout(ctx, b.MaxWait)
	}
	return context.WithCancel(ctx)
}

// Machine is a handle to one provisioned instance with an established SSH
// session.
type Machine struct {
	Nickname  string
	PublicIP  string
	PublicDNS string
	Session   Session
}

// Launcher is implemented once per provider backend.
//
// Launch may be called more than once to add machines to the same launcher;
// later calls accumulate onto previously launched ones. ConnectAll derives
// fresh sessions on demand and is safe to call repeatedly. Cleanup releases
// every resource the launcher allocated; it never fails (all errors degrade
// to logging) and is idempotent.
type Launcher interface {
	Launch(ctx context.Context, batch LaunchBatch) error
	ConnectAll(ctx context.Context) (map[string]Machine, error)
	Cleanup(ctx context.Context) error
}

const nameAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandName generates a throwaway resource name like "squall-key-x7Gp0aQ2bc".
// Generated security groups, keypairs and resource groups use these so that
// concurrent runs never collide.
func RandName(kind string) string {
	return RandNameSep(kind, "-")
}

// RandNameSep is RandName with a custom separator, for providers that
// restrict name characters.
func RandNameSep(kind, sep string) string {
	suffix := make([]byte, 10)
	for i := range suffix {
		suffix[i] = nameAlphabet[rand.Intn(len(nameAlphabet))]
	}
	return "squall" + sep + kind + sep + string(suffix)
}
