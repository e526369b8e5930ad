package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/squall-dev/squall/pkg/cloud"
	"github.com/squall-dev/squall/pkg/sshtools"
)

// vmRecord tracks one created VM.
type vmRecord struct {
	nickname string
	vmName   string
	publicIP string
	setup    Setup
}

// resourceGroup owns one region's worth of VMs plus the SSH keypair used
// to reach them. Deleting the group tears down every VM, NIC, and disk in
// one call.
type resourceGroup struct {
	region  string
	name    string
	log     zerolog.Logger
	run     Runner
	dial    cloud.DialFunc
	keyPath string
	pubKey  string

	machines []vmRecord
}

// Launcher provisions Azure VMs through the az CLI. The zero value shells
// out to az on PATH; tests swap Runner and Dial for fakes.
type Launcher struct {
	Runner Runner
	Dial   cloud.DialFunc

	mu     sync.Mutex
	groups map[string]*resourceGroup
}

func sshDial(ctx context.Context, log zerolog.Logger, user, addr, keyPath string) (cloud.Session, error) {
	return sshtools.Dialer{}.Connect(ctx, log, user, addr, keyPath)
}

// groupFor returns the resource group state for batch.Region, registering a
// new one on first use so Cleanup covers partially launched regions.
func (l *Launcher) groupFor(ctx context.Context, batch cloud.LaunchBatch) (*resourceGroup, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.groups == nil {
		l.groups = make(map[string]*resourceGroup)
	}
	if g, ok := l.groups[batch.Region]; ok {
		return g, nil
	}

	run := l.Runner
	if run == nil {
		run = execRunner{}
	}
	dial := l.Dial
	if dial == nil {
		dial = sshDial
	}
	g := &resourceGroup{
		region: batch.Region,
		log:    batch.Log,
		run:    run,
		dial:   dial,
	}
	l.groups[batch.Region] = g

	name := cloud.RandName("resourcegroup")
	g.log.Debug().Str("name", name).Msg("creating resource group")
	if _, err := run.Run(ctx, "group", "create", "--name", name, "--location", batch.Region, "--output", "json"); err != nil {
		return nil, &cloud.ProviderError{Op: "create resource group", Err: err}
	}
	g.name = name

	f, err := os.CreateTemp("", "squall-azure-key-*.pem")
	if err != nil {
		return nil, fmt.Errorf("create temporary file for keypair: %w", err)
	}
	path := f.Name()
	_ = f.Close()
	pub, err := sshtools.GenerateEd25519Keypair(path)
	if err != nil {
		return nil, err
	}
	g.keyPath = path
	g.pubKey = pub
	return g, nil
}

// Launch creates one VM per machine in batch.Region, opens its ports, and
// runs its setup procedure over SSH. Instance types are checked against the
// region's size list before any resource is created. VMs come up
// sequentially; the az CLI does not tolerate concurrent mutations of one
// resource group well.
func (l *Launcher) Launch(ctx context.Context, batch cloud.LaunchBatch) error {
	if len(batch.Machines) == 0 {
		return cloud.Configf("no machines to launch in region %s", batch.Region)
	}
	if err := validRegion(batch.Region); err != nil {
		return err
	}
	for _, m := range batch.Machines {
		if _, ok := m.Setup.(Setup); !ok {
			return cloud.Configf("machine %q is not an azure descriptor", m.Nickname)
		}
	}
	ctx, cancel := batch.Deadline(ctx)
	defer cancel()

	run := l.Runner
	if run == nil {
		run = execRunner{}
	}
	sizes, err := AvailableSizes(ctx, run, batch.Region)
	if err != nil {
		return err
	}
	available := make(map[string]struct{}, len(sizes))
	for _, s := range sizes {
		available[s] = struct{}{}
	}
	for _, m := range batch.Machines {
		setup := m.Setup.(Setup)
		if _, ok := available[setup.InstanceType]; !ok {
			return cloud.Configf("machine %q: %s is not a valid instance type in %s",
				m.Nickname, setup.InstanceType, batch.Region)
		}
	}

	g, err := l.groupFor(ctx, batch)
	if err != nil {
		return err
	}
	for _, m := range batch.Machines {
		if err := g.launchVM(ctx, m.Nickname, m.Setup.(Setup)); err != nil {
			return err
		}
	}
	return nil
}

// vmCreateResult is the subset of `az vm create` output the launcher needs.
type vmCreateResult struct {
	PowerState      string `json:"powerState"`
	PublicIPAddress string `json:"publicIpAddress"`
	ResourceGroup   string `json:"resourceGroup"`
}

func (g *resourceGroup) launchVM(ctx context.Context, nickname string, setup Setup) error {
	vmName := cloud.RandNameSep("vm", "-")
	g.log.Debug().Str("machine", nickname).Str("vm", vmName).Msg("creating azure vm")

	out, err := g.run.Run(ctx,
		"vm", "create",
		"--resource-group", g.name,
		"--name", vmName,
		"--image", "UbuntuLTS",
		"--size", setup.InstanceType,
		"--admin-username", sshUser,
		"--ssh-key-value", g.pubKey,
		"--output", "json",
	)
	if err != nil {
		return &cloud.ProviderError{Op: "create vm " + vmName, Err: err}
	}
	var vm vmCreateResult
	if err := json.Unmarshal(out, &vm); err != nil {
		return &cloud.ProviderError{Op: "create vm " + vmName, Err: fmt.Errorf("parse output: %w", err)}
	}
	if vm.PowerState != "VM running" {
		return &cloud.ProviderError{Op: "create vm " + vmName, Err: fmt.Errorf("unexpected power state %q", vm.PowerState)}
	}
	if vm.ResourceGroup != g.name {
		return &cloud.ProviderError{Op: "create vm " + vmName, Err: fmt.Errorf("vm landed in resource group %q", vm.ResourceGroup)}
	}

	if _, err := g.run.Run(ctx, "vm", "open-port", "--port", "0-65535", "--resource-group", g.name, "--name", vmName); err != nil {
		return &cloud.ProviderError{Op: "open ports for " + vmName, Err: err}
	}

	sess, err := g.dial(ctx, g.log, sshUser, net.JoinHostPort(vm.PublicIPAddress, "22"), g.keyPath)
	if err != nil {
		g.log.Error().Str("machine", nickname).Str("ip", vm.PublicIPAddress).Msg("failed to ssh to vm")
		return &cloud.ConnectError{Nickname: nickname, Addr: vm.PublicIPAddress, Err: err}
	}
	defer sess.Close()

	g.machines = append(g.machines, vmRecord{
		nickname: nickname,
		vmName:   vmName,
		publicIP: vm.PublicIPAddress,
		setup:    setup,
	})

	if setup.SetupFn != nil {
		g.log.Debug().Str("machine", nickname).Str("ip", vm.PublicIPAddress).Msg("setting up vm")
		if err := setup.SetupFn(sess, g.log); err != nil {
			return &cloud.SetupError{Nickname: nickname, Err: err}
		}
		g.log.Info().Str("machine", nickname).Str("ip", vm.PublicIPAddress).Msg("finished setting up vm")
	}
	return nil
}

// ConnectAll opens a fresh SSH session to every launched VM across all
// regions.
func (l *Launcher) ConnectAll(ctx context.Context) (map[string]cloud.Machine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var all []map[string]cloud.Machine
	for _, g := range l.groups {
		machines := make(map[string]cloud.Machine, len(g.machines))
		for _, rec := range g.machines {
			sess, err := g.dial(ctx, g.log, sshUser, net.JoinHostPort(rec.publicIP, "22"), g.keyPath)
			if err != nil {
				return nil, &cloud.ConnectError{Nickname: rec.nickname, Addr: rec.publicIP, Err: err}
			}
			machines[rec.nickname] = cloud.Machine{
				Nickname: rec.nickname,
				PublicIP: rec.publicIP,
				Session:  sess,
			}
		}
		all = append(all, machines)
	}
	return cloud.MergeConnections(all...)
}

// Cleanup deletes every resource group the launcher created, which tears
// down all VMs inside them. Failures are logged, never propagated, and the
// call is idempotent.
func (l *Launcher) Cleanup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Minute)
	defer cancel()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, g := range l.groups {
		if g.name != "" {
			g.log.Info().Str("name", g.name).Msg("deleting resource group")
			if _, err := g.run.Run(ctx, "group", "delete", "--name", g.name, "--yes"); err != nil {
				g.log.Warn().Err(err).Str("name", g.name).Msg("failed to delete resource group")
			}
			g.name = ""
		}
		g.machines = nil
		if g.keyPath != "" {
			_ = os.Remove(g.keyPath)
			g.keyPath = ""
		}
	}
	return nil
}
