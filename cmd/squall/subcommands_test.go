package main

import (
	"testing"

	"github.com/squall-dev/squall/internal/config"
	"github.com/squall-dev/squall/pkg/cloud/aws"
	"github.com/squall-dev/squall/pkg/cloud/azure"
	"github.com/squall-dev/squall/pkg/cloud/baremetal"
)

func TestFleetDialerCarriesKnownHosts(t *testing.T) {
	cfg := config.Config{SSH: config.SSHConfig{KnownHosts: "/tmp/known_hosts"}}
	if got := fleetDialer(cfg).KnownHostsPath; got != "/tmp/known_hosts" {
		t.Errorf("KnownHostsPath = %q, want the configured file", got)
	}
	if got := fleetDialer(config.Config{}).KnownHostsPath; got != "" {
		t.Errorf("KnownHostsPath = %q with no knob set", got)
	}
}

func TestAssembleFleetWiresDialIntoEveryLauncher(t *testing.T) {
	cfg := config.Config{
		SSH: config.SSHConfig{KnownHosts: "/tmp/known_hosts"},
		Machines: []config.MachineConfig{
			{Name: "a", Provider: "aws"},
			{Name: "b", Provider: "azure"},
			{Name: "c", Provider: "baremetal", Addr: "192.0.2.1:22", User: "op"},
		},
	}
	handles, err := assembleFleet(cfg)
	if err != nil {
		t.Fatalf("assembleFleet: %v", err)
	}
	if len(handles) != 3 {
		t.Fatalf("got %d handles, want 3", len(handles))
	}
	for _, h := range handles {
		switch l := h.launcher.(type) {
		case *aws.Launcher:
			if l.Dial == nil {
				t.Error("aws launcher left with default dialer")
			}
		case *azure.Launcher:
			if l.Dial == nil {
				t.Error("azure launcher left with default dialer")
			}
		case *baremetal.Machine:
			if l.Dial == nil {
				t.Error("baremetal launcher left with default dialer")
			}
		default:
			t.Errorf("unexpected launcher type %T", l)
		}
	}
}
