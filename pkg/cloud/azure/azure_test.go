package azure

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/squall-dev/squall/pkg/cloud"
)

// fakeRunner simulates the az CLI. Calls are recorded; hooks override the
// default happy-path responses.
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	vmCount int

	onVMCreate   func(args []string) ([]byte, error)
	listSizesOut []byte
	groupErr     error
	deleteCalls  int
}

func argValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func (f *fakeRunner) Run(_ context.Context, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	switch args[0] + " " + args[1] {
	case "group create":
		return []byte("{}"), f.groupErr
	case "vm create":
		if f.onVMCreate != nil {
			return f.onVMCreate(args)
		}
		ip := fmt.Sprintf("52.0.0.%d", f.vmCount)
		f.vmCount++
		out := fmt.Sprintf(`{"powerState": "VM running", "publicIpAddress": %q, "resourceGroup": %q}`,
			ip, argValue(args, "--resource-group"))
		return []byte(out), nil
	case "vm open-port":
		return nil, nil
	case "vm list-sizes":
		if f.listSizesOut != nil {
			return f.listSizesOut, nil
		}
		return []byte(`[{"name": "Standard_DS1_v2"}, {"name": "Standard_DS2_v2"}]`), nil
	case "group delete":
		f.deleteCalls++
		return nil, nil
	}
	return nil, fmt.Errorf("unexpected az invocation: %v", args)
}

func (f *fakeRunner) callsMatching(first, second string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, c := range f.calls {
		if len(c) >= 2 && c[0] == first && c[1] == second {
			out = append(out, c)
		}
	}
	return out
}

type stubSession struct{ closed bool }

func (s *stubSession) Run(_ context.Context, _ string) (string, string, error) { return "", "", nil }
func (s *stubSession) Close() error                                            { s.closed = true; return nil }

type stubDialer struct {
	mu     sync.Mutex
	dialed []string
	err    error
}

func (d *stubDialer) dial(_ context.Context, _ zerolog.Logger, user, addr, keyPath string) (cloud.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if user != sshUser {
		return nil, fmt.Errorf("unexpected ssh user %q", user)
	}
	if keyPath == "" {
		return nil, errors.New("no key path")
	}
	d.dialed = append(d.dialed, addr)
	return &stubSession{}, nil
}

func batchOf(machines ...cloud.NamedSetup) cloud.LaunchBatch {
	return cloud.LaunchBatch{
		Region:   "eastus",
		Log:      zerolog.Nop(),
		MaxWait:  5 * time.Second,
		Machines: machines,
	}
}

func named(nickname, size string) cloud.NamedSetup {
	return cloud.NamedSetup{
		Nickname: nickname,
		Setup:    Setup{Region: "eastus", InstanceType: size},
	}
}

func TestLaunchCreatesGroupAndVMs(t *testing.T) {
	run := &fakeRunner{}
	dialer := &stubDialer{}
	l := &Launcher{Runner: run, Dial: dialer.dial}
	defer l.Cleanup(context.Background())

	err := l.Launch(context.Background(), batchOf(
		named("a", "Standard_DS1_v2"),
		named("b", "Standard_DS2_v2"),
	))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	groups := run.callsMatching("group", "create")
	if len(groups) != 1 {
		t.Fatalf("got %d group creates, want 1", len(groups))
	}
	if got := argValue(groups[0], "--location"); got != "eastus" {
		t.Errorf("group location = %q", got)
	}

	creates := run.callsMatching("vm", "create")
	if len(creates) != 2 {
		t.Fatalf("got %d vm creates, want 2", len(creates))
	}
	if got := argValue(creates[0], "--size"); got != "Standard_DS1_v2" {
		t.Errorf("first vm size = %q", got)
	}
	if got := argValue(creates[0], "--admin-username"); got != "ubuntu" {
		t.Errorf("admin username = %q", got)
	}
	if got := argValue(creates[0], "--ssh-key-value"); got == "" {
		t.Error("vm created without a public key")
	}
	if got := argValue(creates[0], "--image"); got != "UbuntuLTS" {
		t.Errorf("image = %q", got)
	}
	if ports := run.callsMatching("vm", "open-port"); len(ports) != 2 {
		t.Errorf("got %d open-port calls, want 2", len(ports))
	}
	if len(dialer.dialed) != 2 {
		t.Errorf("dialed %v, want both vms", dialer.dialed)
	}

	machines, err := l.ConnectAll(context.Background())
	if err != nil {
		t.Fatalf("ConnectAll: %v", err)
	}
	if len(machines) != 2 {
		t.Fatalf("got %d machines, want 2", len(machines))
	}
	if machines["a"].PublicIP != "52.0.0.0" {
		t.Errorf("machine a ip = %q", machines["a"].PublicIP)
	}
}

func TestLaunchRejectsUnknownRegion(t *testing.T) {
	l := &Launcher{Runner: &fakeRunner{}, Dial: (&stubDialer{}).dial}
	batch := batchOf(named("a", "Standard_DS1_v2"))
	batch.Region = "moonbase-alpha"
	err := l.Launch(context.Background(), batch)
	var cerr *cloud.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v, want ConfigError", err)
	}
}

func TestLaunchRejectsUnavailableSize(t *testing.T) {
	run := &fakeRunner{listSizesOut: []byte(`[{"name": "Standard_DS1_v2"}]`)}
	l := &Launcher{Runner: run, Dial: (&stubDialer{}).dial}
	defer l.Cleanup(context.Background())

	err := l.Launch(context.Background(), batchOf(named("a", "Standard_NV72")))
	var cerr *cloud.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v, want ConfigError", err)
	}
	if groups := run.callsMatching("group", "create"); len(groups) != 0 {
		t.Error("resources created before size validation")
	}
}

func TestLaunchRequiresRunningPowerState(t *testing.T) {
	run := &fakeRunner{
		onVMCreate: func(args []string) ([]byte, error) {
			out := fmt.Sprintf(`{"powerState": "VM stopped", "publicIpAddress": "52.0.0.1", "resourceGroup": %q}`,
				argValue(args, "--resource-group"))
			return []byte(out), nil
		},
	}
	l := &Launcher{Runner: run, Dial: (&stubDialer{}).dial}
	defer l.Cleanup(context.Background())

	err := l.Launch(context.Background(), batchOf(named("a", "Standard_DS1_v2")))
	var perr *cloud.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want ProviderError", err)
	}
}

func TestSetupFailureFailsBatch(t *testing.T) {
	run := &fakeRunner{}
	l := &Launcher{Runner: run, Dial: (&stubDialer{}).dial}
	defer l.Cleanup(context.Background())

	setup := Setup{Region: "eastus", InstanceType: "Standard_DS1_v2",
		SetupFn: func(_ cloud.Session, _ zerolog.Logger) error {
			return errors.New("setup went sideways")
		}}
	err := l.Launch(context.Background(), batchOf(cloud.NamedSetup{Nickname: "a", Setup: setup}))
	var serr *cloud.SetupError
	if !errors.As(err, &serr) {
		t.Fatalf("got %v, want SetupError", err)
	}
}

func TestCleanupDeletesGroupOnce(t *testing.T) {
	run := &fakeRunner{}
	l := &Launcher{Runner: run, Dial: (&stubDialer{}).dial}
	if err := l.Launch(context.Background(), batchOf(named("a", "Standard_DS1_v2"))); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	keyPath := l.groups["eastus"].keyPath

	if err := l.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if run.deleteCalls != 1 {
		t.Fatalf("got %d group deletes, want 1", run.deleteCalls)
	}
	if _, err := os.Stat(keyPath); !os.IsNotExist(err) {
		t.Error("key file still present after cleanup")
	}
	if err := l.Cleanup(context.Background()); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
	if run.deleteCalls != 1 {
		t.Error("second cleanup repeated the group delete")
	}
}

func TestAvailableSizes(t *testing.T) {
	run := &fakeRunner{
		listSizesOut: []byte(`[{"name": "Standard_DS1_v2", "numberOfCores": 1}, {"name": "Standard_DS2_v2", "numberOfCores": 2}]`),
	}
	sizes, err := AvailableSizes(context.Background(), run, "eastus")
	if err != nil {
		t.Fatalf("AvailableSizes: %v", err)
	}
	if len(sizes) != 2 || sizes[0] != "Standard_DS1_v2" {
		t.Errorf("sizes = %v", sizes)
	}

	if _, err := AvailableSizes(context.Background(), run, "moonbase-alpha"); err == nil {
		t.Error("unknown region did not error")
	}
}

func TestValidateChecksInstanceType(t *testing.T) {
	run := &fakeRunner{listSizesOut: []byte(`[{"name": "Standard_DS1_v2"}]`)}
	s := Setup{Region: "eastus", InstanceType: "Standard_DS1_v2"}
	if err := s.Validate(context.Background(), run); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	s.InstanceType = "Standard_NV72"
	if err := s.Validate(context.Background(), run); err == nil {
		t.Error("unavailable size did not error")
	}
}
