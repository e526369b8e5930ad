package aws

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/squall-dev/squall/pkg/cloud"
	"github.com/squall-dev/squall/pkg/sshtools"
)

// maxInstanceDuration is the longest defined-duration lifetime EC2 will
// grant a spot instance.
const maxInstanceDuration = 6 * time.Hour

const defaultPollInterval = time.Second

// Launcher provisions EC2 spot instances. The zero value is ready to use
// with ambient AWS credentials; tests swap NewAPI and Dial for fakes.
//
// Instances are requested with a defined duration so that machines are
// reclaimed by the provider even if teardown never runs.
type Launcher struct {
	// MaxInstanceDuration bounds the defined-duration lifetime of every
	// instance. Zero or anything above six hours means six hours.
	MaxInstanceDuration time.Duration

	// PollInterval is the delay between provider status checks during the
	// fulfillment and readiness stages. Zero means one second.
	PollInterval time.Duration

	// NewAPI opens an EC2 client for a region. Nil means the default
	// client built from the ambient credential chain.
	NewAPI func(ctx context.Context, region string) (API, error)

	// Dial establishes SSH sessions to ready instances. Nil means the
	// standard SSH dialer.
	Dial cloud.DialFunc

	mu      sync.Mutex
	regions map[string]*region
}

func (l *Launcher) durationMinutes() int32 {
	d := l.MaxInstanceDuration
	if d <= 0 || d > maxInstanceDuration {
		d = maxInstanceDuration
	}
	return int32(d / time.Minute)
}

func sshDial(ctx context.Context, log zerolog.Logger, user, addr, keyPath string) (cloud.Session, error) {
	return sshtools.Dialer{}.Connect(ctx, log, user, addr, keyPath)
}

// regionFor returns the state for batch.Region, opening a client and
// registering the region on first use. Registration happens before any
// resource is allocated so Cleanup covers partially launched regions.
func (l *Launcher) regionFor(ctx context.Context, batch cloud.LaunchBatch) (*region, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.regions == nil {
		l.regions = make(map[string]*region)
	}
	if r, ok := l.regions[batch.Region]; ok {
		return r, false, nil
	}

	newAPI := l.NewAPI
	if newAPI == nil {
		newAPI = defaultAPI
	}
	api, err := newAPI(ctx, batch.Region)
	if err != nil {
		return nil, false, &cloud.ProviderError{Op: "connect to region " + batch.Region, Err: err}
	}

	dial := l.Dial
	if dial == nil {
		dial = sshDial
	}
	interval := l.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	r := &region{
		name:         batch.Region,
		api:          api,
		log:          batch.Log,
		dial:         dial,
		pollInterval: interval,
		retry:        cloud.DefaultRetryConfig(),
		pending:      make(map[string]pendingRequest),
		instances:    make(map[string]*instanceRecord),
	}
	l.regions[batch.Region] = r
	return r, true, nil
}

// Launch provisions one batch of machines in batch.Region: it requests
// spot capacity, waits for fulfillment and readiness under batch.MaxWait,
// and runs each machine's setup over SSH. On error the provisioned
// resources stay tracked for Cleanup.
func (l *Launcher) Launch(ctx context.Context, batch cloud.LaunchBatch) error {
	if len(batch.Machines) == 0 {
		return cloud.Configf("no machines to launch in region %s", batch.Region)
	}
	ctx, cancel := batch.Deadline(ctx)
	defer cancel()

	r, created, err := l.regionFor(ctx, batch)
	if err != nil {
		return err
	}
	if created {
		if err := r.makeSecurityGroup(ctx); err != nil {
			return err
		}
		if err := r.makeKeyPair(ctx); err != nil {
			return err
		}
	}

	if err := r.requestSpot(ctx, batch.Machines, l.durationMinutes()); err != nil {
		return err
	}
	if err := r.waitForFulfillment(ctx, batch.MaxWait); err != nil {
		return err
	}
	return r.waitForReady(ctx, batch.MaxWait)
}

// ConnectAll opens a fresh SSH session to every successfully launched
// machine across all regions.
func (l *Launcher) ConnectAll(ctx context.Context) (map[string]cloud.Machine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var all []map[string]cloud.Machine
	for _, r := range l.regions {
		machines, err := r.connectAll(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, machines)
	}
	return cloud.MergeConnections(all...)
}

// Cleanup tears down every resource the launcher allocated: instances,
// security groups, and keypairs, in every region. It runs even when ctx is
// already cancelled, never fails, and is safe to call more than once.
func (l *Launcher) Cleanup(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.regions {
		r.cleanup(ctx)
	}
	return nil
}
