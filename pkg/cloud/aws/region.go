package aws

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog"

	"github.com/squall-dev/squall/pkg/cloud"
	"github.com/squall-dev/squall/pkg/sshtools"
)

// pendingRequest ties a provider-issued spot request id back to the machine
// it was made for. Entries live only between request issuance and
// fulfillment resolution.
type pendingRequest struct {
	nickname string
	setup    Setup
}

// instanceRecord tracks one fulfilled instance. The address pair starts
// empty and is populated exactly once, when the instance reaches the
// running state with both a public IP and a public DNS name.
type instanceRecord struct {
	nickname  string
	setup     Setup
	publicIP  string
	publicDNS string
}

// region owns every resource allocated for one EC2 region: the temporary
// security group and keypair, outstanding spot requests, and fulfilled
// instances. Exactly one task drives a region at a time.
type region struct {
	name         string
	api          API
	log          zerolog.Logger
	dial         cloud.DialFunc
	pollInterval time.Duration
	retry        cloud.RetryConfig

	securityGroupID string
	keyName         string
	keyPath         string

	pending   map[string]pendingRequest
	instances map[string]*instanceRecord
}

// makeSecurityGroup creates a throwaway security group permitting inbound
// SSH and unrestricted intra-fleet TCP/UDP/ICMP.
func (r *region) makeSecurityGroup(ctx context.Context) error {
	groupName := cloud.RandName("security")
	r.log.Trace().Str("name", groupName).Msg("creating security group")
	created, err := r.api.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   awssdk.String(groupName),
		Description: awssdk.String("temporary access group for squall machines"),
	})
	if err != nil {
		return &cloud.ProviderError{Op: "create security group", Err: err}
	}
	groupID := awssdk.ToString(created.GroupId)
	r.log.Trace().Str("id", groupID).Msg("created security group")

	rules := []struct {
		proto    string
		from, to int32
	}{
		{"icmp", -1, -1},
		{"tcp", 0, 65535},
		{"udp", 0, 65535},
	}
	for _, rule := range rules {
		_, err := r.api.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:    awssdk.String(groupID),
			IpProtocol: awssdk.String(rule.proto),
			FromPort:   awssdk.Int32(rule.from),
			ToPort:     awssdk.Int32(rule.to),
			CidrIp:     awssdk.String("0.0.0.0/0"),
		})
		if err != nil {
			r.securityGroupID = groupID
			return &cloud.ProviderError{Op: "authorize security group ingress", Err: err}
		}
	}

	r.securityGroupID = groupID
	return nil
}

// makeKeyPair generates a provider-side keypair and persists the returned
// private key material to a scoped temporary file.
func (r *region) makeKeyPair(ctx context.Context) error {
	keyName := cloud.RandName("key")
	r.log.Trace().Str("name", keyName).Msg("creating keypair")
	created, err := r.api.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName: awssdk.String(keyName),
	})
	if err != nil {
		return &cloud.ProviderError{Op: "create key pair", Err: err}
	}
	r.keyName = keyName
	r.log.Trace().Str("fingerprint", awssdk.ToString(created.KeyFingerprint)).Msg("created keypair")

	f, err := os.CreateTemp("", "squall-key-*.pem")
	if err != nil {
		return fmt.Errorf("create temporary file for keypair: %w", err)
	}
	path := f.Name()
	_ = f.Close()
	if err := sshtools.WriteKeyMaterial(path, awssdk.ToString(created.KeyMaterial)); err != nil {
		return err
	}
	r.keyPath = path
	r.log.Trace().Str("path", path).Msg("wrote keypair to file")
	return nil
}

// requestSpot groups the batch's machines by (image, instance type) and
// issues one defined-duration spot request per group, recording one pending
// entry per returned request id.
func (r *region) requestSpot(ctx context.Context, machines []cloud.NamedSetup, durationMinutes int32) error {
	type groupKey struct {
		ami          string
		instanceType string
	}
	grouped := make(map[groupKey][]cloud.NamedSetup)
	var order []groupKey
	for _, m := range machines {
		setup, ok := m.Setup.(Setup)
		if !ok {
			return cloud.Configf("machine %q is not an EC2 descriptor", m.Nickname)
		}
		ami, err := setup.imageID()
		if err != nil {
			return err
		}
		key := groupKey{ami: ami, instanceType: setup.InstanceType}
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], m)
	}

	for _, key := range order {
		group := grouped[key]
		r.log.Trace().
			Str("ami", key.ami).
			Str("instance_type", key.instanceType).
			Int("count", len(group)).
			Msg("issuing spot request")

		res, err := r.api.RequestSpotInstances(ctx, &ec2.RequestSpotInstancesInput{
			InstanceCount:        awssdk.Int32(int32(len(group))),
			BlockDurationMinutes: awssdk.Int32(durationMinutes),
			// one-time spot requests are only fulfilled once and therefore
			// do not need to be re-cancelled after fulfillment.
			Type: ec2types.SpotInstanceTypeOneTime,
			LaunchSpecification: &ec2types.RequestSpotLaunchSpecification{
				ImageId:          awssdk.String(key.ami),
				InstanceType:     ec2types.InstanceType(key.instanceType),
				SecurityGroupIds: []string{r.securityGroupID},
				KeyName:          awssdk.String(r.keyName),
			},
		})
		if err != nil {
			return &cloud.ProviderError{Op: "request spot instances", Err: err}
		}

		var ids []string
		for _, sir := range res.SpotInstanceRequests {
			if sir.SpotInstanceRequestId == nil {
				continue
			}
			r.log.Trace().Str("id", *sir.SpotInstanceRequestId).Msg("activated spot request")
			ids = append(ids, *sir.SpotInstanceRequestId)
		}
		if len(ids) != len(group) {
			return &cloud.ProviderError{
				Op:  "request spot instances",
				Err: fmt.Errorf("got %d spot instance requests but expected %d", len(ids), len(group)),
			}
		}
		for i, id := range ids {
			r.pending[id] = pendingRequest{nickname: group[i].Nickname, setup: group[i].Setup.(Setup)}
		}
	}
	return nil
}

// waitForFulfillment polls the outstanding spot requests once per tick
// until none remain pending. Requests that resolve active are promoted into
// instance records; every other terminal state is logged and dropped. If
// the deadline expires first, all outstanding requests are cancelled and
// the batch fails with a timeout.
func (r *region) waitForFulfillment(ctx context.Context, maxWait time.Duration) error {
	if len(r.pending) == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	describe := &ec2.DescribeSpotInstanceRequestsInput{SpotInstanceRequestIds: ids}
	r.log.Debug().Int("requests", len(ids)).Msg("waiting for spot requests to be fulfilled")

	for {
		r.log.Trace().Msg("checking spot request status")
		res, err := r.api.DescribeSpotInstanceRequests(ctx, describe)
		switch {
		case err != nil && isSpotRequestNotVisible(err):
			// Freshly issued ids take a moment to reach the read path.
			r.log.Trace().Msg("spot requests not yet visible")
		case err != nil && ctx.Err() != nil:
			// Deadline raced the call; the select below turns it into a
			// timeout with cancellation.
		case err != nil:
			return &cloud.ProviderError{Op: "describe spot requests", Err: err}
		default:
			anyPending := false
			for _, sir := range res.SpotInstanceRequests {
				state := string(sir.State)
				if state == "open" || (state == "active" && sir.InstanceId == nil) {
					anyPending = true
				} else {
					r.log.Trace().
						Str("id", awssdk.ToString(sir.SpotInstanceRequestId)).
						Str("state", state).
						Msg("spot request resolved")
				}
			}
			if !anyPending {
				r.resolveRequests(res.SpotInstanceRequests)
				return nil
			}
		}

		select {
		case <-ctx.Done():
			r.cancelOutstanding(ids)
			return &cloud.TimeoutError{Stage: "spot request fulfillment", Wait: maxWait}
		case <-time.After(r.pollInterval):
		}
	}
}

// resolveRequests promotes fulfilled spot requests into instance records
// and drops failed ones. No request id stays pending past this point.
func (r *region) resolveRequests(sirs []ec2types.SpotInstanceRequest) {
	for _, sir := range sirs {
		id := awssdk.ToString(sir.SpotInstanceRequestId)
		req, ok := r.pending[id]
		if !ok {
			continue
		}
		delete(r.pending, id)
		if sir.State == ec2types.SpotInstanceStateActive && sir.InstanceId != nil {
			instanceID := *sir.InstanceId
			r.log.Trace().Str("request_id", id).Str("instance_id", instanceID).Msg("spot request satisfied")
			r.instances[instanceID] = &instanceRecord{nickname: req.nickname, setup: req.setup}
		} else {
			r.log.Error().
				Str("request_id", id).
				Str("state", string(sir.State)).
				Str("machine", req.nickname).
				Msg("spot request failed; machine dropped from batch")
		}
	}
	for id, req := range r.pending {
		r.log.Error().Str("request_id", id).Str("machine", req.nickname).Msg("spot request never reported; machine dropped from batch")
		delete(r.pending, id)
	}
}

// cancelOutstanding cancels all outstanding spot requests after a deadline
// expiry, waits briefly for in-flight fulfillments to settle, and describes
// once more for diagnostics. Requests that turned active during
// cancellation are logged but not tracked; callers should still expect to
// account for them manually under timeout.
func (r *region) cancelOutstanding(ids []string) {
	r.log.Warn().Msg("wait time exceeded, cancelling spot requests")
	cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := r.api.CancelSpotInstanceRequests(cctx, &ec2.CancelSpotInstanceRequestsInput{
		SpotInstanceRequestIds: ids,
	}); err != nil {
		r.log.Warn().Err(err).Msg("failed to cancel spot requests")
	}

	// Let cancellations settle and just-fulfilled requests pick up their
	// instance ids before the diagnostic describe.
	time.Sleep(r.pollInterval)

	res, err := r.api.DescribeSpotInstanceRequests(cctx, &ec2.DescribeSpotInstanceRequestsInput{
		SpotInstanceRequestIds: ids,
	})
	if err == nil {
		for _, sir := range res.SpotInstanceRequests {
			if sir.InstanceId != nil {
				r.log.Trace().
					Str("request_id", awssdk.ToString(sir.SpotInstanceRequestId)).
					Str("instance_id", *sir.InstanceId).
					Msg("spot request cancelled")
			} else {
				r.log.Error().
					Str("request_id", awssdk.ToString(sir.SpotInstanceRequestId)).
					Str("state", string(sir.State)).
					Msg("spot request failed")
			}
		}
	}

	for id, req := range r.pending {
		r.log.Warn().Str("request_id", id).Str("machine", req.nickname).Msg("spot request abandoned at deadline")
		delete(r.pending, id)
	}
}

// instanceReady reports whether an instance is running with both public
// address fields populated.
func instanceReady(inst ec2types.Instance) bool {
	if inst.State == nil || awssdk.ToInt32(inst.State.Code)&0xff != 16 {
		return false
	}
	return awssdk.ToString(inst.PublicIpAddress) != "" && awssdk.ToString(inst.PublicDnsName) != ""
}

// waitForReady polls instance state until every tracked instance is
// network-reachable, establishing SSH and running the user setup procedure
// as each one comes up. SSH or setup failure fails the whole batch.
func (r *region) waitForReady(ctx context.Context, maxWait time.Duration) error {
	if len(r.instances) == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.log.Debug().Int("instances", len(ids)).Msg("waiting for instances to become reachable")

	for {
		res, err := r.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids})
		if err != nil {
			if ctx.Err() != nil {
				return &cloud.TimeoutError{Stage: "instance readiness", Wait: maxWait}
			}
			return &cloud.ProviderError{Op: "describe instances", Err: err}
		}
		for _, reservation := range res.Reservations {
			for _, inst := range reservation.Instances {
				rec, ok := r.instances[awssdk.ToString(inst.InstanceId)]
				if !ok || rec.publicIP != "" || !instanceReady(inst) {
					continue
				}
				if err := r.bringUp(ctx, rec, inst); err != nil {
					return err
				}
			}
		}

		allReady := true
		for _, rec := range r.instances {
			if rec.publicIP == "" {
				allReady = false
				break
			}
		}
		if allReady {
			return nil
		}

		select {
		case <-ctx.Done():
			return &cloud.TimeoutError{Stage: "instance readiness", Wait: maxWait}
		case <-time.After(r.pollInterval):
		}
	}
}

// bringUp establishes SSH to a newly ready instance, records its address
// pair, and runs the user setup procedure if one was supplied.
func (r *region) bringUp(ctx context.Context, rec *instanceRecord, inst ec2types.Instance) error {
	ip := awssdk.ToString(inst.PublicIpAddress)
	dns := awssdk.ToString(inst.PublicDnsName)
	r.log.Trace().Str("instance_id", awssdk.ToString(inst.InstanceId)).Str("ip", ip).Msg("instance ready")

	sess, err := r.dial(ctx, r.log, sshUser, net.JoinHostPort(ip, "22"), r.keyPath)
	if err != nil {
		r.log.Error().Str("machine", rec.nickname).Str("ip", ip).Msg("failed to ssh to instance")
		return &cloud.ConnectError{Nickname: rec.nickname, Addr: ip, Err: err}
	}
	defer sess.Close()

	rec.publicIP = ip
	rec.publicDNS = dns

	if rec.setup.SetupFn != nil {
		r.log.Debug().Str("machine", rec.nickname).Str("ip", ip).Msg("setting up instance")
		if err := rec.setup.SetupFn(sess, r.log); err != nil {
			r.log.Error().
				Str("machine", rec.nickname).
				Str("ssh", fmt.Sprintf("ssh -i %s %s@%s", r.keyPath, sshUser, ip)).
				Msg("machine setup failed")
			return &cloud.SetupError{Nickname: rec.nickname, Err: err}
		}
		r.log.Info().Str("machine", rec.nickname).Str("ip", ip).Msg("finished setting up instance")
	}
	return nil
}

// connectAll re-establishes SSH to every instance with a recorded address.
// Instances that never became ready are skipped with a warning.
func (r *region) connectAll(ctx context.Context) (map[string]cloud.Machine, error) {
	out := make(map[string]cloud.Machine, len(r.instances))
	for id, rec := range r.instances {
		if rec.publicIP == "" {
			r.log.Warn().Str("instance_id", id).Str("machine", rec.nickname).Msg("instance never became ready; skipping")
			continue
		}
		sess, err := r.dial(ctx, r.log, sshUser, net.JoinHostPort(rec.publicIP, "22"), r.keyPath)
		if err != nil {
			return nil, &cloud.ConnectError{Nickname: rec.nickname, Addr: rec.publicIP, Err: err}
		}
		out[rec.nickname] = cloud.Machine{
			Nickname:  rec.nickname,
			PublicIP:  rec.publicIP,
			PublicDNS: rec.publicDNS,
			Session:   sess,
		}
	}
	return out, nil
}

// transientTerminateErr matches the network-layer failures worth retrying
// during instance termination. Anything else is logged and abandoned.
func transientTerminateErr(err error) bool {
	msg := err.Error()
	for _, sig := range []string{
		"connection reset",
		"broken pipe",
		"use of closed network connection",
		"unexpected EOF",
	} {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// cleanup releases everything the region allocated. Every step is
// independent and best-effort; failures degrade to warnings. Calling it
// again, or when nothing was allocated, is a no-op.
func (r *region) cleanup(ctx context.Context) {
	if len(r.instances) > 0 {
		ids := make([]string, 0, len(r.instances))
		for id := range r.instances {
			ids = append(ids, id)
		}
		r.instances = make(map[string]*instanceRecord)
		r.log.Info().Int("count", len(ids)).Msg("terminating instances")
		err := r.retry.Do(ctx, r.log, func() error {
			_, err := r.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
			return err
		}, transientTerminateErr)
		if err != nil {
			r.log.Warn().Err(err).Msg("failed to terminate instances")
		}
	}

	r.log.Debug().Msg("cleaning up temporary resources")
	if r.securityGroupID != "" {
		// Deleting the group right after termination can race the
		// provider's settling period; the failure is logged, not retried.
		r.log.Trace().Str("id", r.securityGroupID).Msg("deleting temporary security group")
		if _, err := r.api.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
			GroupId: awssdk.String(r.securityGroupID),
		}); err != nil {
			r.log.Warn().Err(err).Str("group_id", r.securityGroupID).Msg("failed to delete temporary security group")
		}
		r.securityGroupID = ""
	}

	if r.keyName != "" {
		r.log.Trace().Str("name", r.keyName).Msg("deleting temporary keypair")
		if _, err := r.api.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{
			KeyName: awssdk.String(r.keyName),
		}); err != nil {
			r.log.Warn().Err(err).Str("key_name", r.keyName).Msg("failed to delete temporary keypair")
		}
		r.keyName = ""
	}

	if r.keyPath != "" {
		_ = os.Remove(r.keyPath)
		r.keyPath = ""
	}
}
