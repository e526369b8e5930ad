// Package aws launches fleets of EC2 defined-duration spot instances: one
// batched capacity request per descriptor group, polled until fulfilled,
// then polled again until the instances are reachable over SSH. Every
// resource the launcher allocates (spot requests, instances, the temporary
// security group and keypair) is released by Cleanup.
package aws

import (
	"github.com/squall-dev/squall/pkg/cloud"
)

// sshUser is the login user baked into the Ubuntu AMIs below.
const sshUser = "ubuntu"

// Setup describes one EC2 machine to launch.
//
// AMI is optional: when empty it is resolved from the per-region Ubuntu
// table at launch time, and an unsupported region fails with a
// configuration error. Setting Region directly leaves AMI untouched, so
// callers picking a non-default region must either set AMI or use a region
// the Ubuntu table covers.
type Setup struct {
	Region       string
	InstanceType string
	AMI          string
	SetupFn      cloud.SetupFn
}

// DefaultSetup returns a t3.small in us-east-1 running Ubuntu.
func DefaultSetup() Setup {
	return Setup{
		Region:       "us-east-1",
		InstanceType: "t3.small",
	}
}

// RegionKey implements cloud.Setup.
func (s Setup) RegionKey() string { return s.Region }

// imageID resolves the AMI to launch, falling back to the per-region
// Ubuntu image table.
func (s Setup) imageID() (string, error) {
	if s.AMI != "" {
		return s.AMI, nil
	}
	return ubuntuAMI(s.Region)
}

// ubuntuAMI maps a region to its Ubuntu LTS image.
// https://cloud-images.ubuntu.com/locator/
func ubuntuAMI(region string) (string, error) {
	amis := map[string]string{
		"ap-east-1":      "ami-e0ff8491",          // Hong Kong
		"ap-northeast-1": "ami-0cb1c8cab7f5249b6", // Tokyo
		"ap-northeast-2": "ami-081626bfb3fbc9f49", // Seoul
		"ap-south-1":     "ami-0cf8402efdb171312", // Mumbai
		"ap-southeast-1": "ami-099d318f80eab7e94", // Singapore
		"ap-southeast-2": "ami-08a648fb5cc86fb74", // Sydney
		"ca-central-1":   "ami-0bc1dd4eb012a451e", // Canada
		"eu-central-1":   "ami-0cdab515472ca0bac", // Frankfurt
		"eu-north-1":     "ami-c37bf0bd",          // Stockholm
		"eu-west-1":      "ami-01cca82393e531118", // Ireland
		"eu-west-2":      "ami-0a7c91b6616d113b1", // London
		"eu-west-3":      "ami-033e0056c336ecff0", // Paris
		"sa-east-1":      "ami-094c359b4d8c6a8ca", // Sao Paulo
		"us-east-1":      "ami-064a0193585662d74", // N Virginia
		"us-east-2":      "ami-021b7b04f1ac696c2", // Ohio
		"us-west-1":      "ami-056d04da775d124d7", // N California
		"us-west-2":      "ami-09a3d8a7177216dcf", // Oregon
	}
	ami, ok := amis[region]
	if !ok {
		return "", cloud.Configf("no Ubuntu image known for region %q; set AMI explicitly", region)
	}
	return ami, nil
}
