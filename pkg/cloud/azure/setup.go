// Package azure launches Ubuntu VMs through the az CLI. Each region gets
// one throwaway resource group, which makes teardown a single group delete.
// It assumes `az login` has been run beforehand.
package azure

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/squall-dev/squall/pkg/cloud"
)

const sshUser = "ubuntu"

// regions lists every location VMs may be placed in.
var regions = map[string]struct{}{
	"eastus": {}, "eastus2": {}, "westus": {}, "centralus": {},
	"northcentralus": {}, "southcentralus": {}, "northeurope": {},
	"westeurope": {}, "eastasia": {}, "southeastasia": {}, "japaneast": {},
	"japanwest": {}, "australiaeast": {}, "australiasoutheast": {},
	"australiacentral": {}, "brazilsouth": {}, "southindia": {},
	"centralindia": {}, "westindia": {}, "canadacentral": {},
	"canadaeast": {}, "westus2": {}, "westcentralus": {}, "uksouth": {},
	"ukwest": {}, "koreacentral": {}, "koreasouth": {}, "francecentral": {},
	"southafricanorth": {}, "uaenorth": {}, "germanywestcentral": {},
}

func validRegion(name string) error {
	if _, ok := regions[name]; !ok {
		return cloud.Configf("unknown azure region %q", name)
	}
	return nil
}

// Setup describes one Azure VM. Only Ubuntu LTS images are supported.
type Setup struct {
	Region       string
	InstanceType string
	SetupFn      cloud.SetupFn
}

// DefaultSetup returns a Standard_DS1_v2 in eastus.
func DefaultSetup() Setup {
	return Setup{
		Region:       "eastus",
		InstanceType: "Standard_DS1_v2",
	}
}

// RegionKey implements cloud.Setup.
func (s Setup) RegionKey() string { return s.Region }

// Validate checks the region name and confirms the instance type is
// offered there, using `az vm list-sizes`.
func (s Setup) Validate(ctx context.Context, run Runner) error {
	if err := validRegion(s.Region); err != nil {
		return err
	}
	sizes, err := AvailableSizes(ctx, run, s.Region)
	if err != nil {
		return err
	}
	for _, size := range sizes {
		if size == s.InstanceType {
			return nil
		}
	}
	return cloud.Configf("%s is not a valid instance type in %s", s.InstanceType, s.Region)
}

// AvailableSizes lists the VM sizes offered in a region.
func AvailableSizes(ctx context.Context, run Runner, region string) ([]string, error) {
	if err := validRegion(region); err != nil {
		return nil, err
	}
	if run == nil {
		run = execRunner{}
	}
	out, err := run.Run(ctx, "vm", "list-sizes", "--location", region, "--output", "json")
	if err != nil {
		return nil, &cloud.ProviderError{Op: "list vm sizes", Err: err}
	}
	var sizes []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(out, &sizes); err != nil {
		return nil, &cloud.ProviderError{Op: "list vm sizes", Err: fmt.Errorf("parse output: %w", err)}
	}
	names := make([]string, len(sizes))
	for i, s := range sizes {
		names[i] = s.Name
	}
	return names, nil
}
