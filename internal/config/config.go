// Package config loads the fleet description file: which machines to
// spawn, on which providers, and how long to wait for them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/squall-dev/squall/pkg/cloud"
	"github.com/squall-dev/squall/pkg/cloud/aws"
	"github.com/squall-dev/squall/pkg/cloud/azure"
	"github.com/squall-dev/squall/pkg/cloud/baremetal"
)

// Duration wraps time.Duration so YAML values like "5m" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MachineConfig describes one machine entry. Count > 1 expands into
// numbered nicknames (name-0, name-1, ...).
type MachineConfig struct {
	Name         string `yaml:"name"`
	Provider     string `yaml:"provider"`
	Region       string `yaml:"region"`
	InstanceType string `yaml:"instance_type"`
	AMI          string `yaml:"ami"`
	Count        int    `yaml:"count"`

	// Baremetal only.
	Addr    string `yaml:"addr"`
	User    string `yaml:"user"`
	KeyPath string `yaml:"key_path"`
}

type SSHConfig struct {
	KnownHosts string `yaml:"known_hosts"`
}

type AWSConfig struct {
	MaxInstanceDurationHours int `yaml:"max_instance_duration_hours"`
}

// Config is the parsed fleet file.
type Config struct {
	MaxWait  Duration        `yaml:"max_wait"`
	SSH      SSHConfig       `yaml:"ssh"`
	AWS      AWSConfig       `yaml:"aws"`
	Machines []MachineConfig `yaml:"machines"`
}

// Load reads YAML configuration from a path. If path is empty, it resolves
// $XDG_CONFIG_HOME/squall/fleet.yaml or ~/.config/squall/fleet.yaml.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".config")
		}
		path = filepath.Join(base, "squall", "fleet.yaml")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.Machines) == 0 {
		return cloud.Configf("no machines defined")
	}
	seen := map[string]struct{}{}
	for _, m := range c.Machines {
		if m.Name == "" {
			return cloud.Configf("machine without a name")
		}
		if _, ok := seen[m.Name]; ok {
			return cloud.Configf("duplicate machine name %q", m.Name)
		}
		seen[m.Name] = struct{}{}
		if m.Count < 0 {
			return cloud.Configf("machine %q has negative count", m.Name)
		}
		switch m.Provider {
		case "aws", "azure":
		case "baremetal":
			if m.Addr == "" {
				return cloud.Configf("baremetal machine %q needs an addr", m.Name)
			}
		default:
			return cloud.Configf("machine %q has unknown provider %q", m.Name, m.Provider)
		}
	}
	return nil
}

// Fleet expands the machine entries into per-provider descriptor lists,
// applying counts and defaulting unset fields from each provider's
// defaults.
func (c Config) Fleet(setupFn cloud.SetupFn) (map[string][]cloud.NamedSetup, error) {
	fleet := map[string][]cloud.NamedSetup{}
	for _, m := range c.Machines {
		count := m.Count
		if count == 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			nickname := m.Name
			if count > 1 {
				nickname = fmt.Sprintf("%s-%d", m.Name, i)
			}
			setup, err := m.setup(setupFn)
			if err != nil {
				return nil, err
			}
			fleet[m.Provider] = append(fleet[m.Provider], cloud.NamedSetup{
				Nickname: nickname,
				Setup:    setup,
			})
		}
	}
	return fleet, nil
}

func (m MachineConfig) setup(setupFn cloud.SetupFn) (cloud.Setup, error) {
	switch m.Provider {
	case "aws":
		s := aws.DefaultSetup()
		if m.Region != "" {
			s.Region = m.Region
		}
		if m.InstanceType != "" {
			s.InstanceType = m.InstanceType
		}
		s.AMI = m.AMI
		s.SetupFn = setupFn
		return s, nil
	case "azure":
		s := azure.DefaultSetup()
		if m.Region != "" {
			s.Region = m.Region
		}
		if m.InstanceType != "" {
			s.InstanceType = m.InstanceType
		}
		s.SetupFn = setupFn
		return s, nil
	case "baremetal":
		s, err := baremetal.NewSetup(m.Addr, m.User)
		if err != nil {
			return nil, err
		}
		s.KeyPath = m.KeyPath
		s.SetupFn = setupFn
		return s, nil
	}
	return nil, cloud.Configf("unknown provider %q", m.Provider)
}
