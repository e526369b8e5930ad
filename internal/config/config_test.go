package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/squall-dev/squall/pkg/cloud"
	"github.com/squall-dev/squall/pkg/cloud/aws"
	"github.com/squall-dev/squall/pkg/cloud/baremetal"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFleetFile(t *testing.T) {
	path := writeConfig(t, `
max_wait: 5m
ssh:
  known_hosts: /tmp/kh
aws:
  max_instance_duration_hours: 2
machines:
  - name: server
    provider: aws
    region: eu-west-1
    instance_type: m5.large
    count: 3
  - name: lab
    provider: baremetal
    addr: 192.0.2.9:2222
    user: op
    key_path: /tmp/key
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if time.Duration(cfg.MaxWait) != 5*time.Minute {
		t.Errorf("MaxWait = %v", time.Duration(cfg.MaxWait))
	}
	if cfg.AWS.MaxInstanceDurationHours != 2 {
		t.Errorf("duration hours = %d", cfg.AWS.MaxInstanceDurationHours)
	}
	if cfg.SSH.KnownHosts != "/tmp/kh" {
		t.Errorf("known_hosts = %q", cfg.SSH.KnownHosts)
	}

	fleet, err := cfg.Fleet(nil)
	if err != nil {
		t.Fatalf("Fleet: %v", err)
	}
	if len(fleet["aws"]) != 3 {
		t.Fatalf("aws fleet = %d machines, want 3", len(fleet["aws"]))
	}
	if fleet["aws"][0].Nickname != "server-0" || fleet["aws"][2].Nickname != "server-2" {
		t.Errorf("expanded nicknames = %q..%q", fleet["aws"][0].Nickname, fleet["aws"][2].Nickname)
	}
	setup := fleet["aws"][0].Setup.(aws.Setup)
	if setup.Region != "eu-west-1" || setup.InstanceType != "m5.large" {
		t.Errorf("aws setup = %+v", setup)
	}

	if len(fleet["baremetal"]) != 1 {
		t.Fatalf("baremetal fleet = %d machines, want 1", len(fleet["baremetal"]))
	}
	bare := fleet["baremetal"][0].Setup.(baremetal.Setup)
	if bare.Addrs[0] != "192.0.2.9:2222" || bare.User != "op" || bare.KeyPath != "/tmp/key" {
		t.Errorf("baremetal setup = %+v", bare)
	}
}

func TestLoadAppliesProviderDefaults(t *testing.T) {
	path := writeConfig(t, `
machines:
  - name: box
    provider: aws
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	fleet, err := cfg.Fleet(nil)
	if err != nil {
		t.Fatalf("Fleet: %v", err)
	}
	setup := fleet["aws"][0].Setup.(aws.Setup)
	if setup.Region != "us-east-1" || setup.InstanceType != "t3.small" {
		t.Errorf("defaults not applied: %+v", setup)
	}
	if fleet["aws"][0].Nickname != "box" {
		t.Errorf("count-1 machine nickname = %q, want unnumbered", fleet["aws"][0].Nickname)
	}
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	cases := map[string]string{
		"no machines":      `max_wait: 1m`,
		"unknown provider": "machines:\n  - name: x\n    provider: gcp\n",
		"duplicate names":  "machines:\n  - name: x\n    provider: aws\n  - name: x\n    provider: aws\n",
		"bare without addr": "machines:\n  - name: x\n    provider: baremetal\n",
	}
	for name, content := range cases {
		_, err := Load(writeConfig(t, content))
		var cerr *cloud.ConfigError
		if !errors.As(err, &cerr) {
			t.Errorf("%s: got %v, want ConfigError", name, err)
		}
	}
}

func TestLoadSecretsEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	content := "# comment\nAWS_ACCESS_KEY_ID=AKIAEXAMPLE\n\nAWS_SECRET_ACCESS_KEY = shh \n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	secrets, err := LoadSecretsEnv(path)
	if err != nil {
		t.Fatalf("LoadSecretsEnv: %v", err)
	}
	if secrets["AWS_ACCESS_KEY_ID"] != "AKIAEXAMPLE" {
		t.Errorf("key id = %q", secrets["AWS_ACCESS_KEY_ID"])
	}
	if secrets["AWS_SECRET_ACCESS_KEY"] != "shh" {
		t.Errorf("secret not trimmed: %q", secrets["AWS_SECRET_ACCESS_KEY"])
	}

	missing, err := LoadSecretsEnv(filepath.Join(t.TempDir(), "nope.env"))
	if err != nil || len(missing) != 0 {
		t.Errorf("missing file: got %v, %v", missing, err)
	}
}
