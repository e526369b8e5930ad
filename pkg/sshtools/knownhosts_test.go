package sshtools

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestKnownHostsAppend(t *testing.T) {
	dir := t.TempDir()
	kh := filepath.Join(dir, "known_hosts")
	priv := filepath.Join(dir, "id_ed25519")
	pub, err := GenerateEd25519Keypair(priv)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if err := AppendKnownHost(kh, "example.com", pub); err != nil {
		t.Fatalf("append known host: %v", err)
	}
	b, err := os.ReadFile(kh)
	if err != nil {
		t.Fatalf("read known_hosts: %v", err)
	}
	if !strings.Contains(string(b), "example.com") {
		t.Fatalf("entry missing host: %q", b)
	}

	if _, err := LoadKnownHostsCallback(kh); err != nil {
		t.Fatalf("load callback: %v", err)
	}
}

func TestDialerRejectsMismatchedHostKey(t *testing.T) {
	dir := t.TempDir()
	kh := filepath.Join(dir, "known_hosts")

	trustedPub, err := GenerateEd25519Keypair(filepath.Join(dir, "trusted"))
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if err := AppendKnownHost(kh, "203.0.113.5", trustedPub); err != nil {
		t.Fatalf("append known host: %v", err)
	}

	d := Dialer{KnownHostsPath: kh}
	clientSigner, err := LoadPrivateKeySigner(filepath.Join(dir, "trusted"))
	if err != nil {
		t.Fatalf("load signer: %v", err)
	}
	cfg, err := d.config("ubuntu", clientSigner)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	addr := &net.TCPAddr{IP: net.ParseIP("203.0.113.5"), Port: 22}

	trusted, err := LoadPrivateKeySigner(filepath.Join(dir, "trusted"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.HostKeyCallback("203.0.113.5:22", addr, trusted.PublicKey()); err != nil {
		t.Errorf("trusted host key rejected: %v", err)
	}

	if _, err := GenerateEd25519Keypair(filepath.Join(dir, "imposter")); err != nil {
		t.Fatal(err)
	}
	imposter, err := LoadPrivateKeySigner(filepath.Join(dir, "imposter"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.HostKeyCallback("203.0.113.5:22", addr, imposter.PublicKey()); err == nil {
		t.Error("mismatched host key accepted with known_hosts checking enabled")
	}
}

func TestEnsureKnownHostsFileCreatesMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "known_hosts")
	if err := EnsureKnownHostsFile(path); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file not created: %v", err)
	}
}
