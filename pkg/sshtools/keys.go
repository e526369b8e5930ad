package sshtools

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	xssh "golang.org/x/crypto/ssh"
)

// GenerateEd25519Keypair creates an ed25519 keypair, writes the private key
// to disk in PEM (PKCS#8) format without a passphrase, and returns the
// public key in authorized_keys form.
func GenerateEd25519Keypair(privateKeyPath string) (publicAuthorized string, err error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	signer, err := xssh.NewSignerFromKey(priv)
	if err != nil {
		return "", fmt.Errorf("signer: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(privateKeyPath, pemBytes, 0600); err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}

	return string(xssh.MarshalAuthorizedKey(signer.PublicKey())), nil
}

// WriteKeyMaterial persists provider-issued private key material (e.g. the
// PEM blob EC2 returns from CreateKeyPair) to a file readable only by the
// current user.
func WriteKeyMaterial(path, material string) error {
	if err := os.WriteFile(path, []byte(material), 0600); err != nil {
		return fmt.Errorf("write key material: %w", err)
	}
	return nil
}

// LoadPrivateKeySigner reads an OpenSSH/PEM private key file and returns an
// ssh.Signer.
func LoadPrivateKeySigner(privateKeyPath string) (xssh.Signer, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := xssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
