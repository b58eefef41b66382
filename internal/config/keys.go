package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// workerNamespace scopes worker ids derived from identity keys.
var workerNamespace = uuid.MustParse("6f1c3a52-7d0e-4b8e-9a57-2f4c1d9e8b30")

// GenerateWorkerKey generates an ed25519 identity key and saves it in
// OpenSSH format to privPath, with the public key in privPath.pub.
func GenerateWorkerKey(privPath string) (ed25519.PrivateKey, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("create SSH public key: %w", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "chunkmesh worker")
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(privPath), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(privPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(privPath+".pub", ssh.MarshalAuthorizedKey(sshPubKey), 0644); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}
	return privKey, nil
}

// LoadWorkerKey loads an ed25519 identity key in OpenSSH format.
func LoadWorkerKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	key, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	switch k := key.(type) {
	case *ed25519.PrivateKey:
		return *k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("key is not ED25519 (got %T)", key)
	}
}

// EnsureWorkerKey loads the identity key at path, generating it on first use.
func EnsureWorkerKey(path string) (ed25519.PrivateKey, error) {
	key, err := LoadWorkerKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return GenerateWorkerKey(path)
}

// WorkerIDFromKey derives a stable worker id from a public key.
func WorkerIDFromKey(pub ed25519.PublicKey) string {
	return uuid.NewSHA1(workerNamespace, pub).String()
}

// Fingerprint returns the SHA256 fingerprint of a public key as printed by ssh-keygen.
func Fingerprint(pub ed25519.PublicKey) string {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return ""
	}
	return ssh.FingerprintSHA256(sshPub)
}

// EncodePublicKey encodes a public key in base64 SSH wire format for transmission.
func EncodePublicKey(pub ed25519.PublicKey) (string, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("create SSH public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sshPub.Marshal()), nil
}

// DecodePublicKey decodes a key produced by EncodePublicKey.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	sshPub, err := ssh.ParsePublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	cryptoPub, ok := sshPub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("SSH key does not expose its crypto key")
	}
	pub, ok := cryptoPub.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("SSH key is not an ED25519 key")
	}
	return pub, nil
}
