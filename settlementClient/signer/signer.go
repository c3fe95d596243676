// Package signer holds the system member key and verifies member signatures
// over proposal transaction messages.
package signer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

const privateKeySize = 64

// Keypair is an ed25519 member key.
type Keypair struct {
	key solana.PrivateKey
}

// NewRandom generates a fresh keypair.
func NewRandom() (*Keypair, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return &Keypair{key: key}, nil
}

// FromPrivateKey wraps an existing 64-byte private key.
func FromPrivateKey(key solana.PrivateKey) (*Keypair, error) {
	if len(key) != privateKeySize {
		return nil, fmt.Errorf("invalid key length: expected %d bytes, got %d", privateKeySize, len(key))
	}
	return &Keypair{key: key}, nil
}

// LoadFromFile loads a keypair stored as a JSON array of 64 bytes, the format
// written by solana-keygen.
func LoadFromFile(path string) (*Keypair, error) {
	keyData, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
	}

	var keyBytes []byte
	if err := json.Unmarshal(keyData, &keyBytes); err != nil {
		return nil, fmt.Errorf("failed to parse key file as JSON array: %w", err)
	}

	return FromPrivateKey(solana.PrivateKey(keyBytes))
}

// SaveToFile writes the keypair in solana-keygen format with 0600 permissions.
func (k *Keypair) SaveToFile(path string) error {
	ints := make([]int, len(k.key))
	for i, b := range k.key {
		ints[i] = int(b)
	}
	data, err := json.Marshal(ints)
	if err != nil {
		return fmt.Errorf("failed to encode key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

func (k *Keypair) PublicKey() solana.PublicKey {
	return k.key.PublicKey()
}

// Address is the base58 public key.
func (k *Keypair) Address() string {
	return k.key.PublicKey().String()
}

func (k *Keypair) PrivateKey() solana.PrivateKey {
	return k.key
}

// Sign signs message and returns the base58 encoded signature.
func (k *Keypair) Sign(message []byte) (string, error) {
	sig, err := k.key.Sign(message)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	return base58.Encode(sig[:]), nil
}

// Verify reports whether signature (base58) is a valid signature of message
// by the base58 public key signer. Malformed inputs are errors, a well-formed
// signature that does not verify is (false, nil).
func Verify(signer string, message []byte, signature string) (bool, error) {
	pub, err := solana.PublicKeyFromBase58(signer)
	if err != nil {
		return false, fmt.Errorf("invalid signer public key: %w", err)
	}
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature: %w", err)
	}
	return sig.Verify(pub, message), nil
}
