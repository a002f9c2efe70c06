// Package custodian owns the enclave's asymmetric keypair. The keypair is
// generated eagerly, once per process, and is read-only afterwards; the
// private half never serializes and never crosses a process boundary.
package custodian

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"

	"tee-prover/envelope"
	"tee-prover/shared"
)

// Custodian holds the keypair for one enclave process lifetime. There is no
// rotation: a new process means a new key and a new attestation. The struct
// is immutable after New, so concurrent Decrypt calls need no locking.
type Custodian struct {
	mode      shared.Mode
	priv      envelope.PrivateKey
	publicPEM []byte
}

// New generates a fresh keypair for the given trust mode. Generation happens
// here rather than on first use so the first real request does not pay the
// latency. The measured-VM model uses X25519; the encrypted-memory model
// uses secp256k1 because its enclave crypto stack has no X25519.
func New(mode shared.Mode) (*Custodian, error) {
	switch mode {
	case shared.ModeStandard, shared.ModeMeasuredVM:
		key, err := ecdh.X25519().GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate X25519 keypair: %w", err)
		}
		publicPEM, err := envelope.MarshalX25519PublicKey(key.PublicKey())
		if err != nil {
			return nil, err
		}
		return &Custodian{
			mode:      mode,
			priv:      &envelope.X25519PrivateKey{Key: key},
			publicPEM: publicPEM,
		}, nil

	case shared.ModeEncryptedMemory:
		key, err := ethcrypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate secp256k1 keypair: %w", err)
		}
		return &Custodian{
			mode:      mode,
			priv:      &envelope.Secp256k1PrivateKey{Key: ecies.ImportECDSA(key)},
			publicPEM: envelope.MarshalSecp256k1PublicKey(&key.PublicKey),
		}, nil
	}

	return nil, fmt.Errorf("unknown trust mode: %q", mode)
}

// Mode returns the trust mode the keypair was generated for.
func (c *Custodian) Mode() shared.Mode {
	return c.mode
}

// PublicKeyPEM returns the armored public half.
func (c *Custodian) PublicKeyPEM() []byte {
	out := make([]byte, len(c.publicPEM))
	copy(out, c.publicPEM)
	return out
}

// Fingerprint returns the SHA-256 of the armored public key. This is the
// caller-bound value embedded in attestation evidence.
func (c *Custodian) Fingerprint() []byte {
	sum := sha256.Sum256(c.publicPEM)
	return sum[:]
}

// Decrypt opens an envelope sealed to this custodian's public key. It fails
// with envelope.ErrDecryptionFailed on any authentication or format problem.
func (c *Custodian) Decrypt(env *envelope.Envelope) ([]byte, error) {
	return envelope.Decrypt(env, c.priv)
}

// DecryptSerialized parses a serialized envelope and decrypts it.
func (c *Custodian) DecryptSerialized(data []byte) ([]byte, error) {
	env, err := envelope.DecodeEnvelope(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", envelope.ErrDecryptionFailed, err)
	}
	return c.Decrypt(env)
}
