// Package envelope implements the authenticated-encryption container
// exchanged between the caller and the enclave. The codec is curve-agnostic:
// it detects the recipient key family at read time and selects matching
// cipher parameters, because the two trust models use different curves.
package envelope

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto/ecies"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Supported envelope algorithms. The measured-VM model uses X25519; the
// encrypted-memory model's enclave crypto stack has no X25519 support, so
// those keys are secp256k1 with ECIES.
const (
	AlgX25519ChaCha20Poly1305 = "x25519-chacha20poly1305"
	AlgECIESSecp256k1         = "ecies-secp256k1"
)

// hkdfInfo domain-separates the envelope KDF from other uses of the keypair.
const hkdfInfo = "tee-prover envelope v1"

// ErrDecryptionFailed covers authentication-tag mismatches and malformed
// envelopes. Decryption is all-or-nothing; there is no partial success.
var ErrDecryptionFailed = errors.New("envelope decryption failed")

// Envelope is the self-describing ciphertext container. Binary fields are
// base64 on the wire (encoding/json handles []byte that way). An envelope is
// consumed exactly once.
type Envelope struct {
	Alg                string `json:"alg"`
	EphemeralPublicKey []byte `json:"ephemeralPublicKey,omitempty"`
	Nonce              []byte `json:"nonce,omitempty"`
	Ciphertext         []byte `json:"ciphertext"`
}

// Encode serializes the envelope for transport.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a serialized envelope without interpreting it.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Alg == "" || len(env.Ciphertext) == 0 {
		return nil, fmt.Errorf("malformed envelope: missing alg or ciphertext")
	}
	return &env, nil
}

// Encrypt seals plaintext to the given armored public key, selecting cipher
// parameters from the detected curve family.
func Encrypt(plaintext, publicKeyPEM []byte) (*Envelope, error) {
	pub, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	if pub.X25519 != nil {
		return encryptX25519(plaintext, pub.X25519)
	}
	return encryptSecp256k1(plaintext, pub.Secp256k1)
}

// PrivateKey is the decryption half held by the key custodian. The concrete
// type fixes the curve family; an envelope for the wrong family fails with
// ErrDecryptionFailed rather than being misinterpreted.
type PrivateKey interface {
	decryptEnvelope(*Envelope) ([]byte, error)
}

// Decrypt opens an envelope with the custodian's private key.
func Decrypt(env *Envelope, key PrivateKey) ([]byte, error) {
	if env == nil || key == nil {
		return nil, fmt.Errorf("%w: nil envelope or key", ErrDecryptionFailed)
	}
	return key.decryptEnvelope(env)
}

// X25519PrivateKey decrypts x25519-chacha20poly1305 envelopes.
type X25519PrivateKey struct {
	Key *ecdh.PrivateKey
}

// Secp256k1PrivateKey decrypts ecies-secp256k1 envelopes.
type Secp256k1PrivateKey struct {
	Key *ecies.PrivateKey
}

func encryptX25519(plaintext []byte, pub *ecdh.PublicKey) (*Envelope, error) {
	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	secret, err := eph.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("X25519 agreement failed: %w", err)
	}

	aead, err := aeadFromSecret(secret)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ephPub := eph.PublicKey().Bytes()
	return &Envelope{
		Alg:                AlgX25519ChaCha20Poly1305,
		EphemeralPublicKey: ephPub,
		Nonce:              nonce,
		// The ephemeral key is bound as additional data so it cannot be
		// swapped without failing authentication.
		Ciphertext: aead.Seal(nil, nonce, plaintext, ephPub),
	}, nil
}

func (k *X25519PrivateKey) decryptEnvelope(env *Envelope) ([]byte, error) {
	if env.Alg != AlgX25519ChaCha20Poly1305 {
		return nil, fmt.Errorf("%w: key family does not match envelope alg %q", ErrDecryptionFailed, env.Alg)
	}

	remote, err := ecdh.X25519().NewPublicKey(env.EphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ephemeral public key", ErrDecryptionFailed)
	}

	secret, err := k.Key.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("%w: X25519 agreement failed", ErrDecryptionFailed)
	}

	aead, err := aeadFromSecret(secret)
	if err != nil {
		return nil, err
	}

	if len(env.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrDecryptionFailed, len(env.Nonce))
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, env.EphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func encryptSecp256k1(plaintext []byte, pub *ecdsa.PublicKey) (*Envelope, error) {
	ciphertext, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), plaintext, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("ECIES encryption failed: %w", err)
	}
	return &Envelope{
		Alg:        AlgECIESSecp256k1,
		Ciphertext: ciphertext,
	}, nil
}

func (k *Secp256k1PrivateKey) decryptEnvelope(env *Envelope) ([]byte, error) {
	if env.Alg != AlgECIESSecp256k1 {
		return nil, fmt.Errorf("%w: key family does not match envelope alg %q", ErrDecryptionFailed, env.Alg)
	}
	plaintext, err := k.Key.Decrypt(env.Ciphertext, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func aeadFromSecret(secret []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("envelope KDF failed: %w", err)
	}
	return chacha20poly1305.New(key)
}
