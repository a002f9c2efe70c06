package envelope

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// PEM block types for the two supported key families. X25519 keys use the
// standard PKIX encoding; secp256k1 has no PKIX form, so those keys armor as
// a dedicated block holding the 65-byte uncompressed point.
const (
	pemTypePKIX      = "PUBLIC KEY"
	pemTypeSecp256k1 = "SECP256K1 PUBLIC KEY"
)

// PublicKey is a parsed recipient key. Exactly one field is set; the codec
// branches on which, never assuming a curve family.
type PublicKey struct {
	X25519    *ecdh.PublicKey
	Secp256k1 *ecdsa.PublicKey
}

// Alg returns the envelope algorithm matching this key's curve family.
func (k *PublicKey) Alg() string {
	if k.X25519 != nil {
		return AlgX25519ChaCha20Poly1305
	}
	return AlgECIESSecp256k1
}

// MarshalX25519PublicKey armors an X25519 public key as PKIX PEM.
func MarshalX25519PublicKey(pub *ecdh.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal X25519 public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePKIX, Bytes: der}), nil
}

// MarshalSecp256k1PublicKey armors a secp256k1 public key as an uncompressed
// point in a SECP256K1 PUBLIC KEY block.
func MarshalSecp256k1PublicKey(pub *ecdsa.PublicKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  pemTypeSecp256k1,
		Bytes: ethcrypto.FromECDSAPub(pub),
	})
}

// ParsePublicKey decodes an armored public key and detects its curve family
// from the PEM block type. Keys of any other type are rejected.
func ParsePublicKey(armored []byte) (*PublicKey, error) {
	block, _ := pem.Decode(armored)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in public key")
	}

	switch block.Type {
	case pemTypePKIX:
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKIX public key: %w", err)
		}
		ecdhPub, ok := parsed.(*ecdh.PublicKey)
		if !ok || ecdhPub.Curve() != ecdh.X25519() {
			return nil, fmt.Errorf("unsupported PKIX key type %T, expected X25519", parsed)
		}
		return &PublicKey{X25519: ecdhPub}, nil

	case pemTypeSecp256k1:
		pub, err := ethcrypto.UnmarshalPubkey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse secp256k1 public key: %w", err)
		}
		return &PublicKey{Secp256k1: pub}, nil
	}

	return nil, fmt.Errorf("unsupported public key PEM type: %s", block.Type)
}
