package custodian

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"

	"tee-prover/envelope"
	"tee-prover/shared"
)

func TestNew(t *testing.T) {
	t.Run("measured-vm uses X25519", func(t *testing.T) {
		c, err := New(shared.ModeMeasuredVM)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		pub, err := envelope.ParsePublicKey(c.PublicKeyPEM())
		if err != nil {
			t.Fatalf("Failed to parse armored key: %v", err)
		}
		if pub.X25519 == nil {
			t.Error("Expected an X25519 key for measured-vm mode")
		}
	})

	t.Run("encrypted-memory uses secp256k1", func(t *testing.T) {
		c, err := New(shared.ModeEncryptedMemory)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		pub, err := envelope.ParsePublicKey(c.PublicKeyPEM())
		if err != nil {
			t.Fatalf("Failed to parse armored key: %v", err)
		}
		if pub.Secp256k1 == nil {
			t.Error("Expected a secp256k1 key for encrypted-memory mode")
		}
	})

	t.Run("rejects unknown mode", func(t *testing.T) {
		if _, err := New(shared.Mode("bogus")); err == nil {
			t.Error("Expected error for unknown mode")
		}
	})

	t.Run("fresh keys per custodian", func(t *testing.T) {
		a, err := New(shared.ModeMeasuredVM)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		b, err := New(shared.ModeMeasuredVM)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if bytes.Equal(a.PublicKeyPEM(), b.PublicKeyPEM()) {
			t.Error("Two custodians produced the same public key")
		}
	})
}

func TestFingerprint(t *testing.T) {
	c, err := New(shared.ModeEncryptedMemory)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	expected := sha256.Sum256(c.PublicKeyPEM())
	if !bytes.Equal(c.Fingerprint(), expected[:]) {
		t.Error("Fingerprint is not the SHA-256 of the armored public key")
	}
}

func TestDecrypt(t *testing.T) {
	for _, mode := range []shared.Mode{shared.ModeMeasuredVM, shared.ModeEncryptedMemory} {
		t.Run(string(mode), func(t *testing.T) {
			c, err := New(mode)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}

			env, err := envelope.Encrypt([]byte("delegated input"), c.PublicKeyPEM())
			if err != nil {
				t.Fatalf("Encrypt failed: %v", err)
			}

			got, err := c.Decrypt(env)
			if err != nil {
				t.Fatalf("Decrypt failed: %v", err)
			}
			if string(got) != "delegated input" {
				t.Errorf("Unexpected plaintext: %q", got)
			}
		})
	}
}

func TestDecryptSerialized(t *testing.T) {
	c, err := New(shared.ModeMeasuredVM)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	env, err := envelope.Encrypt([]byte("wire payload"), c.PublicKeyPEM())
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	encoded, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := c.DecryptSerialized(encoded)
	if err != nil {
		t.Fatalf("DecryptSerialized failed: %v", err)
	}
	if string(got) != "wire payload" {
		t.Errorf("Unexpected plaintext: %q", got)
	}

	t.Run("malformed envelope", func(t *testing.T) {
		if _, err := c.DecryptSerialized([]byte("garbage")); !errors.Is(err, envelope.ErrDecryptionFailed) {
			t.Errorf("Expected ErrDecryptionFailed, got %v", err)
		}
	})

	t.Run("envelope for another key", func(t *testing.T) {
		other, err := New(shared.ModeMeasuredVM)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		env, err := envelope.Encrypt([]byte("secret"), other.PublicKeyPEM())
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		encoded, err := env.Encode()
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if _, err := c.DecryptSerialized(encoded); !errors.Is(err, envelope.ErrDecryptionFailed) {
			t.Errorf("Expected ErrDecryptionFailed, got %v", err)
		}
	})
}
