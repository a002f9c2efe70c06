package attestation

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// testChain is a synthetic hardware-vendor PKI: root -> intermediate ->
// leaf, all ECDSA P-384, standing in for the real root of trust via the
// RootPEM verification option.
type testChain struct {
	rootPEM   []byte
	rootDER   []byte
	interDER  []byte
	leafDER   []byte
	leafKey   *ecdsa.PrivateKey
	notBefore time.Time
}

func newTestChain(t *testing.T, now time.Time) *testChain {
	t.Helper()

	notBefore := now.Add(-24 * time.Hour)
	notAfter := now.Add(24 * time.Hour)

	newCert := func(template, parent *x509.Certificate, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey) []byte {
		der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
		if err != nil {
			t.Fatalf("Failed to create certificate: %v", err)
		}
		return der
	}
	newKey := func() *ecdsa.PrivateKey {
		key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		if err != nil {
			t.Fatalf("Failed to generate key: %v", err)
		}
		return key
	}

	rootKey := newKey()
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test.attestation.root"},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SignatureAlgorithm:    x509.ECDSAWithSHA384,
	}
	rootDER := newCert(rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		t.Fatalf("Failed to parse root: %v", err)
	}

	interKey := newKey()
	interTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "test.attestation.intermediate"},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SignatureAlgorithm:    x509.ECDSAWithSHA384,
	}
	interDER := newCert(interTemplate, rootCert, &interKey.PublicKey, rootKey)
	interCert, err := x509.ParseCertificate(interDER)
	if err != nil {
		t.Fatalf("Failed to parse intermediate: %v", err)
	}

	leafKey := newKey()
	leafTemplate := &x509.Certificate{
		SerialNumber:       big.NewInt(3),
		Subject:            pkix.Name{CommonName: "test.attestation.leaf"},
		NotBefore:          notBefore,
		NotAfter:           notAfter,
		KeyUsage:           x509.KeyUsageDigitalSignature,
		SignatureAlgorithm: x509.ECDSAWithSHA384,
	}
	leafDER := newCert(leafTemplate, interCert, &leafKey.PublicKey, interKey)

	return &testChain{
		rootPEM:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rootDER}),
		rootDER:   rootDER,
		interDER:  interDER,
		leafDER:   leafDER,
		leafKey:   leafKey,
		notBefore: notBefore,
	}
}

// testDocument builds a valid document bound to publicKeyPEM, issued at the
// given time. Callers mutate the result before signing to model attacks.
func testDocument(chain *testChain, publicKeyPEM []byte, issuedAt time.Time) *Document {
	fingerprint := sha256.Sum256(publicKeyPEM)
	pcr0 := make([]byte, 48)
	pcr1 := make([]byte, 48)
	pcr1[0] = 0x42
	return &Document{
		ModuleID:    "i-0123456789abcdef0-enc0123456789abcdef",
		Digest:      "SHA384",
		Timestamp:   uint64(issuedAt.UnixMilli()),
		PCRs:        map[int][]byte{0: pcr0, 1: pcr1},
		Certificate: chain.leafDER,
		CABundle:    [][]byte{chain.rootDER, chain.interDER},
		PublicKey:   publicKeyPEM,
		UserData:    fingerprint[:],
	}
}

// signTestDocument produces the COSE_Sign1 encoding of doc under the chain's
// leaf key.
func signTestDocument(t *testing.T, chain *testChain, doc *Document) []byte {
	t.Helper()

	payload, err := cbor.Marshal(doc)
	if err != nil {
		t.Fatalf("Failed to marshal document: %v", err)
	}
	protected, err := cbor.Marshal(map[int]interface{}{1: coseAlgES384})
	if err != nil {
		t.Fatalf("Failed to marshal protected header: %v", err)
	}
	unprotected, err := cbor.Marshal(map[int]interface{}{})
	if err != nil {
		t.Fatalf("Failed to marshal unprotected header: %v", err)
	}

	toSign, err := sigStructure(protected, payload)
	if err != nil {
		t.Fatalf("Failed to build signature input: %v", err)
	}
	digest := sha512.Sum384(toSign)
	r, s, err := ecdsa.Sign(rand.Reader, chain.leafKey, digest[:])
	if err != nil {
		t.Fatalf("Failed to sign document: %v", err)
	}

	signature := make([]byte, 96)
	r.FillBytes(signature[:48])
	s.FillBytes(signature[48:])

	raw, err := cbor.Marshal(&coseSign1{
		Protected:   protected,
		Unprotected: unprotected,
		Payload:     payload,
		Signature:   signature,
	})
	if err != nil {
		t.Fatalf("Failed to marshal COSE_Sign1: %v", err)
	}
	return raw
}
