package attestation

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"tee-prover/shared"
)

// NitroVerifier validates measured-VM attestation documents. All steps run
// locally: the document carries its own certificate chain back to the
// hardware vendor's root.
type NitroVerifier struct {
	logger *shared.Logger
}

// NewNitroVerifier creates a verifier. A nil logger disables logging.
func NewNitroVerifier(logger *shared.Logger) *NitroVerifier {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &NitroVerifier{logger: logger}
}

// Verify runs the full measured-VM trust algorithm. Every step must pass;
// the returned error identifies the first step that failed.
func (v *NitroVerifier) Verify(ctx context.Context, evidence *Evidence, opts *VerifyOptions) (*VerificationResult, error) {
	if evidence == nil || evidence.Model != shared.ModeMeasuredVM {
		return nil, fmt.Errorf("%w: not measured-vm evidence", ErrMalformedEvidence)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 1: decode untrusted binary structures.
	sign1, err := parseCOSESign1(evidence.Document)
	if err != nil {
		return nil, err
	}
	doc, err := parseDocument(sign1.Payload)
	if err != nil {
		return nil, err
	}

	// Step 2: walk the certificate chain leaf -> root.
	leaf, err := v.verifyChain(doc, opts)
	if err != nil {
		v.logger.Security("attestation chain rejected", zap.Error(err))
		return nil, err
	}

	// Step 3: the document's own signature against the leaf key.
	leafPub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: leaf certificate key is %T, expected ECDSA", ErrSignatureInvalid, leaf.PublicKey)
	}
	if err := verifySignature(sign1, leafPub); err != nil {
		v.logger.Security("attestation signature rejected", zap.Error(err))
		return nil, err
	}

	// Step 4: measurement pinning, when requested.
	if err := checkMeasurements(doc, opts); err != nil {
		v.logger.Security("measurement mismatch", zap.Error(err))
		return nil, err
	}

	// Step 5: freshness.
	now := opts.now()
	if err := checkFreshness(doc.Timestamp, now, opts.maxAge()); err != nil {
		return nil, err
	}

	// Step 6: key binding. The fingerprint inside the signed document must
	// match a locally computed hash of the key under test; this is what
	// stops key substitution after the fact.
	expected := sha256.Sum256(evidence.PublicKeyPEM)
	if !bytes.Equal(expected[:], doc.UserData) {
		return nil, ErrKeyBindingMismatch
	}
	if len(doc.PublicKey) > 0 && !bytes.Equal(doc.PublicKey, evidence.PublicKeyPEM) {
		return nil, ErrKeyBindingMismatch
	}

	// Step 7: optional nonce enforcement.
	if opts != nil && opts.ExpectedNonce != nil && !bytes.Equal(opts.ExpectedNonce, doc.Nonce) {
		return nil, ErrNonceMismatch
	}

	v.logger.DebugIf("attestation document verified",
		zap.String("module_id", doc.ModuleID),
		zap.Int("registers", len(doc.PCRs)))

	return &VerificationResult{
		PublicKeyPEM: evidence.PublicKeyPEM,
		Measurements: doc.PCRs,
		VerifiedAt:   now,
	}, nil
}

// verifyChain walks leaf -> intermediates -> root, checking each link's
// signature and validity window, then byte-compares the final certificate
// against the trust root.
func (v *NitroVerifier) verifyChain(doc *Document, opts *VerifyOptions) (*x509.Certificate, error) {
	var rootPEM []byte
	if opts != nil {
		rootPEM = opts.RootPEM
	}
	trustedRoot, err := parseRootCertificate(rootPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChainVerificationFailed, err)
	}

	leaf, err := x509.ParseCertificate(doc.Certificate)
	if err != nil {
		return nil, fmt.Errorf("%w: leaf certificate: %v", ErrMalformedEvidence, err)
	}

	// The bundle arrives root-first; reorder so chain[0] is the leaf and
	// each certificate is followed by its issuer.
	chain := []*x509.Certificate{leaf}
	for i := len(doc.CABundle) - 1; i >= 0; i-- {
		cert, err := x509.ParseCertificate(doc.CABundle[i])
		if err != nil {
			return nil, fmt.Errorf("%w: CA bundle certificate %d: %v", ErrMalformedEvidence, i, err)
		}
		chain = append(chain, cert)
	}

	now := opts.now()
	for i := 0; i < len(chain)-1; i++ {
		cert, issuer := chain[i], chain[i+1]
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return nil, fmt.Errorf("%w: certificate %d outside validity window", ErrChainVerificationFailed, i)
		}
		if err := cert.CheckSignatureFrom(issuer); err != nil {
			return nil, fmt.Errorf("%w: link %d: %v", ErrChainVerificationFailed, i, err)
		}
	}

	root := chain[len(chain)-1]
	if now.Before(root.NotBefore) || now.After(root.NotAfter) {
		return nil, fmt.Errorf("%w: root certificate outside validity window", ErrChainVerificationFailed)
	}
	if !bytes.Equal(root.Raw, trustedRoot.Raw) {
		return nil, ErrUntrustedRoot
	}

	return leaf, nil
}

func checkMeasurements(doc *Document, opts *VerifyOptions) error {
	if opts == nil || len(opts.ExpectedPCRs) == 0 {
		return nil // trust-on-first-use
	}
	for idx, expected := range opts.ExpectedPCRs {
		actual, ok := doc.PCRs[idx]
		if !ok {
			return fmt.Errorf("%w: register %d absent", ErrMeasurementMismatch, idx)
		}
		if !bytes.Equal(expected, actual) {
			return fmt.Errorf("%w: register %d", ErrMeasurementMismatch, idx)
		}
	}
	return nil
}

// checkFreshness bounds the age of evidence. The timestamp is milliseconds
// since the epoch in an unsigned 64-bit field.
func checkFreshness(timestampMillis uint64, now time.Time, maxAge time.Duration) error {
	if timestampMillis > math.MaxInt64 {
		return fmt.Errorf("%w: timestamp out of range", ErrMalformedEvidence)
	}
	issued := time.UnixMilli(int64(timestampMillis))

	if issued.After(now.Add(ClockSkewTolerance)) {
		return fmt.Errorf("%w: issued in the future", ErrStale)
	}
	if now.Sub(issued) > maxAge+ClockSkewTolerance {
		return ErrStale
	}
	return nil
}
