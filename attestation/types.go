// Package attestation implements both halves of the trust-establishment
// protocol: issuing hardware attestation evidence inside the enclave, and
// verifying it on the caller side. The two trust models produce structurally
// different evidence and are verified by independent algorithms behind a
// shared result contract.
package attestation

import (
	"errors"
	"time"

	"tee-prover/shared"
)

// Evidence is a signed, opaque-to-transport attestation blob together with
// the public key it claims to bind. Exactly one of Document or Quote is set,
// matching the model.
type Evidence struct {
	Model shared.Mode

	// Document is the COSE-encoded signed attestation document
	// (measured-vm model).
	Document []byte

	// Quote is the raw CPU-signed quote (encrypted-memory model).
	Quote []byte

	// PublicKeyPEM is the armored public key under test. Verification
	// binds it to the evidence via the embedded fingerprint.
	PublicKeyPEM []byte
}

// VerificationResult is computed fresh on every verification call and never
// cached: evidence expires and can be revoked.
type VerificationResult struct {
	// PublicKeyPEM is the verified, trustworthy public key.
	PublicKeyPEM []byte

	// Measurements holds the measurement-register values observed in
	// measured-vm evidence, keyed by register index.
	Measurements map[int][]byte

	// MREnclave and MRSigner are the code and signer measurements from
	// encrypted-memory evidence.
	MREnclave []byte
	MRSigner  []byte

	VerifiedAt time.Time
}

// VerifyOptions control the caller-side checks.
type VerifyOptions struct {
	// MaxAge is the maximum acceptable evidence age. A fixed skew
	// tolerance is added on top to absorb clock drift between parties.
	// Zero means DefaultMaxEvidenceAge.
	MaxAge time.Duration

	// ExpectedPCRs pins measurement registers for the measured-vm model.
	// Empty means trust-on-first-use: registers are reported but not
	// checked.
	ExpectedPCRs map[int][]byte

	// ExpectedMREnclave / ExpectedMRSigner pin the code and signer
	// measurements for the encrypted-memory model. Empty skips the check.
	ExpectedMREnclave []byte
	ExpectedMRSigner  []byte

	// ExpectedNonce, when non-nil, must byte-match the nonce embedded in
	// the evidence. Nil leaves the nonce unenforced.
	ExpectedNonce []byte

	// RootPEM overrides the built-in root of trust. Tests and pre-prod
	// roots only.
	RootPEM []byte

	// Now overrides the clock used for freshness checks.
	Now func() time.Time
}

func (o *VerifyOptions) maxAge() time.Duration {
	if o == nil || o.MaxAge <= 0 {
		return DefaultMaxEvidenceAge
	}
	return o.MaxAge
}

func (o *VerifyOptions) now() time.Time {
	if o == nil || o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

const (
	// DefaultMaxEvidenceAge bounds how old evidence may be before the
	// caller must re-fetch it.
	DefaultMaxEvidenceAge = 5 * time.Minute

	// ClockSkewTolerance absorbs clock drift between the enclave host and
	// the verifying party. Evidence older than maxAge+tolerance is stale;
	// evidence timestamped up to tolerance in the future is accepted.
	ClockSkewTolerance = 2 * time.Minute
)

// Rejection reasons. Trust errors are final for the evidence at hand and
// must never be retried as if transient; transport errors may be retried.
var (
	// encoding
	ErrMalformedEvidence = errors.New("malformed attestation evidence")

	// trust
	ErrChainVerificationFailed = errors.New("certificate chain verification failed")
	ErrUntrustedRoot           = errors.New("certificate chain does not terminate at the trusted root")
	ErrSignatureInvalid        = errors.New("evidence signature invalid")
	ErrMeasurementMismatch     = errors.New("measurement register mismatch")
	ErrStale                   = errors.New("attestation evidence is stale")
	ErrKeyBindingMismatch      = errors.New("public key is not bound to this evidence")
	ErrNonceMismatch           = errors.New("evidence nonce does not match expected value")

	// transport
	ErrVerificationServiceUnreachable = errors.New("quote verification service unreachable")
)
