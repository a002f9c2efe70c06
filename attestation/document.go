package attestation

import (
	"crypto/ecdsa"
	"crypto/sha512"
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"
)

// COSE algorithm identifier for ECDSA w/ SHA-384, the only algorithm the
// measured-VM attestation hardware signs with.
const coseAlgES384 = -35

// coseSign1 is the untagged COSE_Sign1 array. Protected and Payload stay as
// the raw received bytes: the signature is computed over those exact bytes,
// so they are never decoded and re-encoded. Unprotected is kept raw for the
// same reason; CBOR maps do not survive a round trip through Go maps with
// their field order intact.
type coseSign1 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected cbor.RawMessage
	Payload     []byte
	Signature   []byte
}

// Document is the typed attestation document carried in the COSE payload.
// Timestamp is a 64-bit unsigned count of milliseconds since the Unix epoch
// and must never pass through a narrower type.
type Document struct {
	ModuleID    string         `cbor:"module_id"`
	Digest      string         `cbor:"digest"`
	Timestamp   uint64         `cbor:"timestamp"`
	PCRs        map[int][]byte `cbor:"pcrs"`
	Certificate []byte         `cbor:"certificate"`
	CABundle    [][]byte       `cbor:"cabundle"`
	PublicKey   []byte         `cbor:"public_key"`
	UserData    []byte         `cbor:"user_data"`
	Nonce       []byte         `cbor:"nonce"`
}

// decMode rejects duplicate map keys outright. Decoding into concrete Go
// types also normalizes tagged and untagged byte strings to plain []byte, so
// both wire encodings land in the same place.
var decMode, _ = cbor.DecOptions{
	DupMapKey: cbor.DupMapKeyEnforcedAPF,
}.DecMode()

// parseCOSESign1 decodes the outer signed envelope and checks its protected
// header declares ES384. Any structural surprise is ErrMalformedEvidence.
func parseCOSESign1(raw []byte) (*coseSign1, error) {
	var sign1 coseSign1
	if err := decMode.Unmarshal(raw, &sign1); err != nil {
		return nil, fmt.Errorf("%w: COSE_Sign1 decode: %v", ErrMalformedEvidence, err)
	}

	if len(sign1.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty COSE payload", ErrMalformedEvidence)
	}
	if len(sign1.Signature) == 0 {
		return nil, fmt.Errorf("%w: empty COSE signature", ErrMalformedEvidence)
	}

	var protected map[int64]interface{}
	if err := decMode.Unmarshal(sign1.Protected, &protected); err != nil {
		return nil, fmt.Errorf("%w: protected header decode: %v", ErrMalformedEvidence, err)
	}

	alg, ok := protected[1]
	if !ok {
		return nil, fmt.Errorf("%w: protected header missing alg", ErrMalformedEvidence)
	}
	if !algIsES384(alg) {
		return nil, fmt.Errorf("%w: unexpected COSE alg %v", ErrMalformedEvidence, alg)
	}

	return &sign1, nil
}

// algIsES384 tolerates the decoder's choice of integer width for the
// negative alg label.
func algIsES384(alg interface{}) bool {
	switch v := alg.(type) {
	case int64:
		return v == coseAlgES384
	case int:
		return v == coseAlgES384
	}
	return false
}

// parseDocument decodes the COSE payload into a typed document and validates
// it field by field. Partial interpretation of a malformed document is never
// attempted.
func parseDocument(payload []byte) (*Document, error) {
	var doc Document
	if err := decMode.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: document decode: %v", ErrMalformedEvidence, err)
	}

	if doc.ModuleID == "" {
		return nil, fmt.Errorf("%w: missing module_id", ErrMalformedEvidence)
	}
	if doc.Digest != "SHA384" {
		return nil, fmt.Errorf("%w: unsupported digest %q", ErrMalformedEvidence, doc.Digest)
	}
	if doc.Timestamp == 0 {
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformedEvidence)
	}
	if len(doc.PCRs) == 0 {
		return nil, fmt.Errorf("%w: no measurement registers", ErrMalformedEvidence)
	}
	for idx, value := range doc.PCRs {
		switch len(value) {
		case 32, 48, 64:
		default:
			return nil, fmt.Errorf("%w: register %d has invalid length %d", ErrMalformedEvidence, idx, len(value))
		}
	}
	if len(doc.Certificate) == 0 {
		return nil, fmt.Errorf("%w: missing leaf certificate", ErrMalformedEvidence)
	}
	if len(doc.CABundle) == 0 {
		return nil, fmt.Errorf("%w: missing CA bundle", ErrMalformedEvidence)
	}

	return &doc, nil
}

// sigStructure builds the canonical COSE Signature1 structure over the raw
// protected header and payload bytes.
func sigStructure(protected, payload []byte) ([]byte, error) {
	return cbor.Marshal([]interface{}{
		"Signature1",
		protected,
		[]byte{}, // external_aad
		payload,
	})
}

// verifySignature checks the ES384 signature (raw r||s) against the leaf
// certificate's public key.
func verifySignature(sign1 *coseSign1, pub *ecdsa.PublicKey) error {
	toSign, err := sigStructure(sign1.Protected, sign1.Payload)
	if err != nil {
		return fmt.Errorf("%w: building signature input: %v", ErrMalformedEvidence, err)
	}

	byteLen := (pub.Curve.Params().BitSize + 7) / 8
	if len(sign1.Signature) != 2*byteLen {
		return fmt.Errorf("%w: signature length %d", ErrSignatureInvalid, len(sign1.Signature))
	}

	r := new(big.Int).SetBytes(sign1.Signature[:byteLen])
	s := new(big.Int).SetBytes(sign1.Signature[byteLen:])

	digest := sha512.Sum384(toSign)
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return ErrSignatureInvalid
	}
	return nil
}
