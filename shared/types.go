package shared

// Message types exchanged between the caller SDK and the attested service.
// Binary fields travel base64-encoded inside JSON.

// AttestationResponse is the body of GET /attestation. The evidence field
// present depends on the trust mode: attestationDocument for measured-vm,
// quote for encrypted-memory, neither for standard.
type AttestationResponse struct {
	Mode                string `json:"mode"`
	PublicKey           string `json:"publicKey"`
	AttestationDocument string `json:"attestationDocument,omitempty"`
	Quote               string `json:"quote,omitempty"`
}

// ProveRequest is the body of POST /prove. Data carries the encrypted
// envelope produced by the caller, base64-encoded.
type ProveRequest struct {
	Data string `json:"data"`
}

// ProveResponse carries the proof bytes back to the caller. Proof bytes are
// intentionally public and are not re-encrypted.
type ProveResponse struct {
	Proof string `json:"proof,omitempty"`
	Error string `json:"error,omitempty"`
}
