// Package bridge implements the secure worker bridge: a length-prefixed
// request/response protocol that lets the untrusted proxy forward opaque
// ciphertext to the enclave-resident worker. The proxy never holds
// decryption capability; it relays envelopes in and proof bytes out.
package bridge

import (
	"errors"
	"fmt"
)

// Worker protocol actions.
const (
	ActionGetPublicKey = "get_public_key"
	ActionGetQuote     = "get_quote"
	ActionProve        = "prove"
	ActionHealth       = "health"
)

// WorkerRequest is one half of the single request/response pair a bridge
// connection carries. Binary fields are base64 inside the JSON body.
type WorkerRequest struct {
	Action           string `json:"action"`
	UserData         []byte `json:"userData,omitempty"`
	EncryptedPayload []byte `json:"encryptedPayload,omitempty"`
}

// WorkerResponse carries the worker's answer. A non-empty Error field means
// failure regardless of transport-level success.
type WorkerResponse struct {
	PublicKey []byte `json:"publicKey,omitempty"`
	Quote     []byte `json:"quote,omitempty"`
	Proof     []byte `json:"proof,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

var (
	// ErrWorkerUnreachable: the worker could not be dialed. Retryable by
	// the caller; the bridge itself never retries.
	ErrWorkerUnreachable = errors.New("worker unreachable")

	// ErrProtocolViolation: a well-formed transport exchange produced a
	// response that does not satisfy the protocol (e.g. a prove response
	// with no proof and no error).
	ErrProtocolViolation = errors.New("worker protocol violation")
)

// WorkerError is an application-level failure reported by the worker through
// the response's error field.
type WorkerError struct {
	Message string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker error: %s", e.Message)
}
