package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"tee-prover/bridge"
	"tee-prover/custodian"
	"tee-prover/envelope"
	"tee-prover/shared"
)

type fakeQuoteIssuer struct {
	lastUserData []byte
	err          error
}

func (f *fakeQuoteIssuer) Issue(userData []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastUserData = userData
	quote := make([]byte, 512)
	copy(quote, []byte("quote:"))
	copy(quote[6:], userData)
	return quote, nil
}

// startWorker serves a worker on loopback and returns a bridge client bound
// to it.
func startWorker(t *testing.T, w *Worker) *bridge.Client {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Serve(ctx, lis)
	return bridge.NewClient(lis.Addr().String())
}

func TestWorkerEndToEnd(t *testing.T) {
	cust, err := custodian.New(shared.ModeEncryptedMemory)
	if err != nil {
		t.Fatalf("Failed to create custodian: %v", err)
	}
	quotes := &fakeQuoteIssuer{}
	prove := func(ctx context.Context, input []byte) ([]byte, error) {
		return append([]byte("proof-over:"), input...), nil
	}
	client := startWorker(t, New(cust, quotes, prove, nil))
	ctx := context.Background()

	t.Run("get public key", func(t *testing.T) {
		got, err := client.GetPublicKey(ctx)
		if err != nil {
			t.Fatalf("GetPublicKey failed: %v", err)
		}
		if !bytes.Equal(got, cust.PublicKeyPEM()) {
			t.Error("Returned key does not match the custodian's")
		}
	})

	t.Run("get quote", func(t *testing.T) {
		userData := []byte("key fingerprint")
		quote, err := client.GetQuote(ctx, userData)
		if err != nil {
			t.Fatalf("GetQuote failed: %v", err)
		}
		if len(quote) != 512 {
			t.Errorf("Quote length = %d, want 512", len(quote))
		}
		if !bytes.Equal(quotes.lastUserData, userData) {
			t.Error("User data not forwarded to the quote issuer")
		}
	})

	t.Run("prove round trip", func(t *testing.T) {
		plaintext := []byte(`{"version": 1, "steps": [{"opcode": "load"}]}`)
		env, err := envelope.Encrypt(plaintext, cust.PublicKeyPEM())
		if err != nil {
			t.Fatalf("Failed to encrypt: %v", err)
		}
		payload, err := env.Encode()
		if err != nil {
			t.Fatalf("Failed to encode envelope: %v", err)
		}

		proof, err := client.Prove(ctx, payload)
		if err != nil {
			t.Fatalf("Prove failed: %v", err)
		}
		want := append([]byte("proof-over:"), plaintext...)
		if !bytes.Equal(proof, want) {
			t.Error("Proof does not cover the decrypted plaintext")
		}
	})

	t.Run("health", func(t *testing.T) {
		if err := client.Health(ctx); err != nil {
			t.Fatalf("Health failed: %v", err)
		}
	})
}

func TestWorkerProveErrors(t *testing.T) {
	cust, err := custodian.New(shared.ModeEncryptedMemory)
	if err != nil {
		t.Fatalf("Failed to create custodian: %v", err)
	}
	prove := func(ctx context.Context, input []byte) ([]byte, error) {
		return nil, fmt.Errorf("constraint system overflow")
	}
	client := startWorker(t, New(cust, nil, prove, nil))
	ctx := context.Background()

	t.Run("undecryptable payload gives a terse error", func(t *testing.T) {
		_, err := client.Prove(ctx, []byte(`{"alg":"x25519-chacha20poly1305"}`))
		var workerErr *bridge.WorkerError
		if !errors.As(err, &workerErr) {
			t.Fatalf("Expected *WorkerError, got %v", err)
		}
		if workerErr.Message != "decryption failed" {
			t.Errorf("Message = %q; decryption failures must not leak detail", workerErr.Message)
		}
	})

	t.Run("payload for another recipient gives the same error", func(t *testing.T) {
		other, err := custodian.New(shared.ModeEncryptedMemory)
		if err != nil {
			t.Fatalf("Failed to create custodian: %v", err)
		}
		env, err := envelope.Encrypt([]byte(`{"version": 1, "steps": [{"opcode": "load"}]}`), other.PublicKeyPEM())
		if err != nil {
			t.Fatalf("Failed to encrypt: %v", err)
		}
		payload, err := env.Encode()
		if err != nil {
			t.Fatalf("Failed to encode envelope: %v", err)
		}
		_, err = client.Prove(ctx, payload)
		var workerErr *bridge.WorkerError
		if !errors.As(err, &workerErr) {
			t.Fatalf("Expected *WorkerError, got %v", err)
		}
		if workerErr.Message != "decryption failed" {
			t.Errorf("Message = %q, want %q", workerErr.Message, "decryption failed")
		}
	})

	t.Run("schema-invalid plaintext rejected before the engine", func(t *testing.T) {
		env, err := envelope.Encrypt([]byte(`{"version": 1}`), cust.PublicKeyPEM())
		if err != nil {
			t.Fatalf("Failed to encrypt: %v", err)
		}
		payload, err := env.Encode()
		if err != nil {
			t.Fatalf("Failed to encode envelope: %v", err)
		}
		_, err = client.Prove(ctx, payload)
		var workerErr *bridge.WorkerError
		if !errors.As(err, &workerErr) {
			t.Fatalf("Expected *WorkerError, got %v", err)
		}
		if !bytes.Contains([]byte(workerErr.Message), []byte("invalid input")) {
			t.Errorf("Message = %q, want an invalid-input rejection", workerErr.Message)
		}
	})

	t.Run("engine failure surfaces", func(t *testing.T) {
		env, err := envelope.Encrypt([]byte(`{"version": 1, "steps": [{"opcode": "load"}]}`), cust.PublicKeyPEM())
		if err != nil {
			t.Fatalf("Failed to encrypt: %v", err)
		}
		payload, err := env.Encode()
		if err != nil {
			t.Fatalf("Failed to encode envelope: %v", err)
		}
		_, err = client.Prove(ctx, payload)
		var workerErr *bridge.WorkerError
		if !errors.As(err, &workerErr) {
			t.Fatalf("Expected *WorkerError, got %v", err)
		}
		if !bytes.Contains([]byte(workerErr.Message), []byte("proving failed")) {
			t.Errorf("Message = %q, want a proving failure", workerErr.Message)
		}
	})
}

func TestWorkerWithoutQuoteIssuer(t *testing.T) {
	cust, err := custodian.New(shared.ModeEncryptedMemory)
	if err != nil {
		t.Fatalf("Failed to create custodian: %v", err)
	}
	client := startWorker(t, New(cust, nil, nil, nil))

	_, err = client.GetQuote(context.Background(), []byte("fingerprint"))
	var workerErr *bridge.WorkerError
	if !errors.As(err, &workerErr) {
		t.Fatalf("Expected *WorkerError, got %v", err)
	}
	if workerErr.Message != "attestation hardware unavailable" {
		t.Errorf("Message = %q, want %q", workerErr.Message, "attestation hardware unavailable")
	}
}

func TestWorkerUnknownAction(t *testing.T) {
	cust, err := custodian.New(shared.ModeEncryptedMemory)
	if err != nil {
		t.Fatalf("Failed to create custodian: %v", err)
	}
	w := New(cust, nil, nil, nil)

	resp := w.dispatch(context.Background(), &bridge.WorkerRequest{Action: "shutdown"})
	if resp.Error != `unsupported operation: shutdown` {
		t.Errorf("Error = %q, want an unsupported-operation rejection", resp.Error)
	}
}
