// Package worker implements the enclave-resident half of the secure worker
// bridge. The worker cannot safely host the full network stack inside the
// protected memory region, so it serves only the narrow length-prefixed
// protocol on a loopback listener; the network-facing proxy stays dumb and
// never holds plaintext.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"tee-prover/attestation"
	"tee-prover/bridge"
	"tee-prover/custodian"
	"tee-prover/prover"
	"tee-prover/shared"
)

// connDeadline bounds a single request/response pair. Proving dominates, so
// this matches the bridge client's generous call timeout.
const connDeadline = 2 * time.Minute

// Worker owns the decryption keypair, the quote issuer and the proving
// engine. One request/response pair per accepted connection.
type Worker struct {
	custodian *custodian.Custodian
	quotes    attestation.QuoteIssuer
	prove     prover.Func
	logger    *shared.Logger
}

// New assembles a worker. The custodian must hold an encrypted-memory
// keypair; quotes may be nil when running outside real hardware (get_quote
// then fails per-request rather than at startup).
func New(c *custodian.Custodian, quotes attestation.QuoteIssuer, prove prover.Func, logger *shared.Logger) *Worker {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &Worker{custodian: c, quotes: quotes, prove: prove, logger: logger}
}

// Serve accepts connections until the listener closes or ctx is done.
func (w *Worker) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go w.handleConn(ctx, conn)
	}
}

// handleConn reads exactly one framed request, answers it, and closes. The
// response is logically the last message on the connection; there is no
// multiplexing.
func (w *Worker) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := w.logger.WithConnection(conn.RemoteAddr().String())

	conn.SetDeadline(time.Now().Add(connDeadline))

	raw, err := bridge.ReadFrame(conn)
	if err != nil {
		logger.Debug("failed to read request frame", zap.Error(err))
		return
	}

	var req bridge.WorkerRequest
	resp := &bridge.WorkerResponse{}
	if err := json.Unmarshal(raw, &req); err != nil {
		resp.Error = fmt.Sprintf("malformed request: %v", err)
	} else {
		resp = w.dispatch(ctx, &req)
	}

	body, err := json.Marshal(resp)
	if err != nil {
		logger.Error("failed to marshal response", zap.Error(err))
		return
	}
	if err := bridge.WriteFrame(conn, body); err != nil {
		logger.Debug("failed to write response frame", zap.Error(err))
	}
}

func (w *Worker) dispatch(ctx context.Context, req *bridge.WorkerRequest) *bridge.WorkerResponse {
	switch req.Action {
	case bridge.ActionGetPublicKey:
		return &bridge.WorkerResponse{PublicKey: w.custodian.PublicKeyPEM()}

	case bridge.ActionGetQuote:
		return w.handleGetQuote(req)

	case bridge.ActionProve:
		return w.handleProve(ctx, req)

	case bridge.ActionHealth:
		return &bridge.WorkerResponse{Status: "ok"}
	}

	return &bridge.WorkerResponse{Error: fmt.Sprintf("unsupported operation: %s", req.Action)}
}

func (w *Worker) handleGetQuote(req *bridge.WorkerRequest) *bridge.WorkerResponse {
	if w.quotes == nil {
		return &bridge.WorkerResponse{Error: "attestation hardware unavailable"}
	}
	if len(req.UserData) == 0 {
		return &bridge.WorkerResponse{Error: "invalid input: get_quote requires userData"}
	}

	quote, err := w.quotes.Issue(req.UserData)
	if err != nil {
		w.logger.Critical("quote generation failed", zap.Error(err))
		return &bridge.WorkerResponse{Error: fmt.Sprintf("quote generation failed: %v", err)}
	}
	return &bridge.WorkerResponse{Quote: quote}
}

// handleProve decrypts the envelope, validates the proving input and runs
// the engine. The plaintext never leaves this function.
func (w *Worker) handleProve(ctx context.Context, req *bridge.WorkerRequest) *bridge.WorkerResponse {
	if len(req.EncryptedPayload) == 0 {
		return &bridge.WorkerResponse{Error: "invalid input: prove requires encryptedPayload"}
	}

	plaintext, err := w.custodian.DecryptSerialized(req.EncryptedPayload)
	if err != nil {
		// Deliberately terse: the proxy and caller learn that decryption
		// failed, not why.
		return &bridge.WorkerResponse{Error: "decryption failed"}
	}

	if err := prover.ValidateInput(plaintext); err != nil {
		return &bridge.WorkerResponse{Error: fmt.Sprintf("invalid input: %v", err)}
	}

	start := time.Now()
	proof, err := w.prove(ctx, plaintext)
	if err != nil {
		w.logger.Error("proving failed", zap.Error(err))
		return &bridge.WorkerResponse{Error: fmt.Sprintf("proving failed: %v", err)}
	}

	w.logger.InfoIf("proof generated",
		zap.Int("proof_bytes", len(proof)),
		zap.Duration("elapsed", time.Since(start)))
	return &bridge.WorkerResponse{Proof: proof}
}
