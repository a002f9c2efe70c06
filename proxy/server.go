// Package proxy exposes the attested service's HTTP surface. The proxy is
// untrusted by design in the encrypted-memory model: it forwards ciphertext
// to the worker and relays opaque proof bytes back, never holding decryption
// capability. In the measured-VM model the whole process runs inside the
// isolated VM, so decryption happens in-process.
package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tee-prover/attestation"
	"tee-prover/bridge"
	"tee-prover/custodian"
	"tee-prover/prover"
	"tee-prover/shared"
)

// DocumentIssuer issues measured-VM evidence for a public key.
type DocumentIssuer interface {
	Issue(ctx context.Context, publicKeyPEM, nonce []byte) (*attestation.Evidence, error)
}

// Server serves GET /attestation and POST /prove for one trust mode.
type Server struct {
	mode   shared.Mode
	logger *shared.Logger
	mux    *http.ServeMux

	// In-process modes (standard, measured-vm).
	custodian *custodian.Custodian
	issuer    DocumentIssuer
	prove     prover.Func

	// Encrypted-memory mode.
	bridge *bridge.Client
}

// NewServer assembles the handler for the given mode. Dependencies not used
// by the mode may be nil.
func NewServer(mode shared.Mode, logger *shared.Logger) *Server {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	s := &Server{mode: mode, logger: logger, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /attestation", s.handleAttestation)
	s.mux.HandleFunc("POST /prove", s.handleProve)
	return s
}

// WithCustodian wires the in-process keypair (standard and measured-vm).
func (s *Server) WithCustodian(c *custodian.Custodian) *Server {
	s.custodian = c
	return s
}

// WithIssuer wires the attestation document issuer (measured-vm).
func (s *Server) WithIssuer(issuer DocumentIssuer) *Server {
	s.issuer = issuer
	return s
}

// WithProver wires the in-process proving engine (standard and measured-vm).
func (s *Server) WithProver(fn prover.Func) *Server {
	s.prove = fn
	return s
}

// WithBridge wires the worker bridge (encrypted-memory).
func (s *Server) WithBridge(b *bridge.Client) *Server {
	s.bridge = b
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe runs until ctx is done. The write timeout is generous
// because a prove call can run for about a minute.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 3 * time.Minute,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("HTTP server listening", zap.String("addr", addr), zap.String("mode", string(s.mode)))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleAttestation(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	logger := s.logger.WithRequest(requestID)

	resp := shared.AttestationResponse{Mode: string(s.mode)}

	switch s.mode {
	case shared.ModeStandard:
		resp.PublicKey = string(s.custodian.PublicKeyPEM())

	case shared.ModeMeasuredVM:
		publicKeyPEM := s.custodian.PublicKeyPEM()
		evidence, err := s.issuer.Issue(r.Context(), publicKeyPEM, nil)
		if err != nil {
			logger.Error("attestation issuing failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "attestation unavailable")
			return
		}
		resp.PublicKey = string(publicKeyPEM)
		resp.AttestationDocument = base64.StdEncoding.EncodeToString(evidence.Document)

	case shared.ModeEncryptedMemory:
		publicKeyPEM, err := s.bridge.GetPublicKey(r.Context())
		if err != nil {
			logger.Error("worker public key fetch failed", zap.Error(err))
			writeBridgeError(w, err)
			return
		}
		fingerprint := custodianFingerprint(publicKeyPEM)
		userData, err := attestation.PadReportData(fingerprint)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		quote, err := s.bridge.GetQuote(r.Context(), userData)
		if err != nil {
			logger.Error("quote fetch failed", zap.Error(err))
			writeBridgeError(w, err)
			return
		}
		resp.PublicKey = string(publicKeyPEM)
		resp.Quote = base64.StdEncoding.EncodeToString(quote)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProve(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	logger := s.logger.WithRequest(requestID)
	start := time.Now()

	var req shared.ProveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil || len(payload) == 0 {
		writeError(w, http.StatusBadRequest, "data must be base64")
		return
	}

	var proof []byte
	if s.mode == shared.ModeEncryptedMemory {
		// The proxy forwards the ciphertext verbatim; decryption and
		// proving happen inside the worker.
		proof, err = s.bridge.Prove(r.Context(), payload)
		if err != nil {
			logger.Error("bridge prove failed", zap.Error(err))
			writeBridgeError(w, err)
			return
		}
	} else {
		plaintext, err := s.custodian.DecryptSerialized(payload)
		if err != nil {
			s.logger.Security("prove request failed decryption", zap.Error(err))
			writeError(w, http.StatusBadRequest, "decryption failed")
			return
		}
		if err := prover.ValidateInput(plaintext); err != nil {
			writeError(w, http.StatusBadRequest, "invalid proving input")
			return
		}
		proof, err = s.prove(r.Context(), plaintext)
		if err != nil {
			logger.Error("proving failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "proving failed")
			return
		}
	}

	logger.Info("proof generated",
		zap.Int("proof_bytes", len(proof)),
		zap.Duration("elapsed", time.Since(start)))
	writeJSON(w, http.StatusOK, shared.ProveResponse{
		Proof: base64.StdEncoding.EncodeToString(proof),
	})
}

// custodianFingerprint recomputes the caller-bound value for a worker's
// public key, mirroring what the worker's custodian embeds in its quote.
func custodianFingerprint(publicKeyPEM []byte) []byte {
	sum := sha256.Sum256(publicKeyPEM)
	return sum[:]
}

func writeBridgeError(w http.ResponseWriter, err error) {
	var workerErr *bridge.WorkerError
	switch {
	case errors.As(err, &workerErr):
		writeError(w, http.StatusBadGateway, workerErr.Message)
	case errors.Is(err, bridge.ErrWorkerUnreachable):
		writeError(w, http.StatusBadGateway, "worker unreachable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
