// Package client is the caller-side SDK. It fetches attestation evidence
// from the delegated prover, verifies it, and only then encrypts the proving
// input to the verified key. There is no degraded path: if verification
// fails, nothing is sent.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"tee-prover/attestation"
	"tee-prover/envelope"
	"tee-prover/shared"
)

// Client talks to one attested proving service.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	verifyOpts    attestation.VerifyOptions
	nitroVerifier *attestation.NitroVerifier
	quoteVerifier *attestation.QuoteVerifier
	allowInsecure bool
	logger        *shared.Logger
}

// Option configures the client.
type Option func(*Client)

// WithVerifyOptions sets measurement pins, freshness window and nonce
// enforcement for evidence verification.
func WithVerifyOptions(opts attestation.VerifyOptions) Option {
	return func(c *Client) { c.verifyOpts = opts }
}

// WithQuoteVerifier enables the encrypted-memory model. Required to talk to
// a service running in that mode.
func WithQuoteVerifier(v *attestation.QuoteVerifier) Option {
	return func(c *Client) { c.quoteVerifier = v }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithLogger attaches a logger.
func WithLogger(logger *shared.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// AllowInsecureStandardMode accepts unattested "standard" mode responses.
// Development only; never enable against a production endpoint.
func AllowInsecureStandardMode() Option {
	return func(c *Client) { c.allowInsecure = true }
}

// New creates a client. The default HTTP timeout is generous because a
// delegated prove call can run for about a minute.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 3 * time.Minute},
		logger:     shared.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.nitroVerifier = attestation.NewNitroVerifier(c.logger)
	return c
}

// FetchAttestation retrieves the service's current evidence and public key.
func (c *Client) FetchAttestation(ctx context.Context) (*shared.AttestationResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/attestation", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("attestation fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("attestation fetch returned %d: %s", resp.StatusCode, body)
	}

	var att shared.AttestationResponse
	if err := json.NewDecoder(resp.Body).Decode(&att); err != nil {
		return nil, fmt.Errorf("attestation response decode: %w", err)
	}
	if att.PublicKey == "" {
		return nil, fmt.Errorf("attestation response missing public key")
	}
	return &att, nil
}

// VerifyAndEncrypt verifies the evidence for whichever trust model the
// service reports, then encrypts input to the verified key. Any verification
// failure aborts before anything is encrypted.
func (c *Client) VerifyAndEncrypt(ctx context.Context, att *shared.AttestationResponse, input []byte) (*envelope.Envelope, error) {
	publicKeyPEM, err := c.verify(ctx, att)
	if err != nil {
		c.logger.Security("attestation verification failed, refusing to send", zap.Error(err))
		return nil, err
	}
	return envelope.Encrypt(input, publicKeyPEM)
}

func (c *Client) verify(ctx context.Context, att *shared.AttestationResponse) ([]byte, error) {
	mode, err := shared.ParseMode(att.Mode)
	if err != nil {
		return nil, err
	}

	switch mode {
	case shared.ModeStandard:
		if !c.allowInsecure {
			return nil, fmt.Errorf("service offered no attestation evidence and insecure mode is not allowed")
		}
		return []byte(att.PublicKey), nil

	case shared.ModeMeasuredVM:
		doc, err := base64.StdEncoding.DecodeString(att.AttestationDocument)
		if err != nil || len(doc) == 0 {
			return nil, fmt.Errorf("%w: missing or undecodable attestation document", attestation.ErrMalformedEvidence)
		}
		result, err := c.nitroVerifier.Verify(ctx, &attestation.Evidence{
			Model:        shared.ModeMeasuredVM,
			Document:     doc,
			PublicKeyPEM: []byte(att.PublicKey),
		}, &c.verifyOpts)
		if err != nil {
			return nil, err
		}
		return result.PublicKeyPEM, nil

	case shared.ModeEncryptedMemory:
		if c.quoteVerifier == nil {
			return nil, fmt.Errorf("service runs in encrypted-memory mode but no quote verifier is configured")
		}
		quote, err := base64.StdEncoding.DecodeString(att.Quote)
		if err != nil || len(quote) == 0 {
			return nil, fmt.Errorf("%w: missing or undecodable quote", attestation.ErrMalformedEvidence)
		}
		result, err := c.quoteVerifier.Verify(ctx, &attestation.Evidence{
			Model:        shared.ModeEncryptedMemory,
			Quote:        quote,
			PublicKeyPEM: []byte(att.PublicKey),
		}, &c.verifyOpts)
		if err != nil {
			return nil, err
		}
		return result.PublicKeyPEM, nil
	}

	return nil, fmt.Errorf("unknown trust mode: %q", att.Mode)
}

// Prove runs the full delegation flow: fetch evidence, verify, encrypt,
// submit, and return the proof bytes.
func (c *Client) Prove(ctx context.Context, input []byte) ([]byte, error) {
	att, err := c.FetchAttestation(ctx)
	if err != nil {
		return nil, err
	}

	env, err := c.VerifyAndEncrypt(ctx, att, input)
	if err != nil {
		return nil, err
	}

	encoded, err := env.Encode()
	if err != nil {
		return nil, err
	}
	return c.submit(ctx, encoded)
}

func (c *Client) submit(ctx context.Context, envelopeBytes []byte) ([]byte, error) {
	body, err := json.Marshal(shared.ProveRequest{
		Data: base64.StdEncoding.EncodeToString(envelopeBytes),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prove", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prove request failed: %w", err)
	}
	defer resp.Body.Close()

	var out shared.ProveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("prove response decode: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return nil, fmt.Errorf("prove rejected: %s", out.Error)
		}
		return nil, fmt.Errorf("prove returned status %d", resp.StatusCode)
	}

	proof, err := base64.StdEncoding.DecodeString(out.Proof)
	if err != nil || len(proof) == 0 {
		return nil, fmt.Errorf("prove response missing proof")
	}
	return proof, nil
}
