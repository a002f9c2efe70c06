package attestation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"tee-prover/shared"
)

// QuoteVerifier validates encrypted-memory evidence by submitting the raw
// quote to an external verification service and checking the signed token it
// returns. The service, not this code, tracks revocations and firmware
// advisories; what remains local is verifying the token's signature chain
// against the pinned service root and checking its claims.
type QuoteVerifier struct {
	serviceURL string
	rootPool   *x509.CertPool
	httpClient *http.Client
	logger     *shared.Logger
}

// NewQuoteVerifier pins the verification service's token signing root.
func NewQuoteVerifier(serviceURL string, rootPEM []byte, logger *shared.Logger) (*QuoteVerifier, error) {
	if serviceURL == "" {
		return nil, fmt.Errorf("verification service URL is required")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(rootPEM) {
		return nil, fmt.Errorf("failed to load verification service root")
	}
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &QuoteVerifier{
		serviceURL: serviceURL,
		rootPool:   pool,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}, nil
}

type verifyQuoteRequest struct {
	Quote []byte `json:"quote"`
}

type verifyQuoteResponse struct {
	Token string `json:"token"`
}

// Verify submits the quote and checks the returned token's signature and
// claims. Transport failures surface as ErrVerificationServiceUnreachable so
// callers can distinguish them from trust failures.
func (q *QuoteVerifier) Verify(ctx context.Context, evidence *Evidence, opts *VerifyOptions) (*VerificationResult, error) {
	if evidence == nil || evidence.Model != shared.ModeEncryptedMemory {
		return nil, fmt.Errorf("%w: not encrypted-memory evidence", ErrMalformedEvidence)
	}
	if len(evidence.Quote) == 0 {
		return nil, fmt.Errorf("%w: empty quote", ErrMalformedEvidence)
	}

	token, err := q.submitQuote(ctx, evidence.Quote)
	if err != nil {
		return nil, err
	}

	claims, err := q.parseToken(token)
	if err != nil {
		q.logger.Security("verification token rejected", zap.Error(err))
		return nil, err
	}

	now := opts.now()
	if err := checkTokenClaims(claims, evidence.PublicKeyPEM, now, opts); err != nil {
		q.logger.Security("verification token claims rejected", zap.Error(err))
		return nil, err
	}

	mrenclave, _ := hexClaim(claims, "mrenclave")
	mrsigner, _ := hexClaim(claims, "mrsigner")

	return &VerificationResult{
		PublicKeyPEM: evidence.PublicKeyPEM,
		MREnclave:    mrenclave,
		MRSigner:     mrsigner,
		VerifiedAt:   now,
	}, nil
}

func (q *QuoteVerifier) submitQuote(ctx context.Context, quote []byte) (string, error) {
	body, err := json.Marshal(verifyQuoteRequest{Quote: quote})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.serviceURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVerificationServiceUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: service returned %d", ErrVerificationServiceUnreachable, resp.StatusCode)
	default:
		// The service saw the quote and refused to vouch for it.
		return "", fmt.Errorf("%w: service rejected quote with status %d", ErrSignatureInvalid, resp.StatusCode)
	}

	var out verifyQuoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: token response decode: %v", ErrMalformedEvidence, err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("%w: response missing token", ErrMalformedEvidence)
	}
	return out.Token, nil
}

// parseToken validates the token signature using the x5c certificate chain
// embedded in its header, anchored to the pinned service root.
func (q *QuoteVerifier) parseToken(raw string) (jwt.MapClaims, error) {
	keyfunc := func(t *jwt.Token) (interface{}, error) {
		x5c, ok := t.Header["x5c"].([]interface{})
		if !ok || len(x5c) == 0 {
			return nil, fmt.Errorf("missing x5c header in verification token")
		}

		leafB64, _ := x5c[0].(string)
		der, err := decodeCertBase64(leafB64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode x5c leaf: %v", err)
		}
		leaf, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse leaf certificate: %v", err)
		}

		intermediates := x509.NewCertPool()
		for i := 1; i < len(x5c); i++ {
			seg, _ := x5c[i].(string)
			ider, err := decodeCertBase64(seg)
			if err != nil {
				continue
			}
			if cert, err := x509.ParseCertificate(ider); err == nil {
				intermediates.AddCert(cert)
			}
		}

		if _, err := leaf.Verify(x509.VerifyOptions{
			Roots:         q.rootPool,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}); err != nil {
			return nil, fmt.Errorf("x5c chain verification failed: %v", err)
		}
		return leaf.PublicKey, nil
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"ES256", "ES384", "RS256"}),
		jwt.WithLeeway(ClockSkewTolerance),
	)
	if _, err := parser.ParseWithClaims(raw, claims, keyfunc); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", ErrStale)
		}
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return claims, nil
}

func checkTokenClaims(claims jwt.MapClaims, publicKeyPEM []byte, now time.Time, opts *VerifyOptions) error {
	if opts != nil && len(opts.ExpectedMREnclave) > 0 {
		mrenclave, err := hexClaim(claims, "mrenclave")
		if err != nil {
			return err
		}
		if !bytes.Equal(mrenclave, opts.ExpectedMREnclave) {
			return fmt.Errorf("%w: mrenclave", ErrMeasurementMismatch)
		}
	}
	if opts != nil && len(opts.ExpectedMRSigner) > 0 {
		mrsigner, err := hexClaim(claims, "mrsigner")
		if err != nil {
			return err
		}
		if !bytes.Equal(mrsigner, opts.ExpectedMRSigner) {
			return fmt.Errorf("%w: mrsigner", ErrMeasurementMismatch)
		}
	}

	// Key binding: the fingerprint the enclave put into the quote's report
	// data must match a locally computed hash of the key under test.
	reportData, err := hexClaim(claims, "report_data")
	if err != nil {
		return err
	}
	expected := sha256.Sum256(publicKeyPEM)
	if len(reportData) < len(expected) || !bytes.Equal(reportData[:len(expected)], expected[:]) {
		return ErrKeyBindingMismatch
	}

	// Freshness beyond exp: the token must have been minted recently.
	issuedAt, err := claims.GetIssuedAt()
	if err != nil || issuedAt == nil {
		return fmt.Errorf("%w: token missing iat", ErrMalformedEvidence)
	}
	maxAge := DefaultMaxEvidenceAge
	if opts != nil && opts.MaxAge > 0 {
		maxAge = opts.MaxAge
	}
	if err := checkFreshness(uint64(issuedAt.UnixMilli()), now, maxAge); err != nil {
		return err
	}
	return nil
}

func hexClaim(claims jwt.MapClaims, name string) ([]byte, error) {
	raw, ok := claims[name].(string)
	if !ok || raw == "" {
		return nil, fmt.Errorf("%w: token missing %s claim", ErrMalformedEvidence, name)
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s claim is not hex", ErrMalformedEvidence, name)
	}
	return decoded, nil
}

// decodeCertBase64 accepts both standard (RFC 7515 x5c) and URL-safe
// encodings.
func decodeCertBase64(s string) ([]byte, error) {
	if der, err := base64.StdEncoding.DecodeString(s); err == nil {
		return der, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// PEMFromCertificate is a small helper for deployments that pin the service
// root from a DER certificate.
func PEMFromCertificate(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
