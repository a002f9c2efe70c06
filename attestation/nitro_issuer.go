package attestation

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hf/nsm"
	"github.com/hf/nsm/request"
	"go.uber.org/zap"

	"tee-prover/shared"
)

// attestationTTL keeps cached documents comfortably inside the verifier's
// default freshness window.
const attestationTTL = 4*time.Minute + 50*time.Second

// NitroIssuer produces measured-VM evidence through the host's NSM device.
// The device is reachable only inside the isolated VM; failing to open it is
// a deployment error and is not retried.
type NitroIssuer struct {
	sess   *nsm.Session
	logger *shared.Logger

	mu     sync.RWMutex
	cached map[string]cachedDocument
}

type cachedDocument struct {
	doc       []byte
	createdAt time.Time
}

// NewNitroIssuer opens an NSM session. Fatal if the hardware primitive is
// unavailable.
func NewNitroIssuer(logger *shared.Logger) (*NitroIssuer, error) {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	sess, err := nsm.OpenDefaultSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open NSM session: %w", err)
	}
	return &NitroIssuer{
		sess:   sess,
		logger: logger,
		cached: make(map[string]cachedDocument),
	}, nil
}

// Close releases the NSM session.
func (i *NitroIssuer) Close() error {
	return i.sess.Close()
}

// Issue asks the NSM to sign an attestation binding the key fingerprint to
// the current measurements. Documents are cached briefly per key; a caller
// supplying a nonce always gets a fresh document.
func (i *NitroIssuer) Issue(ctx context.Context, publicKeyPEM, nonce []byte) (*Evidence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fingerprint := sha256.Sum256(publicKeyPEM)
	cacheKey := string(fingerprint[:])

	if nonce == nil {
		i.mu.RLock()
		entry, ok := i.cached[cacheKey]
		i.mu.RUnlock()
		if ok && time.Since(entry.createdAt) < attestationTTL {
			return i.wrap(entry.doc, publicKeyPEM), nil
		}
	}

	res, err := i.sess.Send(&request.Attestation{
		Nonce:     nonce,
		UserData:  fingerprint[:],
		PublicKey: publicKeyPEM,
	})
	if err != nil {
		return nil, fmt.Errorf("NSM attestation request failed: %w", err)
	}
	if res.Error != "" {
		return nil, errors.New(string(res.Error))
	}
	if res.Attestation == nil || res.Attestation.Document == nil {
		return nil, errors.New("attestation response missing attestation document")
	}

	if nonce == nil {
		i.mu.Lock()
		i.cached[cacheKey] = cachedDocument{doc: res.Attestation.Document, createdAt: time.Now()}
		i.mu.Unlock()
	}

	i.logger.DebugIf("issued attestation document",
		zap.Int("document_bytes", len(res.Attestation.Document)))

	return i.wrap(res.Attestation.Document, publicKeyPEM), nil
}

func (i *NitroIssuer) wrap(doc, publicKeyPEM []byte) *Evidence {
	return &Evidence{
		Model:        shared.ModeMeasuredVM,
		Document:     doc,
		PublicKeyPEM: publicKeyPEM,
	}
}
