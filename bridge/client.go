package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/vsock"
	"go.uber.org/zap"

	"tee-prover/shared"
)

// defaultCallTimeout is deliberately generous: a prove call can take from
// single-digit seconds to about a minute depending on the hardware model.
const defaultCallTimeout = 2 * time.Minute

// DialFunc opens the transport for one call.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Client talks the worker protocol. Each call opens its own connection and
// tears it down after reading the matching response; responses are matched
// by connection identity, so connections are never shared or pooled.
type Client struct {
	dial    DialFunc
	timeout time.Duration
	logger  *shared.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger attaches a logger.
func WithLogger(logger *shared.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithDialer replaces the transport entirely.
func WithDialer(dial DialFunc) Option {
	return func(c *Client) { c.dial = dial }
}

// NewClient creates a bridge client for a loopback TCP worker address.
func NewClient(addr string, opts ...Option) *Client {
	c := &Client{
		dial: func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
		timeout: defaultCallTimeout,
		logger:  shared.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewVsockClient creates a bridge client for a worker behind a vsock
// boundary (worker hosted in a separate enclave VM).
func NewVsockClient(cid, port uint32, opts ...Option) *Client {
	opts = append([]Option{WithDialer(func(ctx context.Context) (net.Conn, error) {
		return vsock.Dial(cid, port, nil)
	})}, opts...)
	return NewClient("", opts...)
}

// GetPublicKey fetches the worker's armored public key.
func (c *Client) GetPublicKey(ctx context.Context) ([]byte, error) {
	resp, err := c.call(ctx, &WorkerRequest{Action: ActionGetPublicKey})
	if err != nil {
		return nil, err
	}
	if len(resp.PublicKey) == 0 {
		return nil, fmt.Errorf("%w: %s response missing publicKey", ErrProtocolViolation, ActionGetPublicKey)
	}
	return resp.PublicKey, nil
}

// GetQuote asks the worker for a quote binding the given user data.
func (c *Client) GetQuote(ctx context.Context, userData []byte) ([]byte, error) {
	resp, err := c.call(ctx, &WorkerRequest{Action: ActionGetQuote, UserData: userData})
	if err != nil {
		return nil, err
	}
	if len(resp.Quote) == 0 {
		return nil, fmt.Errorf("%w: %s response missing quote", ErrProtocolViolation, ActionGetQuote)
	}
	return resp.Quote, nil
}

// Prove forwards an opaque encrypted payload and returns the opaque proof
// bytes. The client never sees plaintext on either side.
func (c *Client) Prove(ctx context.Context, encryptedPayload []byte) ([]byte, error) {
	resp, err := c.call(ctx, &WorkerRequest{Action: ActionProve, EncryptedPayload: encryptedPayload})
	if err != nil {
		return nil, err
	}
	if len(resp.Proof) == 0 {
		return nil, fmt.Errorf("%w: %s response missing proof", ErrProtocolViolation, ActionProve)
	}
	return resp.Proof, nil
}

// Health checks that the worker answers the protocol.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.call(ctx, &WorkerRequest{Action: ActionHealth})
	if err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("%w: unexpected health status %q", ErrProtocolViolation, resp.Status)
	}
	return nil
}

// call runs one connect/send/await-length/await-body cycle. No retries: the
// retry policy, if any, belongs to the caller.
func (c *Client) call(ctx context.Context, req *WorkerRequest) (*WorkerResponse, error) {
	start := time.Now()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.WithAction(req.Action).Warn("worker dial failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrWorkerUnreachable, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := WriteFrame(conn, body); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	raw, err := ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp WorkerResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: response decode: %v", ErrProtocolViolation, err)
	}

	if resp.Error != "" {
		return nil, &WorkerError{Message: resp.Error}
	}

	c.logger.WithAction(req.Action).Debug("bridge call complete",
		zap.Duration("elapsed", time.Since(start)))
	return &resp, nil
}
