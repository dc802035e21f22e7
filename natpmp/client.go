package natpmp

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Retransmission parameters from RFC 6886, section 3.1. The receive timeout
// starts at InitialTimeout and doubles after every unanswered attempt.
const (
	InitialTimeout = 250 * time.Millisecond
	MaxAttempts    = 8
)

// receiveSize is larger than any valid response so that oversized datagrams
// are reported as malformed rather than truncated.
const receiveSize = 1100

// A Client is a NAT-PMP client which can communicate with a NAT gateway.
// A Client performs one exchange at a time; concurrent calls are serialized.
type Client struct {
	mu  sync.Mutex
	t   Transport
	log *zap.Logger
}

// An Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used by a Client. By default a Client does not
// log.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient creates a Client which exchanges datagrams over t. The Client
// takes ownership of t.
func NewClient(t Transport, opts ...Option) *Client {
	c := &Client{
		t:   t,
		log: zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}

	return c
}

// Dial creates a Client which communicates with the NAT gateway specified by
// addr over UDP. If addr has no port, the NAT-PMP port 5351 is used.
func Dial(addr string, opts ...Option) (*Client, error) {
	c := NewClient(nil, opts...)

	t, err := DialUDP(addr, c.log)
	if err != nil {
		return nil, err
	}
	c.t = t

	return c, nil
}

// Close closes the Client's underlying Transport.
func (c *Client) Close() error {
	return c.t.Close()
}

// ExternalAddress requests the external IPv4 address of the NAT gateway, as
// described in RFC 6886, section 3.2. A response with a non-zero result code
// is not an error; its ExternalIP is left unset.
func (c *Client) ExternalAddress(ctx context.Context) (*AddressResponse, error) {
	req, err := EncodeRequest(OpExternalAddress, 0, 0, 0)
	if err != nil {
		return nil, err
	}

	// This request carries no fields past the opcode, so only the first two
	// bytes are sent.
	b, err := c.exchange(ctx, req[:addressRequestSize])
	if err != nil {
		return nil, err
	}

	return DecodeAddressResponse(b)
}

// Map creates, renews, or deletes a port mapping with a NAT gateway, as
// described in RFC 6886, section 3.3. See NewMappingRequest for the request
// parameters. The gateway's result code is reported in the response and is
// not an error.
func (c *Client) Map(ctx context.Context, mr MappingRequest) (*MapResponse, error) {
	req, err := mr.MarshalBinary()
	if err != nil {
		return nil, err
	}

	b, err := c.exchange(ctx, req)
	if err != nil {
		return nil, err
	}

	return DecodeMapResponse(b, mr.Operation())
}

// Unmap deletes the port mapping of type op for internalPort, as described in
// RFC 6886, section 3.4.
func (c *Client) Unmap(ctx context.Context, op Operation, internalPort int) (*MapResponse, error) {
	mr, err := DeleteRequest(op, internalPort)
	if err != nil {
		return nil, err
	}

	return c.Map(ctx, mr)
}

// exchange sends req and implements backoff/retry until a datagram arrives,
// as recommended by RFC 6886, section 3.1. The first datagram received is
// returned without validation.
func (c *Client) exchange(ctx context.Context, req []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	gateway := c.t.RemoteAddr().String()
	b := make([]byte, receiveSize)

	timeout := InitialTimeout
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c.log.Debug("sending request",
			zap.String("gateway", gateway),
			zap.Uint8("opcode", req[1]),
			zap.Int("attempt", attempt),
			zap.Duration("timeout", timeout))

		// Resend the identical request on every attempt.
		if err := c.t.Send(req); err != nil {
			return nil, &TransportError{Op: "send", Err: err}
		}

		n, err := c.t.Receive(ctx, b, timeout)
		switch {
		case err == nil:
			return b[:n], nil
		case errors.Is(err, ErrTimeout):
			c.log.Debug("request timed out",
				zap.String("gateway", gateway),
				zap.Int("attempt", attempt))

			timeout *= 2
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, &TransportError{Op: "receive", Err: err}
		}
	}

	c.log.Warn("gateway unresponsive",
		zap.String("gateway", gateway),
		zap.Int("attempts", MaxAttempts))

	return nil, &UnresponsiveError{Gateway: gateway, Attempts: MaxAttempts}
}
