package conn

import (
	"errors"
	"time"

	"github.com/nickolajgrishuk/netchan-go/security"
	"github.com/nickolajgrishuk/netchan-go/wire"
)

// ErrMaxAttemptsExceeded names the case where a client gives up
// retrying ConnectionRequest. Client neither returns nor stores it; it
// falls back to Disconnected with DisconnectReason ReasonTimeout.
var ErrMaxAttemptsExceeded = errors.New("conn: connection request attempts exhausted")

// Outbound is a handshake/keep-alive/disconnect packet a Client or
// Server wants sent right now.
type Outbound struct {
	Type wire.Type
	Body []byte
}

// Client drives one client-side connection attempt through
// Disconnected → SendingRequest → SendingChallengeResponse →
// Connected → Disconnecting → Disconnected.
type Client struct {
	cfg        Config
	tokenBytes []byte

	state ClientState

	nonce    Nonce
	attempts int

	lastSent    time.Time
	hasLastSent bool
	lastRecv    time.Time
	hasLastRecv bool

	connectionID     uint32
	disconnectReason DisconnectReason
	denyReason       DenyReason
	disconnectSends  int
	disconnectAt     time.Time
}

// NewClient prepares a client to connect using token, not yet started.
func NewClient(cfg Config, token security.Token) (*Client, error) {
	tb, err := token.Encode()
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, tokenBytes: tb, state: Disconnected}, nil
}

// State returns the client's current FSM state.
func (c *Client) State() ClientState { return c.state }

// ConnectionID is meaningful once State is Connected.
func (c *Client) ConnectionID() uint32 { return c.connectionID }

// DisconnectReason explains the most recent transition to Disconnected.
func (c *Client) DisconnectReason() DisconnectReason { return c.disconnectReason }

// DeniedReason is meaningful once DisconnectReason is ReasonDenied: the
// reason the server's ConnectionDenied packet carried.
func (c *Client) DeniedReason() DenyReason { return c.denyReason }

// Start transitions Disconnected → SendingRequest and returns the
// first ConnectionRequest to send.
func (c *Client) Start(now time.Time) (Outbound, error) {
	c.state = SendingRequest
	c.attempts = 1
	c.lastSent = now
	c.hasLastSent = true
	body, err := encodeRequestBody(c.tokenBytes, false, Nonce{})
	if err != nil {
		return Outbound{}, err
	}
	return Outbound{Type: wire.ConnectionRequest, Body: body}, nil
}

// Disconnect requests a graceful disconnect, immediately transitioning
// to Disconnecting and returning the first Disconnect packet.
func (c *Client) Disconnect(now time.Time) Outbound {
	c.state = Disconnecting
	c.disconnectReason = ReasonRequested
	c.disconnectSends = 1
	c.disconnectAt = now
	c.lastSent = now
	c.hasLastSent = true
	return Outbound{Type: wire.Disconnect}
}

// Update advances retry/keep-alive/timeout timers and reports any
// packet that must be sent as a result.
func (c *Client) Update(now time.Time) (Outbound, bool) {
	switch c.state {
	case SendingRequest, SendingChallengeResponse:
		if c.hasLastSent && now.Sub(c.lastSent) < c.cfg.RequestRetryInterval {
			return Outbound{}, false
		}
		if c.attempts >= c.cfg.MaxRequestAttempts {
			c.state = Disconnected
			c.disconnectReason = ReasonTimeout
			return Outbound{}, false
		}
		c.attempts++
		c.lastSent = now
		c.hasLastSent = true
		echo := c.state == SendingChallengeResponse
		body, err := encodeRequestBody(c.tokenBytes, echo, c.nonce)
		if err != nil {
			return Outbound{}, false
		}
		return Outbound{Type: wire.ConnectionRequest, Body: body}, true

	case Connected:
		if c.hasLastRecv && now.Sub(c.lastRecv) >= c.cfg.ConnectionTimeout {
			c.state = Disconnected
			c.disconnectReason = ReasonTimeout
			return Outbound{}, false
		}
		if !c.hasLastSent || now.Sub(c.lastSent) >= c.cfg.KeepAliveInterval {
			c.lastSent = now
			c.hasLastSent = true
			return Outbound{Type: wire.KeepAlive}, true
		}
		return Outbound{}, false

	case Disconnecting:
		if now.Sub(c.disconnectAt) >= c.cfg.DrainDuration || c.disconnectSends >= c.cfg.DisconnectRetries {
			c.state = Disconnected
			return Outbound{}, false
		}
		if now.Sub(c.lastSent) >= c.cfg.RequestRetryInterval {
			c.disconnectSends++
			c.lastSent = now
			return Outbound{Type: wire.Disconnect}, true
		}
		return Outbound{}, false

	default:
		return Outbound{}, false
	}
}

// OnPacket processes one incoming packet from the server, returning
// any packet that must be sent as an immediate reaction.
func (c *Client) OnPacket(now time.Time, hdr wire.Header, body []byte) (Outbound, bool) {
	c.lastRecv = now
	c.hasLastRecv = true

	switch hdr.Type {
	case wire.ChallengeResponse:
		if c.state != SendingRequest && c.state != SendingChallengeResponse {
			return Outbound{}, false
		}
		nonce, err := decodeChallengeBody(body)
		if err != nil {
			return Outbound{}, false
		}
		c.nonce = nonce
		c.state = SendingChallengeResponse
		c.attempts = 1
		c.lastSent = now
		c.hasLastSent = true
		reqBody, err := encodeRequestBody(c.tokenBytes, true, c.nonce)
		if err != nil {
			return Outbound{}, false
		}
		return Outbound{Type: wire.ConnectionRequest, Body: reqBody}, true

	case wire.ConnectionAccepted:
		if c.state != SendingChallengeResponse && c.state != SendingRequest {
			return Outbound{}, false
		}
		c.connectionID = hdr.ConnectionID
		c.state = Connected
		return Outbound{}, false

	case wire.ConnectionDenied:
		reason, err := decodeDeniedBody(body)
		if err != nil {
			return Outbound{}, false
		}
		c.state = Disconnected
		c.disconnectReason = ReasonDenied
		c.denyReason = reason
		return Outbound{}, false

	case wire.Disconnect:
		c.state = Disconnected
		c.disconnectReason = ReasonRequested
		return Outbound{}, false

	default:
		return Outbound{}, false
	}
}
