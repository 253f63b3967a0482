package conn

import (
	"time"

	"github.com/nickolajgrishuk/netchan-go/wire"
)

// ServerPeer drives one remote address's handshake and keep-alive
// state from the server side: Listening → ChallengeSent → Connected →
// Disconnecting. Token verification, nonce generation, and connection
// id assignment are the caller's responsibility (the server driver
// holds the pre-shared key and the id allocator); ServerPeer only
// tracks the state machine and its timers.
type ServerPeer struct {
	cfg Config

	state ServerState

	nonce        Nonce
	connectionID uint32

	lastSent    time.Time
	hasLastSent bool
	lastRecv    time.Time
	hasLastRecv bool

	disconnectAt     time.Time
	disconnectSends  int
	disconnectReason DisconnectReason
	done             bool
}

// NewServerPeer returns a peer slot starting in Listening.
func NewServerPeer(cfg Config) *ServerPeer {
	return &ServerPeer{cfg: cfg, state: Listening}
}

// State returns the peer's current FSM state.
func (p *ServerPeer) State() ServerState { return p.state }

// ConnectionID is meaningful once State is ServerConnected.
func (p *ServerPeer) ConnectionID() uint32 { return p.connectionID }

// DisconnectReason explains the most recent transition toward Done.
func (p *ServerPeer) DisconnectReason() DisconnectReason { return p.disconnectReason }

// Touch records that a packet was just received from this peer,
// resetting its connection-timeout clock.
func (p *ServerPeer) Touch(now time.Time) {
	p.lastRecv = now
	p.hasLastRecv = true
}

// Challenge transitions Listening → ChallengeSent, recording the
// server-chosen nonce, and returns the ChallengeResponse to send.
func (p *ServerPeer) Challenge(now time.Time, nonce Nonce) (Outbound, error) {
	p.state = ChallengeSent
	p.nonce = nonce
	p.lastSent = now
	p.hasLastSent = true
	p.Touch(now)
	body, err := encodeChallengeBody(nonce)
	if err != nil {
		return Outbound{}, err
	}
	return Outbound{Type: wire.ChallengeResponse, Body: body}, nil
}

// NonceMatches reports whether n is the nonce this peer issued.
func (p *ServerPeer) NonceMatches(n Nonce) bool { return p.nonce == n }

// Accept transitions ChallengeSent → ServerConnected under the given
// assigned connection id, and returns the ConnectionAccepted to send.
func (p *ServerPeer) Accept(now time.Time, connectionID uint32) Outbound {
	p.state = ServerConnected
	p.connectionID = connectionID
	p.lastSent = now
	p.hasLastSent = true
	return Outbound{Type: wire.ConnectionAccepted}
}

// Deny returns a ConnectionDenied packet without changing state; the
// caller discards the peer slot immediately afterward.
func Deny(reason DenyReason) (Outbound, error) {
	body, err := encodeDeniedBody(reason)
	if err != nil {
		return Outbound{}, err
	}
	return Outbound{Type: wire.ConnectionDenied, Body: body}, nil
}

// Disconnect transitions to ServerDisconnecting and returns the first
// Disconnect packet.
func (p *ServerPeer) Disconnect(now time.Time) Outbound {
	p.state = ServerDisconnecting
	p.disconnectSends = 1
	p.disconnectAt = now
	p.disconnectReason = ReasonRequested
	p.lastSent = now
	p.hasLastSent = true
	return Outbound{Type: wire.Disconnect}
}

// Done reports whether this peer slot has finished disconnecting and
// can be removed from the server's connection table.
func (p *ServerPeer) Done() bool { return p.done }

// Update advances retry/keep-alive/timeout timers and reports any
// packet that must be sent as a result.
func (p *ServerPeer) Update(now time.Time) (Outbound, bool) {
	switch p.state {
	case ChallengeSent:
		if p.hasLastRecv && now.Sub(p.lastRecv) >= p.cfg.ConnectionTimeout {
			p.done = true
			return Outbound{}, false
		}
		return Outbound{}, false

	case ServerConnected:
		if p.hasLastRecv && now.Sub(p.lastRecv) >= p.cfg.ConnectionTimeout {
			out := p.Disconnect(now)
			p.disconnectReason = ReasonTimeout
			return out, true
		}
		if !p.hasLastSent || now.Sub(p.lastSent) >= p.cfg.KeepAliveInterval {
			p.lastSent = now
			p.hasLastSent = true
			return Outbound{Type: wire.KeepAlive}, true
		}
		return Outbound{}, false

	case ServerDisconnecting:
		if now.Sub(p.disconnectAt) >= p.cfg.DrainDuration || p.disconnectSends >= p.cfg.DisconnectRetries {
			p.done = true
			return Outbound{}, false
		}
		if now.Sub(p.lastSent) >= p.cfg.RequestRetryInterval {
			p.disconnectSends++
			p.lastSent = now
			return Outbound{Type: wire.Disconnect}, true
		}
		return Outbound{}, false

	default:
		return Outbound{}, false
	}
}

// OnDisconnect processes a Disconnect packet from the peer: the local
// side transitions straight to done without the usual drain.
func (p *ServerPeer) OnDisconnect(now time.Time) {
	p.Touch(now)
	p.disconnectReason = ReasonRequested
	p.done = true
}
