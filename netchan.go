// Package netchan is a transport-layer game networking library over
// UDP: bitpacked wire serialization, five per-channel delivery
// guarantees, a connection handshake with anti-DoS connect tokens,
// fragmentation/reassembly, adaptive retransmission, and binary
// congestion control. This file holds the types shared between the
// server and client drivers: configuration, the polled event stream,
// and the synchronous error taxonomy.
package netchan

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nickolajgrishuk/netchan-go/channel"
	"github.com/nickolajgrishuk/netchan-go/conn"
	"github.com/nickolajgrishuk/netchan-go/congestion"
)

// DefaultProtocolID is used when a caller doesn't set one explicitly;
// real deployments should pick their own compile-time constant so
// mismatched builds drop each other's packets silently.
const DefaultProtocolID uint32 = 0x4e544348 // "NTCH"

// Synchronous errors returned to callers of Server/Client methods.
// Malformed data arriving off the wire (too short, CRC mismatch) is
// never surfaced this way: it is dropped silently. No count of dropped
// datagrams is kept.
var (
	ErrNotConnected    = errors.New("netchan: not connected")
	ErrChannelFull     = errors.New("netchan: channel retransmit queue at capacity")
	ErrMessageTooLarge = errors.New("netchan: message exceeds channel's configured size cap")
	ErrSerialization   = errors.New("netchan: serialization failed")
	ErrUnknownChannel  = errors.New("netchan: no channel configured with that id")
)

// DeniedError wraps a handshake rejection surfaced to a connecting
// client as a typed error rather than a generic sentinel, since the
// caller usually wants to branch on the reason.
type DeniedError struct {
	Reason conn.DenyReason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("netchan: connection denied: %s", e.Reason)
}

// ChannelConfig describes one configured channel: its id, delivery
// mode, and the caps that guard against unbounded memory growth.
type ChannelConfig struct {
	ID                 uint8
	Mode               channel.Mode
	MaxMessageSize     int
	RetransmitQueueCap int
}

// Config enumerates every tunable a Server or Client needs at
// construction time.
type Config struct {
	ProtocolID uint32

	MTU            int
	MaxConnections int
	Channels       []ChannelConfig

	// Handshake holds the retry/keep-alive/timeout/drain knobs for the
	// connection FSM.
	Handshake conn.Config

	FragmentTableCap int
	FragmentTTL      time.Duration

	RateLimitRefillPerSec float64
	RateLimitBurst        int

	Congestion congestion.Thresholds

	EventQueueCap int

	// Logger receives structured, leveled diagnostics. Only the server
	// logs, at info level, when a connection is established or removed;
	// the client does not log, and neither side logs retransmits or
	// congestion mode flips. The zero value
	// is zerolog's no-op logger, so a caller that never sets this gets
	// silence rather than a nil-pointer panic.
	Logger zerolog.Logger
}

// DefaultConfig returns sane defaults with a single ReliableOrdered
// channel (id 0) pre-configured; callers append or replace Channels
// for their own layout.
func DefaultConfig() Config {
	return Config{
		ProtocolID:     DefaultProtocolID,
		MTU:            1200,
		MaxConnections: 64,
		Channels: []ChannelConfig{
			{ID: 0, Mode: channel.ReliableOrdered, MaxMessageSize: 64 * 1024, RetransmitQueueCap: 1024},
		},
		Handshake:             conn.DefaultConfig(),
		FragmentTableCap:      256,
		FragmentTTL:           5 * time.Second,
		RateLimitRefillPerSec: 10,
		RateLimitBurst:        20,
		Congestion:            congestion.DefaultThresholds(),
		EventQueueCap:         1024,
		Logger:                zerolog.Nop(),
	}
}

// EventType tags the kind of asynchronous occurrence an Event reports.
type EventType uint8

const (
	ClientConnected EventType = iota
	ClientDisconnected
	MessageReceived
	ErrorEvent
)

func (t EventType) String() string {
	switch t {
	case ClientConnected:
		return "ClientConnected"
	case ClientDisconnected:
		return "ClientDisconnected"
	case MessageReceived:
		return "MessageReceived"
	case ErrorEvent:
		return "Error"
	default:
		return "Unknown"
	}
}

// Event is one item drained by PollEvent. Only the fields relevant to
// Type are meaningful.
type Event struct {
	Type         EventType
	ConnectionID uint32
	ChannelID    uint8
	Payload      []byte
	Reason       conn.DisconnectReason
	Err          error
}
