// Package client implements the client-side driver: a thin façade
// owning one pre-connected UDP socket and the single connection's
// channel engine, reliability tracker, congestion batcher, and
// fragment reassembler. Mirrors the server's per-instance bookkeeping,
// minus the connection table.
package client

import (
	"errors"
	"net"
	"time"

	"github.com/gammazero/deque"
	"golang.org/x/time/rate"

	"github.com/nickolajgrishuk/netchan-go"
	"github.com/nickolajgrishuk/netchan-go/channel"
	"github.com/nickolajgrishuk/netchan-go/conn"
	"github.com/nickolajgrishuk/netchan-go/congestion"
	"github.com/nickolajgrishuk/netchan-go/fragment"
	"github.com/nickolajgrishuk/netchan-go/reliability"
	"github.com/nickolajgrishuk/netchan-go/security"
	"github.com/nickolajgrishuk/netchan-go/socket"
	"github.com/nickolajgrishuk/netchan-go/wire"
)

// sentHistoryCapacity bounds the outgoing-packet table; far larger
// than any plausible in-flight window at 60 Hz.
const sentHistoryCapacity = 2048

// fragmentChannelID is the dedicated reliable-unordered sub-channel
// fragments travel on, distinct from every application-configured
// channel id.
const fragmentChannelID uint8 = 255

// maxFragmentEntryOverhead is the conservative per-fragment encoding
// cost subtracted from the configured MTU to size fragment payloads.
const maxFragmentEntryOverhead = 16

// Client drives one outgoing connection to a server through the
// handshake and keep-alive/timeout FSM, batching and reassembling
// traffic the same way a server peer does for one of its connections.
type Client struct {
	cfg        netchan.Config
	sock       *net.UDPConn
	channelCfg map[uint8]netchan.ChannelConfig

	fsm *conn.Client

	channels map[uint8]channel.Channel

	history *reliability.History
	est     *reliability.Estimator
	loss    *reliability.LossTracker
	ackWin  reliability.AckWindow

	congestion *congestion.Controller
	batcher    *congestion.Batcher
	bandwidth  *congestion.BandwidthTracker

	// pacer enforces the congestion controller's current
	// MaxPacketsPerSec ceiling; its limit is refreshed every flush to
	// track Good/Bad mode flips.
	pacer *rate.Limiter

	reassembler *fragment.Reassembler

	nextSeq     uint16
	fragGroupID uint16

	sentEMA, recvEMA float64

	events deque.Deque

	maxFragmentPayload int
}

// Dial opens a UDP socket connected to host:port and prepares a Client
// to Start against it using token. No packet is sent until Start is
// called.
func Dial(host string, port uint16, token security.Token, cfg netchan.Config) (*Client, error) {
	sock, err := socket.Connect(host, port)
	if err != nil {
		return nil, err
	}

	fsm, err := conn.NewClient(cfg.Handshake, token)
	if err != nil {
		sock.Close()
		return nil, err
	}

	channelCfg := make(map[uint8]netchan.ChannelConfig, len(cfg.Channels))
	channels := make(map[uint8]channel.Channel, len(cfg.Channels)+1)
	for _, cc := range cfg.Channels {
		channelCfg[cc.ID] = cc
		channels[cc.ID] = channel.New(cc.Mode)
	}
	channels[fragmentChannelID] = channel.New(channel.ReliableUnordered)

	ctrl := congestion.NewController(cfg.Congestion)
	c := &Client{
		cfg:                cfg,
		sock:               sock,
		channelCfg:         channelCfg,
		fsm:                fsm,
		channels:           channels,
		history:            reliability.NewHistory(sentHistoryCapacity),
		est:                reliability.NewEstimator(),
		loss:               &reliability.LossTracker{},
		congestion:         ctrl,
		batcher:            congestion.NewBatcher(),
		bandwidth:          &congestion.BandwidthTracker{},
		pacer:              rate.NewLimiter(rate.Limit(ctrl.MaxPacketsPerSec()), ctrl.MaxPacketsPerSec()),
		reassembler:        fragment.NewReassembler(cfg.FragmentTableCap, cfg.FragmentTTL),
		maxFragmentPayload: cfg.MTU - wire.Overhead - maxFragmentEntryOverhead,
	}
	return c, nil
}

// Close releases the underlying socket.
func (c *Client) Close() error { return c.sock.Close() }

// State returns the connection's current FSM state.
func (c *Client) State() conn.ClientState { return c.fsm.State() }

// ConnectionID is meaningful once State is Connected.
func (c *Client) ConnectionID() uint32 { return c.fsm.ConnectionID() }

// Start sends the first ConnectionRequest, beginning the handshake.
func (c *Client) Start(now time.Time) error {
	out, err := c.fsm.Start(now)
	if err != nil {
		return err
	}
	c.sendControl(out, now)
	return nil
}

// Update drains the socket, advances handshake/keep-alive timers, and
// flushes pending outgoing traffic. Call once per tick from the
// caller's game loop.
func (c *Client) Update(now time.Time) error {
	if err := c.drainSocket(now); err != nil {
		return err
	}
	prevState := c.fsm.State()
	if out, ok := c.fsm.Update(now); ok {
		c.sendControl(out, now)
	}
	if prevState != conn.Disconnected && c.fsm.State() == conn.Disconnected {
		c.pushDisconnectEvent()
	}
	if c.fsm.State() != conn.Connected {
		return nil
	}
	c.reassembler.EvictExpired(now)
	c.tick(now)
	c.flush(now)
	return nil
}

func (c *Client) drainSocket(now time.Time) error {
	for {
		c.sock.SetReadDeadline(now)
		hdr, body, _, err := socket.Recv(c.sock)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil
			}
			if errors.Is(err, wire.ErrTooShort) || errors.Is(err, wire.ErrCRCMismatch) {
				continue // malformed datagram: silent drop
			}
			// Other I/O failures (e.g. an ICMP "connection refused" on the
			// connected socket) are reported as an ErrorEvent, not returned.
			c.pushEvent(netchan.Event{Type: netchan.ErrorEvent, ConnectionID: c.fsm.ConnectionID(), Err: err})
			return nil
		}
		if hdr.ProtocolID != c.cfg.ProtocolID {
			continue // mismatched protocol id: silent drop
		}
		c.handlePacket(now, hdr, body)
	}
}

func (c *Client) handlePacket(now time.Time, hdr wire.Header, body []byte) {
	prevState := c.fsm.State()
	c.bandwidth.RecordRecv(wire.Overhead + len(body))

	c.ackWin.OnReceive(hdr.Sequence)
	for _, acked := range c.history.ProcessAck(hdr.Ack, hdr.AckBits, now, c.est, c.loss) {
		byChannel := make(map[uint8][]uint16)
		for _, cm := range acked.Record.Carried {
			byChannel[cm.ChannelID] = append(byChannel[cm.ChannelID], cm.MessageID)
		}
		for chID, ids := range byChannel {
			if ch, ok := c.channels[chID]; ok {
				ch.OnSeqAcked(ids)
			}
		}
	}
	c.congestion.Sample(now, c.est.SRTT(), c.loss.Value())

	out, sent := c.fsm.OnPacket(now, hdr, body)
	if sent {
		c.sendControl(out, now)
	}

	if prevState != conn.Connected && c.fsm.State() == conn.Connected {
		c.pushEvent(netchan.Event{Type: netchan.ClientConnected, ConnectionID: c.fsm.ConnectionID()})
	}
	if prevState != conn.Disconnected && c.fsm.State() == conn.Disconnected {
		c.pushDisconnectEvent()
	}

	if hdr.Type == wire.Payload {
		c.deliverPayload(body, now)
	}
}

// sendControl stamps out with the connection's next sequence number
// and the receive-side ack state — every packet type rides the same
// ack channel, not just Payload — and writes it to the socket.
func (c *Client) sendControl(out conn.Outbound, now time.Time) {
	ack, ackBits, _ := c.ackWin.Ack()
	hdr := wire.Header{
		ProtocolID:   c.cfg.ProtocolID,
		Type:         out.Type,
		ConnectionID: c.fsm.ConnectionID(),
		Sequence:     c.nextSeq,
		Ack:          ack,
		AckBits:      ackBits,
	}
	c.history.RecordSent(c.nextSeq, now, false, nil)
	c.nextSeq++
	n, err := socket.Send(c.sock, hdr, out.Body, nil)
	if err == nil {
		c.bandwidth.RecordSent(n)
	}
}

// tick drains every channel's due retransmissions into the batcher and
// advances the congestion flap-hold timer.
func (c *Client) tick(now time.Time) {
	rto := c.est.RTO()
	for chID, ch := range c.channels {
		for _, r := range ch.DueForRetransmit(now, rto) {
			c.batcher.Enqueue(congestion.Entry{
				ChannelID:  chID,
				Reliable:   true,
				MessageID:  r.ID,
				Payload:    r.Payload,
				Retransmit: true,
			})
			ch.MarkRetransmitted(r.ID, now)
		}
	}
	c.congestion.Tick(now)
	c.sentEMA, c.recvEMA = c.bandwidth.Tick()
}

// Stats returns the connection's current congestion/bandwidth
// snapshot, for a caller that wants to forward it to its own metrics
// system; the library itself exposes no exporter.
func (c *Client) Stats() congestion.Stats {
	return congestion.Stats{
		Mode:             c.congestion.Mode(),
		SentBytesPerTick: c.sentEMA,
		RecvBytesPerTick: c.recvEMA,
		Loss:             c.loss.Value(),
		SRTT:             c.est.SRTT(),
	}
}

// flush drains the batcher into MTU-bounded Payload packets and sends
// them, recording each against History so a future ack can retire the
// reliable messages it carried.
func (c *Client) flush(now time.Time) {
	maxBytes := c.cfg.MTU - wire.Overhead
	c.pacer.SetLimit(rate.Limit(c.congestion.MaxPacketsPerSec()))
	batches := c.batcher.Drain(maxBytes)
	for i, batch := range batches {
		if !c.pacer.AllowN(now, 1) {
			c.batcher.Requeue(batches[i:])
			return
		}
		entries := make([]wire.Entry, 0, len(batch))
		carried := make([]reliability.CarriedMessage, 0, len(batch))
		retransmit := false
		for _, e := range batch {
			entries = append(entries, wire.Entry{
				ChannelID: e.ChannelID,
				Reliable:  e.Reliable,
				MessageID: e.MessageID,
				Body:      e.Payload,
			})
			if e.Reliable {
				carried = append(carried, reliability.CarriedMessage{ChannelID: e.ChannelID, MessageID: e.MessageID})
			}
			if e.Retransmit {
				retransmit = true
			}
		}
		body, err := wire.EncodePayload(entries)
		if err != nil {
			c.pushEvent(netchan.Event{Type: netchan.ErrorEvent, ConnectionID: c.fsm.ConnectionID(), Err: netchan.ErrSerialization})
			continue
		}
		ack, ackBits, _ := c.ackWin.Ack()
		hdr := wire.Header{
			ProtocolID:   c.cfg.ProtocolID,
			Type:         wire.Payload,
			ConnectionID: c.fsm.ConnectionID(),
			Sequence:     c.nextSeq,
			Ack:          ack,
			AckBits:      ackBits,
		}
		c.history.RecordSent(c.nextSeq, now, retransmit, carried)
		c.nextSeq++
		n, err := socket.Send(c.sock, hdr, body, nil)
		if err == nil {
			c.bandwidth.RecordSent(n)
		}
	}
}

// deliverPayload decodes a Payload packet's batch and routes each
// entry to its channel, reassembling fragments transparently before
// they ever reach the application as events.
func (c *Client) deliverPayload(body []byte, now time.Time) {
	entries, err := wire.DecodePayload(body)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.ChannelID == fragmentChannelID {
			c.handleFragment(e, now)
			continue
		}
		ch, ok := c.channels[e.ChannelID]
		if !ok {
			continue // unconfigured channel id: drop, don't surface as Error
		}
		for _, payload := range ch.OnRecv(e.MessageID, e.Body) {
			c.pushEvent(netchan.Event{
				Type:         netchan.MessageReceived,
				ConnectionID: c.fsm.ConnectionID(),
				ChannelID:    e.ChannelID,
				Payload:      payload,
			})
		}
	}
}

// handleFragment feeds one reassembly-channel entry into the
// Reassembler, surfacing a MessageReceived event tagged with the
// fragment's original target channel once every piece has arrived.
func (c *Client) handleFragment(e wire.Entry, now time.Time) {
	ch := c.channels[fragmentChannelID]
	for _, fragPayload := range ch.OnRecv(e.MessageID, e.Body) {
		f, err := fragment.Decode(fragPayload)
		if err != nil {
			continue
		}
		assembled, targetChannel, done, err := c.reassembler.Add(f, now)
		if err != nil || !done {
			continue
		}
		c.pushEvent(netchan.Event{
			Type:         netchan.MessageReceived,
			ConnectionID: c.fsm.ConnectionID(),
			ChannelID:    targetChannel,
			Payload:      assembled,
		})
	}
}

// Send queues payload for delivery on channelID, returning before
// anything reaches the wire (actual transmission happens inside the
// next Update/flush). now is the message's recorded first-send time
// for reliable modes.
func (c *Client) Send(channelID uint8, payload []byte, now time.Time) error {
	if c.fsm.State() != conn.Connected {
		return netchan.ErrNotConnected
	}
	cc, ok := c.channelCfg[channelID]
	if !ok {
		return netchan.ErrUnknownChannel
	}
	if len(payload) > cc.MaxMessageSize {
		return netchan.ErrMessageTooLarge
	}
	ch := c.channels[channelID]
	if cc.RetransmitQueueCap > 0 && ch.Pending() >= cc.RetransmitQueueCap {
		return netchan.ErrChannelFull
	}

	if len(payload) <= c.maxFragmentPayload {
		out := ch.EnqueueOut(payload, now)
		c.batcher.Enqueue(congestion.Entry{
			ChannelID: channelID,
			Reliable:  out.Mode.Reliable(),
			MessageID: out.ID,
			Payload:   out.Payload,
		})
		return nil
	}

	frags, err := fragment.Split(c.nextGroupID(), channelID, payload, c.maxFragmentPayload)
	if err != nil {
		return err
	}
	fragCh := c.channels[fragmentChannelID]
	for _, f := range frags {
		data, err := f.Encode()
		if err != nil {
			return err
		}
		out := fragCh.EnqueueOut(data, now)
		c.batcher.Enqueue(congestion.Entry{
			ChannelID: fragmentChannelID,
			Reliable:  true,
			MessageID: out.ID,
			Payload:   out.Payload,
		})
	}
	return nil
}

// nextGroupID returns the next fragmentation group id, wrapping at 16 bits.
func (c *Client) nextGroupID() uint16 {
	id := c.fragGroupID
	c.fragGroupID++
	return id
}

// Disconnect begins a graceful disconnect.
func (c *Client) Disconnect(now time.Time) error {
	if c.fsm.State() != conn.Connected {
		return netchan.ErrNotConnected
	}
	out := c.fsm.Disconnect(now)
	c.sendControl(out, now)
	return nil
}

// PollEvent removes and returns the oldest pending event, or false if
// none are queued. Callers are expected to drain this every tick
// alongside Update.
func (c *Client) PollEvent() (netchan.Event, bool) {
	if c.events.Len() == 0 {
		return netchan.Event{}, false
	}
	return c.events.PopFront().(netchan.Event), true
}

// pushDisconnectEvent surfaces why the connection attempt or an
// established connection just ended. A denial also carries the
// server's DenyReason wrapped in DeniedError, so a caller polling
// events alone can still branch on why it was refused.
func (c *Client) pushDisconnectEvent() {
	reason := c.fsm.DisconnectReason()
	ev := netchan.Event{Type: netchan.ClientDisconnected, Reason: reason}
	if reason == conn.ReasonDenied {
		ev.Err = &netchan.DeniedError{Reason: c.fsm.DeniedReason()}
	}
	c.pushEvent(ev)
}

// pushEvent appends ev to the event queue, dropping the oldest queued
// event once EventQueueCap is reached so a caller that stops polling
// can't grow the queue without bound.
func (c *Client) pushEvent(ev netchan.Event) {
	if c.cfg.EventQueueCap > 0 && c.events.Len() >= c.cfg.EventQueueCap {
		c.events.PopFront()
	}
	c.events.PushBack(ev)
}
