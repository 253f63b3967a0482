// Package server implements the server-side driver: a thin façade
// owning a UDP socket, a connection table, and per-tick bookkeeping
// that wires the channel engine, reliability tracker, congestion
// batcher, fragment reassembler, and connect-token security together.
// No package-level state; one clock/socket/table per instance.
package server

import (
	"errors"
	"net"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nickolajgrishuk/netchan-go"
	"github.com/nickolajgrishuk/netchan-go/conn"
	"github.com/nickolajgrishuk/netchan-go/congestion"
	"github.com/nickolajgrishuk/netchan-go/fragment"
	"github.com/nickolajgrishuk/netchan-go/reliability"
	"github.com/nickolajgrishuk/netchan-go/security"
	"github.com/nickolajgrishuk/netchan-go/socket"
	"github.com/nickolajgrishuk/netchan-go/wire"
)

// maxFragmentEntryOverhead is the conservative per-fragment encoding
// cost subtracted from the configured MTU to size fragment payloads.
const maxFragmentEntryOverhead = 16

// Server accepts connections from many clients, driving every
// component once per Update tick.
type Server struct {
	cfg        netchan.Config
	sock       *net.UDPConn
	localAddr  string
	tokenKey   []byte
	peerCfg    peerConfig
	channelCfg map[uint8]netchan.ChannelConfig

	peers  map[uint32]*peer
	byAddr map[string]uint32
	byTok  map[uint64]uint32 // clientID -> connectionID, for AlreadyConnected detection
	nextID uint32

	rateLimiter *security.RateLimiter
	usedTokens  *security.UsedTokens

	events deque.Deque

	maxFragmentPayload int
}

// Bind opens a UDP socket on port and returns a Server ready to
// Update. tokenKey is the pre-shared key connect tokens are verified
// against.
func Bind(port uint16, tokenKey []byte, cfg netchan.Config) (*Server, error) {
	sock, err := socket.Bind(port)
	if err != nil {
		return nil, err
	}

	channelCfg := make(map[uint8]netchan.ChannelConfig, len(cfg.Channels))
	specs := make([]channelSpec, 0, len(cfg.Channels))
	for _, cc := range cfg.Channels {
		channelCfg[cc.ID] = cc
		specs = append(specs, channelSpec{ID: cc.ID, Mode: cc.Mode})
	}

	s := &Server{
		cfg:        cfg,
		sock:       sock,
		localAddr:  sock.LocalAddr().String(),
		tokenKey:   tokenKey,
		channelCfg: channelCfg,
		peerCfg: peerConfig{
			handshake:        cfg.Handshake,
			channels:         specs,
			congestion:       cfg.Congestion,
			fragmentTableCap: cfg.FragmentTableCap,
			fragmentTTL:      cfg.FragmentTTL,
		},
		peers:              make(map[uint32]*peer),
		byAddr:             make(map[string]uint32),
		byTok:              make(map[uint64]uint32),
		nextID:             1, // 0 is the id of pre-handshake frames
		rateLimiter:        security.NewRateLimiter(cfg.RateLimitRefillPerSec, cfg.RateLimitBurst, 60*time.Second),
		usedTokens:         security.NewUsedTokens(4096),
		maxFragmentPayload: cfg.MTU - wire.Overhead - maxFragmentEntryOverhead,
	}
	return s, nil
}

// LocalAddr returns the socket's bound local address.
func (s *Server) LocalAddr() net.Addr { return s.sock.LocalAddr() }

// Close releases the underlying socket.
func (s *Server) Close() error { return s.sock.Close() }

// Update drains the socket, advances every peer's timers, and flushes
// pending outgoing traffic. Call once per tick from the caller's game
// loop; there are no background goroutines, all mutation happens
// inside Update/Send/Disconnect.
func (s *Server) Update(now time.Time) error {
	if err := s.drainSocket(now); err != nil {
		return err
	}

	for id, p := range s.peers {
		if out, ok := p.fsm.Update(now); ok {
			s.sendControl(p, out, now)
		}
		if p.fsm.Done() {
			s.removePeer(id, p, now)
			continue
		}
		p.reassembler.EvictExpired(now)
		s.tickPeer(p, now)
		s.flushPeer(p, now)
	}

	s.rateLimiter.Prune(now)
	return nil
}

func (s *Server) drainSocket(now time.Time) error {
	for {
		s.sock.SetReadDeadline(now)
		hdr, body, addr, err := socket.Recv(s.sock)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil
			}
			if errors.Is(err, wire.ErrTooShort) || errors.Is(err, wire.ErrCRCMismatch) {
				continue // malformed datagram: silent drop
			}
			return err
		}
		if hdr.ProtocolID != s.cfg.ProtocolID {
			continue // mismatched protocol id: silent drop
		}
		s.handlePacket(now, hdr, body, addr)
	}
}

func (s *Server) handlePacket(now time.Time, hdr wire.Header, body []byte, addr *net.UDPAddr) {
	if hdr.Type == wire.ConnectionRequest {
		s.handleConnectionRequest(now, body, addr)
		return
	}

	id, ok := s.byAddr[addr.String()]
	if !ok {
		return // unknown peer, anything but a request is dropped silently
	}
	p := s.peers[id]
	p.bandwidth.RecordRecv(wire.Overhead + len(body))

	p.ackWin.OnReceive(hdr.Sequence)
	for _, acked := range p.history.ProcessAck(hdr.Ack, hdr.AckBits, now, p.est, p.loss) {
		byChannel := make(map[uint8][]uint16)
		for _, c := range acked.Record.Carried {
			byChannel[c.ChannelID] = append(byChannel[c.ChannelID], c.MessageID)
		}
		for chID, ids := range byChannel {
			if ch, ok := p.channels[chID]; ok {
				ch.OnSeqAcked(ids)
			}
		}
	}

	s.sampleCongestion(p, now)

	switch hdr.Type {
	case wire.KeepAlive:
		p.fsm.Touch(now)

	case wire.Disconnect:
		p.fsm.OnDisconnect(now)
		s.cfg.Logger.Info().Uint32("connection_id", id).Msg("peer requested disconnect")

	case wire.Payload:
		p.fsm.Touch(now)
		s.deliverPayload(p, body, now)

	default:
	}
}

// sampleCongestion feeds the connection's freshest RTT/loss readings
// into its Controller; called once per received packet since every
// packet type can move ProcessAck forward.
func (s *Server) sampleCongestion(p *peer, now time.Time) {
	p.congestion.Sample(now, p.est.SRTT(), p.loss.Value())
}

// handleConnectionRequest processes a ConnectionRequest packet,
// whether it's a brand-new address's first attempt or an existing
// ChallengeSent peer echoing back its nonce. Both
// cases arrive as the same wire.Type, since a pre-connection slot has
// no other packet type to distinguish them by.
func (s *Server) handleConnectionRequest(now time.Time, body []byte, addr *net.UDPAddr) {
	if !s.rateLimiter.Allow(addr.IP.String(), now) {
		return // a denied request is dropped silently, never answered
	}

	tokenBytes, echoedNonce, nonce, err := conn.DecodeRequest(body)
	if err != nil {
		return
	}

	if id, ok := s.byAddr[addr.String()]; ok {
		p := s.peers[id]
		if p.fsm.State() == conn.ChallengeSent && echoedNonce && p.fsm.NonceMatches(nonce) {
			out := p.fsm.Accept(now, id)
			s.sendControl(p, out, now)
			s.pushEvent(netchan.Event{Type: netchan.ClientConnected, ConnectionID: id})
			s.cfg.Logger.Info().Uint32("connection_id", id).Msg("client connected")
		}
		return // anything else is a retry already answered
	}

	tok, err := security.DecodeToken(tokenBytes)
	if err != nil {
		s.deny(addr, conn.InvalidToken)
		return
	}
	if err := security.Verify(tok, s.tokenKey, s.localAddr, now); err != nil {
		s.deny(addr, conn.InvalidToken)
		return
	}
	if existingID, ok := s.byTok[tok.ClientID]; ok {
		if existing, stillThere := s.peers[existingID]; stillThere && existing.fsm.State() != conn.ServerDisconnecting {
			s.deny(addr, conn.AlreadyConnected)
			return
		}
	}
	if len(s.peers) >= s.cfg.MaxConnections {
		s.deny(addr, conn.ServerFull)
		return
	}
	if alreadyUsed := s.usedTokens.Accept(tok); alreadyUsed {
		s.deny(addr, conn.InvalidToken)
		return
	}

	id := s.nextID
	s.nextID++
	p := newPeer(id, addr, tok.ClientID, s.peerCfg)

	out, err := p.fsm.Challenge(now, conn.Nonce(uuid.New()))
	if err != nil {
		return
	}
	s.peers[id] = p
	s.byAddr[addr.String()] = id
	s.byTok[tok.ClientID] = id
	s.sendControl(p, out, now)
}

// deny answers addr directly, with no peer slot ever created for it.
func (s *Server) deny(addr *net.UDPAddr, reason conn.DenyReason) {
	out, err := conn.Deny(reason)
	if err != nil {
		return
	}
	s.sendRaw(addr, out)
}

// sendRaw writes a handshake packet to an address with no connection
// slot backing it (deny responses): no sequence/ack tracking applies
// since there is no History to record it against yet.
func (s *Server) sendRaw(addr *net.UDPAddr, out conn.Outbound) {
	hdr := wire.Header{ProtocolID: s.cfg.ProtocolID, Type: out.Type}
	socket.Send(s.sock, hdr, out.Body, addr)
}

// sendControl sends a handshake/keep-alive/disconnect packet for an
// established peer slot, stamping it with the connection's next
// sequence number and the receive-side ack state like any other
// packet: every outbound packet, not just Payload, rides the same ack
// channel.
func (s *Server) sendControl(p *peer, out conn.Outbound, now time.Time) {
	ack, ackBits, _ := p.ackWin.Ack()
	hdr := wire.Header{
		ProtocolID:   s.cfg.ProtocolID,
		Type:         out.Type,
		ConnectionID: p.fsm.ConnectionID(),
		Sequence:     p.nextSeq,
		Ack:          ack,
		AckBits:      ackBits,
	}
	p.history.RecordSent(p.nextSeq, now, false, nil)
	p.nextSeq++
	n, err := socket.Send(s.sock, hdr, out.Body, p.addr)
	if err == nil {
		p.bandwidth.RecordSent(n)
	}
}

// tickPeer drains every channel's due retransmissions into the
// connection's batcher and advances its congestion flap-hold timer.
func (s *Server) tickPeer(p *peer, now time.Time) {
	rto := p.est.RTO()
	for chID, ch := range p.channels {
		for _, r := range ch.DueForRetransmit(now, rto) {
			p.batcher.Enqueue(congestion.Entry{
				ChannelID:  chID,
				Reliable:   true,
				MessageID:  r.ID,
				Payload:    r.Payload,
				Retransmit: true,
			})
			ch.MarkRetransmitted(r.ID, now)
		}
	}
	p.congestion.Tick(now)
	p.sentEMA, p.recvEMA = p.bandwidth.Tick()
}

// flushPeer drains the batcher into MTU-bounded Payload packets and
// sends them, recording each against History so a future ack can
// retire the reliable messages it carried.
func (s *Server) flushPeer(p *peer, now time.Time) {
	maxBytes := s.cfg.MTU - wire.Overhead
	p.pacer.SetLimit(rate.Limit(p.congestion.MaxPacketsPerSec()))
	batches := p.batcher.Drain(maxBytes)
	for i, batch := range batches {
		if !p.pacer.AllowN(now, 1) {
			p.batcher.Requeue(batches[i:])
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
			s.pushEvent(netchan.Event{Type: netchan.ErrorEvent, ConnectionID: p.fsm.ConnectionID(), Err: netchan.ErrSerialization})
			continue
		}
		ack, ackBits, _ := p.ackWin.Ack()
		hdr := wire.Header{
			ProtocolID:   s.cfg.ProtocolID,
			Type:         wire.Payload,
			ConnectionID: p.fsm.ConnectionID(),
			Sequence:     p.nextSeq,
			Ack:          ack,
			AckBits:      ackBits,
		}
		p.history.RecordSent(p.nextSeq, now, retransmit, carried)
		p.nextSeq++
		n, err := socket.Send(s.sock, hdr, body, p.addr)
		if err == nil {
			p.bandwidth.RecordSent(n)
		}
	}
}

// deliverPayload decodes a Payload packet's batch and routes each
// entry to its channel, reassembling fragments transparently before
// they ever reach the application as events.
func (s *Server) deliverPayload(p *peer, body []byte, now time.Time) {
	entries, err := wire.DecodePayload(body)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.ChannelID == fragmentChannelID {
			s.handleFragment(p, e, now)
			continue
		}
		ch, ok := p.channels[e.ChannelID]
		if !ok {
			continue // unconfigured channel id: drop, don't surface as Error
		}
		for _, payload := range ch.OnRecv(e.MessageID, e.Body) {
			s.pushEvent(netchan.Event{
				Type:         netchan.MessageReceived,
				ConnectionID: p.id,
				ChannelID:    e.ChannelID,
				Payload:      payload,
			})
		}
	}
}

// handleFragment feeds one reassembly-channel entry into the peer's
// Reassembler, surfacing a MessageReceived event tagged with the
// fragment's original target channel once every piece has arrived.
func (s *Server) handleFragment(p *peer, e wire.Entry, now time.Time) {
	ch := p.channels[fragmentChannelID]
	for _, fragPayload := range ch.OnRecv(e.MessageID, e.Body) {
		f, err := fragment.Decode(fragPayload)
		if err != nil {
			continue
		}
		assembled, targetChannel, done, err := p.reassembler.Add(f, now)
		if err != nil || !done {
			continue
		}
		s.pushEvent(netchan.Event{
			Type:         netchan.MessageReceived,
			ConnectionID: p.id,
			ChannelID:    targetChannel,
			Payload:      assembled,
		})
	}
}

// removePeer discards a finished connection slot and surfaces its
// disconnection as an event.
func (s *Server) removePeer(id uint32, p *peer, now time.Time) {
	delete(s.peers, id)
	delete(s.byAddr, p.addr.String())
	if existing, ok := s.byTok[p.clientID]; ok && existing == id {
		delete(s.byTok, p.clientID)
	}
	s.pushEvent(netchan.Event{
		Type:         netchan.ClientDisconnected,
		ConnectionID: id,
		Reason:       p.fsm.DisconnectReason(),
	})
	s.cfg.Logger.Info().Uint32("connection_id", id).Str("reason", p.fsm.DisconnectReason().String()).Msg("client disconnected")
}

// Send queues payload for delivery to connectionID on channelID,
// returning before anything reaches the wire (actual transmission
// happens inside the next Update/flushPeer). now is the message's
// recorded first-send time for reliable modes.
func (s *Server) Send(connectionID uint32, channelID uint8, payload []byte, now time.Time) error {
	p, ok := s.peers[connectionID]
	if !ok {
		return netchan.ErrNotConnected
	}
	cc, ok := s.channelCfg[channelID]
	if !ok {
		return netchan.ErrUnknownChannel
	}
	if len(payload) > cc.MaxMessageSize {
		return netchan.ErrMessageTooLarge
	}
	return s.enqueue(p, channelID, payload, now)
}

// enqueue fragments payload if it won't fit in one packet, then hands
// it (or its pieces) to the target channel's engine and the batcher.
func (s *Server) enqueue(p *peer, channelID uint8, payload []byte, now time.Time) error {
	ch, ok := p.channels[channelID]
	if !ok {
		return netchan.ErrUnknownChannel
	}
	if cc, ok := s.channelCfg[channelID]; ok && cc.RetransmitQueueCap > 0 && ch.Pending() >= cc.RetransmitQueueCap {
		return netchan.ErrChannelFull
	}

	if len(payload) <= s.maxFragmentPayload {
		out := ch.EnqueueOut(payload, now)
		p.batcher.Enqueue(congestion.Entry{
			ChannelID: channelID,
			Reliable:  out.Mode.Reliable(),
			MessageID: out.ID,
			Payload:   out.Payload,
		})
		return nil
	}

	frags, err := fragment.Split(p.nextGroupID(), channelID, payload, s.maxFragmentPayload)
	if err != nil {
		return err
	}
	fragCh := p.channels[fragmentChannelID]
	for _, f := range frags {
		data, err := f.Encode()
		if err != nil {
			return err
		}
		out := fragCh.EnqueueOut(data, now)
		p.batcher.Enqueue(congestion.Entry{
			ChannelID: fragmentChannelID,
			Reliable:  true,
			MessageID: out.ID,
			Payload:   out.Payload,
		})
	}
	return nil
}

// Broadcast sends payload on channelID to every currently connected peer.
func (s *Server) Broadcast(channelID uint8, payload []byte, now time.Time) error {
	cc, ok := s.channelCfg[channelID]
	if !ok {
		return netchan.ErrUnknownChannel
	}
	if len(payload) > cc.MaxMessageSize {
		return netchan.ErrMessageTooLarge
	}
	for _, p := range s.peers {
		if p.fsm.State() != conn.ServerConnected {
			continue
		}
		if err := s.enqueue(p, channelID, payload, now); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns connectionID's current congestion/bandwidth snapshot,
// for a caller that wants to forward it to its own metrics system; the
// library itself exposes no exporter.
func (s *Server) Stats(connectionID uint32) (congestion.Stats, error) {
	p, ok := s.peers[connectionID]
	if !ok {
		return congestion.Stats{}, netchan.ErrNotConnected
	}
	return congestion.Stats{
		Mode:             p.congestion.Mode(),
		SentBytesPerTick: p.sentEMA,
		RecvBytesPerTick: p.recvEMA,
		Loss:             p.loss.Value(),
		SRTT:             p.est.SRTT(),
	}, nil
}

// Disconnect begins a graceful disconnect of connectionID.
func (s *Server) Disconnect(connectionID uint32, now time.Time) error {
	p, ok := s.peers[connectionID]
	if !ok {
		return netchan.ErrNotConnected
	}
	out := p.fsm.Disconnect(now)
	s.sendControl(p, out, now)
	return nil
}

// PollEvent removes and returns the oldest pending event, or false if
// none are queued. Callers are expected to drain this every tick
// alongside Update.
func (s *Server) PollEvent() (netchan.Event, bool) {
	if s.events.Len() == 0 {
		return netchan.Event{}, false
	}
	return s.events.PopFront().(netchan.Event), true
}

// pushEvent appends ev to the event queue, dropping the oldest queued
// event once EventQueueCap is reached so a caller that stops polling
// can't grow the queue without bound.
func (s *Server) pushEvent(ev netchan.Event) {
	if s.cfg.EventQueueCap > 0 && s.events.Len() >= s.cfg.EventQueueCap {
		s.events.PopFront()
	}
	s.events.PushBack(ev)
}
