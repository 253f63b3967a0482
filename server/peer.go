package server

import (
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/nickolajgrishuk/netchan-go/channel"
	"github.com/nickolajgrishuk/netchan-go/conn"
	"github.com/nickolajgrishuk/netchan-go/congestion"
	"github.com/nickolajgrishuk/netchan-go/fragment"
	"github.com/nickolajgrishuk/netchan-go/reliability"
)

// sentHistoryCapacity bounds the per-connection outgoing-packet table;
// far larger than any plausible in-flight window at 60 Hz.
const sentHistoryCapacity = 2048

// fragmentChannelID is the dedicated reliable-unordered sub-channel
// fragments travel on, distinct from every application-configured
// channel id.
const fragmentChannelID uint8 = 255

// peer bundles every per-connection component a server drives: the
// handshake FSM, one Channel per configured mode plus the dedicated
// fragmentation channel, the reliability/congestion/bandwidth state,
// and the fragment reassembler.
type peer struct {
	id       uint32
	addr     *net.UDPAddr
	clientID uint64

	fsm *conn.ServerPeer

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
}

func newPeer(id uint32, addr *net.UDPAddr, clientID uint64, cfg peerConfig) *peer {
	ctrl := congestion.NewController(cfg.congestion)
	p := &peer{
		id:          id,
		addr:        addr,
		clientID:    clientID,
		fsm:         conn.NewServerPeer(cfg.handshake),
		channels:    make(map[uint8]channel.Channel, len(cfg.channels)+1),
		history:     reliability.NewHistory(sentHistoryCapacity),
		est:         reliability.NewEstimator(),
		loss:        &reliability.LossTracker{},
		congestion:  ctrl,
		batcher:     congestion.NewBatcher(),
		bandwidth:   &congestion.BandwidthTracker{},
		pacer:       rate.NewLimiter(rate.Limit(ctrl.MaxPacketsPerSec()), ctrl.MaxPacketsPerSec()),
		reassembler: fragment.NewReassembler(cfg.fragmentTableCap, cfg.fragmentTTL),
	}
	for _, cc := range cfg.channels {
		p.channels[cc.ID] = channel.New(cc.Mode)
	}
	p.channels[fragmentChannelID] = channel.New(channel.ReliableUnordered)
	return p
}

// nextGroupID returns the next fragmentation group id for this peer,
// wrapping at 16 bits.
func (p *peer) nextGroupID() uint16 {
	id := p.fragGroupID
	p.fragGroupID++
	return id
}

// peerConfig is the subset of netchan.Config a peer needs to build its
// components, threaded through separately from the Config type itself
// so peer construction has no dependency on the server/client split.
type peerConfig struct {
	handshake        conn.Config
	channels         []channelSpec
	congestion       congestion.Thresholds
	fragmentTableCap int
	fragmentTTL      time.Duration
}

type channelSpec struct {
	ID   uint8
	Mode channel.Mode
}
