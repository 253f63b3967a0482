package channel

import (
	"time"

	"github.com/nickolajgrishuk/netchan-go/seqnum"
)

// unreliableSequencedChannel assigns each outgoing message a per-channel
// sequence and drops any incoming message older than the newest one
// already accepted; never retransmits.
type unreliableSequencedChannel struct {
	outSeq  uint16
	hasRecv bool
	highest uint16
}

func (c *unreliableSequencedChannel) Mode() Mode { return UnreliableSequenced }

func (c *unreliableSequencedChannel) EnqueueOut(payload []byte, _ time.Time) Outgoing {
	seq := c.outSeq
	c.outSeq++
	return Outgoing{Mode: UnreliableSequenced, ID: seq, Payload: payload}
}

func (c *unreliableSequencedChannel) OnRecv(id uint16, payload []byte) [][]byte {
	if c.hasRecv && !seqnum.Newer(id, c.highest) {
		return nil
	}
	c.highest = id
	c.hasRecv = true
	return [][]byte{payload}
}

func (c *unreliableSequencedChannel) OnSeqAcked(_ []uint16) {}

func (c *unreliableSequencedChannel) DueForRetransmit(time.Time, time.Duration) []Retransmit {
	return nil
}

func (c *unreliableSequencedChannel) MarkRetransmitted(uint16, time.Time) {}

func (c *unreliableSequencedChannel) Pending() int { return 0 }
