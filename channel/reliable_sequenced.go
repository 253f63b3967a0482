package channel

import (
	"time"

	"github.com/nickolajgrishuk/netchan-go/seqnum"
)

// reliableSequencedChannel retransmits like any reliable channel but
// only ever cares about the newest id: enqueuing a new message
// supersedes whatever earlier message is still unacked (the sender has
// newer state and doesn't need the old one delivered anymore), and the
// receiver drops anything at or below the highest id already delivered
// without buffering.
type reliableSequencedChannel struct {
	retransmitQueue

	nextID       uint16
	lastPending  uint16
	hasPending   bool
	hasDelivered bool
	highest      uint16
}

func newReliableSequenced() *reliableSequencedChannel {
	return &reliableSequencedChannel{retransmitQueue: newRetransmitQueue()}
}

func (c *reliableSequencedChannel) Mode() Mode { return ReliableSequenced }

func (c *reliableSequencedChannel) EnqueueOut(payload []byte, now time.Time) Outgoing {
	if c.hasPending {
		c.retransmitQueue.supersede(c.lastPending)
	}
	id := c.nextID
	c.nextID++
	c.retransmitQueue.enqueue(id, payload, now)
	c.lastPending = id
	c.hasPending = true
	return Outgoing{Mode: ReliableSequenced, ID: id, Payload: payload}
}

func (c *reliableSequencedChannel) OnRecv(id uint16, payload []byte) [][]byte {
	if c.hasDelivered && !seqnum.Newer(id, c.highest) {
		return nil
	}
	c.highest = id
	c.hasDelivered = true
	return [][]byte{payload}
}

func (c *reliableSequencedChannel) OnSeqAcked(carriedIDs []uint16) {
	c.retransmitQueue.onSeqAcked(carriedIDs)
	for _, id := range carriedIDs {
		if c.hasPending && id == c.lastPending {
			c.hasPending = false
		}
	}
}

func (c *reliableSequencedChannel) DueForRetransmit(now time.Time, rto time.Duration) []Retransmit {
	return c.retransmitQueue.due(now, rto)
}

func (c *reliableSequencedChannel) MarkRetransmitted(id uint16, now time.Time) {
	c.retransmitQueue.markRetransmitted(id, now)
}

func (c *reliableSequencedChannel) Pending() int { return c.retransmitQueue.len() }
