package channel

import (
	"time"

	"github.com/nickolajgrishuk/netchan-go/seqnum"
)

// reliableOrderedChannel buffers out-of-order arrivals up to Window
// ids ahead of the delivery cursor and releases them only once
// contiguous, stalling delivery (but never dropping) when a gap
// persists.
type reliableOrderedChannel struct {
	retransmitQueue

	nextID  uint16
	cursor  uint16
	pending map[uint16][]byte
}

func newReliableOrdered() *reliableOrderedChannel {
	return &reliableOrderedChannel{
		retransmitQueue: newRetransmitQueue(),
		pending:         make(map[uint16][]byte),
	}
}

func (c *reliableOrderedChannel) Mode() Mode { return ReliableOrdered }

func (c *reliableOrderedChannel) EnqueueOut(payload []byte, now time.Time) Outgoing {
	id := c.nextID
	c.nextID++
	c.retransmitQueue.enqueue(id, payload, now)
	return Outgoing{Mode: ReliableOrdered, ID: id, Payload: payload}
}

func (c *reliableOrderedChannel) OnRecv(id uint16, payload []byte) [][]byte {
	diff := seqnum.Diff(id, c.cursor)
	switch {
	case diff < 0:
		return nil // already delivered
	case diff >= Window:
		return nil // beyond the stall window; sender will retransmit
	}
	if _, dup := c.pending[id]; dup {
		return nil
	}
	c.pending[id] = payload

	var delivered [][]byte
	for {
		next, ok := c.pending[c.cursor]
		if !ok {
			break
		}
		delivered = append(delivered, next)
		delete(c.pending, c.cursor)
		c.cursor++
	}
	return delivered
}

func (c *reliableOrderedChannel) OnSeqAcked(carriedIDs []uint16) {
	c.retransmitQueue.onSeqAcked(carriedIDs)
}

func (c *reliableOrderedChannel) DueForRetransmit(now time.Time, rto time.Duration) []Retransmit {
	return c.retransmitQueue.due(now, rto)
}

func (c *reliableOrderedChannel) MarkRetransmitted(id uint16, now time.Time) {
	c.retransmitQueue.markRetransmitted(id, now)
}

func (c *reliableOrderedChannel) Pending() int { return c.retransmitQueue.len() }
