package channel

import (
	"time"

	"github.com/nickolajgrishuk/netchan-go/seqnum"
)

// reliableUnorderedChannel delivers every distinct message id exactly
// once, in arrival order, retransmitting until acked. A dedup bitmap
// covers the last Window ids relative to the newest one seen; anything
// older falls out of the window and is dropped (the sender keeps
// retransmitting it regardless, since this struct has no way to know
// the remote already delivered it except via the ack path).
type reliableUnorderedChannel struct {
	retransmitQueue

	nextID      uint16
	hasRecv     bool
	highestSeen uint16
	received    [Window]bool
}

func newReliableUnordered() *reliableUnorderedChannel {
	return &reliableUnorderedChannel{retransmitQueue: newRetransmitQueue()}
}

func (c *reliableUnorderedChannel) Mode() Mode { return ReliableUnordered }

func (c *reliableUnorderedChannel) EnqueueOut(payload []byte, now time.Time) Outgoing {
	id := c.nextID
	c.nextID++
	c.retransmitQueue.enqueue(id, payload, now)
	return Outgoing{Mode: ReliableUnordered, ID: id, Payload: payload}
}

func (c *reliableUnorderedChannel) OnRecv(id uint16, payload []byte) [][]byte {
	if !c.hasRecv {
		c.hasRecv = true
		c.highestSeen = id
		c.received[id%Window] = true
		return [][]byte{payload}
	}

	if seqnum.Newer(id, c.highestSeen) {
		advance := seqnum.Diff(id, c.highestSeen)
		c.clearWindow(c.highestSeen, advance)
		c.highestSeen = id
		c.received[id%Window] = true
		return [][]byte{payload}
	}

	diff := seqnum.Diff(c.highestSeen, id)
	if diff >= Window {
		return nil // too old, outside the window
	}
	slot := id % Window
	if c.received[slot] {
		return nil // duplicate
	}
	c.received[slot] = true
	return [][]byte{payload}
}

// clearWindow resets the dedup slots that just scrolled out of view as
// the window advanced from oldHighest by delta new ids.
func (c *reliableUnorderedChannel) clearWindow(oldHighest uint16, delta int32) {
	if delta > Window {
		delta = Window
	}
	for i := int32(1); i <= delta; i++ {
		c.received[(oldHighest+uint16(i))%Window] = false
	}
}

func (c *reliableUnorderedChannel) OnSeqAcked(carriedIDs []uint16) {
	c.retransmitQueue.onSeqAcked(carriedIDs)
}

func (c *reliableUnorderedChannel) DueForRetransmit(now time.Time, rto time.Duration) []Retransmit {
	return c.retransmitQueue.due(now, rto)
}

func (c *reliableUnorderedChannel) MarkRetransmitted(id uint16, now time.Time) {
	c.retransmitQueue.markRetransmitted(id, now)
}

func (c *reliableUnorderedChannel) Pending() int { return c.retransmitQueue.len() }
