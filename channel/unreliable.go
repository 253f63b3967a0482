package channel

import "time"

// unreliableChannel delivers whatever arrives, in arrival order, with
// no sequencing, dedup, or retransmission.
type unreliableChannel struct{}

func (c *unreliableChannel) Mode() Mode { return Unreliable }

func (c *unreliableChannel) EnqueueOut(payload []byte, _ time.Time) Outgoing {
	return Outgoing{Mode: Unreliable, Payload: payload}
}

func (c *unreliableChannel) OnRecv(_ uint16, payload []byte) [][]byte {
	return [][]byte{payload}
}

func (c *unreliableChannel) OnSeqAcked(_ []uint16) {}

func (c *unreliableChannel) DueForRetransmit(time.Time, time.Duration) []Retransmit { return nil }

func (c *unreliableChannel) MarkRetransmitted(uint16, time.Time) {}

func (c *unreliableChannel) Pending() int { return 0 }
