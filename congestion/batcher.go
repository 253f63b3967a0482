package congestion

import (
	"sort"

	"github.com/gammazero/deque"
)

// Entry is one outgoing message awaiting batching into a packet.
type Entry struct {
	ChannelID uint8
	Reliable  bool
	MessageID uint16
	Payload   []byte
	// Retransmit marks a resend of an already-sent reliable message,
	// so the sent packet carrying it can be excluded from RTT sampling
	// (Karn's algorithm).
	Retransmit bool
}

// entryOverhead is a conservative per-entry encoding cost estimate
// (channel id + reliable flag + message id + length varint), used only
// to decide batch boundaries; wire.EncodeBatch computes the exact size.
const entryOverhead = 6

// Batcher collects one connection's outgoing entries for a tick and
// splits them into MTU-bounded groups, reliable entries first and then
// smaller channel id first within a tier.
type Batcher struct {
	queue deque.Deque
}

// NewBatcher returns an empty Batcher.
func NewBatcher() *Batcher {
	return &Batcher{}
}

// Enqueue appends an entry for the current tick.
func (b *Batcher) Enqueue(e Entry) {
	b.queue.PushBack(e)
}

// Len reports the number of entries queued.
func (b *Batcher) Len() int {
	return b.queue.Len()
}

// Drain removes everything queued and returns it split into batches
// whose estimated size never exceeds maxBytes, ordered by priority. A
// single entry larger than maxBytes on its own still gets its own
// batch (the caller is expected to have already routed anything that
// large through fragmentation instead).
func (b *Batcher) Drain(maxBytes int) [][]Entry {
	if b.queue.Len() == 0 {
		return nil
	}

	entries := make([]Entry, 0, b.queue.Len())
	for b.queue.Len() > 0 {
		entries = append(entries, b.queue.PopFront().(Entry))
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Reliable != entries[j].Reliable {
			return entries[i].Reliable
		}
		return entries[i].ChannelID < entries[j].ChannelID
	})

	var batches [][]Entry
	var current []Entry
	size := 0
	for _, e := range entries {
		cost := entryOverhead + len(e.Payload)
		if len(current) > 0 && size+cost > maxBytes {
			batches = append(batches, current)
			current = nil
			size = 0
		}
		current = append(current, e)
		size += cost
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// Requeue pushes the entries from batches (as returned by Drain) back
// onto the front of the queue, for a caller that pulled more batches
// than a pacing ceiling allowed to send this tick. Order is restored
// on the next Drain's own priority sort, so which batch boundary they
// fell on here doesn't matter.
func (b *Batcher) Requeue(batches [][]Entry) {
	for i := len(batches) - 1; i >= 0; i-- {
		batch := batches[i]
		for j := len(batch) - 1; j >= 0; j-- {
			b.queue.PushFront(batch[j])
		}
	}
}
