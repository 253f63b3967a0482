package reliability

import "github.com/nickolajgrishuk/netchan-go/seqnum"

// AckWindow is the receive-side mirror of History: it tracks which
// packet sequences have arrived so the next outgoing packet can carry
// an (ack, ack bitfield) pair, packing a recvBase/recvWindow-style
// bitmap into the header's fixed 32-bit field instead of a
// WindowSize-sized bool array.
type AckWindow struct {
	has    bool
	newest uint16
	bits   uint32
}

// OnReceive records that seq has just arrived.
func (w *AckWindow) OnReceive(seq uint16) {
	if !w.has {
		w.newest = seq
		w.bits = 0
		w.has = true
		return
	}

	diff := seqnum.Diff(seq, w.newest)
	switch {
	case diff == 0:
		// duplicate of the newest sequence, nothing to update
	case diff > 0:
		shift := uint(diff)
		if shift >= 32 {
			w.bits = 0
		} else {
			w.bits <<= shift
			w.bits |= 1 << (shift - 1)
		}
		w.newest = seq
	default:
		back := uint(-diff)
		if back >= 1 && back <= 32 {
			w.bits |= 1 << (back - 1)
		}
	}
}

// Ack returns the (newest, bitfield) pair to stamp on the next
// outgoing packet, and whether anything has been received yet.
func (w *AckWindow) Ack() (uint16, uint32, bool) {
	return w.newest, w.bits, w.has
}
