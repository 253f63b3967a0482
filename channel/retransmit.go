package channel

import (
	"time"

	"github.com/nickolajgrishuk/netchan-go/reliability"
)

// fastRetransmitThreshold is the number of other sent-sequences
// acknowledged, while a message's own carrier remains unacked, that
// triggers an immediate resend instead of waiting for RTO. A
// TCP-style duplicate-ack heuristic: three acks for OTHER sequences
// landing while this message sits unacknowledged signal its own
// carrier was probably lost.
const fastRetransmitThreshold = 3

type pendingMessage struct {
	id              uint16
	payload         []byte
	firstSent       time.Time
	lastSent        time.Time
	attempts        int
	ackEventsAtSend uint64
}

// retransmitQueue is the shared retransmit bookkeeping embedded by
// every reliable channel mode.
type retransmitQueue struct {
	pending       map[uint16]*pendingMessage
	ackEventsSeen uint64
}

func newRetransmitQueue() retransmitQueue {
	return retransmitQueue{pending: make(map[uint16]*pendingMessage)}
}

func (q *retransmitQueue) enqueue(id uint16, payload []byte, now time.Time) {
	q.pending[id] = &pendingMessage{
		id:              id,
		payload:         payload,
		firstSent:       now,
		lastSent:        now,
		ackEventsAtSend: q.ackEventsSeen,
	}
}

// supersede removes id without ever acking it: the reliable-sequenced
// policy calls this when a newer outgoing message makes an older
// unacked one moot.
func (q *retransmitQueue) supersede(id uint16) {
	delete(q.pending, id)
}

// onSeqAcked retires every id carried by the just-acknowledged sent
// sequence and advances the ack-event counter used by fast retransmit.
func (q *retransmitQueue) onSeqAcked(carriedIDs []uint16) {
	q.ackEventsSeen++
	for _, id := range carriedIDs {
		delete(q.pending, id)
	}
}

func (q *retransmitQueue) due(now time.Time, rto time.Duration) []Retransmit {
	var due []Retransmit
	for _, pm := range q.pending {
		if now.Sub(pm.lastSent) >= reliability.BackoffRTO(rto, pm.attempts) {
			due = append(due, Retransmit{ID: pm.id, Payload: pm.payload, Attempts: pm.attempts})
			continue
		}
		if q.ackEventsSeen-pm.ackEventsAtSend >= fastRetransmitThreshold {
			due = append(due, Retransmit{ID: pm.id, Payload: pm.payload, Attempts: pm.attempts})
		}
	}
	return due
}

func (q *retransmitQueue) markRetransmitted(id uint16, now time.Time) {
	pm, ok := q.pending[id]
	if !ok {
		return
	}
	pm.attempts++
	pm.lastSent = now
	pm.ackEventsAtSend = q.ackEventsSeen
}

func (q *retransmitQueue) len() int { return len(q.pending) }
