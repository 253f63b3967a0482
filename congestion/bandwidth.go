package congestion

import "time"

// bandwidthLambda smooths the per-tick byte counters into a
// bytes-per-tick EMA.
const bandwidthLambda = 1.0 / 8.0

// BandwidthTracker accumulates sent/received bytes for the current
// tick and folds them into a running EMA once per Tick call.
type BandwidthTracker struct {
	sentEMA, recvEMA         float64
	pendingSent, pendingRecv int
}

// RecordSent adds n bytes to the current tick's outgoing total.
func (b *BandwidthTracker) RecordSent(n int) { b.pendingSent += n }

// RecordRecv adds n bytes to the current tick's incoming total.
func (b *BandwidthTracker) RecordRecv(n int) { b.pendingRecv += n }

// Stats is a point-in-time snapshot of a connection's congestion and
// bandwidth state, exposed to callers (and, optionally, a metrics
// exporter) once per tick.
type Stats struct {
	Mode             Mode
	SentBytesPerTick float64
	RecvBytesPerTick float64
	Loss             float64
	SRTT             time.Duration
}

// Tick folds the tick's accumulated byte counts into the EMA and
// resets them for the next tick.
func (b *BandwidthTracker) Tick() (sentEMA, recvEMA float64) {
	b.sentEMA = (1-bandwidthLambda)*b.sentEMA + bandwidthLambda*float64(b.pendingSent)
	b.recvEMA = (1-bandwidthLambda)*b.recvEMA + bandwidthLambda*float64(b.pendingRecv)
	b.pendingSent = 0
	b.pendingRecv = 0
	return b.sentEMA, b.recvEMA
}
