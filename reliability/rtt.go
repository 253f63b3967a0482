// Package reliability implements round-trip estimation, adaptive
// retransmission timing, and the per-connection send-history tables
// that translate incoming acks into per-message delivery events.
package reliability

import "time"

const (
	alpha            = 1.0 / 8.0 // SRTT smoothing factor
	beta             = 1.0 / 4.0 // RTTVAR smoothing factor
	kFactor          = 4.0
	clockGranularity = 10 * time.Millisecond

	// RTOMin and RTOMax bound every computed retransmission timeout.
	RTOMin = 100 * time.Millisecond
	RTOMax = 3 * time.Second

	initialSRTT   = 100 * time.Millisecond
	initialRTTVar = 50 * time.Millisecond
)

// Estimator implements the Jacobson/Karels RTT/RTO algorithm.
// Samples taken from retransmitted packets must never be fed in
// (Karn's algorithm) — callers enforce that by only calling Sample for
// first-attempt sends.
type Estimator struct {
	srtt      time.Duration
	rttvar    time.Duration
	hasSample bool
}

// NewEstimator returns an Estimator seeded with conservative initial
// SRTT/RTTVAR values before any real sample has arrived.
func NewEstimator() *Estimator {
	return &Estimator{srtt: initialSRTT, rttvar: initialRTTVar}
}

// Sample feeds a fresh, non-retransmitted RTT measurement.
func (e *Estimator) Sample(rtt time.Duration) {
	if !e.hasSample {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.hasSample = true
		return
	}
	delta := e.srtt - rtt
	if delta < 0 {
		delta = -delta
	}
	e.rttvar = e.rttvar + time.Duration(beta*float64(delta-e.rttvar))
	e.srtt = e.srtt + time.Duration(alpha*float64(rtt-e.srtt))
}

// RTO returns the current retransmission timeout, clamped to
// [RTOMin, RTOMax].
func (e *Estimator) RTO() time.Duration {
	margin := time.Duration(kFactor * float64(e.rttvar))
	if margin < clockGranularity {
		margin = clockGranularity
	}
	rto := e.srtt + margin
	if rto < RTOMin {
		return RTOMin
	}
	if rto > RTOMax {
		return RTOMax
	}
	return rto
}

// SRTT returns the current smoothed RTT estimate, mainly for diagnostics.
func (e *Estimator) SRTT() time.Duration { return e.srtt }

// BackoffRTO doubles base (Karn's algorithm backoff for a retransmitted
// envelope), clamped to RTOMax.
func BackoffRTO(base time.Duration, attempt int) time.Duration {
	rto := base
	for i := 0; i < attempt; i++ {
		rto *= 2
		if rto > RTOMax {
			return RTOMax
		}
	}
	return rto
}

// LossTracker maintains the packet-loss EMA exposed to congestion
// control: 1 on RTO, 0 on a clean ack, smoothed with λ = 1/16.
type LossTracker struct {
	ema float64
}

const lossLambda = 1.0 / 16.0

// OnTimeout records a retransmission-timeout event.
func (l *LossTracker) OnTimeout() { l.update(1) }

// OnCleanAck records a first-attempt packet being acknowledged.
func (l *LossTracker) OnCleanAck() { l.update(0) }

func (l *LossTracker) update(x float64) {
	l.ema = (1-lossLambda)*l.ema + lossLambda*x
}

// Value returns the current loss EMA in [0, 1].
func (l *LossTracker) Value() float64 { return l.ema }
