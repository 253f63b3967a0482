// Package congestion implements the binary Good/Bad mode controller,
// the per-tick MTU-bounded batcher, and bandwidth tracking.
package congestion

import "time"

// Mode is the congestion controller's binary classification.
type Mode uint8

const (
	Good Mode = iota
	Bad
)

func (m Mode) String() string {
	if m == Bad {
		return "Bad"
	}
	return "Good"
}

// Thresholds configures the Good/Bad controller. Zero-value fields are
// filled with DefaultThresholds by NewController.
type Thresholds struct {
	BadRTT     time.Duration
	BadLoss    float64
	GoodRTT    time.Duration
	GoodLoss   float64
	MaxGoodPPS int
	MaxBadPPS  int
}

// DefaultThresholds returns the controller's stated defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		BadRTT:     250 * time.Millisecond,
		BadLoss:    0.05,
		GoodRTT:    100 * time.Millisecond,
		GoodLoss:   0.01,
		MaxGoodPPS: 60,
		MaxBadPPS:  20,
	}
}

const (
	minFlapHold        = 1 * time.Second
	maxFlapHold        = 60 * time.Second
	goodHoldHalveAfter = 10 * time.Second
)

// Controller tracks one connection's Good/Bad congestion mode,
// flap-doubling the hold time required to re-enter Good on repeated
// oscillation and halving it back down after a sustained Good period.
type Controller struct {
	thresholds Thresholds

	mode Mode

	goodSince    time.Time
	hasGoodSince bool
	requiredHold time.Duration
	lastHalvedAt time.Time
}

// NewController returns a Controller starting in Good mode.
func NewController(thresholds Thresholds) *Controller {
	return &Controller{
		thresholds:   thresholds,
		mode:         Good,
		requiredHold: minFlapHold,
	}
}

// Mode returns the controller's current classification.
func (c *Controller) Mode() Mode { return c.mode }

// MaxPacketsPerSec returns the current pacing ceiling.
func (c *Controller) MaxPacketsPerSec() int {
	if c.mode == Bad {
		return c.thresholds.MaxBadPPS
	}
	return c.thresholds.MaxGoodPPS
}

// Sample feeds a fresh RTT/loss observation and advances the mode.
func (c *Controller) Sample(now time.Time, rtt time.Duration, loss float64) {
	bad := rtt > c.thresholds.BadRTT || loss > c.thresholds.BadLoss
	goodEnough := rtt < c.thresholds.GoodRTT && loss < c.thresholds.GoodLoss

	if c.mode == Good {
		if bad {
			c.enterBad(now)
		}
		return
	}

	// currently Bad
	if bad {
		c.hasGoodSince = false
		return
	}
	if !goodEnough {
		c.hasGoodSince = false
		return
	}
	if !c.hasGoodSince {
		c.goodSince = now
		c.hasGoodSince = true
		return
	}
	if now.Sub(c.goodSince) >= c.requiredHold {
		c.mode = Good
		c.hasGoodSince = false
		c.lastHalvedAt = now
	}
}

func (c *Controller) enterBad(now time.Time) {
	c.mode = Bad
	c.hasGoodSince = false
	c.requiredHold *= 2
	if c.requiredHold > maxFlapHold {
		c.requiredHold = maxFlapHold
	}
}

// Tick lets sustained Good time halve the required hold back down;
// call once per update alongside Sample.
func (c *Controller) Tick(now time.Time) {
	if c.mode != Good {
		return
	}
	if c.lastHalvedAt.IsZero() {
		c.lastHalvedAt = now
		return
	}
	if now.Sub(c.lastHalvedAt) >= goodHoldHalveAfter {
		c.requiredHold /= 2
		if c.requiredHold < minFlapHold {
			c.requiredHold = minFlapHold
		}
		c.lastHalvedAt = now
	}
}
