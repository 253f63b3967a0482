// Package sim provides an in-memory net.PacketConn pair with
// configurable loss, latency, jitter, and duplicate probability, so
// tests can drive channel/reliability/connection behavior
// deterministically without real sockets. Time comes from an injected
// Clock rather than the wall clock, so a test controls exactly when a
// delayed packet becomes deliverable.
//
// Not imported by any core package; this is a test and example-binary
// collaborator only.
package sim

import (
	"math/rand"
	"net"
	"sync"
	"time"
)

// Clock returns the simulator's current notion of "now". Tests
// typically close over a mutable time.Time and advance it explicitly
// between ReadFrom calls.
type Clock func() time.Time

// Config tunes one direction of a simulated link.
type Config struct {
	// LossProbability is the chance, in [0,1], that a written packet
	// never reaches the peer at all.
	LossProbability float64
	// DuplicateProbability is the chance, in [0,1], that a written
	// packet is delivered twice, each copy with its own latency roll.
	DuplicateProbability float64
	// MinLatency/MaxLatency bound the extra delay applied to every
	// packet that isn't dropped; a uniform jitter within the range.
	MinLatency time.Duration
	MaxLatency time.Duration
}

type addr string

func (a addr) Network() string { return "sim" }
func (a addr) String() string  { return string(a) }

type packet struct {
	data      []byte
	from      net.Addr
	deliverAt time.Time
}

// timeoutError implements net.Error the way ReadFrom always reports
// "nothing ready yet", matching the net.Error.Timeout() contract the
// rest of this module's non-blocking read loops already check for.
type timeoutError struct{}

func (timeoutError) Error() string   { return "sim: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// Conn is one end of a simulated link. It implements net.PacketConn.
type Conn struct {
	mu   sync.Mutex
	name addr
	peer *Conn
	cfg  Config
	rng  *rand.Rand

	clock  Clock
	inbox  []packet
	closed bool
}

// NewPipe returns two connected Conns: writes on a arrive as reads on
// b (shaped by cfgA) and vice versa (shaped by cfgB). seed makes the
// loss/duplicate/jitter rolls reproducible across runs.
func NewPipe(cfgA, cfgB Config, clock Clock, seed int64) (a, b *Conn) {
	a = &Conn{name: "sim-a", cfg: cfgA, rng: rand.New(rand.NewSource(seed)), clock: clock}
	b = &Conn{name: "sim-b", cfg: cfgB, rng: rand.New(rand.NewSource(seed + 1)), clock: clock}
	a.peer = b
	b.peer = a
	return a, b
}

// LocalAddr returns this end's synthetic address.
func (c *Conn) LocalAddr() net.Addr { return c.name }

// WriteTo hands p to the peer end, subject to this end's configured
// loss/duplicate/latency. The destination address is ignored — a
// simulated link always has exactly one peer.
func (c *Conn) WriteTo(p []byte, _ net.Addr) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, net.ErrClosed
	}
	dropped := c.rng.Float64() < c.cfg.LossProbability
	duplicate := !dropped && c.rng.Float64() < c.cfg.DuplicateProbability
	now := c.clock()
	c.mu.Unlock()

	if dropped {
		return len(p), nil // silently vanishes, same as real UDP loss
	}

	data := append([]byte(nil), p...)
	c.peer.enqueue(packet{data: data, from: c.name, deliverAt: now.Add(c.latency())})
	if duplicate {
		c.peer.enqueue(packet{data: append([]byte(nil), data...), from: c.name, deliverAt: now.Add(c.latency())})
	}
	return len(p), nil
}

func (c *Conn) enqueue(pk packet) {
	c.mu.Lock()
	c.inbox = append(c.inbox, pk)
	c.mu.Unlock()
}

func (c *Conn) latency() time.Duration {
	if c.cfg.MaxLatency <= c.cfg.MinLatency {
		return c.cfg.MinLatency
	}
	jitter := time.Duration(c.rng.Int63n(int64(c.cfg.MaxLatency - c.cfg.MinLatency)))
	return c.cfg.MinLatency + jitter
}

// ReadFrom returns the earliest packet whose simulated delivery time
// has arrived according to Clock, or a timeoutError if nothing is due
// yet. It never blocks: a Clock that never advances would otherwise
// hang forever, so callers drive delivery by advancing their own
// clock between calls, the same non-blocking pattern socket.Recv uses
// against a real deadline.
func (c *Conn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, net.ErrClosed
	}

	now := c.clock()
	best := -1
	for i, pk := range c.inbox {
		if pk.deliverAt.After(now) {
			continue
		}
		if best == -1 || pk.deliverAt.Before(c.inbox[best].deliverAt) {
			best = i
		}
	}
	if best == -1 {
		return 0, nil, timeoutError{}
	}

	pk := c.inbox[best]
	c.inbox = append(c.inbox[:best], c.inbox[best+1:]...)
	n := copy(p, pk.data)
	return n, pk.from, nil
}

// Close marks the Conn closed; queued-but-undelivered packets are discarded.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.inbox = nil
	c.mu.Unlock()
	return nil
}

// Deadlines are meaningless against a simulated clock the caller
// drives explicitly; ReadFrom is always non-blocking, so these are
// no-ops kept only to satisfy net.PacketConn.
func (c *Conn) SetDeadline(time.Time) error      { return nil }
func (c *Conn) SetReadDeadline(time.Time) error  { return nil }
func (c *Conn) SetWriteDeadline(time.Time) error { return nil }
