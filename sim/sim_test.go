package sim

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func newClock(start time.Time) (Clock, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestPipeDeliversAfterLatency(t *testing.T) {
	clock, advance := newClock(time.Now())
	a, b := NewPipe(
		Config{MinLatency: 10 * time.Millisecond, MaxLatency: 10 * time.Millisecond},
		Config{MinLatency: 10 * time.Millisecond, MaxLatency: 10 * time.Millisecond},
		clock, 1,
	)
	defer a.Close()
	defer b.Close()

	if _, err := a.WriteTo([]byte("hello"), nil); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 64)
	if _, _, err := b.ReadFrom(buf); err == nil {
		t.Fatal("expected timeout before latency has elapsed")
	}

	advance(10 * time.Millisecond)
	n, from, err := b.ReadFrom(buf)
	if err != nil {
		t.Fatalf("expected packet to be deliverable, got %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("hello")) {
		t.Fatalf("got %q, want %q", buf[:n], "hello")
	}
	if from.String() != a.LocalAddr().String() {
		t.Fatalf("got sender %q, want %q", from, a.LocalAddr())
	}
}

func TestPipeAppliesLoss(t *testing.T) {
	clock, advance := newClock(time.Now())
	a, b := NewPipe(
		Config{LossProbability: 1},
		Config{},
		clock, 1,
	)
	defer a.Close()
	defer b.Close()

	if _, err := a.WriteTo([]byte("vanishes"), nil); err != nil {
		t.Fatal(err)
	}
	advance(time.Second)

	buf := make([]byte, 64)
	if _, _, err := b.ReadFrom(buf); err == nil {
		t.Fatal("expected the packet to have been dropped")
	}
}

func TestPipeAppliesDuplicate(t *testing.T) {
	clock, advance := newClock(time.Now())
	a, b := NewPipe(
		Config{DuplicateProbability: 1},
		Config{},
		clock, 1,
	)
	defer a.Close()
	defer b.Close()

	if _, err := a.WriteTo([]byte("twice"), nil); err != nil {
		t.Fatal(err)
	}
	advance(time.Second)

	buf := make([]byte, 64)
	count := 0
	for {
		if _, _, err := b.ReadFrom(buf); err != nil {
			break
		}
		count++
	}
	if count != 2 {
		t.Fatalf("expected 2 deliveries with duplicate probability 1, got %d", count)
	}
}

func TestReadFromAfterCloseReturnsClosedError(t *testing.T) {
	clock, _ := newClock(time.Now())
	_, b := NewPipe(Config{}, Config{}, clock, 1)
	b.Close()

	buf := make([]byte, 64)
	if _, _, err := b.ReadFrom(buf); err != net.ErrClosed {
		t.Fatalf("expected net.ErrClosed, got %v", err)
	}
}

func TestEarliestPacketDeliveredFirst(t *testing.T) {
	clock, advance := newClock(time.Now())
	a, b := NewPipe(
		Config{MinLatency: 50 * time.Millisecond, MaxLatency: 50 * time.Millisecond},
		Config{},
		clock, 1,
	)
	defer a.Close()
	defer b.Close()

	if _, err := a.WriteTo([]byte("first"), nil); err != nil {
		t.Fatal(err)
	}
	advance(5 * time.Millisecond)
	if _, err := a.WriteTo([]byte("second"), nil); err != nil {
		t.Fatal(err)
	}
	advance(50 * time.Millisecond)

	buf := make([]byte, 64)
	n, _, err := b.ReadFrom(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], []byte("first")) {
		t.Fatalf("expected earliest-scheduled packet first, got %q", buf[:n])
	}
}
