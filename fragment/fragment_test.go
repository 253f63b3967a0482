package fragment

import (
	"bytes"
	"math/rand"
	"testing"
	"time"
)

// TestRoundTrip mirrors scenario S4: a 4000-byte payload split at
// MTU=1200 reassembles to the exact original bytes.
func TestRoundTrip(t *testing.T) {
	payload := make([]byte, 4000)
	rand.New(rand.NewSource(1)).Read(payload)

	const mtu = 1200
	const headerOverhead = 21 // wire.Overhead
	maxFragPayload := mtu - headerOverhead

	frags, err := Split(7, 3, payload, maxFragPayload)
	if err != nil {
		t.Fatal(err)
	}

	r := NewReassembler(DefaultTableCapacity, DefaultTTL)
	now := time.Now()
	var assembled []byte
	for i, f := range frags {
		got, targetChannel, done, err := r.Add(f, now)
		if err != nil {
			t.Fatal(err)
		}
		if i < len(frags)-1 && done {
			t.Fatalf("fragment %d: completed early", i)
		}
		if done {
			assembled = got
			if targetChannel != 3 {
				t.Fatalf("expected target channel 3, got %d", targetChannel)
			}
		}
	}
	if !bytes.Equal(assembled, payload) {
		t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(assembled), len(payload))
	}
}

func TestOutOfOrderArrival(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 3000)
	frags, err := Split(1, 0, payload, 1000)
	if err != nil {
		t.Fatal(err)
	}
	r := NewReassembler(16, DefaultTTL)
	now := time.Now()

	// feed fragments in reverse order
	var assembled []byte
	for i := len(frags) - 1; i >= 0; i-- {
		got, _, done, err := r.Add(frags[i], now)
		if err != nil {
			t.Fatal(err)
		}
		if done {
			assembled = got
		}
	}
	if !bytes.Equal(assembled, payload) {
		t.Fatal("out-of-order reassembly mismatch")
	}
}

func TestDuplicateFragmentIgnored(t *testing.T) {
	frags, err := Split(1, 0, bytes.Repeat([]byte{1}, 10), 4)
	if err != nil {
		t.Fatal(err)
	}
	r := NewReassembler(16, DefaultTTL)
	now := time.Now()
	r.Add(frags[0], now)
	r.Add(frags[0], now) // duplicate
	_, _, done, _ := r.Add(frags[1], now)
	if done {
		t.Fatal("expected group still incomplete; duplicate must not double count")
	}
}

func TestOldestGroupEvictedWhenTableFull(t *testing.T) {
	r := NewReassembler(2, DefaultTTL)
	now := time.Now()
	r.Add(Fragment{GroupID: 1, Index: 0, Total: 2, Payload: []byte("a")}, now)
	r.Add(Fragment{GroupID: 2, Index: 0, Total: 2, Payload: []byte("b")}, now.Add(time.Millisecond))
	if r.Len() != 2 {
		t.Fatalf("expected 2 groups in flight, got %d", r.Len())
	}
	r.Add(Fragment{GroupID: 3, Index: 0, Total: 2, Payload: []byte("c")}, now.Add(2*time.Millisecond))
	if r.Len() != 2 {
		t.Fatalf("expected table capped at 2, got %d", r.Len())
	}
	if _, ok := r.groups[1]; ok {
		t.Fatal("expected the oldest group (1) to have been evicted")
	}
	if _, ok := r.groups[2]; !ok {
		t.Fatal("expected group 2 to survive eviction")
	}
}

func TestExpiredGroupEvicted(t *testing.T) {
	r := NewReassembler(16, 5*time.Second)
	now := time.Now()
	r.Add(Fragment{GroupID: 1, Index: 0, Total: 2, Payload: []byte("a")}, now)
	if dropped := r.EvictExpired(now.Add(6 * time.Second)); dropped != 1 {
		t.Fatalf("expected 1 group evicted by TTL, got %d", dropped)
	}
	if r.Len() != 0 {
		t.Fatalf("expected table empty after TTL sweep, got %d", r.Len())
	}
}

func TestTooManyFragmentsRejected(t *testing.T) {
	payload := make([]byte, 1000)
	if _, err := Split(1, 0, payload, 1); err != ErrTooManyFragments {
		t.Fatalf("expected ErrTooManyFragments, got %v", err)
	}
}

func TestFragmentEncodeDecodeRoundTrip(t *testing.T) {
	f := Fragment{GroupID: 42, Index: 1, Total: 5, TargetChannel: 2, Payload: []byte("hello")}
	data, err := f.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.GroupID != f.GroupID || got.Index != f.Index || got.Total != f.Total || got.TargetChannel != f.TargetChannel {
		t.Fatalf("decoded fragment header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("decoded payload mismatch: got %q, want %q", got.Payload, f.Payload)
	}
}
