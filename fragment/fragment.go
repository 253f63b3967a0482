// Package fragment splits oversized messages into MTU-sized pieces
// and reassembles them on the receive side, bounded by a fixed-capacity
// table with oldest-first-arrival eviction and a per-group TTL.
package fragment

import (
	"errors"
	"time"

	"github.com/nickolajgrishuk/netchan-go/bitstream"
)

// MaxFragments is the largest fragment count a single group can carry.
// Fragment.Total is an 8-bit field, so 256 itself would wrap to 0 and
// make every index look out of range; 255 is the true ceiling.
const MaxFragments = 255

// DefaultTableCapacity and DefaultTTL are sized for a typical 60 Hz
// game connection.
const (
	DefaultTableCapacity = 256
	DefaultTTL           = 5 * time.Second
)

var (
	ErrTooManyFragments = errors.New("fragment: payload requires more than 255 fragments at this MTU")
	ErrPayloadTooSmall  = errors.New("fragment: MTU leaves no room for fragment payload")
	ErrInvalidIndex     = errors.New("fragment: index out of range for group total")
)

// Fragment is one piece of a split message, as carried on the
// dedicated reliable-unordered sub-channel. TargetChannel records which
// application channel the reassembled message belongs to, since the
// dedicated sub-channel carries fragments for every oversized message
// regardless of its original destination.
type Fragment struct {
	GroupID       uint16
	Index         uint8
	Total         uint8
	TargetChannel uint8
	Payload       []byte
}

// Split divides payload into uniform-size fragments (the last one
// possibly shorter) each no larger than maxFragmentPayload bytes.
func Split(groupID uint16, targetChannel uint8, payload []byte, maxFragmentPayload int) ([]Fragment, error) {
	if maxFragmentPayload <= 0 {
		return nil, ErrPayloadTooSmall
	}
	total := (len(payload) + maxFragmentPayload - 1) / maxFragmentPayload
	if total == 0 {
		total = 1
	}
	if total > MaxFragments {
		return nil, ErrTooManyFragments
	}

	fragments := make([]Fragment, 0, total)
	for i := 0; i < total; i++ {
		offset := i * maxFragmentPayload
		end := offset + maxFragmentPayload
		if end > len(payload) {
			end = len(payload)
		}
		fragments = append(fragments, Fragment{
			GroupID:       groupID,
			Index:         uint8(i),
			Total:         uint8(total),
			TargetChannel: targetChannel,
			Payload:       payload[offset:end],
		})
	}
	return fragments, nil
}

// Encode serializes a Fragment for transmission on the dedicated
// fragmentation channel.
func (f Fragment) Encode() ([]byte, error) {
	w := bitstream.NewWriter(4 + len(f.Payload))
	if err := w.WriteBits(uint32(f.GroupID), 16); err != nil {
		return nil, err
	}
	if err := w.WriteBits(uint32(f.Index), 8); err != nil {
		return nil, err
	}
	if err := w.WriteBits(uint32(f.Total), 8); err != nil {
		return nil, err
	}
	if err := w.WriteBits(uint32(f.TargetChannel), 8); err != nil {
		return nil, err
	}
	if err := w.WriteBytes(f.Payload); err != nil {
		return nil, err
	}
	return w.Finish()
}

// Decode parses a Fragment previously produced by Encode.
func Decode(data []byte) (Fragment, error) {
	r := bitstream.NewReader(data)
	var f Fragment
	groupID, err := r.ReadBits(16)
	if err != nil {
		return f, err
	}
	index, err := r.ReadBits(8)
	if err != nil {
		return f, err
	}
	total, err := r.ReadBits(8)
	if err != nil {
		return f, err
	}
	targetChannel, err := r.ReadBits(8)
	if err != nil {
		return f, err
	}
	payload, err := r.ReadBytes(r.Remaining())
	if err != nil {
		return f, err
	}
	f.GroupID = uint16(groupID)
	f.Index = uint8(index)
	f.Total = uint8(total)
	f.TargetChannel = uint8(targetChannel)
	f.Payload = append([]byte(nil), payload...)
	return f, nil
}

type group struct {
	total         uint8
	received      int
	parts         [][]byte
	targetChannel uint8
	firstArrival  time.Time
}

// Reassembler holds in-flight fragment groups for one connection.
type Reassembler struct {
	capacity int
	ttl      time.Duration
	groups   map[uint16]*group
}

// NewReassembler returns a Reassembler bounded to capacity concurrent
// groups, each discarded after ttl if never completed.
func NewReassembler(capacity int, ttl time.Duration) *Reassembler {
	return &Reassembler{
		capacity: capacity,
		ttl:      ttl,
		groups:   make(map[uint16]*group, capacity),
	}
}

// Add records one incoming fragment and returns the assembled payload,
// the channel it was originally sent on, and true once every index for
// its group has arrived.
func (r *Reassembler) Add(f Fragment, now time.Time) ([]byte, uint8, bool, error) {
	if f.Index >= f.Total {
		return nil, 0, false, ErrInvalidIndex
	}

	g, ok := r.groups[f.GroupID]
	if !ok {
		if len(r.groups) >= r.capacity {
			r.evictOldest()
		}
		g = &group{total: f.Total, parts: make([][]byte, f.Total), targetChannel: f.TargetChannel, firstArrival: now}
		r.groups[f.GroupID] = g
	}

	if g.parts[f.Index] == nil {
		g.parts[f.Index] = append([]byte(nil), f.Payload...)
		g.received++
	}

	if g.received < int(g.total) {
		return nil, 0, false, nil
	}

	size := 0
	for _, p := range g.parts {
		size += len(p)
	}
	assembled := make([]byte, 0, size)
	for _, p := range g.parts {
		assembled = append(assembled, p...)
	}
	delete(r.groups, f.GroupID)
	return assembled, g.targetChannel, true, nil
}

// EvictExpired discards groups older than ttl and reports how many
// were dropped.
func (r *Reassembler) EvictExpired(now time.Time) int {
	dropped := 0
	for id, g := range r.groups {
		if now.Sub(g.firstArrival) > r.ttl {
			delete(r.groups, id)
			dropped++
		}
	}
	return dropped
}

func (r *Reassembler) evictOldest() {
	var oldestID uint16
	var oldest *group
	for id, g := range r.groups {
		if oldest == nil || g.firstArrival.Before(oldest.firstArrival) {
			oldest = g
			oldestID = id
		}
	}
	if oldest != nil {
		delete(r.groups, oldestID)
	}
}

// Len reports the number of groups currently in flight.
func (r *Reassembler) Len() int { return len(r.groups) }
