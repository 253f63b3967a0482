package wire

import (
	"errors"

	"github.com/nickolajgrishuk/netchan-go/bitstream"
)

// ErrTooManyEntries guards against a corrupt/hostile entry count blowing
// up memory during decode.
var ErrTooManyEntries = errors.New("wire: batch entry count implausible")

// maxBatchEntries is a sanity ceiling; a single MTU-bounded packet can
// never legitimately carry more entries than its smallest possible
// message (1 byte) would allow.
const maxBatchEntries = 4096

// Entry is one message inside a Payload packet's batch. MessageID is
// always carried (not just for Reliable entries): UnreliableSequenced
// needs it too, for dedup/ordering, even though that mode carries no
// retransmit queue. Reliable only marks whether the channel engine
// must see this id again through OnSeqAcked once its carrying packet
// is acknowledged.
type Entry struct {
	ChannelID uint8
	Reliable  bool
	MessageID uint16
	Body      []byte
}

// EncodeBatch serializes a length-prefixed list of entries.
func EncodeBatch(entries []Entry) ([]byte, error) {
	w := bitstream.NewWriter(64)
	if err := w.WriteVarUint(uint64(len(entries))); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := w.WriteBits(uint32(e.ChannelID), 8); err != nil {
			return nil, err
		}
		if err := w.WriteBool(e.Reliable); err != nil {
			return nil, err
		}
		if err := w.WriteBits(uint32(e.MessageID), 16); err != nil {
			return nil, err
		}
		if err := w.WriteVarUint(uint64(len(e.Body))); err != nil {
			return nil, err
		}
		if err := w.WriteBytes(e.Body); err != nil {
			return nil, err
		}
	}
	return w.Finish()
}

// DecodeBatch parses a batch written by EncodeBatch.
func DecodeBatch(data []byte) ([]Entry, error) {
	r := bitstream.NewReader(data)
	count, err := r.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if count > maxBatchEntries {
		return nil, ErrTooManyEntries
	}
	entries := make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		var e Entry
		ch, err := r.ReadBits(8)
		if err != nil {
			return nil, err
		}
		e.ChannelID = uint8(ch)
		reliable, err := r.ReadBool()
		if err != nil {
			return nil, err
		}
		e.Reliable = reliable
		mid, err := r.ReadBits(16)
		if err != nil {
			return nil, err
		}
		e.MessageID = uint16(mid)
		bodyLen, err := r.ReadVarUint()
		if err != nil {
			return nil, err
		}
		body, err := r.ReadBytes(int(bodyLen))
		if err != nil {
			return nil, err
		}
		e.Body = append([]byte(nil), body...)
		entries = append(entries, e)
	}
	return entries, nil
}
