// Package wire implements the packet header and batched-message body
// codec: fixed-width bit fields for the header, CRC32C framing, and a
// length-prefixed list of per-channel message entries for Payload
// packets.
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/nickolajgrishuk/netchan-go/bitstream"
)

// Type tags the kind of packet a header describes.
type Type uint8

const (
	ConnectionRequest Type = iota
	ChallengeResponse
	ConnectionAccepted
	ConnectionDenied
	KeepAlive
	Payload
	Disconnect
)

func (t Type) String() string {
	switch t {
	case ConnectionRequest:
		return "ConnectionRequest"
	case ChallengeResponse:
		return "ChallengeResponse"
	case ConnectionAccepted:
		return "ConnectionAccepted"
	case ConnectionDenied:
		return "ConnectionDenied"
	case KeepAlive:
		return "KeepAlive"
	case Payload:
		return "Payload"
	case Disconnect:
		return "Disconnect"
	default:
		return "Unknown"
	}
}

// Header is the fixed prefix on every datagram. It is 17 bytes wide
// before the trailing 4-byte CRC32C.
type Header struct {
	ProtocolID   uint32
	Type         Type
	ConnectionID uint32 // 0 on pre-handshake frames
	Sequence     uint16
	Ack          uint16
	AckBits      uint32
}

const (
	// HeaderSize is the fixed header width in bytes, not counting CRC32C.
	HeaderSize = 17
	// CRCSize is the trailing CRC32C width in bytes.
	CRCSize = 4
	// Overhead is the total per-packet framing cost: header + CRC32C.
	Overhead = HeaderSize + CRCSize
)

var (
	// ErrTooShort is returned when a datagram is too small to hold a header+CRC.
	ErrTooShort = errors.New("wire: packet too short")
	// ErrCRCMismatch is returned when the trailing CRC32C doesn't match.
	ErrCRCMismatch = errors.New("wire: crc32c mismatch")
)

func (h Header) writeTo(w *bitstream.Writer) error {
	if err := w.WriteBits(h.ProtocolID, 32); err != nil {
		return err
	}
	if err := w.WriteBits(uint32(h.Type), 8); err != nil {
		return err
	}
	if err := w.WriteBits(h.ConnectionID, 32); err != nil {
		return err
	}
	if err := w.WriteBits(uint32(h.Sequence), 16); err != nil {
		return err
	}
	if err := w.WriteBits(uint32(h.Ack), 16); err != nil {
		return err
	}
	return w.WriteBits(h.AckBits, 32)
}

func readHeader(r *bitstream.Reader) (Header, error) {
	var h Header
	protocolID, err := r.ReadBits(32)
	if err != nil {
		return h, err
	}
	typ, err := r.ReadBits(8)
	if err != nil {
		return h, err
	}
	connID, err := r.ReadBits(32)
	if err != nil {
		return h, err
	}
	seq, err := r.ReadBits(16)
	if err != nil {
		return h, err
	}
	ack, err := r.ReadBits(16)
	if err != nil {
		return h, err
	}
	ackBits, err := r.ReadBits(32)
	if err != nil {
		return h, err
	}
	h.ProtocolID = protocolID
	h.Type = Type(typ)
	h.ConnectionID = connID
	h.Sequence = uint16(seq)
	h.Ack = uint16(ack)
	h.AckBits = ackBits
	return h, nil
}

// pseudoHeader prepends the protocol id a second time ahead of the
// real header+body, the way a transport checksum pseudo-header binds
// a checksum to context beyond what's physically transmitted once.
func pseudoHeader(protocolID uint32, headerAndBody []byte) []byte {
	buf := make([]byte, 4+len(headerAndBody))
	binary.BigEndian.PutUint32(buf[:4], protocolID)
	copy(buf[4:], headerAndBody)
	return buf
}

// Encode serializes hdr followed by body, appending a CRC32C computed
// over (pseudo-header protocol id ∥ header ∥ body).
func Encode(hdr Header, body []byte) ([]byte, error) {
	w := bitstream.NewWriter(HeaderSize + len(body) + CRCSize)
	if err := hdr.writeTo(w); err != nil {
		return nil, err
	}
	if err := w.WriteBytes(body); err != nil {
		return nil, err
	}
	headerAndBody, err := w.Finish()
	if err != nil {
		return nil, err
	}
	crc := Checksum(pseudoHeader(hdr.ProtocolID, headerAndBody))
	out := make([]byte, len(headerAndBody)+CRCSize)
	copy(out, headerAndBody)
	binary.BigEndian.PutUint32(out[len(headerAndBody):], crc)
	return out, nil
}

// Decode validates the CRC32C before anything else is trusted, then
// parses the header and returns the remaining body bytes.
func Decode(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize+CRCSize {
		return Header{}, nil, ErrTooShort
	}
	headerAndBody := data[:len(data)-CRCSize]
	received := binary.BigEndian.Uint32(data[len(data)-CRCSize:])

	r := bitstream.NewReader(headerAndBody)
	hdr, err := readHeader(r)
	if err != nil {
		return Header{}, nil, err
	}

	computed := Checksum(pseudoHeader(hdr.ProtocolID, headerAndBody))
	if computed != received {
		return Header{}, nil, ErrCRCMismatch
	}

	if err := r.Align(); err != nil {
		return Header{}, nil, err
	}
	body, err := r.ReadBytes(r.Remaining())
	if err != nil {
		return Header{}, nil, err
	}
	return hdr, body, nil
}
