package wire

import (
	"bytes"
	"compress/zlib"
	"errors"
	"io"
)

// compressLevel is zlib level 6: a reasonable size/CPU tradeoff for
// small, frequent game packets.
const compressLevel = 6

// maxDecompressedSize bounds CompressBody's counterpart against a
// decompression-bomb sent by a peer.
const maxDecompressedSize = 1 << 20 // 1 MiB; well above any single message cap

var errNotEffective = errors.New("wire: compression not effective")

// compressThreshold is the smallest batch body EncodePayload will
// bother trying to deflate; small game packets rarely compress well
// enough to be worth the CPU.
const compressThreshold = 256

// CompressBody deflates data and returns errNotEffective (unwrapped)
// when compression didn't shrink it, so a caller can fall back to the
// uncompressed body instead.
func CompressBody(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, compressLevel)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	if buf.Len() >= len(data) {
		return nil, errNotEffective
	}
	return buf.Bytes(), nil
}

// DecompressBody inflates data previously produced by CompressBody.
func DecompressBody(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var out bytes.Buffer
	limited := io.LimitReader(zr, maxDecompressedSize+1)
	if _, err := io.Copy(&out, limited); err != nil {
		return nil, err
	}
	if out.Len() > maxDecompressedSize {
		return nil, errors.New("wire: decompressed body exceeds limit")
	}
	return out.Bytes(), nil
}

// EncodePayload encodes entries as a Payload packet body, transparently
// deflating it with CompressBody when that's worthwhile. The leading
// byte tells DecodePayload whether what follows is compressed.
func EncodePayload(entries []Entry) ([]byte, error) {
	body, err := EncodeBatch(entries)
	if err != nil {
		return nil, err
	}
	if len(body) >= compressThreshold {
		if compressed, err := CompressBody(body); err == nil {
			return append([]byte{1}, compressed...), nil
		}
	}
	return append([]byte{0}, body...), nil
}

// DecodePayload parses a Payload packet body produced by EncodePayload.
func DecodePayload(data []byte) ([]Entry, error) {
	if len(data) < 1 {
		return nil, ErrTooShort
	}
	flag, rest := data[0], data[1:]
	if flag == 1 {
		body, err := DecompressBody(rest)
		if err != nil {
			return nil, err
		}
		return DecodeBatch(body)
	}
	return DecodeBatch(rest)
}
