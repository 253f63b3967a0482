package conn

import (
	"github.com/nickolajgrishuk/netchan-go/bitstream"
)

// NonceSize is the width of the server-chosen challenge nonce.
const NonceSize = 16

// Nonce is the server-chosen challenge value the client must echo back.
type Nonce [NonceSize]byte

// requestBody is a ConnectionRequest packet's payload: the raw signed
// connect token, optionally followed by an echoed nonce once the
// client has received a challenge.
type requestBody struct {
	Token     []byte
	EchoNonce bool
	Nonce     Nonce
}

func encodeRequestBody(token []byte, echo bool, nonce Nonce) ([]byte, error) {
	w := bitstream.NewWriter(len(token) + NonceSize + 8)
	if err := w.WriteVarUint(uint64(len(token))); err != nil {
		return nil, err
	}
	if err := w.WriteBytes(token); err != nil {
		return nil, err
	}
	if err := w.WriteBool(echo); err != nil {
		return nil, err
	}
	if echo {
		if err := w.WriteBytes(nonce[:]); err != nil {
			return nil, err
		}
	}
	return w.Finish()
}

// DecodeRequest parses a ConnectionRequest packet's body, exposed for
// the server driver, which must inspect the carried token (and any
// echoed nonce) before a Client or ServerPeer value even exists.
func DecodeRequest(data []byte) (token []byte, echoedNonce bool, nonce Nonce, err error) {
	body, err := decodeRequestBody(data)
	if err != nil {
		return nil, false, Nonce{}, err
	}
	return body.Token, body.EchoNonce, body.Nonce, nil
}

func decodeRequestBody(data []byte) (requestBody, error) {
	r := bitstream.NewReader(data)
	n, err := r.ReadVarUint()
	if err != nil {
		return requestBody{}, err
	}
	token, err := r.ReadBytes(int(n))
	if err != nil {
		return requestBody{}, err
	}
	echo, err := r.ReadBool()
	if err != nil {
		return requestBody{}, err
	}
	body := requestBody{Token: append([]byte(nil), token...), EchoNonce: echo}
	if echo {
		nb, err := r.ReadBytes(NonceSize)
		if err != nil {
			return requestBody{}, err
		}
		copy(body.Nonce[:], nb)
	}
	return body, nil
}

// encodeChallengeBody serializes a server-issued ChallengeResponse
// packet's payload: just the nonce the client must echo back.
func encodeChallengeBody(nonce Nonce) ([]byte, error) {
	w := bitstream.NewWriter(NonceSize)
	if err := w.WriteBytes(nonce[:]); err != nil {
		return nil, err
	}
	return w.Finish()
}

func decodeChallengeBody(data []byte) (Nonce, error) {
	var nonce Nonce
	r := bitstream.NewReader(data)
	b, err := r.ReadBytes(NonceSize)
	if err != nil {
		return nonce, err
	}
	copy(nonce[:], b)
	return nonce, nil
}

// encodeDeniedBody serializes a ConnectionDenied packet's payload.
func encodeDeniedBody(reason DenyReason) ([]byte, error) {
	w := bitstream.NewWriter(1)
	if err := w.WriteBits(uint32(reason), 8); err != nil {
		return nil, err
	}
	return w.Finish()
}

func decodeDeniedBody(data []byte) (DenyReason, error) {
	r := bitstream.NewReader(data)
	v, err := r.ReadBits(8)
	if err != nil {
		return 0, err
	}
	return DenyReason(v), nil
}
