// Package security implements connect-token verification, single-use
// enforcement, and per-source-IP rate limiting for the connection
// handshake.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"time"

	"github.com/nickolajgrishuk/netchan-go/bitstream"
)

// CurrentTokenVersion is the only token_version this build accepts.
const CurrentTokenVersion = 1

var (
	ErrTokenVersion     = errors.New("security: unsupported token version")
	ErrTokenExpired     = errors.New("security: token expired")
	ErrServerNotAllowed = errors.New("security: server address not in token's allowed list")
	ErrBadHMAC          = errors.New("security: token HMAC invalid")
	ErrTokenReused      = errors.New("security: token already used")
)

// Token is the decoded form of the opaque blob a trust authority hands
// a client out of band; the core only ever verifies one, never mints
// it in production (TokenFactory exists for tests/examples only).
type Token struct {
	Version            uint32
	ExpiryUnix         int64
	ClientID           uint64
	AllowedServerAddrs []string
	HMAC               [sha256.Size]byte
}

// Encode serializes the full token, HMAC included, for transmission
// inside a ConnectionRequest packet.
func (t Token) Encode() ([]byte, error) {
	payload, err := t.signingPayload()
	if err != nil {
		return nil, err
	}
	return append(payload, t.HMAC[:]...), nil
}

// DecodeToken parses a token previously produced by Token.Encode.
func DecodeToken(data []byte) (Token, error) {
	if len(data) < sha256.Size {
		return Token{}, errors.New("security: token too short")
	}
	signed := data[:len(data)-sha256.Size]
	r := bitstream.NewReader(signed)

	var t Token
	version, err := r.ReadBits(32)
	if err != nil {
		return Token{}, err
	}
	t.Version = version

	expiry, err := r.ReadVarInt()
	if err != nil {
		return Token{}, err
	}
	t.ExpiryUnix = expiry

	clientID, err := r.ReadVarUint()
	if err != nil {
		return Token{}, err
	}
	t.ClientID = clientID

	count, err := r.ReadVarUint()
	if err != nil {
		return Token{}, err
	}
	addrs := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		n, err := r.ReadVarUint()
		if err != nil {
			return Token{}, err
		}
		b, err := r.ReadBytes(int(n))
		if err != nil {
			return Token{}, err
		}
		addrs = append(addrs, string(b))
	}
	t.AllowedServerAddrs = addrs
	copy(t.HMAC[:], data[len(data)-sha256.Size:])
	return t, nil
}

// signingPayload serializes every field except the HMAC itself, in a
// fixed order, for both signing and verification.
func (t Token) signingPayload() ([]byte, error) {
	w := bitstream.NewWriter(128)
	if err := w.WriteBits(t.Version, 32); err != nil {
		return nil, err
	}
	if err := w.WriteVarInt(t.ExpiryUnix); err != nil {
		return nil, err
	}
	if err := w.WriteVarUint(t.ClientID); err != nil {
		return nil, err
	}
	if err := w.WriteVarUint(uint64(len(t.AllowedServerAddrs))); err != nil {
		return nil, err
	}
	for _, addr := range t.AllowedServerAddrs {
		b := []byte(addr)
		if err := w.WriteVarUint(uint64(len(b))); err != nil {
			return nil, err
		}
		if err := w.WriteBytes(b); err != nil {
			return nil, err
		}
	}
	return w.Finish()
}

// Sign computes and attaches the HMAC-SHA256 tag under key.
func (t Token) Sign(key []byte) (Token, error) {
	payload, err := t.signingPayload()
	if err != nil {
		return Token{}, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	copy(t.HMAC[:], mac.Sum(nil))
	return t, nil
}

// Verify checks token_version, expiry, server-address membership, and
// HMAC validity, in that order. Single-use enforcement is the
// caller's responsibility via a UsedTokens set.
func Verify(t Token, key []byte, serverAddr string, now time.Time) error {
	if t.Version != CurrentTokenVersion {
		return ErrTokenVersion
	}
	if now.Unix() >= t.ExpiryUnix {
		return ErrTokenExpired
	}
	allowed := false
	for _, addr := range t.AllowedServerAddrs {
		if addr == serverAddr {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrServerNotAllowed
	}
	payload, err := t.signingPayload()
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, t.HMAC[:]) {
		return ErrBadHMAC
	}
	return nil
}
