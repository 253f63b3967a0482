package security

import "time"

// TokenFactory mints connect tokens for test harnesses and example
// binaries standing in for the out-of-band trust authority a real
// deployment would run. Production deployments replace this with
// whatever issues real tokens; nothing in `conn` or `server` depends
// on this type.
type TokenFactory struct {
	key []byte
	ttl time.Duration
}

// NewTokenFactory returns a factory signing tokens with key, each
// valid for ttl from the moment it's minted.
func NewTokenFactory(key []byte, ttl time.Duration) *TokenFactory {
	return &TokenFactory{key: key, ttl: ttl}
}

// Mint produces a signed token for clientID authorizing a connection
// to any of allowedServerAddrs, starting now.
func (f *TokenFactory) Mint(clientID uint64, allowedServerAddrs []string, now time.Time) (Token, error) {
	t := Token{
		Version:            CurrentTokenVersion,
		ExpiryUnix:         now.Add(f.ttl).Unix(),
		ClientID:           clientID,
		AllowedServerAddrs: allowedServerAddrs,
	}
	return t.Sign(f.key)
}
