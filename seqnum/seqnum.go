// Package seqnum implements wrap-around comparison for the 16-bit
// sequence numbers used throughout the wire protocol (packet sequence,
// ack, channel sequence, reliable message id).
package seqnum

// ID is a 16-bit counter that wraps at 65536.
type ID = uint16

// Newer reports whether a is newer than b using signed wrap-around
// distance: a is newer when a-b, taken modulo 2^16, lies in [1, 2^15).
// At a distance of exactly 2^15 it returns false in both directions.
func Newer(a, b ID) bool {
	return int16(a-b) > 0 //nolint:gosec // wrap-around distance, not a real overflow
}

// Diff returns the signed distance from b to a, i.e. how many sequence
// steps newer a is than b. Negative when a is older than b. Only
// meaningful when the true distance is within [-32768, 32767].
func Diff(a, b ID) int32 {
	return int32(int16(a - b))
}
