// Package socket binds and drives the UDP transport underneath the
// wire format: socket setup (SO_REUSEADDR, path MTU discovery) plus
// thin send/recv helpers that frame payloads through wire.Encode and
// wire.Decode. Nothing here understands channels, reliability, or the
// connection FSM; it only moves already-framed bytes.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/nickolajgrishuk/netchan-go/wire"
)

// DefaultMTU is what MTU reports whenever path MTU discovery is
// unavailable or untrusted. Fragment sizing does not use it; the
// server and client size fragments from Config.MTU.
const DefaultMTU = 1400

// RecvBufferSize is the scratch buffer size for one ReadFromUDP call.
const RecvBufferSize = 64 * 1024

// ErrNotUDPConn is returned if the standard library handed back a
// net.PacketConn that isn't backed by a *net.UDPConn.
var ErrNotUDPConn = errors.New("socket: listener is not a UDP connection")

// Bind opens a UDP socket on the given port across all interfaces,
// with SO_REUSEADDR set so a restarted server can rebind immediately.
func Bind(port uint16) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var err error
			c.Control(func(fd uintptr) {
				err = setSockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
			return err
		},
	}

	addr := &net.UDPAddr{IP: net.IPv4zero, Port: int(port)}
	conn, err := lc.ListenPacket(context.Background(), "udp", addr.String())
	if err != nil {
		return nil, err
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, ErrNotUDPConn
	}
	return udpConn, nil
}

// Connect opens a UDP socket pre-connected to host:port, so Send can
// use Write instead of WriteTo.
func Connect(host string, port uint16) (*net.UDPConn, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.DialUDP("udp", nil, udpAddr)
}

// Send frames hdr and body through wire.Encode and writes the result.
// If to is nil, the conn's pre-connected peer is used.
func Send(conn *net.UDPConn, hdr wire.Header, body []byte, to *net.UDPAddr) (int, error) {
	data, err := wire.Encode(hdr, body)
	if err != nil {
		return 0, err
	}
	if to == nil {
		return conn.Write(data)
	}
	return conn.WriteToUDP(data, to)
}

// Recv reads one datagram and decodes it through wire.Decode, returning
// the header, body, and sender address.
func Recv(conn *net.UDPConn) (wire.Header, []byte, *net.UDPAddr, error) {
	buf := make([]byte, RecvBufferSize)
	n, addr, err := conn.ReadFromUDP(buf)
	if err != nil {
		return wire.Header{}, nil, nil, err
	}
	hdr, body, err := wire.Decode(buf[:n])
	if err != nil {
		return wire.Header{}, nil, addr, err
	}
	return hdr, body, addr, nil
}

// MTU reports the path MTU for conn, falling back to DefaultMTU
// wherever the platform or kernel doesn't expose IP_MTU.
func MTU(conn *net.UDPConn) uint {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return DefaultMTU
	}

	var mtu int
	var getErr error
	err = rawConn.Control(func(fd uintptr) {
		mtu, getErr = getMTU(fd)
	})
	if err != nil || getErr != nil || mtu <= 0 {
		return DefaultMTU
	}
	return uint(mtu)
}
