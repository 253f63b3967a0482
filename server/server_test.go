package server_test

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/nickolajgrishuk/netchan-go"
	"github.com/nickolajgrishuk/netchan-go/client"
	"github.com/nickolajgrishuk/netchan-go/conn"
	"github.com/nickolajgrishuk/netchan-go/security"
	"github.com/nickolajgrishuk/netchan-go/server"
)

var testKey = []byte("pre-shared-key-for-server-tests!")

// pump drives both ends' Update loops until until returns true or the
// synthetic clock, which advances by step each round, reaches deadline.
func pump(t *testing.T, now time.Time, step, deadline time.Duration, srv *server.Server, cl *client.Client, until func() bool) time.Time {
	t.Helper()
	for elapsed := time.Duration(0); elapsed < deadline; elapsed += step {
		now = now.Add(step)
		if err := srv.Update(now); err != nil {
			t.Fatalf("server update: %v", err)
		}
		if err := cl.Update(now); err != nil {
			t.Fatalf("client update: %v", err)
		}
		if until() {
			return now
		}
	}
	t.Fatal("condition never satisfied before deadline")
	return now
}

// TestHandshakeAndPayloadRoundTrip mirrors scenario S1 end to end: a
// client connects, exchanges a ReliableOrdered message in both
// directions, and disconnects cleanly.
func TestHandshakeAndPayloadRoundTrip(t *testing.T) {
	now := time.Now()
	cfg := netchan.DefaultConfig()

	srv, err := server.Bind(0, testKey, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	addr := srv.LocalAddr().(*net.UDPAddr)
	factory := security.NewTokenFactory(testKey, 30*time.Second)
	tok, err := factory.Mint(1, []string{addr.String()}, now)
	if err != nil {
		t.Fatal(err)
	}

	cl, err := client.Dial("127.0.0.1", uint16(addr.Port), tok, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Start(now); err != nil {
		t.Fatal(err)
	}

	now = pump(t, now, time.Millisecond, 5*time.Second, srv, cl, func() bool {
		return cl.State() == conn.Connected
	})

	var connected bool
	for {
		ev, ok := srv.PollEvent()
		if !ok {
			break
		}
		if ev.Type == netchan.ClientConnected {
			connected = true
		}
	}
	if !connected {
		t.Fatal("expected server to have surfaced a ClientConnected event")
	}

	connID := cl.ConnectionID()
	if err := srv.Send(connID, 0, []byte("hello client"), now); err != nil {
		t.Fatal(err)
	}
	if err := cl.Send(0, []byte("hello server"), now); err != nil {
		t.Fatal(err)
	}

	var gotOnClient, gotOnServer bool
	pump(t, now, time.Millisecond, 5*time.Second, srv, cl, func() bool {
		for {
			ev, ok := cl.PollEvent()
			if !ok {
				break
			}
			if ev.Type == netchan.MessageReceived && bytes.Equal(ev.Payload, []byte("hello client")) {
				gotOnClient = true
			}
		}
		for {
			ev, ok := srv.PollEvent()
			if !ok {
				break
			}
			if ev.Type == netchan.MessageReceived && bytes.Equal(ev.Payload, []byte("hello server")) {
				gotOnServer = true
			}
		}
		return gotOnClient && gotOnServer
	})

	if !gotOnClient {
		t.Fatal("expected client to receive the server's message")
	}
	if !gotOnServer {
		t.Fatal("expected server to receive the client's message")
	}

	if err := cl.Disconnect(now); err != nil {
		t.Fatal(err)
	}
	pump(t, now, time.Millisecond, 5*time.Second, srv, cl, func() bool {
		return cl.State() == conn.Disconnected
	})
}

// TestSendToUnknownConnectionReturnsNotConnected covers the
// synchronous error path for a connection id the server never assigned.
func TestSendToUnknownConnectionReturnsNotConnected(t *testing.T) {
	cfg := netchan.DefaultConfig()
	srv, err := server.Bind(0, testKey, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	if err := srv.Send(999, 0, []byte("x"), time.Now()); err != netchan.ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

// TestSendOversizedMessageRejected covers the MaxMessageSize cap.
func TestSendOversizedMessageRejected(t *testing.T) {
	cfg := netchan.DefaultConfig()
	cfg.Channels[0].MaxMessageSize = 8
	srv, err := server.Bind(0, testKey, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	addr := srv.LocalAddr().(*net.UDPAddr)
	now := time.Now()
	factory := security.NewTokenFactory(testKey, 30*time.Second)
	tok, err := factory.Mint(2, []string{addr.String()}, now)
	if err != nil {
		t.Fatal(err)
	}
	cl, err := client.Dial("127.0.0.1", uint16(addr.Port), tok, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()
	cl.Start(now)

	now = pump(t, now, time.Millisecond, 5*time.Second, srv, cl, func() bool {
		return cl.State() == conn.Connected
	})

	if err := cl.Send(0, bytes.Repeat([]byte{1}, 9), now); err != netchan.ErrMessageTooLarge {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}
