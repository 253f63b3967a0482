package client_test

import (
	"testing"
	"time"

	"github.com/nickolajgrishuk/netchan-go"
	"github.com/nickolajgrishuk/netchan-go/client"
	"github.com/nickolajgrishuk/netchan-go/conn"
	"github.com/nickolajgrishuk/netchan-go/security"
)

var testKey = []byte("pre-shared-key-for-client-tests!")

func dialUnstarted(t *testing.T) *client.Client {
	t.Helper()
	factory := security.NewTokenFactory(testKey, 30*time.Second)
	tok, err := factory.Mint(1, []string{"127.0.0.1:9000"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	cl, err := client.Dial("127.0.0.1", 9000, tok, netchan.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cl.Close() })
	return cl
}

// TestDialDoesNotConnect confirms Dial only opens the socket and does
// not begin the handshake until Start is called.
func TestDialDoesNotConnect(t *testing.T) {
	cl := dialUnstarted(t)
	if cl.State() != conn.Disconnected {
		t.Fatalf("expected Disconnected before Start, got %s", cl.State())
	}
}

// TestSendBeforeConnectedIsRejected covers Send's synchronous guard
// against queuing traffic for a connection that hasn't completed its
// handshake yet.
func TestSendBeforeConnectedIsRejected(t *testing.T) {
	cl := dialUnstarted(t)
	if err := cl.Send(0, []byte("hi"), time.Now()); err != netchan.ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

// TestSendChecksConnectionStateBeforeChannel confirms Send's
// connection-state guard fires before its channel-id lookup, so an
// unconfigured channel id on a not-yet-connected client still reports
// ErrNotConnected rather than ErrUnknownChannel.
func TestSendChecksConnectionStateBeforeChannel(t *testing.T) {
	cl := dialUnstarted(t)
	if err := cl.Send(250, []byte("hi"), time.Now()); err != netchan.ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

// TestDisconnectBeforeConnectedIsRejected covers Disconnect's guard for
// a client that never completed (or never started) its handshake.
func TestDisconnectBeforeConnectedIsRejected(t *testing.T) {
	cl := dialUnstarted(t)
	if err := cl.Disconnect(time.Now()); err != netchan.ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

// TestPollEventEmpty covers the no-events-queued path.
func TestPollEventEmpty(t *testing.T) {
	cl := dialUnstarted(t)
	if _, ok := cl.PollEvent(); ok {
		t.Fatal("expected no events before any traffic")
	}
}

// TestStartSendsRequestAndAdvancesState confirms Start transitions the
// FSM out of Disconnected and that the connection can then be driven by
// Update without error before any reply arrives.
func TestStartSendsRequestAndAdvancesState(t *testing.T) {
	cl := dialUnstarted(t)
	now := time.Now()
	if err := cl.Start(now); err != nil {
		t.Fatal(err)
	}
	if cl.State() == conn.Disconnected {
		t.Fatal("expected state to advance past Disconnected after Start")
	}
	if err := cl.Update(now.Add(time.Millisecond)); err != nil {
		t.Fatal(err)
	}
}
