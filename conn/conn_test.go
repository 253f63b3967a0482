package conn

import (
	"testing"
	"time"

	"github.com/nickolajgrishuk/netchan-go/security"
	"github.com/nickolajgrishuk/netchan-go/wire"
)

var testKey = []byte("pre-shared-key-for-conn-tests!!")

func mintToken(t *testing.T, now time.Time) security.Token {
	t.Helper()
	f := security.NewTokenFactory(testKey, 30*time.Second)
	tok, err := f.Mint(1, []string{"server:9000"}, now)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

// TestLossFreeHandshake mirrors scenario S1: client and server both
// reach Connected after one round of challenge/response.
func TestLossFreeHandshake(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	tok := mintToken(t, now)

	client, err := NewClient(cfg, tok)
	if err != nil {
		t.Fatal(err)
	}
	req, err := client.Start(now)
	if err != nil {
		t.Fatal(err)
	}
	if req.Type != wire.ConnectionRequest {
		t.Fatalf("expected ConnectionRequest, got %v", req.Type)
	}

	peer := NewServerPeer(cfg)
	peer.Touch(now)
	nonce := Nonce{0xDE, 0xAD, 0xBE, 0xEF}
	challenge, err := peer.Challenge(now, nonce)
	if err != nil {
		t.Fatal(err)
	}
	if peer.State() != ChallengeSent {
		t.Fatalf("expected ChallengeSent, got %v", peer.State())
	}

	echoReq, sent := client.OnPacket(now, wire.Header{Type: challenge.Type}, challenge.Body)
	if !sent {
		t.Fatal("expected client to echo the nonce immediately")
	}
	if client.State() != SendingChallengeResponse {
		t.Fatalf("expected SendingChallengeResponse, got %v", client.State())
	}

	echoedBody, err := decodeRequestBody(echoReq.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !echoedBody.EchoNonce || echoedBody.Nonce != nonce {
		t.Fatalf("expected echoed nonce %v, got %v (echoed=%v)", nonce, echoedBody.Nonce, echoedBody.EchoNonce)
	}
	if !peer.NonceMatches(echoedBody.Nonce) {
		t.Fatal("expected server to recognize its own nonce")
	}

	accepted := peer.Accept(now, 1)
	if peer.State() != ServerConnected {
		t.Fatalf("expected ServerConnected, got %v", peer.State())
	}

	client.OnPacket(now, wire.Header{Type: accepted.Type, ConnectionID: 1}, accepted.Body)
	if client.State() != Connected {
		t.Fatalf("expected client Connected, got %v", client.State())
	}
	if client.ConnectionID() != 1 {
		t.Fatalf("expected connection id 1, got %d", client.ConnectionID())
	}
}

func TestHandshakeDeniedStopsRetrying(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	client, _ := NewClient(cfg, mintToken(t, now))
	client.Start(now)

	denied, err := Deny(ServerFull)
	if err != nil {
		t.Fatal(err)
	}
	client.OnPacket(now, wire.Header{Type: denied.Type}, denied.Body)
	if client.State() != Disconnected {
		t.Fatalf("expected Disconnected after denial, got %v", client.State())
	}
	if client.DisconnectReason() != ReasonDenied {
		t.Fatalf("expected ReasonDenied, got %v", client.DisconnectReason())
	}
	if _, ok := client.Update(now.Add(time.Second)); ok {
		t.Fatal("expected a denied client to never retry")
	}
}

func TestRequestRetriesExhaustToTimeout(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	client, _ := NewClient(cfg, mintToken(t, now))
	client.Start(now)

	t_ := now
	for i := 0; i < cfg.MaxRequestAttempts; i++ {
		t_ = t_.Add(cfg.RequestRetryInterval)
		client.Update(t_)
	}
	if client.State() != Disconnected {
		t.Fatalf("expected Disconnected after exhausting retries, got %v", client.State())
	}
	if client.DisconnectReason() != ReasonTimeout {
		t.Fatalf("expected ReasonTimeout, got %v", client.DisconnectReason())
	}
}

// TestConnectionTimeout mirrors scenario S5: silence past
// CONNECTION_TIMEOUT drops a Connected peer.
func TestConnectionTimeout(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	client, _ := NewClient(cfg, mintToken(t, now))
	client.Start(now)
	client.OnPacket(now, wire.Header{Type: wire.ConnectionAccepted, ConnectionID: 9}, nil)
	if client.State() != Connected {
		t.Fatalf("expected Connected, got %v", client.State())
	}

	_, _ = client.Update(now.Add(cfg.ConnectionTimeout + time.Millisecond))
	if client.State() != Disconnected {
		t.Fatalf("expected Disconnected after timeout, got %v", client.State())
	}
	if client.DisconnectReason() != ReasonTimeout {
		t.Fatalf("expected ReasonTimeout, got %v", client.DisconnectReason())
	}
}

func TestServerPeerTimesOutWaitingForEcho(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	peer := NewServerPeer(cfg)
	peer.Touch(now)
	peer.Challenge(now, Nonce{1})

	peer.Update(now.Add(cfg.ConnectionTimeout + time.Millisecond))
	if !peer.Done() {
		t.Fatal("expected server peer to be reaped after challenge timeout")
	}
}

// TestIdempotentDisconnect covers testable property #10: a second
// Disconnect call hands back a Disconnect packet but leaves the retry
// count unchanged, and the client still reaches Disconnected after the
// drain period.
func TestIdempotentDisconnect(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	client, _ := NewClient(cfg, mintToken(t, now))
	client.Start(now)
	client.OnPacket(now, wire.Header{Type: wire.ConnectionAccepted, ConnectionID: 1}, nil)

	first := client.Disconnect(now)
	if first.Type != wire.Disconnect {
		t.Fatalf("expected Disconnect packet, got %v", first.Type)
	}
	if client.State() != Disconnecting {
		t.Fatalf("expected Disconnecting, got %v", client.State())
	}

	sendsBefore := client.disconnectSends
	second := client.Disconnect(now)
	if second.Type != wire.Disconnect {
		t.Fatalf("expected Disconnect packet, got %v", second.Type)
	}
	if client.disconnectSends != sendsBefore {
		t.Fatalf("expected disconnect-call to be idempotent in retry count, got %d vs %d", client.disconnectSends, sendsBefore)
	}

	_, _ = client.Update(now.Add(cfg.DrainDuration + time.Millisecond))
	if client.State() != Disconnected {
		t.Fatalf("expected Disconnected after drain, got %v", client.State())
	}
}
