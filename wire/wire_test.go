package wire

import (
	"bytes"
	"testing"
)

func sampleHeader() Header {
	return Header{
		ProtocolID:   0xC0FFEE01,
		Type:         Payload,
		ConnectionID: 42,
		Sequence:     1000,
		Ack:          998,
		AckBits:      0xFF00FF00,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	hdr := sampleHeader()
	body := []byte("hello, world")
	data, err := Encode(hdr, body)
	if err != nil {
		t.Fatal(err)
	}
	gotHdr, gotBody, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if gotHdr != hdr {
		t.Fatalf("header mismatch: got %+v want %+v", gotHdr, hdr)
	}
	if !bytes.Equal(gotBody, body) {
		t.Fatalf("body mismatch: got %q want %q", gotBody, body)
	}
}

func TestEmptyBody(t *testing.T) {
	hdr := sampleHeader()
	hdr.Type = KeepAlive
	data, err := Encode(hdr, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, body, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(body) != 0 {
		t.Fatalf("expected empty body, got %v", body)
	}
}

func TestCRCAuthority(t *testing.T) {
	hdr := sampleHeader()
	data, err := Encode(hdr, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	for bitIndex := 0; bitIndex < len(data)*8; bitIndex++ {
		flipped := append([]byte(nil), data...)
		flipped[bitIndex/8] ^= 1 << uint(bitIndex%8)
		if _, _, err := Decode(flipped); err == nil {
			t.Fatalf("bit %d: expected flipping to be detected", bitIndex)
		}
	}
}

func TestTooShortRejected(t *testing.T) {
	if _, _, err := Decode([]byte{1, 2, 3}); err != ErrTooShort {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
}

func TestBatchRoundTrip(t *testing.T) {
	entries := []Entry{
		{ChannelID: 0, Reliable: false, MessageID: 3, Body: []byte("a")},
		{ChannelID: 1, Reliable: true, MessageID: 7, Body: []byte("reliable body")},
		{ChannelID: 2, Reliable: true, MessageID: 8, Body: nil},
	}
	data, err := EncodeBatch(entries)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeBatch(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i, e := range entries {
		if got[i].ChannelID != e.ChannelID || got[i].Reliable != e.Reliable {
			t.Fatalf("entry %d mismatch: got %+v want %+v", i, got[i], e)
		}
		if got[i].MessageID != e.MessageID {
			t.Fatalf("entry %d message id mismatch: got %d want %d", i, got[i].MessageID, e.MessageID)
		}
		if !bytes.Equal(got[i].Body, e.Body) {
			t.Fatalf("entry %d body mismatch: got %q want %q", i, got[i].Body, e.Body)
		}
	}
}

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("game state update "), 64)
	compressed, err := CompressBody(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(compressed) >= len(data) {
		t.Fatalf("expected compression to shrink data")
	}
	decompressed, err := DecompressBody(compressed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decompressed, data) {
		t.Fatal("round trip mismatch")
	}
}

func TestCompressNotEffectiveOnTinyInput(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5}
	if _, err := CompressBody(data); err == nil {
		t.Fatal("expected incompressible-small-input error")
	}
}

func TestEncodeDecodePayloadSmallStaysUncompressed(t *testing.T) {
	entries := []Entry{
		{ChannelID: 0, Reliable: true, MessageID: 1, Body: []byte("hi")},
	}
	data, err := EncodePayload(entries)
	if err != nil {
		t.Fatal(err)
	}
	if data[0] != 0 {
		t.Fatalf("expected small batch to skip compression, got flag byte %d", data[0])
	}
	got, err := DecodePayload(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !bytes.Equal(got[0].Body, entries[0].Body) {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestEncodeDecodePayloadLargeCompresses(t *testing.T) {
	var entries []Entry
	for i := uint16(0); i < 32; i++ {
		entries = append(entries, Entry{
			ChannelID: 1,
			Reliable:  true,
			MessageID: i,
			Body:      bytes.Repeat([]byte("game state update "), 8),
		})
	}
	data, err := EncodePayload(entries)
	if err != nil {
		t.Fatal(err)
	}
	if data[0] != 1 {
		t.Fatalf("expected large repetitive batch to compress, got flag byte %d", data[0])
	}
	got, err := DecodePayload(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i, e := range entries {
		if got[i].MessageID != e.MessageID || !bytes.Equal(got[i].Body, e.Body) {
			t.Fatalf("entry %d mismatch: got %+v want %+v", i, got[i], e)
		}
	}
}
