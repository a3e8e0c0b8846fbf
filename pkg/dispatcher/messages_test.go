package dispatcher

import (
	"testing"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/relay"
)

func TestEncodeDecodeInternalRoundTrip(t *testing.T) {
	payload, err := encodeInternal(kindPing, pingMsg{Nonce: 42})
	if err != nil {
		t.Fatalf("encodeInternal: %v", err)
	}
	msg, err := decodeInternal(payload)
	if err != nil {
		t.Fatalf("decodeInternal: %v", err)
	}
	if msg.Kind != kindPing {
		t.Fatalf("kind = %q, want %q", msg.Kind, kindPing)
	}
	ping, ok := decodePayload[pingMsg](msg)
	if !ok {
		t.Fatal("decodePayload failed")
	}
	if ping.Nonce != 42 {
		t.Fatalf("nonce = %d, want 42", ping.Nonce)
	}
}

func TestTokenHexRoundTrip(t *testing.T) {
	tok := relay.NewSessionToken()
	s := tokenToHex(tok)
	if len(s) != len(tok)*2 {
		t.Fatalf("hex length = %d, want %d", len(s), len(tok)*2)
	}
	back, err := tokenFromHex(s)
	if err != nil {
		t.Fatalf("tokenFromHex: %v", err)
	}
	if back != tok {
		t.Fatalf("round trip mismatch: got %v, want %v", back, tok)
	}
}

func TestTokenFromHexRejectsWrongLength(t *testing.T) {
	if _, err := tokenFromHex("abcd"); err == nil {
		t.Fatal("expected error for short hex string")
	}
}

func TestHolePunchRequestMsgCarriesAttemptID(t *testing.T) {
	payload, err := encodeInternal(kindHolePunchRequest, holePunchRequestMsg{
		Target:     identity.PeerID("target-peer"),
		MyEndpoint: "1.2.3.4:9000",
		AttemptID:  "abc-123",
	})
	if err != nil {
		t.Fatalf("encodeInternal: %v", err)
	}
	msg, err := decodeInternal(payload)
	if err != nil {
		t.Fatalf("decodeInternal: %v", err)
	}
	req, ok := decodePayload[holePunchRequestMsg](msg)
	if !ok {
		t.Fatal("decodePayload failed")
	}
	if req.AttemptID != "abc-123" {
		t.Fatalf("attempt id = %q, want abc-123", req.AttemptID)
	}
	if req.Target != "target-peer" {
		t.Fatalf("target = %q, want target-peer", req.Target)
	}
}
