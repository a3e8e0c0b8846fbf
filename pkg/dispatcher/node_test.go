package dispatcher

import (
	"crypto/ed25519"
	"testing"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/endpoint"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/envelope"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	var networkKey [32]byte
	networkKey[0] = 7

	n, err := New(NewConfig(Opts{
		NetworkKey: networkKey,
		Identity:   id,
		MachineID:  "test-machine",
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n
}

func TestNewRejectsMissingIdentity(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error when Identity is nil")
	}
}

func TestSelfPeerIDMatchesIdentity(t *testing.T) {
	n := newTestNode(t)
	if n.SelfPeerID() != n.cfg.Identity.PeerID {
		t.Fatalf("SelfPeerID() = %q, want %q", n.SelfPeerID(), n.cfg.Identity.PeerID)
	}
}

func TestRegisterChannelAssignsStableHash(t *testing.T) {
	n := newTestNode(t)

	var received []byte
	hash, err := n.RegisterChannel("chat", func(from identity.PeerID, machine endpoint.MachineID, payload []byte) {
		received = payload
	})
	if err != nil {
		t.Fatalf("RegisterChannel: %v", err)
	}

	n.mu.RLock()
	handler, ok := n.appHandlers[hash]
	n.mu.RUnlock()
	if !ok {
		t.Fatal("handler was not stored under its hash")
	}
	handler("peer", "machine", []byte("hi"))
	if string(received) != "hi" {
		t.Fatalf("handler did not receive payload, got %q", received)
	}

	// Registering the same name again must return the same hash.
	hash2, err := n.RegisterChannel("chat", func(identity.PeerID, endpoint.MachineID, []byte) {})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if hash2 != hash {
		t.Fatalf("re-registering the same channel name changed its hash: %d != %d", hash2, hash)
	}
}

func TestBuildEnvelopeProducesVerifiableSignature(t *testing.T) {
	n := newTestNode(t)
	target := identity.PeerID("target-peer")

	e := n.buildEnvelope(target, channelMesh, []byte("hello"))

	if e.FromPeerID != string(n.cfg.Identity.PeerID) {
		t.Fatalf("FromPeerID = %q, want %q", e.FromPeerID, n.cfg.Identity.PeerID)
	}
	if e.ToPeerID != string(target) {
		t.Fatalf("ToPeerID = %q, want %q", e.ToPeerID, target)
	}
	if e.HopCount != 0 {
		t.Fatalf("HopCount = %d, want 0", e.HopCount)
	}

	if !identity.Verify(ed25519.PublicKey(e.PublicKey[:]), envelope.SignaturePreimage(e), e.Signature[:]) {
		t.Fatal("signature built by buildEnvelope does not verify")
	}
}

func TestBuildEnvelopeEncodesAndDecodes(t *testing.T) {
	n := newTestNode(t)
	target := identity.PeerID("target-peer")
	e := n.buildEnvelope(target, channelMesh, []byte("payload"))

	wire, err := envelope.Encode(e, n.cfg.NetworkKey)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := envelope.Decode(wire, n.cfg.NetworkKey)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(decoded.Payload) != "payload" {
		t.Fatalf("payload = %q, want %q", decoded.Payload, "payload")
	}
	if err := identity.VerifyPeerID(identity.PeerID(decoded.FromPeerID), ed25519.PublicKey(decoded.PublicKey[:])); err != nil {
		t.Fatalf("VerifyPeerID: %v", err)
	}
}

func TestGetNATTypeDefaultsToUnknownForStranger(t *testing.T) {
	n := newTestNode(t)
	if got := n.GetNATType("someone-we-never-heard-of"); got.String() != "unknown" {
		t.Fatalf("GetNATType for unknown peer = %q, want unknown", got)
	}
}

func TestGetCoordinatorPeerIDFalseWhenCacheEmpty(t *testing.T) {
	n := newTestNode(t)
	if _, ok := n.GetCoordinatorPeerID(); ok {
		t.Fatal("expected no coordinator in an empty cache")
	}
}
