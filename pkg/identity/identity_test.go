package identity

import (
	"crypto/ed25519"
	"testing"
	"time"
)

func TestDerivePeerIDDeterministic(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	a := DerivePeerID(pub)
	b := DerivePeerID(pub)
	if a != b {
		t.Fatalf("derivation not deterministic: %s vs %s", a, b)
	}
	if a == "" {
		t.Fatal("derived PeerId is empty")
	}
}

func TestVerifyPeerIDRejectsMismatch(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	other, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := VerifyPeerID(id.PeerID, other); err == nil {
		t.Fatal("expected mismatch error for a foreign public key")
	}
	if err := VerifyPeerID(id.PeerID, id.PublicKey); err != nil {
		t.Fatalf("expected the identity's own key to verify: %v", err)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	preimage := []byte("envelope header bytes")
	sig := id.Sign(preimage)
	if !Verify(id.PublicKey, preimage, sig) {
		t.Fatal("signature failed to verify")
	}
	if Verify(id.PublicKey, []byte("different bytes"), sig) {
		t.Fatal("signature verified against the wrong preimage")
	}
}

func TestRotationAnnouncementRoundTrip(t *testing.T) {
	var oldKey, newKey [32]byte
	oldKey[0] = 0x01
	newKey[0] = 0x02

	a := GenerateRotationAnnouncement(oldKey, newKey, time.Hour)
	if !ValidateRotationAnnouncement(oldKey, a) {
		t.Fatal("expected announcement signed with oldKey to validate")
	}
	if !VerifyNewNetworkKey(newKey, a) {
		t.Fatal("expected newKey to match the announced hash")
	}

	var wrongKey [32]byte
	wrongKey[0] = 0x03
	if ValidateRotationAnnouncement(wrongKey, a) {
		t.Fatal("expected validation under a different key to fail")
	}
}

func TestRotationStateGracePeriod(t *testing.T) {
	rs := &RotationState{GracePeriod: time.Hour, StartedAt: time.Now()}
	if !rs.InGracePeriod() {
		t.Fatal("expected a freshly started rotation to be in grace period")
	}
	if rs.ShouldComplete() {
		t.Fatal("fresh rotation should not be ready to complete")
	}

	rs.StartedAt = time.Now().Add(-2 * time.Hour)
	if rs.InGracePeriod() {
		t.Fatal("expected an elapsed grace period to report false")
	}
	if !rs.ShouldComplete() {
		t.Fatal("expected an elapsed grace period to be ready to complete")
	}
}
