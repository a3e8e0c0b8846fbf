package envelope

import (
	"crypto/ed25519"
	"errors"
	"testing"
	"time"
)

func testEnvelope(t *testing.T) (*Envelope, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	e := &Envelope{
		FromPeerID:  "peer-a",
		MachineID:   "machine-1",
		ToPeerID:    "peer-b",
		ChannelHash: 42,
		HopCount:    0,
		Timestamp:   time.Now().UTC(),
		Payload:     []byte("hello mesh"),
	}
	copy(e.PublicKey[:], pub)
	sig := ed25519.Sign(priv, SignaturePreimage(e))
	copy(e.Signature[:], sig)
	return e, priv
}

func mustKey(b byte) [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = b
	}
	return k
}

func TestRoundTrip(t *testing.T) {
	e, _ := testEnvelope(t)
	key := mustKey(0x11)

	wire, err := Encode(e, key)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(wire, key)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.FromPeerID != e.FromPeerID || got.ToPeerID != e.ToPeerID || got.MachineID != e.MachineID {
		t.Fatalf("string fields mismatch: %+v vs %+v", got, e)
	}
	if got.ChannelHash != e.ChannelHash || got.HopCount != e.HopCount {
		t.Fatalf("scalar fields mismatch: %+v vs %+v", got, e)
	}
	if string(got.Payload) != string(e.Payload) {
		t.Fatalf("payload mismatch: %q vs %q", got.Payload, e.Payload)
	}
	if got.Timestamp.UnixMilli() != e.Timestamp.UnixMilli() {
		t.Fatalf("timestamp mismatch: %v vs %v", got.Timestamp, e.Timestamp)
	}
}

func TestNetworkIsolation(t *testing.T) {
	e, _ := testEnvelope(t)
	k1 := mustKey(0x11)
	k2 := mustKey(0x22)

	wire, err := Encode(e, k1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = Decode(wire, k2)
	if err == nil {
		t.Fatal("expected decode under a foreign key to fail")
	}
	if !errors.Is(err, ErrHeaderTagMismatch) && !errors.Is(err, ErrNetworkMismatch) {
		t.Fatalf("expected a crypto-layer rejection, got %v", err)
	}
}

func TestTamperDetection(t *testing.T) {
	e, _ := testEnvelope(t)
	key := mustKey(0x33)
	wire, err := Encode(e, key)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	for i := len(magic) + 1; i < len(wire); i++ {
		tampered := append([]byte{}, wire...)
		tampered[i] ^= 0x01
		if _, err := Decode(tampered, key); err == nil {
			t.Fatalf("bit flip at offset %d decoded without error", i)
		}
	}
}

func TestFastRejection(t *testing.T) {
	key := mustKey(0x44)
	blob := make([]byte, 256)
	for i := range blob {
		blob[i] = byte(i)
	}
	_, err := Decode(blob, key)
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic for random bytes, got %v", err)
	}
}

func TestUnsupportedVersion(t *testing.T) {
	e, _ := testEnvelope(t)
	key := mustKey(0x55)
	wire, err := Encode(e, key)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	wire[len(magic)] = 0x99
	_, err = Decode(wire, key)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestTruncatedPacket(t *testing.T) {
	e, _ := testEnvelope(t)
	key := mustKey(0x66)
	wire, err := Encode(e, key)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = Decode(wire[:len(wire)-3], key)
	if !errors.Is(err, ErrTruncatedPacket) && !errors.Is(err, ErrPayloadTagMismatch) {
		t.Fatalf("expected a truncation-related error, got %v", err)
	}
}
