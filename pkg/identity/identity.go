// Package identity derives peer identity from Ed25519 keys: keypair
// generation, the canonical PeerId the rest of the mesh uses to name a
// peer, and signature helpers over envelope preimages.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
)

// peerIDSize is the number of SHA-256 bytes kept before base32 encoding.
// 20 bytes (160 bits) gives a collision-resistant margin while keeping
// PeerId short enough to carry as a length-prefixed envelope field.
const peerIDSize = 20

var peerIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ErrPeerIDMismatch is returned when a claimed PeerId does not
// re-derive from its accompanying public key.
var ErrPeerIDMismatch = errors.New("identity: peerId does not derive from publicKey")

// PeerID is the mesh-wide name for a peer: a deterministic, verifiable
// function of its Ed25519 public key. Any node can recompute it from a
// received publicKey field alone.
type PeerID string

// DerivePeerID computes the canonical PeerId for an Ed25519 public key.
func DerivePeerID(publicKey ed25519.PublicKey) PeerID {
	sum := sha256.Sum256(publicKey)
	return PeerID(peerIDEncoding.EncodeToString(sum[:peerIDSize]))
}

// VerifyPeerID reports whether claimed re-derives from publicKey; the
// dispatcher must run this before any signature check, per the spec's
// ordering contract.
func VerifyPeerID(claimed PeerID, publicKey ed25519.PublicKey) error {
	if DerivePeerID(publicKey) != claimed {
		return ErrPeerIDMismatch
	}
	return nil
}

// Identity is a node's own keypair plus its derived PeerId, the thing
// every other component signs with or checks envelopes against.
type Identity struct {
	PeerID     PeerID
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// Generate creates a fresh random identity.
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	return FromPrivateKey(priv)
}

// FromPrivateKey reconstructs an Identity from a persisted 64-byte
// Ed25519 private key (loading persisted key material is the caller's
// concern; this package only derives what follows from it).
func FromPrivateKey(priv ed25519.PrivateKey) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		PeerID:     DerivePeerID(pub),
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// Sign signs arbitrary preimage bytes (typically envelope.SignaturePreimage).
func (id *Identity) Sign(preimage []byte) []byte {
	return ed25519.Sign(id.PrivateKey, preimage)
}

// Verify checks a signature against a public key and preimage without
// needing an Identity for the verifying side.
func Verify(publicKey ed25519.PublicKey, preimage, signature []byte) bool {
	return len(publicKey) == ed25519.PublicKeySize && ed25519.Verify(publicKey, preimage, signature)
}
